package verification

import (
	"fmt"
	"sort"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// Registry holds every known policy version. It is immutable once built and is passed
// explicitly to whatever evaluates clock events.
type Registry struct {
	byVersion map[int]model.VerificationPolicy
	ordered   []model.VerificationPolicy
}

// NewRegistry validates and indexes the given policy versions
func NewRegistry(policies ...model.VerificationPolicy) (*Registry, error) {
	r := &Registry{byVersion: make(map[int]model.VerificationPolicy, len(policies))}
	for _, p := range policies {
		if p.Version <= 0 {
			return nil, fmt.Errorf("%w: policy version must be positive, got %d", model.ErrInvalidInput, p.Version)
		}
		if p.GeofenceRadiusMeters <= 0 {
			return nil, fmt.Errorf("%w: policy v%d needs a positive geofence radius", model.ErrInvalidInput, p.Version)
		}
		if _, dup := r.byVersion[p.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate policy version %d", model.ErrInvalidInput, p.Version)
		}
		r.byVersion[p.Version] = p
		r.ordered = append(r.ordered, p)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].EffectiveFrom.Before(r.ordered[j].EffectiveFrom)
	})
	return r, nil
}

// Lookup returns an exact policy version
func (r *Registry) Lookup(version int) (model.VerificationPolicy, error) {
	p, ok := r.byVersion[version]
	if !ok {
		return model.VerificationPolicy{}, &model.PolicyNotFoundError{Version: version}
	}
	return p, nil
}

// ActiveAt returns the policy with the latest effective-from at or before t
func (r *Registry) ActiveAt(t time.Time) (model.VerificationPolicy, error) {
	for i := len(r.ordered) - 1; i >= 0; i-- {
		if !r.ordered[i].EffectiveFrom.After(t) {
			return r.ordered[i], nil
		}
	}
	return model.VerificationPolicy{}, &model.PolicyNotFoundError{At: t}
}

// Versions returns all policies ordered by effective-from
func (r *Registry) Versions() []model.VerificationPolicy {
	out := make([]model.VerificationPolicy, len(r.ordered))
	copy(out, r.ordered)
	return out
}

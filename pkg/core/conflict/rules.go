package conflict

import (
	"fmt"
	"sort"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// ValidationError represents an overlap found when validating a whole schedule
type ValidationError struct {
	RuleName    string
	VisitID     string
	OtherID     string
	Description string
}

// Rule defines the interface for a double-booking rule
type Rule interface {
	// Name returns a human-readable identifier for this rule
	Name() string

	// Check returns the existing visits the candidate collides with under this rule.
	// blocking is false when collisions should be recorded but must not fail scheduling.
	Check(candidate model.ScheduledVisit, existing []model.ScheduledVisit) (collisions []model.Collision, blocking bool)

	// ValidateSchedule checks a full set of visits and reports every overlap this rule forbids
	ValidateSchedule(visits []model.ScheduledVisit) []ValidationError
}

// counts reports whether an existing visit holds time that a candidate could collide with
func counts(candidate, existing model.ScheduledVisit) bool {
	return existing.ID != candidate.ID && existing.Status.IsActive()
}

func collisionsWith(rule string, candidate model.ScheduledVisit, existing []model.ScheduledVisit, same func(a, b model.ScheduledVisit) bool) []model.Collision {
	var out []model.Collision
	for _, other := range existing {
		if !same(candidate, other) || !counts(candidate, other) {
			continue
		}
		if candidate.OverlapsVisit(other) {
			out = append(out, model.Collision{Rule: rule, VisitID: other.ID, Start: other.PlannedStart, End: other.PlannedEnd})
		}
	}
	return out
}

// pairwiseOverlaps sweeps active visits grouped by key and reports overlapping pairs.
// Visits scheduled with an explicit conflict override are exempt.
func pairwiseOverlaps(rule string, visits []model.ScheduledVisit, key func(model.ScheduledVisit) string, include func(string) bool) []ValidationError {
	groups := make(map[string][]model.ScheduledVisit)
	for _, v := range visits {
		if !v.Status.IsActive() || v.ConflictOverride {
			continue
		}
		k := key(v)
		if include != nil && !include(k) {
			continue
		}
		groups[k] = append(groups[k], v)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []ValidationError
	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].PlannedStart.Before(group[j].PlannedStart) })
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				// Sorted by start, so nothing later can overlap group[i]
				if !group[j].PlannedStart.Before(group[i].PlannedEnd) {
					break
				}
				errs = append(errs, ValidationError{
					RuleName: rule,
					VisitID:  group[i].ID,
					OtherID:  group[j].ID,
					Description: fmt.Sprintf("%s overlaps [%s, %s) for %s",
						group[j].ID, group[i].PlannedStart.Format("2006-01-02 15:04"), group[i].PlannedEnd.Format("15:04"), k),
				})
			}
		}
	}
	return errs
}

// CaregiverOverlapRule ensures a caregiver is never booked into two active visits at once
type CaregiverOverlapRule struct{}

// NewCaregiverOverlapRule creates the caregiver double-booking rule
func NewCaregiverOverlapRule() *CaregiverOverlapRule {
	return &CaregiverOverlapRule{}
}

func (r *CaregiverOverlapRule) Name() string {
	return "CaregiverOverlap"
}

func (r *CaregiverOverlapRule) Check(candidate model.ScheduledVisit, existing []model.ScheduledVisit) ([]model.Collision, bool) {
	return collisionsWith(r.Name(), candidate, existing, func(a, b model.ScheduledVisit) bool {
		return a.CaregiverID == b.CaregiverID
	}), true
}

func (r *CaregiverOverlapRule) ValidateSchedule(visits []model.ScheduledVisit) []ValidationError {
	return pairwiseOverlaps(r.Name(), visits, func(v model.ScheduledVisit) string { return v.CaregiverID }, nil)
}

// ClientBookingPolicy resolves whether each client may receive simultaneous caregivers
type ClientBookingPolicy struct {
	Default   model.ClientBookingMode
	Overrides map[string]model.ClientBookingMode
}

// ModeFor returns the booking mode configured for a client
func (p ClientBookingPolicy) ModeFor(clientID string) model.ClientBookingMode {
	if mode, ok := p.Overrides[clientID]; ok && mode.Valid() {
		return mode
	}
	if p.Default.Valid() {
		return p.Default
	}
	return model.ClientBookingReject
}

// ClientOverlapRule detects a client receiving two caregivers at once.
// Depending on the client's booking mode the overlap blocks, is recorded, or is ignored.
type ClientOverlapRule struct {
	policy ClientBookingPolicy
}

// NewClientOverlapRule creates the client double-booking rule
func NewClientOverlapRule(policy ClientBookingPolicy) *ClientOverlapRule {
	return &ClientOverlapRule{policy: policy}
}

func (r *ClientOverlapRule) Name() string {
	return "ClientOverlap"
}

func (r *ClientOverlapRule) Check(candidate model.ScheduledVisit, existing []model.ScheduledVisit) ([]model.Collision, bool) {
	mode := r.policy.ModeFor(candidate.ClientID)
	if mode == model.ClientBookingAllow {
		return nil, false
	}
	return collisionsWith(r.Name(), candidate, existing, func(a, b model.ScheduledVisit) bool {
		return a.ClientID == b.ClientID
	}), mode == model.ClientBookingReject
}

func (r *ClientOverlapRule) ValidateSchedule(visits []model.ScheduledVisit) []ValidationError {
	return pairwiseOverlaps(r.Name(), visits, func(v model.ScheduledVisit) string { return v.ClientID }, func(clientID string) bool {
		return r.policy.ModeFor(clientID) == model.ClientBookingReject
	})
}

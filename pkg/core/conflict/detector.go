package conflict

import (
	"github.com/jakechorley/carevisit/pkg/core/model"
)

// Result is the outcome of checking one candidate visit
type Result struct {
	// Blocking collisions fail scheduling unless force-overridden
	Blocking []model.Collision
	// Recorded collisions are allowed but noted on the created event
	Recorded []model.Collision
}

// Clear reports whether the candidate collides with nothing at all
func (r Result) Clear() bool {
	return len(r.Blocking) == 0 && len(r.Recorded) == 0
}

// Detector checks candidate visits against existing commitments.
// It only reports conflicts; resolving them is up to the calling workflow.
type Detector struct {
	rules []Rule
}

// NewDetector creates a detector with the caregiver rule and the client rule for the given policy
func NewDetector(booking ClientBookingPolicy) *Detector {
	return NewDetectorWithRules(NewCaregiverOverlapRule(), NewClientOverlapRule(booking))
}

// NewDetectorWithRules creates a detector from an explicit rule set
func NewDetectorWithRules(rules ...Rule) *Detector {
	return &Detector{rules: rules}
}

// Check evaluates every rule against the candidate. Existing visits may belong to any
// caregiver or client; each rule filters what it cares about. Terminal visits never collide.
// If any blocking collision is found the returned error is a *model.SchedulingConflictError.
func (d *Detector) Check(candidate model.ScheduledVisit, existing []model.ScheduledVisit) (Result, error) {
	var result Result
	for _, rule := range d.rules {
		collisions, blocking := rule.Check(candidate, existing)
		if len(collisions) == 0 {
			continue
		}
		if blocking {
			result.Blocking = append(result.Blocking, collisions...)
		} else {
			result.Recorded = append(result.Recorded, collisions...)
		}
	}

	if len(result.Blocking) > 0 {
		return result, &model.SchedulingConflictError{
			CandidateStart: candidate.PlannedStart,
			CandidateEnd:   candidate.PlannedEnd,
			Collisions:     result.Blocking,
		}
	}
	return result, nil
}

// ValidateSchedule re-checks a full set of visits and returns every forbidden overlap
func (d *Detector) ValidateSchedule(visits []model.ScheduledVisit) []ValidationError {
	var errs []ValidationError
	for _, rule := range d.rules {
		errs = append(errs, rule.ValidateSchedule(visits)...)
	}
	return errs
}

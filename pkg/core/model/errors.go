package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Callers branch with errors.Is; the typed errors below carry the detail.
var (
	// ErrSchedulingConflict is returned when a candidate visit overlaps an active commitment.
	// Recoverable: the caller may skip, reschedule or force-override.
	ErrSchedulingConflict = errors.New("scheduling conflict")

	// ErrInvalidTransition is returned when a command is not legal in the visit's current state.
	// A caller bug or a replay; never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVerificationRejected is returned after a rejected clock event has been recorded
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrLedgerIntegrityViolation is returned when a visit's hash chain does not recompute.
	// Fatal for that visit only.
	ErrLedgerIntegrityViolation = errors.New("ledger integrity violation")

	// ErrPolicyNotFound is returned when a referenced policy version is missing
	ErrPolicyNotFound = errors.New("verification policy not found")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
)

// SchedulingConflictError lists the active visits a candidate collides with
type SchedulingConflictError struct {
	CandidateStart time.Time
	CandidateEnd   time.Time
	Collisions     []Collision
}

// Collision identifies one colliding visit and the rule that caught it
type Collision struct {
	Rule    string
	VisitID string
	Start   time.Time
	End     time.Time
}

func (e *SchedulingConflictError) Error() string {
	ids := make([]string, 0, len(e.Collisions))
	for _, c := range e.Collisions {
		ids = append(ids, fmt.Sprintf("%s (%s)", c.VisitID, c.Rule))
	}
	return fmt.Sprintf("scheduling conflict: [%s, %s) collides with %s",
		e.CandidateStart.Format(time.RFC3339), e.CandidateEnd.Format(time.RFC3339), strings.Join(ids, ", "))
}

func (e *SchedulingConflictError) Unwrap() error { return ErrSchedulingConflict }

// CollidingIDs returns the ids of the colliding visits
func (e *SchedulingConflictError) CollidingIDs() []string {
	return CollisionVisitIDs(e.Collisions)
}

// CollisionVisitIDs returns each colliding visit id once, in first-seen order.
// A visit can collide under more than one rule.
func CollisionVisitIDs(collisions []Collision) []string {
	var ids []string
	seen := make(map[string]bool, len(collisions))
	for _, c := range collisions {
		if seen[c.VisitID] {
			continue
		}
		seen[c.VisitID] = true
		ids = append(ids, c.VisitID)
	}
	return ids
}

// InvalidTransitionError describes a command that is illegal in the visit's state
type InvalidTransitionError struct {
	VisitID string
	From    VisitStatus
	Command string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: %s from %s on visit %s", e.Command, e.From, e.VisitID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// VerificationRejectedError is returned once a rejected clock event has been durably recorded
type VerificationRejectedError struct {
	VisitID       string
	PolicyVersion int
	Reasons       []string
}

func (e *VerificationRejectedError) Error() string {
	return fmt.Sprintf("verification rejected for visit %s under policy v%d: %s",
		e.VisitID, e.PolicyVersion, strings.Join(e.Reasons, "; "))
}

func (e *VerificationRejectedError) Unwrap() error { return ErrVerificationRejected }

// LedgerIntegrityError identifies the first event whose hash or sequence does not check out
type LedgerIntegrityError struct {
	VisitID  string
	VisitSeq int64
	Reason   string
}

func (e *LedgerIntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation on visit %s at seq %d: %s", e.VisitID, e.VisitSeq, e.Reason)
}

func (e *LedgerIntegrityError) Unwrap() error { return ErrLedgerIntegrityViolation }

// PolicyNotFoundError names the missing policy version or instant
type PolicyNotFoundError struct {
	Version int
	At      time.Time
}

func (e *PolicyNotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("verification policy v%d not found", e.Version)
	}
	return fmt.Sprintf("no verification policy effective at %s", e.At.Format(time.RFC3339))
}

func (e *PolicyNotFoundError) Unwrap() error { return ErrPolicyNotFound }

package visits

import (
	"fmt"
	"strings"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/verification"
)

// Outcome is the result of a legal command: the next visit state and the single ledger
// event that records it. The caller must persist both atomically.
type Outcome struct {
	Visit model.ScheduledVisit
	Draft ledger.Draft
	// Changed is false when the command was recorded without altering the visit
	Changed bool
	// Err is surfaced to the caller after the draft has been committed (rejected clock events)
	Err error
}

// Apply computes the transition for cmd at the given time. It is pure: nothing is
// persisted. An illegal command returns an error and no draft.
func Apply(v model.ScheduledVisit, cmd Command, at time.Time) (Outcome, error) {
	if cmd.By().ID == "" {
		return Outcome{}, fmt.Errorf("%w: command %s has no actor", model.ErrInvalidInput, cmd.Name())
	}

	switch c := cmd.(type) {
	case ClockIn:
		return applyClock(v, c.Name(), c.Actor, c.Event, c.Decision, c.Override, at)
	case ClockOut:
		return applyClock(v, c.Name(), c.Actor, c.Event, c.Decision, c.Override, at)
	case Cancel:
		return applyCancel(v, c, at)
	case MarkMissed:
		return applyMissed(v, c, at)
	case Flag:
		return applyFlag(v, c, at)
	case Verify:
		return applyVerify(v, c, at)
	case Supersede:
		return applySupersede(v, c, at)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown command %s", model.ErrInvalidInput, cmd.Name())
	}
}

func invalid(v model.ScheduledVisit, cmd, reason string) error {
	return &model.InvalidTransitionError{VisitID: v.ID, From: v.Status, Command: cmd, Reason: reason}
}

func advanced(v model.ScheduledVisit, at time.Time) model.ScheduledVisit {
	next := v
	next.UpdatedAt = at
	return next
}

func applyClock(
	v model.ScheduledVisit,
	name string,
	actor model.Actor,
	event verification.ClockEvent,
	decision verification.Decision,
	override *ManualOverride,
	at time.Time,
) (Outcome, error) {
	clockOut := event.Kind == verification.ClockOut
	if clockOut {
		if v.Status != model.VisitInProgress || v.ClockIn == nil {
			return Outcome{}, invalid(v, name, "clock-out requires a prior successful clock-in")
		}
		if event.Timestamp.Before(v.ClockIn.Timestamp) {
			return Outcome{}, fmt.Errorf("%w: clock-out at %s precedes clock-in at %s",
				model.ErrInvalidInput, event.Timestamp.Format(time.RFC3339), v.ClockIn.Timestamp.Format(time.RFC3339))
		}
	} else if v.Status != model.VisitScheduled {
		return Outcome{}, invalid(v, name, "visit is not awaiting clock-in")
	}

	details := ledger.NewClockDetails(event, decision)
	var manual *ledger.ManualOverride
	if override != nil {
		if !actor.Elevated {
			return Outcome{}, fmt.Errorf("%w: manual override requires an elevated actor", model.ErrForbidden)
		}
		if strings.TrimSpace(override.Reason) == "" {
			return Outcome{}, fmt.Errorf("%w: manual override requires a reason", model.ErrInvalidInput)
		}
		if decision.Classification == model.ClassificationRejected {
			manual = &ledger.ManualOverride{Reason: override.Reason, OriginalClassification: decision.Classification}
		}
	}

	if decision.Classification == model.ClassificationRejected && manual == nil {
		return Outcome{
			Draft: ledger.Draft{
				Actor:     actor,
				Timestamp: at,
				Payload:   ledger.RejectedPayload{Event: event.Kind, ClockDetails: details},
			},
			Visit: v,
			Err: &model.VerificationRejectedError{
				VisitID:       v.ID,
				PolicyVersion: decision.PolicyVersion,
				Reasons:       decision.Reasons,
			},
		}, nil
	}

	record := &model.ClockRecord{
		Timestamp:      ledger.Normalize(event.Timestamp),
		Coords:         event.Coords,
		AccuracyMeters: event.AccuracyMeters,
		DeviceID:       event.DeviceID,
		Classification: decision.Classification,
		PolicyVersion:  decision.PolicyVersion,
		DistanceMeters: decision.DistanceMeters,
		Override:       manual != nil,
	}

	next := advanced(v, at)
	if decision.Classification != model.ClassificationVerified {
		next.Disputed = true
	}

	var payload ledger.Payload
	if clockOut {
		next.ClockOut = record
		next.Status = model.VisitCompleted
		payload = ledger.ClockedOutPayload{ClockDetails: details, Override: manual}
	} else {
		next.ClockIn = record
		next.Status = model.VisitInProgress
		payload = ledger.ClockedInPayload{ClockDetails: details, Override: manual}
	}

	return Outcome{
		Draft:   ledger.Draft{Actor: actor, Timestamp: at, Payload: payload},
		Visit:   next,
		Changed: true,
	}, nil
}

func applyCancel(v model.ScheduledVisit, c Cancel, at time.Time) (Outcome, error) {
	if strings.TrimSpace(c.Reason) == "" {
		return Outcome{}, fmt.Errorf("%w: cancellation requires a reason", model.ErrInvalidInput)
	}
	if !v.Status.IsActive() {
		return Outcome{}, invalid(v, c.Name(), "only scheduled or in-progress visits can be cancelled")
	}

	next := advanced(v, at)
	next.Status = model.VisitCancelled
	next.CancellationReason = c.Reason
	return Outcome{
		Draft:   ledger.Draft{Actor: c.Actor, Timestamp: at, Payload: ledger.CancelledPayload{Reason: c.Reason}},
		Visit:   next,
		Changed: true,
	}, nil
}

func applyMissed(v model.ScheduledVisit, c MarkMissed, at time.Time) (Outcome, error) {
	if v.Status != model.VisitScheduled {
		return Outcome{}, invalid(v, c.Name(), "only scheduled visits can be missed")
	}
	grace := c.Policy.MissedAfter()
	if at.Before(v.PlannedEnd.Add(grace)) {
		return Outcome{}, invalid(v, c.Name(), fmt.Sprintf("grace window of %s after planned end has not elapsed", grace))
	}

	next := advanced(v, at)
	next.Status = model.VisitMissed
	return Outcome{
		Draft: ledger.Draft{
			Actor:     c.By(),
			Timestamp: at,
			Payload: ledger.MissedPayload{
				PolicyVersion: c.Policy.Version,
				PlannedEnd:    ledger.Normalize(v.PlannedEnd),
				GraceWindow:   grace,
				EvaluatedAt:   ledger.Normalize(at),
			},
		},
		Visit:   next,
		Changed: true,
	}, nil
}

func applyFlag(v model.ScheduledVisit, c Flag, at time.Time) (Outcome, error) {
	if v.Status.IsTerminal() {
		return Outcome{}, invalid(v, c.Name(), "visit is already closed")
	}
	if v.Disputed {
		return Outcome{}, invalid(v, c.Name(), "visit is already disputed")
	}

	next := advanced(v, at)
	next.Disputed = true
	return Outcome{
		Draft: ledger.Draft{
			Actor:     c.Actor,
			Timestamp: at,
			Payload:   ledger.FlaggedPayload{Reason: c.Reason, PolicyVersion: c.PolicyVersion, Age: c.Age},
		},
		Visit:   next,
		Changed: true,
	}, nil
}

func applyVerify(v model.ScheduledVisit, c Verify, at time.Time) (Outcome, error) {
	if !c.Actor.Elevated {
		return Outcome{}, fmt.Errorf("%w: adjudication requires an elevated actor", model.ErrForbidden)
	}
	if strings.TrimSpace(c.Note) == "" {
		return Outcome{}, fmt.Errorf("%w: adjudication requires a note", model.ErrInvalidInput)
	}
	if !v.Disputed {
		return Outcome{}, invalid(v, c.Name(), "visit is not disputed")
	}

	next := advanced(v, at)
	next.Disputed = false
	return Outcome{
		Draft:   ledger.Draft{Actor: c.Actor, Timestamp: at, Payload: ledger.VerifiedPayload{Note: c.Note}},
		Visit:   next,
		Changed: true,
	}, nil
}

func applySupersede(v model.ScheduledVisit, c Supersede, at time.Time) (Outcome, error) {
	if v.Status != model.VisitScheduled {
		return Outcome{}, invalid(v, c.Name(), "only scheduled visits are superseded")
	}

	next := advanced(v, at)
	next.Status = model.VisitCancelled
	next.CancellationReason = fmt.Sprintf("superseded by template %s v%d", c.NewTemplateID, c.NewVersion)
	return Outcome{
		Draft: ledger.Draft{
			Actor:     c.Actor,
			Timestamp: at,
			Payload: ledger.SupersededPayload{
				TemplateID:      v.TemplateID,
				TemplateVersion: v.TemplateVersion,
				NewTemplateID:   c.NewTemplateID,
				NewVersion:      c.NewVersion,
			},
		},
		Visit:   next,
		Changed: true,
	}, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/db"
)

// ConflictResolution is how a scheduling workflow handles a blocking collision
type ConflictResolution string

const (
	// ConflictSkip leaves the candidate out and carries on
	ConflictSkip ConflictResolution = "skip"
	// ConflictFail stops at the first collision
	ConflictFail ConflictResolution = "fail"
	// ConflictForce inserts the candidate anyway; elevated actors only
	ConflictForce ConflictResolution = "force"
)

// ParseConflictResolution converts a string into a ConflictResolution, defaulting to skip
func ParseConflictResolution(s string) (ConflictResolution, error) {
	switch r := ConflictResolution(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return ConflictSkip, nil
	case ConflictSkip, ConflictFail, ConflictForce:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict resolution %q", model.ErrInvalidInput, s)
	}
}

// GenerateOptions controls one generation run
type GenerateOptions struct {
	OnConflict ConflictResolution
	Actor      model.Actor
}

// SkippedVisit is a candidate left out because of a blocking collision
type SkippedVisit struct {
	Candidate  model.ScheduledVisit
	Collisions []model.Collision
}

// GenerateResult reports one generation run. Visits holds every visit of the template
// in the horizon after the run, so repeated runs return the same set.
type GenerateResult struct {
	Visits  []model.ScheduledVisit
	Created []model.ScheduledVisit
	Skipped []SkippedVisit
	// Existing counts candidates another run inserted first
	Existing int
}

// GenerateVisits materializes the template's occurrences in [from, to]. Candidates that
// already exist are never duplicated. Colliding candidates are handled per opts.OnConflict.
func (c *Core) GenerateVisits(ctx context.Context, templateID string, from, to model.Date, opts GenerateOptions) (GenerateResult, error) {
	if err := requireActor(opts.Actor); err != nil {
		return GenerateResult{}, err
	}
	if opts.OnConflict == "" {
		opts.OnConflict = ConflictSkip
	}
	if opts.OnConflict == ConflictForce && !opts.Actor.Elevated {
		return GenerateResult{}, fmt.Errorf("%w: force-overriding conflicts requires an elevated actor", model.ErrForbidden)
	}

	tpl, err := c.store.GetTemplate(ctx, templateID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to get template: %w", err)
	}
	loc, err := tpl.Location.LoadLocation()
	if err != nil {
		return GenerateResult{}, err
	}

	c.logger.Debug("Generating visits",
		zap.String("template_id", tpl.ID),
		zap.Int("version", tpl.Version),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("on_conflict", string(opts.OnConflict)))

	materialized, err := c.store.MaterializedStarts(ctx, tpl.ID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to load existing visits: %w", err)
	}
	candidates, err := c.engine.Candidates(tpl, recurrence.Horizon{From: from, To: to}, materialized)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to expand template: %w", err)
	}

	var result GenerateResult
	for candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		created, err := c.insertCandidate(ctx, candidate, ledger.SourceTemplate, opts.Actor, opts.OnConflict)
		var conflictErr *model.SchedulingConflictError
		switch {
		case err == nil:
			result.Created = append(result.Created, created)
		case errors.Is(err, db.ErrDuplicate):
			result.Existing++
		case errors.As(err, &conflictErr) && opts.OnConflict == ConflictSkip:
			c.logger.Debug("Skipping conflicting candidate",
				zap.String("visit_id", candidate.ID),
				zap.Time("planned_start", candidate.PlannedStart),
				zap.Strings("collides_with", conflictErr.CollidingIDs()))
			result.Skipped = append(result.Skipped, SkippedVisit{Candidate: candidate, Collisions: conflictErr.Collisions})
		default:
			return result, fmt.Errorf("failed to schedule visit at %s: %w", candidate.PlannedStart.Format(time.RFC3339), err)
		}
	}

	result.Visits, err = c.store.ListVisits(ctx, db.VisitFilter{
		TemplateID: tpl.ID,
		From:       from.In(loc),
		To:         to.EndIn(loc),
	})
	if err != nil {
		return result, fmt.Errorf("failed to list generated visits: %w", err)
	}

	c.logger.Info("Generated visits",
		zap.String("template_id", tpl.ID),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("existing", result.Existing),
		zap.Int("total", len(result.Visits)))
	return result, nil
}

// ScheduleInput describes an ad-hoc visit outside any template
type ScheduleInput struct {
	CaregiverID  string    `validate:"required"`
	ClientID     string    `validate:"required"`
	PlannedStart time.Time `validate:"required"`
	PlannedEnd   time.Time `validate:"required,gtfield=PlannedStart"`
	ServiceType  string
	Location     model.Location

	// Force inserts despite blocking collisions; elevated actors only
	Force bool
}

// ScheduleVisit creates one visit. A blocking collision returns *model.SchedulingConflictError
// naming the visits it collides with, unless Force is set by an elevated actor.
func (c *Core) ScheduleVisit(ctx context.Context, in ScheduleInput, actor model.Actor) (model.ScheduledVisit, error) {
	if err := requireActor(actor); err != nil {
		return model.ScheduledVisit{}, err
	}
	if err := validate.Struct(in); err != nil {
		return model.ScheduledVisit{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if _, err := in.Location.LoadLocation(); err != nil {
		return model.ScheduledVisit{}, err
	}
	if !in.Location.Coords.Valid() {
		return model.ScheduledVisit{}, fmt.Errorf("%w: visit location has invalid coordinates", model.ErrInvalidInput)
	}

	resolution := ConflictFail
	if in.Force {
		if !actor.Elevated {
			return model.ScheduledVisit{}, fmt.Errorf("%w: force-overriding conflicts requires an elevated actor", model.ErrForbidden)
		}
		resolution = ConflictForce
	}

	candidate := model.ScheduledVisit{
		ID:           uuid.NewString(),
		CaregiverID:  in.CaregiverID,
		ClientID:     in.ClientID,
		ServiceType:  in.ServiceType,
		Location:     in.Location,
		PlannedStart: in.PlannedStart.UTC(),
		PlannedEnd:   in.PlannedEnd.UTC(),
		Status:       model.VisitScheduled,
	}
	return c.insertCandidate(ctx, candidate, ledger.SourceManual, actor, resolution)
}

// insertCandidate runs conflict detection and insertion under the caregiver and client
// schedule lock, so two concurrent requests for overlapping slots cannot both succeed.
func (c *Core) insertCandidate(ctx context.Context, candidate model.ScheduledVisit, source string, actor model.Actor, resolution ConflictResolution) (model.ScheduledVisit, error) {
	var created ledger.AuditEvent

	err := c.store.WithScheduleLock(ctx, candidate.CaregiverID, candidate.ClientID, func(tx db.ScheduleTx) error {
		existing, err := tx.ActiveOverlapping(ctx, candidate.CaregiverID, candidate.ClientID, candidate.PlannedStart, candidate.PlannedEnd)
		if err != nil {
			return fmt.Errorf("failed to load overlapping visits: %w", err)
		}

		check, conflictErr := c.detector.Check(candidate, existing)
		if conflictErr != nil {
			for _, col := range check.Blocking {
				c.metrics.IncrementConflict(col.Rule, string(resolution))
			}
			if resolution != ConflictForce {
				return conflictErr
			}
			c.logger.Warn("Force-overriding scheduling conflict",
				zap.String("visit_id", candidate.ID),
				zap.String("actor", actor.ID),
				zap.Error(conflictErr))
			candidate.ConflictOverride = true
		}

		now := c.now()
		candidate.Status = model.VisitScheduled
		candidate.CreatedAt = now
		candidate.UpdatedAt = now

		payload := ledger.CreatedPayload{
			Source:            source,
			TemplateID:        candidate.TemplateID,
			TemplateVersion:   candidate.TemplateVersion,
			CaregiverID:       candidate.CaregiverID,
			ClientID:          candidate.ClientID,
			ServiceType:       candidate.ServiceType,
			PlannedStart:      ledger.Normalize(candidate.PlannedStart),
			PlannedEnd:        ledger.Normalize(candidate.PlannedEnd),
			ConflictOverride:  candidate.ConflictOverride,
			OverriddenVisits:  model.CollisionVisitIDs(check.Blocking),
			ClientOverlapWith: model.CollisionVisitIDs(check.Recorded),
		}

		created, err = tx.InsertVisit(ctx, candidate, ledger.Draft{Actor: actor, Timestamp: now, Payload: payload})
		if err != nil {
			return fmt.Errorf("failed to insert visit: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.ScheduledVisit{}, err
	}

	c.metrics.IncrementScheduled(source)
	c.afterCommit(ctx, []ledger.AuditEvent{created})
	return candidate, nil
}

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/visits"
	"github.com/jakechorley/carevisit/pkg/db"
)

// SupersedeResult is the replacement template and the future visits it cancelled
type SupersedeResult struct {
	Template  model.ShiftTemplate
	Cancelled []string
	// Kept are future visits of the old template that had already started and were left alone
	Kept []string
	// Held are future visits left scheduled because their audit chain failed verification
	Held []string
}

func (c *Core) validateTemplate(tpl model.ShiftTemplate) error {
	if err := validate.Struct(tpl); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if tpl.ValidFrom.IsZero() {
		return fmt.Errorf("%w: template needs a valid-from date", model.ErrInvalidInput)
	}
	if tpl.ValidTo != nil && tpl.ValidTo.Before(tpl.ValidFrom) {
		return fmt.Errorf("%w: valid-to %s is before valid-from %s", model.ErrInvalidInput, tpl.ValidTo, tpl.ValidFrom)
	}
	if !tpl.Location.Coords.Valid() {
		return fmt.Errorf("%w: template location has invalid coordinates", model.ErrInvalidInput)
	}
	if _, _, err := recurrence.BuildRule(tpl); err != nil {
		return err
	}
	return nil
}

// CreateTemplate validates and stores a new version-1 template
func (c *Core) CreateTemplate(ctx context.Context, tpl model.ShiftTemplate, actor model.Actor) (model.ShiftTemplate, error) {
	if err := requireActor(actor); err != nil {
		return model.ShiftTemplate{}, err
	}

	tpl.ID = uuid.NewString()
	tpl.Version = 1
	tpl.SupersedesID = ""
	if tpl.Status == "" {
		tpl.Status = model.TemplateActive
	}
	tpl.CreatedAt = c.now()
	tpl.CreatedBy = actor.ID

	if err := c.validateTemplate(tpl); err != nil {
		return model.ShiftTemplate{}, err
	}

	c.logger.Debug("Creating shift template",
		zap.String("template_id", tpl.ID),
		zap.String("caregiver_id", tpl.CaregiverID),
		zap.String("client_id", tpl.ClientID),
		zap.Stringer("valid_from", tpl.ValidFrom))

	if err := c.store.InsertTemplate(ctx, tpl); err != nil {
		return model.ShiftTemplate{}, fmt.Errorf("failed to insert template: %w", err)
	}

	c.logger.Info("Created shift template", zap.String("template_id", tpl.ID), zap.String("actor", actor.ID))
	return tpl, nil
}

// SupersedeTemplate retires a template and stores its replacement as the next version.
// Scheduled visits of the old template starting on or after the replacement's valid-from
// are cancelled with a superseded event. Visits in progress or closed are untouched.
func (c *Core) SupersedeTemplate(ctx context.Context, oldID string, replacement model.ShiftTemplate, actor model.Actor) (SupersedeResult, error) {
	if err := requireActor(actor); err != nil {
		return SupersedeResult{}, err
	}

	old, err := c.store.GetTemplate(ctx, oldID)
	if err != nil {
		return SupersedeResult{}, fmt.Errorf("failed to get template: %w", err)
	}
	if old.Status == model.TemplateRetired {
		return SupersedeResult{}, fmt.Errorf("%w: template %s is already retired", model.ErrInvalidInput, oldID)
	}

	replacement.ID = uuid.NewString()
	replacement.Version = old.Version + 1
	replacement.SupersedesID = old.ID
	replacement.Status = model.TemplateActive
	replacement.CreatedAt = c.now()
	replacement.CreatedBy = actor.ID
	if err := c.validateTemplate(replacement); err != nil {
		return SupersedeResult{}, err
	}

	if err := c.store.ReplaceTemplate(ctx, old.ID, replacement); err != nil {
		return SupersedeResult{}, fmt.Errorf("failed to replace template: %w", err)
	}
	c.logger.Info("Superseded shift template",
		zap.String("old_template_id", old.ID),
		zap.String("new_template_id", replacement.ID),
		zap.Int("new_version", replacement.Version))

	loc, err := old.Location.LoadLocation()
	if err != nil {
		return SupersedeResult{}, err
	}
	future, err := c.store.ListVisits(ctx, db.VisitFilter{
		TemplateID: old.ID,
		From:       replacement.ValidFrom.In(loc),
		Statuses:   []model.VisitStatus{model.VisitScheduled},
	})
	if err != nil {
		return SupersedeResult{}, fmt.Errorf("failed to list visits of superseded template: %w", err)
	}

	result := SupersedeResult{Template: replacement}
	cmd := visits.Supersede{Actor: actor, NewTemplateID: replacement.ID, NewVersion: replacement.Version}
	for _, v := range future {
		_, err := c.runCommand(ctx, v.ID, c.now(), func(model.ScheduledVisit) (visits.Command, error) {
			return cmd, nil
		})
		if errors.Is(err, model.ErrInvalidTransition) {
			c.logger.Debug("Visit started before supersede reached it; keeping", zap.String("visit_id", v.ID))
			result.Kept = append(result.Kept, v.ID)
			continue
		}
		if errors.Is(err, model.ErrLedgerIntegrityViolation) {
			result.Held = append(result.Held, v.ID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to cancel superseded visit %s: %w", v.ID, err)
		}
		result.Cancelled = append(result.Cancelled, v.ID)
	}

	c.logger.Info("Cancelled visits of superseded template",
		zap.String("old_template_id", old.ID),
		zap.Int("cancelled", len(result.Cancelled)),
		zap.Int("kept", len(result.Kept)),
		zap.Int("held", len(result.Held)))
	return result, nil
}

package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/visits"
	"github.com/jakechorley/carevisit/pkg/db"
)

// CancelVisit ends a scheduled or in-progress visit. A reason is required.
func (c *Core) CancelVisit(ctx context.Context, visitID, reason string, actor model.Actor) (model.ScheduledVisit, error) {
	if err := requireActor(actor); err != nil {
		return model.ScheduledVisit{}, err
	}

	c.logger.Debug("Cancelling visit", zap.String("visit_id", visitID), zap.String("actor", actor.ID))
	visit, err := c.runCommand(ctx, visitID, c.now(), func(model.ScheduledVisit) (visits.Command, error) {
		return visits.Cancel{Actor: actor, Reason: reason}, nil
	})
	if err != nil {
		return model.ScheduledVisit{}, err
	}

	c.logger.Info("Cancelled visit", zap.String("visit_id", visitID), zap.String("reason", reason))
	return visit, nil
}

// AdjudicateVisit clears the disputed marker after review by an elevated actor
func (c *Core) AdjudicateVisit(ctx context.Context, visitID, note string, actor model.Actor) (model.ScheduledVisit, error) {
	if err := requireActor(actor); err != nil {
		return model.ScheduledVisit{}, err
	}

	visit, err := c.runCommand(ctx, visitID, c.now(), func(model.ScheduledVisit) (visits.Command, error) {
		return visits.Verify{Actor: actor, Note: note}, nil
	})
	if err != nil {
		return model.ScheduledVisit{}, err
	}

	c.logger.Info("Adjudicated visit", zap.String("visit_id", visitID), zap.String("actor", actor.ID))
	return visit, nil
}

// AmendInput corrects a value recorded by an earlier event of the same visit
type AmendInput struct {
	Amends   int64  `validate:"gt=0"`
	Field    string `validate:"required"`
	OldValue string
	NewValue string `validate:"required"`
	Reason   string `validate:"required"`
}

// AmendEvent appends an amendment referencing an earlier event. The original event is
// never altered and the visit's state does not change.
func (c *Core) AmendEvent(ctx context.Context, visitID string, in AmendInput, actor model.Actor) (ledger.AuditEvent, error) {
	if err := requireActor(actor); err != nil {
		return ledger.AuditEvent{}, err
	}
	if !actor.Elevated {
		return ledger.AuditEvent{}, fmt.Errorf("%w: amendments require an elevated actor", model.ErrForbidden)
	}
	in.Field = strings.TrimSpace(in.Field)
	in.Reason = strings.TrimSpace(in.Reason)
	if err := validate.Struct(in); err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	chain, err := c.store.ReadChain(ctx, visitID)
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to read audit chain: %w", err)
	}
	if _, ok := ledger.Find(chain, in.Amends); !ok {
		return ledger.AuditEvent{}, fmt.Errorf("%w: visit %s has no event with sequence %d", model.ErrInvalidInput, visitID, in.Amends)
	}

	var event ledger.AuditEvent
	err = c.store.WithVisit(ctx, visitID, func(tx db.VisitTx) error {
		if err := c.verifyLocked(ctx, tx); err != nil {
			return err
		}
		var err error
		event, err = tx.Append(ctx, ledger.Draft{
			Actor:     actor,
			Timestamp: c.now(),
			Payload: ledger.AmendedPayload{
				Amends:   in.Amends,
				Field:    in.Field,
				OldValue: in.OldValue,
				NewValue: in.NewValue,
				Reason:   in.Reason,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to append amendment: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.AuditEvent{}, err
	}

	c.afterCommit(ctx, []ledger.AuditEvent{event})
	c.logger.Info("Amended audit event",
		zap.String("visit_id", visitID),
		zap.Int64("amends", in.Amends),
		zap.String("field", in.Field))
	return event, nil
}

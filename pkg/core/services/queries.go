package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/db"
)

// GetAuditChain returns the visit's events in order. If the chain fails verification the
// events are still returned together with a *model.LedgerIntegrityError.
func (c *Core) GetAuditChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error) {
	chain, err := c.store.ReadChain(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain: %w", err)
	}
	if err := ledger.Verify(chain); err != nil {
		c.metrics.IncrementIntegrityFailure()
		c.logger.Error("Audit chain failed verification", zap.String("visit_id", visitID), zap.Error(err))
		return chain, err
	}
	return chain, nil
}

// ListVisits returns visits matching the filter ordered by planned start
func (c *Core) ListVisits(ctx context.Context, filter db.VisitFilter) ([]model.ScheduledVisit, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: range end is before range start", model.ErrInvalidInput)
	}
	visits, err := c.store.ListVisits(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	return visits, nil
}

// ValidateSchedule re-checks a set of visits for overlaps the conflict rules forbid
func (c *Core) ValidateSchedule(visits []model.ScheduledVisit) []conflict.ValidationError {
	return c.detector.ValidateSchedule(visits)
}

// HeldVisit is a completed visit billing must not use yet
type HeldVisit struct {
	Visit  model.ScheduledVisit
	Reason string
	Err    error
}

const (
	HoldDisputed  = "disputed"
	HoldIntegrity = "ledger_integrity"
)

// BillingReport splits completed visits into billable and held
type BillingReport struct {
	Billable []model.ScheduledVisit
	Held     []HeldVisit
}

// BillableVisits derives what billing may pay from: completed, not disputed, and a chain
// that verifies. A broken chain holds that visit only; the rest are still reported.
func (c *Core) BillableVisits(ctx context.Context, filter db.VisitFilter) (BillingReport, error) {
	filter.Statuses = []model.VisitStatus{model.VisitCompleted}
	completed, err := c.ListVisits(ctx, filter)
	if err != nil {
		return BillingReport{}, err
	}

	c.logger.Debug("Deriving billable visits", zap.Int("completed", len(completed)))

	chainErrs := make([]error, len(completed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.sweepWorkers)
	for i, v := range completed {
		if v.Disputed {
			continue
		}
		g.Go(func() error {
			chain, err := c.store.ReadChain(gctx, v.ID)
			if err != nil {
				return fmt.Errorf("failed to read audit chain for visit %s: %w", v.ID, err)
			}
			chainErrs[i] = ledger.Verify(chain)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BillingReport{}, err
	}

	var report BillingReport
	for i, v := range completed {
		switch {
		case v.Disputed:
			report.Held = append(report.Held, HeldVisit{Visit: v, Reason: HoldDisputed})
		case chainErrs[i] != nil:
			c.metrics.IncrementIntegrityFailure()
			c.logger.Error("Holding visit from billing: audit chain failed verification",
				zap.String("visit_id", v.ID),
				zap.Error(chainErrs[i]))
			report.Held = append(report.Held, HeldVisit{Visit: v, Reason: HoldIntegrity, Err: chainErrs[i]})
		default:
			report.Billable = append(report.Billable, v)
		}
	}

	c.logger.Info("Derived billable visits",
		zap.Int("billable", len(report.Billable)),
		zap.Int("held", len(report.Held)))
	return report, nil
}

// IntegrityHolds returns the held visits whose chains are broken
func (r BillingReport) IntegrityHolds() []HeldVisit {
	var out []HeldVisit
	for _, h := range r.Held {
		if errors.Is(h.Err, model.ErrLedgerIntegrityViolation) {
			out = append(out, h)
		}
	}
	return out
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/visits"
	"github.com/jakechorley/carevisit/pkg/db"
)

// SweepResult counts what one sweep pass changed
type SweepResult struct {
	Missed  int
	Flagged int
	// Failed counts visits the sweep could not process; they are retried next pass
	Failed int
}

// SweepOnce marks scheduled visits missed once planned end plus the missed grace has
// passed, and flags in-progress visits left without a clock-out beyond the policy's
// max unverified age. Each visit goes through its own transaction, so a visit that was
// clocked in concurrently is left alone. A failure on one visit does not stop the others.
func (c *Core) SweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()

	scheduled, err := c.store.ListVisits(ctx, db.VisitFilter{To: now, Statuses: []model.VisitStatus{model.VisitScheduled}})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list scheduled visits: %w", err)
	}
	inProgress, err := c.store.ListVisits(ctx, db.VisitFilter{Statuses: []model.VisitStatus{model.VisitInProgress}})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list in-progress visits: %w", err)
	}

	c.logger.Debug("Sweeping visits",
		zap.Time("now", now),
		zap.Int("scheduled", len(scheduled)),
		zap.Int("in_progress", len(inProgress)))

	var missed, flagged, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.sweepWorkers)

	for _, v := range scheduled {
		if !now.After(v.PlannedEnd) {
			continue
		}
		g.Go(func() error {
			ok, err := c.sweepMissed(gctx, v, now)
			c.countSweep(v.ID, ok, err, &missed, &failed)
			return gctx.Err()
		})
	}
	for _, v := range inProgress {
		if v.Disputed || v.ClockIn == nil {
			continue
		}
		g.Go(func() error {
			ok, err := c.sweepUnverified(gctx, v, now)
			c.countSweep(v.ID, ok, err, &flagged, &failed)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Missed: int(missed.Load()), Flagged: int(flagged.Load()), Failed: int(failed.Load())}
	c.metrics.ObserveSweep(time.Since(started), result.Missed, result.Flagged)
	c.logger.Info("Sweep complete",
		zap.Int("missed", result.Missed),
		zap.Int("flagged", result.Flagged),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (c *Core) countSweep(visitID string, changed bool, err error, counter, failed *atomic.Int64) {
	switch {
	case err != nil:
		failed.Add(1)
		c.logger.Error("Sweep failed for visit", zap.String("visit_id", visitID), zap.Error(err))
	case changed:
		counter.Add(1)
	}
}

// sweepMissed marks one visit missed. Returns false when the visit was no longer eligible.
func (c *Core) sweepMissed(ctx context.Context, v model.ScheduledVisit, now time.Time) (bool, error) {
	policy, err := c.policies.ActiveAt(v.PlannedEnd)
	if err != nil {
		return false, err
	}
	if now.Before(v.PlannedEnd.Add(policy.MissedAfter())) {
		return false, nil
	}

	_, err = c.runCommand(ctx, v.ID, now, func(current model.ScheduledVisit) (visits.Command, error) {
		if current.Status != model.VisitScheduled {
			return nil, errNoop
		}
		return visits.MarkMissed{Policy: policy}, nil
	})
	if errors.Is(err, errNoop) {
		c.logger.Debug("Visit changed before sweep reached it", zap.String("visit_id", v.ID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.logger.Info("Marked visit missed",
		zap.String("visit_id", v.ID),
		zap.Time("planned_end", v.PlannedEnd),
		zap.Int("policy_version", policy.Version))
	return true, nil
}

// sweepUnverified flags an in-progress visit that has gone too long without a clock-out
func (c *Core) sweepUnverified(ctx context.Context, v model.ScheduledVisit, now time.Time) (bool, error) {
	policy, err := c.policies.Lookup(v.ClockIn.PolicyVersion)
	if err != nil {
		return false, err
	}
	if policy.MaxUnverifiedAge <= 0 {
		return false, nil
	}
	age := now.Sub(v.ClockIn.Timestamp)
	if age < policy.MaxUnverifiedAge {
		return false, nil
	}

	_, err = c.runCommand(ctx, v.ID, now, func(current model.ScheduledVisit) (visits.Command, error) {
		if current.Status != model.VisitInProgress || current.Disputed {
			return nil, errNoop
		}
		return visits.Flag{
			Actor:         model.SystemActor(),
			Reason:        fmt.Sprintf("no clock-out within %s of clock-in", policy.MaxUnverifiedAge),
			PolicyVersion: policy.Version,
			Age:           age,
		}, nil
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.logger.Info("Flagged unverified visit", zap.String("visit_id", v.ID), zap.Duration("age", age))
	return true, nil
}

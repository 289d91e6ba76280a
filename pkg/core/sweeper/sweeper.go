package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/lock"
)

// LockKey is the lock a replica must hold to run a sweep pass
const LockKey = "sweep"

// Sweeper is the part of the core a sweep pass needs
type Sweeper interface {
	SweepOnce(ctx context.Context, now time.Time) (services.SweepResult, error)
}

// Runner calls SweepOnce on a fixed interval until its context is cancelled. When a
// locker is configured only the replica holding the lock sweeps in a given pass.
type Runner struct {
	sweeper  Sweeper
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewRunner creates a sweep runner. locker may be nil for a single replica.
func NewRunner(sweeper Sweeper, locker lock.Locker, interval, lockTTL time.Duration, logger *zap.Logger) *Runner {
	if lockTTL < interval {
		lockTTL = 2 * interval
	}
	return &Runner{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Run sweeps immediately and then on every tick. It returns nil when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting sweep loop", zap.Duration("interval", r.interval), zap.Bool("locked", r.locker != nil))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Tick(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping sweep loop")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass if this replica can take the lock. Returns whether a pass ran.
// Failures are logged; the next tick retries.
func (r *Runner) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, LockKey, r.lockTTL)
		if err != nil {
			r.logger.Error("Failed to acquire sweep lock", zap.Error(err))
			return false
		}
		if !ok {
			r.logger.Debug("Another replica holds the sweep lock")
			return false
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	if _, err := r.sweeper.SweepOnce(ctx, r.now()); err != nil {
		r.logger.Error("Sweep pass failed", zap.Error(err))
	}
	return true
}

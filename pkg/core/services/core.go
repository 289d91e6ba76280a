package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/core/visits"
	"github.com/jakechorley/carevisit/pkg/db"
	"github.com/jakechorley/carevisit/pkg/metrics"
)

var validate = validator.New()

// Publisher receives audit events after they have been committed.
// A publish failure never rolls back the ledger.
type Publisher interface {
	Publish(ctx context.Context, events []ledger.AuditEvent) error
}

// Core wires the recurrence engine, conflict detector, state machine, verification
// evaluator and ledger to a store. It is safe for concurrent use; all coordination
// happens in the store's per-visit and per-caregiver/client transactions.
type Core struct {
	store     db.Store
	engine    *recurrence.Engine
	detector  *conflict.Detector
	policies  *verification.Registry
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	sweepWorkers int
}

// Option configures a Core
type Option func(*Core)

// WithPublisher sets where committed events are published
func WithPublisher(p Publisher) Option {
	return func(c *Core) { c.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// WithSweepWorkers sets how many visits a sweep processes in parallel
func WithSweepWorkers(n int) Option {
	return func(c *Core) {
		if n > 0 {
			c.sweepWorkers = n
		}
	}
}

// NewCore creates the orchestration service
func NewCore(
	store db.Store,
	engine *recurrence.Engine,
	detector *conflict.Detector,
	policies *verification.Registry,
	logger *zap.Logger,
	opts ...Option,
) *Core {
	c := &Core{
		store:        store,
		engine:       engine,
		detector:     detector,
		policies:     policies,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		sweepWorkers: 4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Policies returns the policy registry the core evaluates against
func (c *Core) Policies() *verification.Registry {
	return c.policies
}

// commandBuilder builds a command from the locked, current state of a visit
type commandBuilder func(v model.ScheduledVisit) (visits.Command, error)

// errNoop aborts a visit transaction without recording anything
var errNoop = errors.New("no transition")

// runCommand applies one command to one visit inside its transaction: the state change
// and the ledger event commit together or not at all. Any error carried by the outcome
// (a rejected clock event) is returned only after the event has been committed.
func (c *Core) runCommand(ctx context.Context, visitID string, at time.Time, build commandBuilder) (model.ScheduledVisit, error) {
	var (
		result    model.ScheduledVisit
		surfaced  error
		committed []ledger.AuditEvent
	)

	err := c.store.WithVisit(ctx, visitID, func(tx db.VisitTx) error {
		if err := c.verifyLocked(ctx, tx); err != nil {
			return err
		}
		current := tx.Visit()
		cmd, err := build(current)
		if err != nil {
			return err
		}

		out, err := visits.Apply(current, cmd, at)
		if err != nil {
			return err
		}

		if out.Changed {
			if err := tx.Update(ctx, out.Visit); err != nil {
				return fmt.Errorf("failed to update visit: %w", err)
			}
		}
		event, err := tx.Append(ctx, out.Draft)
		if err != nil {
			return fmt.Errorf("failed to append %s event: %w", out.Draft.Kind(), err)
		}

		committed = append(committed, event)
		result = out.Visit
		surfaced = out.Err
		return nil
	})
	if err != nil {
		return model.ScheduledVisit{}, err
	}

	c.afterCommit(ctx, committed)
	return result, surfaced
}

// verifyLocked checks the chain of the visit held by tx. Nothing more is appended to a
// visit whose chain fails verification.
func (c *Core) verifyLocked(ctx context.Context, tx db.VisitTx) error {
	chain, err := tx.Chain(ctx)
	if err != nil {
		return fmt.Errorf("failed to read audit chain: %w", err)
	}
	if err := ledger.Verify(chain); err != nil {
		c.metrics.IncrementIntegrityFailure()
		c.logger.Error("Refusing to extend audit chain that failed verification",
			zap.String("visit_id", tx.Visit().ID),
			zap.Error(err))
		return err
	}
	return nil
}

// afterCommit counts and publishes events that are already durable
func (c *Core) afterCommit(ctx context.Context, events []ledger.AuditEvent) {
	for _, e := range events {
		c.metrics.IncrementLedgerEvent(string(e.Kind))
		c.logger.Debug("Audit event committed",
			zap.String("visit_id", e.VisitID),
			zap.String("kind", string(e.Kind)),
			zap.Int64("visit_seq", e.VisitSeq),
			zap.Int64("global_seq", e.GlobalSeq),
			zap.String("actor", e.Actor.ID))
	}

	if c.publisher == nil || len(events) == 0 {
		return
	}
	if err := c.publisher.Publish(ctx, events); err != nil {
		c.metrics.IncrementPublishFailure(len(events))
		c.logger.Error("Failed to publish committed audit events",
			zap.String("visit_id", events[0].VisitID),
			zap.Int("count", len(events)),
			zap.Error(err))
	}
}

func requireActor(actor model.Actor) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}
	return nil
}

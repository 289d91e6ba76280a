package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/core/visits"
)

// ClockInput is a device-reported clock event. A zero Timestamp means now.
// PolicyVersion pins an explicit policy; zero selects the version active at Timestamp.
type ClockInput struct {
	Timestamp      time.Time
	Coords         *model.Coordinates
	AccuracyMeters float64
	DeviceID       string
	PolicyVersion  int

	// Override advances the visit past a rejected event; elevated actors only
	Override *visits.ManualOverride
}

// RecordClockIn evaluates and records a clock-in. A rejected event is still written to the
// ledger; the visit stays scheduled and a *model.VerificationRejectedError is returned.
func (c *Core) RecordClockIn(ctx context.Context, visitID string, in ClockInput, actor model.Actor) (model.ScheduledVisit, error) {
	return c.recordClock(ctx, visitID, verification.ClockIn, in, actor)
}

// RecordClockOut evaluates and records a clock-out against the planned end
func (c *Core) RecordClockOut(ctx context.Context, visitID string, in ClockInput, actor model.Actor) (model.ScheduledVisit, error) {
	return c.recordClock(ctx, visitID, verification.ClockOut, in, actor)
}

func (c *Core) recordClock(ctx context.Context, visitID string, kind verification.EventKind, in ClockInput, actor model.Actor) (model.ScheduledVisit, error) {
	if err := requireActor(actor); err != nil {
		return model.ScheduledVisit{}, err
	}
	if in.AccuracyMeters < 0 {
		return model.ScheduledVisit{}, fmt.Errorf("%w: accuracy cannot be negative", model.ErrInvalidInput)
	}

	now := c.now()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}

	policy, err := c.policyFor(in)
	if err != nil {
		return model.ScheduledVisit{}, err
	}

	event := verification.ClockEvent{
		Kind:           kind,
		Timestamp:      in.Timestamp.UTC(),
		Coords:         in.Coords,
		AccuracyMeters: in.AccuracyMeters,
		DeviceID:       in.DeviceID,
	}

	c.logger.Debug("Recording clock event",
		zap.String("visit_id", visitID),
		zap.String("event", string(kind)),
		zap.Time("timestamp", event.Timestamp),
		zap.Int("policy_version", policy.Version),
		zap.String("actor", actor.ID))

	var decision verification.Decision
	visit, err := c.runCommand(ctx, visitID, now, func(v model.ScheduledVisit) (visits.Command, error) {
		decision = verification.Evaluate(policy, v, event)
		if kind == verification.ClockOut {
			return visits.ClockOut{Actor: actor, Event: event, Decision: decision, Override: in.Override}, nil
		}
		return visits.ClockIn{Actor: actor, Event: event, Decision: decision, Override: in.Override}, nil
	})

	var rejected *model.VerificationRejectedError
	switch {
	case err == nil:
		c.metrics.IncrementClockEvent(string(kind), string(decision.Classification))
		c.logger.Info("Clock event recorded",
			zap.String("visit_id", visitID),
			zap.String("event", string(kind)),
			zap.String("classification", string(decision.Classification)),
			zap.Bool("disputed", visit.Disputed))
	case errors.As(err, &rejected):
		c.metrics.IncrementClockEvent(string(kind), string(decision.Classification))
		c.logger.Warn("Clock event rejected",
			zap.String("visit_id", visitID),
			zap.String("event", string(kind)),
			zap.Strings("reasons", rejected.Reasons))
	}
	return visit, err
}

func (c *Core) policyFor(in ClockInput) (model.VerificationPolicy, error) {
	if in.PolicyVersion > 0 {
		return c.policies.Lookup(in.PolicyVersion)
	}
	return c.policies.ActiveAt(in.Timestamp)
}

package visits

import (
	"time"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/verification"
)

// Command is a request to transition a visit
type Command interface {
	// Name identifies the command in errors and logs
	Name() string
	// By returns the actor issuing the command
	By() model.Actor
}

// ManualOverride lets an elevated actor advance a visit past a rejected clock event
type ManualOverride struct {
	Reason string
}

// ClockIn moves a scheduled visit to in_progress. The decision must already have been
// produced by the verification evaluator for Event.
type ClockIn struct {
	Actor    model.Actor
	Event    verification.ClockEvent
	Decision verification.Decision
	Override *ManualOverride
}

// ClockOut moves an in-progress visit to completed
type ClockOut struct {
	Actor    model.Actor
	Event    verification.ClockEvent
	Decision verification.Decision
	Override *ManualOverride
}

// Cancel ends a visit that has not completed. A reason is required.
type Cancel struct {
	Actor  model.Actor
	Reason string
}

// MarkMissed is issued by the sweep once planned end plus the missed grace has elapsed
type MarkMissed struct {
	Policy model.VerificationPolicy
}

// Flag marks a visit for review without changing its primary state
type Flag struct {
	Actor         model.Actor
	Reason        string
	PolicyVersion int
	Age           time.Duration
}

// Verify is a supervisor's adjudication clearing the disputed marker
type Verify struct {
	Actor model.Actor
	Note  string
}

// Supersede cancels a scheduled visit because its template was replaced
type Supersede struct {
	Actor         model.Actor
	NewTemplateID string
	NewVersion    int
}

func (ClockIn) Name() string    { return "clock_in" }
func (ClockOut) Name() string   { return "clock_out" }
func (Cancel) Name() string     { return "cancel" }
func (MarkMissed) Name() string { return "mark_missed" }
func (Flag) Name() string       { return "flag" }
func (Verify) Name() string     { return "verify" }
func (Supersede) Name() string  { return "supersede" }

func (c ClockIn) By() model.Actor   { return c.Actor }
func (c ClockOut) By() model.Actor  { return c.Actor }
func (c Cancel) By() model.Actor    { return c.Actor }
func (MarkMissed) By() model.Actor  { return model.SystemActor() }
func (c Flag) By() model.Actor      { return c.Actor }
func (c Verify) By() model.Actor    { return c.Actor }
func (c Supersede) By() model.Actor { return c.Actor }

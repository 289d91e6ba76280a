package db

import (
	"context"
	"errors"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
)

// ErrDuplicate is returned when inserting a record whose id already exists
var ErrDuplicate = errors.New("already exists")

// VisitFilter selects visits by owner, planned start range and status
type VisitFilter struct {
	CaregiverID string
	ClientID    string
	TemplateID  string
	// From and To bound the planned start, [From, To); zero values are open
	From     time.Time
	To       time.Time
	Statuses []model.VisitStatus
}

// Matches reports whether a visit passes the filter
func (f VisitFilter) Matches(v model.ScheduledVisit) bool {
	if f.CaregiverID != "" && v.CaregiverID != f.CaregiverID {
		return false
	}
	if f.ClientID != "" && v.ClientID != f.ClientID {
		return false
	}
	if f.TemplateID != "" && v.TemplateID != f.TemplateID {
		return false
	}
	if !f.From.IsZero() && v.PlannedStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !v.PlannedStart.Before(f.To) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if v.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// TemplateStore defines the database operations for shift templates
type TemplateStore interface {
	InsertTemplate(ctx context.Context, tpl model.ShiftTemplate) error
	GetTemplate(ctx context.Context, id string) (model.ShiftTemplate, error)
	ListTemplates(ctx context.Context) ([]model.ShiftTemplate, error)
	// ReplaceTemplate retires oldID and inserts replacement in one transaction
	ReplaceTemplate(ctx context.Context, oldID string, replacement model.ShiftTemplate) error
}

// VisitReader defines read-only visit queries
type VisitReader interface {
	GetVisit(ctx context.Context, id string) (model.ScheduledVisit, error)
	ListVisits(ctx context.Context, filter VisitFilter) ([]model.ScheduledVisit, error)
	// MaterializedStarts returns the planned starts already stored for a template
	MaterializedStarts(ctx context.Context, templateID string) (recurrence.StartSet, error)
}

// ScheduleTx is the view of storage while scheduling is serialised for one caregiver and client
type ScheduleTx interface {
	// ActiveOverlapping returns scheduled or in-progress visits of the caregiver or client
	// whose planned interval overlaps [start, end)
	ActiveOverlapping(ctx context.Context, caregiverID, clientID string, start, end time.Time) ([]model.ScheduledVisit, error)
	// InsertVisit stores a new visit together with its sealed created event.
	// Returns ErrDuplicate when the visit id already exists.
	InsertVisit(ctx context.Context, visit model.ScheduledVisit, created ledger.Draft) (ledger.AuditEvent, error)
}

// Scheduler serialises detect-then-insert for a caregiver and client pair
type Scheduler interface {
	WithScheduleLock(ctx context.Context, caregiverID, clientID string, fn func(tx ScheduleTx) error) error
}

// VisitTx is a transaction holding exclusive access to one visit.
// The visit update and appended events commit together when fn returns nil.
type VisitTx interface {
	Visit() model.ScheduledVisit
	// Chain returns the visit's events so far, including any appended in this transaction
	Chain(ctx context.Context) ([]ledger.AuditEvent, error)
	Update(ctx context.Context, visit model.ScheduledVisit) error
	// Append seals a draft onto the visit's chain. There is no update or delete.
	Append(ctx context.Context, draft ledger.Draft) (ledger.AuditEvent, error)
}

// VisitTransactor runs fn with the visit locked. Returns model.ErrNotFound for unknown ids.
type VisitTransactor interface {
	WithVisit(ctx context.Context, visitID string, fn func(tx VisitTx) error) error
}

// ChainReader reads a visit's audit chain in visit sequence order
type ChainReader interface {
	ReadChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error)
}

// Store defines every storage operation the core needs.
// Both the in-memory db.Memory and postgres.DB implement this interface.
type Store interface {
	TemplateStore
	VisitReader
	Scheduler
	VisitTransactor
	ChainReader
	Close()
}

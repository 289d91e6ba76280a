package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/lock"
)

// Memory is an in-process Store. Per-visit and per-caregiver/client keyed locks give the
// same serialisation guarantees as the Postgres store within a single replica.
type Memory struct {
	mu        sync.RWMutex
	templates map[string]model.ShiftTemplate
	visits    map[string]model.ScheduledVisit
	chains    map[string][]ledger.AuditEvent
	globalSeq atomic.Int64

	visitLocks    *lock.KeyedMutex
	scheduleLocks *lock.KeyedMutex
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		templates:     make(map[string]model.ShiftTemplate),
		visits:        make(map[string]model.ScheduledVisit),
		chains:        make(map[string][]ledger.AuditEvent),
		visitLocks:    lock.NewKeyedMutex(),
		scheduleLocks: lock.NewKeyedMutex(),
	}
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() {}

// InsertTemplate stores a new template
func (m *Memory) InsertTemplate(ctx context.Context, tpl model.ShiftTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[tpl.ID]; ok {
		return fmt.Errorf("template %s: %w", tpl.ID, ErrDuplicate)
	}
	m.templates[tpl.ID] = tpl
	return nil
}

// GetTemplate retrieves a template by id
func (m *Memory) GetTemplate(ctx context.Context, id string) (model.ShiftTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return model.ShiftTemplate{}, fmt.Errorf("template %s: %w", id, model.ErrNotFound)
	}
	return tpl, nil
}

// ListTemplates returns all templates ordered by creation
func (m *Memory) ListTemplates(ctx context.Context) ([]model.ShiftTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ShiftTemplate, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReplaceTemplate retires the old template and stores its replacement
func (m *Memory) ReplaceTemplate(ctx context.Context, oldID string, replacement model.ShiftTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.templates[oldID]
	if !ok {
		return fmt.Errorf("template %s: %w", oldID, model.ErrNotFound)
	}
	if _, ok := m.templates[replacement.ID]; ok {
		return fmt.Errorf("template %s: %w", replacement.ID, ErrDuplicate)
	}
	old.Status = model.TemplateRetired
	m.templates[oldID] = old
	m.templates[replacement.ID] = replacement
	return nil
}

// GetVisit retrieves a visit by id
func (m *Memory) GetVisit(ctx context.Context, id string) (model.ScheduledVisit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visits[id]
	if !ok {
		return model.ScheduledVisit{}, fmt.Errorf("visit %s: %w", id, model.ErrNotFound)
	}
	return v, nil
}

// ListVisits returns visits matching the filter ordered by planned start
func (m *Memory) ListVisits(ctx context.Context, filter VisitFilter) ([]model.ScheduledVisit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ScheduledVisit
	for _, v := range m.visits {
		if filter.Matches(v) {
			out = append(out, v)
		}
	}
	sortVisits(out)
	return out, nil
}

func sortVisits(visits []model.ScheduledVisit) {
	sort.Slice(visits, func(i, j int) bool {
		if visits[i].PlannedStart.Equal(visits[j].PlannedStart) {
			return visits[i].ID < visits[j].ID
		}
		return visits[i].PlannedStart.Before(visits[j].PlannedStart)
	})
}

// MaterializedStarts returns every stored planned start for a template, whatever its status
func (m *Memory) MaterializedStarts(ctx context.Context, templateID string) (recurrence.StartSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	starts := make(recurrence.StartSet)
	for _, v := range m.visits {
		if v.TemplateID == templateID {
			starts.Add(templateID, v.PlannedStart)
		}
	}
	return starts, nil
}

// ReadChain returns a copy of the visit's audit chain
func (m *Memory) ReadChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.visits[visitID]; !ok {
		return nil, fmt.Errorf("visit %s: %w", visitID, model.ErrNotFound)
	}
	chain := m.chains[visitID]
	out := make([]ledger.AuditEvent, len(chain))
	copy(out, chain)
	return out, nil
}

// WithScheduleLock serialises scheduling for the caregiver, then the client
func (m *Memory) WithScheduleLock(ctx context.Context, caregiverID, clientID string, fn func(tx ScheduleTx) error) error {
	unlock, err := m.scheduleLocks.LockAll(ctx, "caregiver:"+caregiverID, "client:"+clientID)
	if err != nil {
		return fmt.Errorf("failed to acquire schedule lock: %w", err)
	}
	defer unlock()

	tx := &memoryScheduleTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range tx.pending {
		m.visits[p.visit.ID] = p.visit
		m.chains[p.visit.ID] = []ledger.AuditEvent{p.created}
	}
	return nil
}

type pendingVisit struct {
	visit   model.ScheduledVisit
	created ledger.AuditEvent
}

type memoryScheduleTx struct {
	store   *Memory
	pending []pendingVisit
}

func (tx *memoryScheduleTx) ActiveOverlapping(ctx context.Context, caregiverID, clientID string, start, end time.Time) ([]model.ScheduledVisit, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var out []model.ScheduledVisit
	consider := func(v model.ScheduledVisit) {
		if !v.Status.IsActive() || (v.CaregiverID != caregiverID && v.ClientID != clientID) {
			return
		}
		if model.Overlaps(v.PlannedStart, v.PlannedEnd, start, end) {
			out = append(out, v)
		}
	}
	for _, v := range tx.store.visits {
		consider(v)
	}
	for _, p := range tx.pending {
		consider(p.visit)
	}
	sortVisits(out)
	return out, nil
}

func (tx *memoryScheduleTx) InsertVisit(ctx context.Context, visit model.ScheduledVisit, created ledger.Draft) (ledger.AuditEvent, error) {
	tx.store.mu.RLock()
	_, exists := tx.store.visits[visit.ID]
	tx.store.mu.RUnlock()
	for _, p := range tx.pending {
		if p.visit.ID == visit.ID {
			exists = true
		}
	}
	if exists {
		return ledger.AuditEvent{}, fmt.Errorf("visit %s: %w", visit.ID, ErrDuplicate)
	}

	event, err := ledger.Seal(nil, visit.ID, created, tx.store.globalSeq.Add(1))
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to seal created event: %w", err)
	}
	tx.pending = append(tx.pending, pendingVisit{visit: visit, created: event})
	return event, nil
}

// WithVisit runs fn holding the visit's lock and commits its changes if fn succeeds
func (m *Memory) WithVisit(ctx context.Context, visitID string, fn func(tx VisitTx) error) error {
	unlock, err := m.visitLocks.Lock(ctx, visitID)
	if err != nil {
		return fmt.Errorf("failed to lock visit %s: %w", visitID, err)
	}
	defer unlock()

	m.mu.RLock()
	v, ok := m.visits[visitID]
	chain := m.chains[visitID]
	var last *ledger.AuditEvent
	if len(chain) > 0 {
		e := chain[len(chain)-1]
		last = &e
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("visit %s: %w", visitID, model.ErrNotFound)
	}

	tx := &memoryVisitTx{store: m, visit: v, last: last, chain: chain}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.updated {
		m.visits[visitID] = tx.visit
	}
	m.chains[visitID] = append(m.chains[visitID], tx.appended...)
	return nil
}

type memoryVisitTx struct {
	store    *Memory
	visit    model.ScheduledVisit
	updated  bool
	last     *ledger.AuditEvent
	chain    []ledger.AuditEvent
	appended []ledger.AuditEvent
}

func (tx *memoryVisitTx) Visit() model.ScheduledVisit {
	return tx.visit
}

func (tx *memoryVisitTx) Chain(ctx context.Context) ([]ledger.AuditEvent, error) {
	out := make([]ledger.AuditEvent, 0, len(tx.chain)+len(tx.appended))
	out = append(out, tx.chain...)
	return append(out, tx.appended...), nil
}

func (tx *memoryVisitTx) Update(ctx context.Context, visit model.ScheduledVisit) error {
	if visit.ID != tx.visit.ID {
		return fmt.Errorf("%w: transaction holds visit %s, not %s", model.ErrInvalidInput, tx.visit.ID, visit.ID)
	}
	tx.visit = visit
	tx.updated = true
	return nil
}

func (tx *memoryVisitTx) Append(ctx context.Context, draft ledger.Draft) (ledger.AuditEvent, error) {
	event, err := ledger.Seal(tx.last, tx.visit.ID, draft, tx.store.globalSeq.Add(1))
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to seal %s event: %w", draft.Kind(), err)
	}
	tx.appended = append(tx.appended, event)
	last := event
	tx.last = &last
	return event, nil
}

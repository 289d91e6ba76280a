package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/db"
)

const visitColumns = `id, template_id, template_version, caregiver_id, client_id, service_type, location,
	planned_start, planned_end, clock_in, clock_out, status, disputed, cancellation_reason,
	conflict_override, created_at, updated_at`

func scanVisit(row rowScanner) (model.ScheduledVisit, error) {
	var (
		v               model.ScheduledVisit
		templateID      *string
		templateVersion *int
		location        []byte
		clockIn         []byte
		clockOut        []byte
		status          string
	)
	if err := row.Scan(&v.ID, &templateID, &templateVersion, &v.CaregiverID, &v.ClientID, &v.ServiceType, &location,
		&v.PlannedStart, &v.PlannedEnd, &clockIn, &clockOut, &status, &v.Disputed, &v.CancellationReason,
		&v.ConflictOverride, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return model.ScheduledVisit{}, err
	}

	if templateID != nil {
		v.TemplateID = *templateID
	}
	if templateVersion != nil {
		v.TemplateVersion = *templateVersion
	}
	if err := json.Unmarshal(location, &v.Location); err != nil {
		return model.ScheduledVisit{}, fmt.Errorf("failed to decode location of visit %s: %w", v.ID, err)
	}
	if clockIn != nil {
		if err := json.Unmarshal(clockIn, &v.ClockIn); err != nil {
			return model.ScheduledVisit{}, fmt.Errorf("failed to decode clock-in of visit %s: %w", v.ID, err)
		}
	}
	if clockOut != nil {
		if err := json.Unmarshal(clockOut, &v.ClockOut); err != nil {
			return model.ScheduledVisit{}, fmt.Errorf("failed to decode clock-out of visit %s: %w", v.ID, err)
		}
	}
	v.Status = model.VisitStatus(status)
	v.PlannedStart = v.PlannedStart.UTC()
	v.PlannedEnd = v.PlannedEnd.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}

// encodeClock returns nil for a missing record so the column stays NULL
func encodeClock(r *model.ClockRecord) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func collectVisits(rows pgx.Rows) ([]model.ScheduledVisit, error) {
	defer rows.Close()

	var visits []model.ScheduledVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visits: %w", err)
	}
	return visits, nil
}

// GetVisit retrieves a visit by id
func (d *DB) GetVisit(ctx context.Context, id string) (model.ScheduledVisit, error) {
	v, err := scanVisit(d.pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM scheduled_visit WHERE id = $1`, id))
	if err != nil {
		return model.ScheduledVisit{}, notFound(err, "visit", id)
	}
	return v, nil
}

// ListVisits returns visits matching the filter ordered by planned start
func (d *DB) ListVisits(ctx context.Context, filter db.VisitFilter) ([]model.ScheduledVisit, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.CaregiverID != "" {
		add("caregiver_id = $%d", filter.CaregiverID)
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.TemplateID != "" {
		add("template_id = $%d", filter.TemplateID)
	}
	if !filter.From.IsZero() {
		add("planned_start >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("planned_start < $%d", filter.To)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + visitColumns + ` FROM scheduled_visit`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY planned_start, id`

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	return collectVisits(rows)
}

// MaterializedStarts returns every stored planned start for a template, whatever its status
func (d *DB) MaterializedStarts(ctx context.Context, templateID string) (recurrence.StartSet, error) {
	rows, err := d.pool.Query(ctx, `SELECT planned_start FROM scheduled_visit WHERE template_id = $1`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query materialized starts: %w", err)
	}
	starts, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("failed to scan materialized starts: %w", err)
	}

	set := make(recurrence.StartSet, len(starts))
	for _, s := range starts {
		set.Add(templateID, s)
	}
	return set, nil
}

// WithScheduleLock runs fn in a transaction holding advisory locks for the caregiver and
// the client. Locks are taken in sorted key order and released on commit or rollback.
func (d *DB) WithScheduleLock(ctx context.Context, caregiverID, clientID string, fn func(tx db.ScheduleTx) error) error {
	keys := []string{"caregiver:" + caregiverID, "client:" + clientID}
	sort.Strings(keys)

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
				return fmt.Errorf("failed to acquire schedule lock %s: %w", key, err)
			}
		}
		return fn(&scheduleTx{tx: tx, logger: d.logger})
	})
}

type scheduleTx struct {
	tx     pgx.Tx
	logger *zap.Logger
}

func (s *scheduleTx) ActiveOverlapping(ctx context.Context, caregiverID, clientID string, start, end time.Time) ([]model.ScheduledVisit, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT `+visitColumns+` FROM scheduled_visit
		WHERE status IN ('scheduled', 'in_progress')
			AND (caregiver_id = $1 OR client_id = $2)
			AND planned_start < $4 AND planned_end > $3
		ORDER BY planned_start, id
	`, caregiverID, clientID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping visits: %w", err)
	}
	return collectVisits(rows)
}

// InsertVisit inserts the visit and its created event under a savepoint, so a duplicate or
// an exclusion violation leaves the surrounding transaction usable
func (s *scheduleTx) InsertVisit(ctx context.Context, visit model.ScheduledVisit, created ledger.Draft) (ledger.AuditEvent, error) {
	var event ledger.AuditEvent
	err := pgx.BeginFunc(ctx, s.tx, func(sp pgx.Tx) error {
		if err := insertVisit(ctx, sp, visit); err != nil {
			return err
		}
		var err error
		event, err = appendEvent(ctx, sp, nil, visit.ID, created)
		return err
	})

	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return ledger.AuditEvent{}, fmt.Errorf("visit %s: %w", visit.ID, db.ErrDuplicate)
	case codeExclusionViolation:
		s.logger.Warn("Caregiver exclusion constraint rejected visit", zap.String("visit_id", visit.ID))
		return ledger.AuditEvent{}, s.exclusionConflict(ctx, visit)
	}
	if err != nil {
		return ledger.AuditEvent{}, err
	}
	return event, nil
}

// exclusionConflict describes a constraint violation as a scheduling conflict
func (s *scheduleTx) exclusionConflict(ctx context.Context, visit model.ScheduledVisit) error {
	conflictErr := &model.SchedulingConflictError{CandidateStart: visit.PlannedStart, CandidateEnd: visit.PlannedEnd}

	overlapping, err := s.ActiveOverlapping(ctx, visit.CaregiverID, "", visit.PlannedStart, visit.PlannedEnd)
	if err != nil {
		return errors.Join(conflictErr, err)
	}
	for _, other := range overlapping {
		if other.CaregiverID != visit.CaregiverID || other.ConflictOverride {
			continue
		}
		conflictErr.Collisions = append(conflictErr.Collisions, model.Collision{
			Rule:    "CaregiverOverlap",
			VisitID: other.ID,
			Start:   other.PlannedStart,
			End:     other.PlannedEnd,
		})
	}
	return conflictErr
}

func insertVisit(ctx context.Context, q execer, v model.ScheduledVisit) error {
	location, err := json.Marshal(v.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	clockIn, err := encodeClock(v.ClockIn)
	if err != nil {
		return fmt.Errorf("failed to encode clock-in: %w", err)
	}
	clockOut, err := encodeClock(v.ClockOut)
	if err != nil {
		return fmt.Errorf("failed to encode clock-out: %w", err)
	}

	var templateVersion *int
	if v.TemplateID != "" {
		templateVersion = &v.TemplateVersion
	}

	_, err = q.Exec(ctx, `
		INSERT INTO scheduled_visit (`+visitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, v.ID, nullString(v.TemplateID), templateVersion, v.CaregiverID, v.ClientID, v.ServiceType, location,
		v.PlannedStart.UTC(), v.PlannedEnd.UTC(), clockIn, clockOut, string(v.Status), v.Disputed, v.CancellationReason,
		v.ConflictOverride, v.CreatedAt.UTC(), v.UpdatedAt.UTC())
	return err
}

// WithVisit runs fn holding the visit's row lock. The visit update and appended events
// commit together when fn returns nil.
func (d *DB) WithVisit(ctx context.Context, visitID string, fn func(tx db.VisitTx) error) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		v, err := scanVisit(tx.QueryRow(ctx, `SELECT `+visitColumns+` FROM scheduled_visit WHERE id = $1 FOR UPDATE`, visitID))
		if err != nil {
			return notFound(err, "visit", visitID)
		}
		last, err := lastEvent(ctx, tx, visitID)
		if err != nil {
			return err
		}
		return fn(&visitTx{tx: tx, visit: v, last: last})
	})
}

type visitTx struct {
	tx    pgx.Tx
	visit model.ScheduledVisit
	last  *ledger.AuditEvent
}

func (t *visitTx) Visit() model.ScheduledVisit {
	return t.visit
}

func (t *visitTx) Chain(ctx context.Context) ([]ledger.AuditEvent, error) {
	return readChain(ctx, t.tx, t.visit.ID)
}

func (t *visitTx) Update(ctx context.Context, v model.ScheduledVisit) error {
	if v.ID != t.visit.ID {
		return fmt.Errorf("%w: transaction holds visit %s, not %s", model.ErrInvalidInput, t.visit.ID, v.ID)
	}
	clockIn, err := encodeClock(v.ClockIn)
	if err != nil {
		return fmt.Errorf("failed to encode clock-in: %w", err)
	}
	clockOut, err := encodeClock(v.ClockOut)
	if err != nil {
		return fmt.Errorf("failed to encode clock-out: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE scheduled_visit
		SET clock_in = $2, clock_out = $3, status = $4, disputed = $5, cancellation_reason = $6, updated_at = $7
		WHERE id = $1
	`, v.ID, clockIn, clockOut, string(v.Status), v.Disputed, v.CancellationReason, v.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update visit %s: %w", v.ID, err)
	}
	t.visit = v
	return nil
}

func (t *visitTx) Append(ctx context.Context, draft ledger.Draft) (ledger.AuditEvent, error) {
	event, err := appendEvent(ctx, t.tx, t.last, t.visit.ID, draft)
	if err != nil {
		return ledger.AuditEvent{}, err
	}
	t.last = &event
	return event, nil
}

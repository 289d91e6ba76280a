package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
)

const eventColumns = `global_seq, visit_seq, visit_id, kind, actor_id, actor_elevated, ts, payload, prev_hash, hash, amends`

type querier interface {
	execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanEvent(row rowScanner) (ledger.AuditEvent, error) {
	var (
		e       ledger.AuditEvent
		kind    string
		payload []byte
	)
	if err := row.Scan(&e.GlobalSeq, &e.VisitSeq, &e.VisitID, &kind, &e.Actor.ID, &e.Actor.Elevated,
		&e.Timestamp, &payload, &e.PrevHash, &e.Hash, &e.Amends); err != nil {
		return ledger.AuditEvent{}, err
	}
	e.Kind = ledger.Kind(kind)
	e.Payload = payload
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// lastEvent returns the newest event of a visit, or nil for a visit with no events
func lastEvent(ctx context.Context, q querier, visitID string) (*ledger.AuditEvent, error) {
	row := q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM audit_event
		WHERE visit_id = $1
		ORDER BY visit_seq DESC
		LIMIT 1
	`, visitID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last event of visit %s: %w", visitID, err)
	}
	return &e, nil
}

// appendEvent seals a draft after prev and inserts it. The caller must hold the visit's row
// lock so no other append can interleave. Global sequence numbers come from the table's own
// sequence, so they increase along every chain.
func appendEvent(ctx context.Context, q querier, prev *ledger.AuditEvent, visitID string, draft ledger.Draft) (ledger.AuditEvent, error) {
	var globalSeq int64
	if err := q.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('audit_event', 'global_seq'))`).Scan(&globalSeq); err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to allocate global sequence: %w", err)
	}

	event, err := ledger.Seal(prev, visitID, draft, globalSeq)
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to seal %s event: %w", draft.Kind(), err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO audit_event (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.GlobalSeq, event.VisitSeq, event.VisitID, string(event.Kind), event.Actor.ID, event.Actor.Elevated,
		event.Timestamp, []byte(event.Payload), event.PrevHash, event.Hash, event.Amends)
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("failed to insert %s event: %w", event.Kind, err)
	}
	return event, nil
}

// ReadChain returns the visit's audit chain in visit sequence order
func (d *DB) ReadChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error) {
	var exists bool
	if err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_visit WHERE id = $1)`, visitID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up visit %s: %w", visitID, err)
	}
	if !exists {
		return nil, fmt.Errorf("visit %s: %w", visitID, model.ErrNotFound)
	}

	return readChain(ctx, d.pool, visitID)
}

func readChain(ctx context.Context, q querier, visitID string) ([]ledger.AuditEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT `+eventColumns+` FROM audit_event
		WHERE visit_id = $1
		ORDER BY visit_seq
	`, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit chain: %w", err)
	}
	defer rows.Close()

	var chain []ledger.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		chain = append(chain, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit chain: %w", err)
	}
	return chain, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/db"
)

const templateColumns = `id, version, supersedes_id, caregiver_id, client_id, service_type, rule,
	valid_from, valid_to, location, status, created_at, created_by`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanTemplate(row rowScanner) (model.ShiftTemplate, error) {
	var (
		tpl          model.ShiftTemplate
		supersedesID *string
		rule         []byte
		location     []byte
		validFrom    time.Time
		validTo      *time.Time
		status       string
	)
	if err := row.Scan(&tpl.ID, &tpl.Version, &supersedesID, &tpl.CaregiverID, &tpl.ClientID, &tpl.ServiceType,
		&rule, &validFrom, &validTo, &location, &status, &tpl.CreatedAt, &tpl.CreatedBy); err != nil {
		return model.ShiftTemplate{}, err
	}

	if supersedesID != nil {
		tpl.SupersedesID = *supersedesID
	}
	if err := json.Unmarshal(rule, &tpl.Rule); err != nil {
		return model.ShiftTemplate{}, fmt.Errorf("failed to decode rule of template %s: %w", tpl.ID, err)
	}
	if err := json.Unmarshal(location, &tpl.Location); err != nil {
		return model.ShiftTemplate{}, fmt.Errorf("failed to decode location of template %s: %w", tpl.ID, err)
	}
	tpl.ValidFrom = model.DateOf(validFrom)
	if validTo != nil {
		d := model.DateOf(*validTo)
		tpl.ValidTo = &d
	}
	tpl.Status = model.TemplateStatus(status)
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	return tpl, nil
}

func insertTemplate(ctx context.Context, q execer, tpl model.ShiftTemplate) error {
	rule, err := json.Marshal(tpl.Rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	location, err := json.Marshal(tpl.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	var validTo *time.Time
	if tpl.ValidTo != nil {
		t := tpl.ValidTo.In(time.UTC)
		validTo = &t
	}

	_, err = q.Exec(ctx, `
		INSERT INTO shift_template (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tpl.ID, tpl.Version, nullString(tpl.SupersedesID), tpl.CaregiverID, tpl.ClientID, tpl.ServiceType,
		rule, tpl.ValidFrom.In(time.UTC), validTo, location, string(tpl.Status), tpl.CreatedAt.UTC(), tpl.CreatedBy)
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("template %s: %w", tpl.ID, db.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// InsertTemplate stores a new template
func (d *DB) InsertTemplate(ctx context.Context, tpl model.ShiftTemplate) error {
	return insertTemplate(ctx, d.pool, tpl)
}

// GetTemplate retrieves a template by id
func (d *DB) GetTemplate(ctx context.Context, id string) (model.ShiftTemplate, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM shift_template WHERE id = $1`, id)
	tpl, err := scanTemplate(row)
	if err != nil {
		return model.ShiftTemplate{}, notFound(err, "template", id)
	}
	return tpl, nil
}

// ListTemplates returns all templates ordered by creation
func (d *DB) ListTemplates(ctx context.Context) ([]model.ShiftTemplate, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+templateColumns+` FROM shift_template ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.ShiftTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// ReplaceTemplate retires oldID and inserts its replacement in one transaction
func (d *DB) ReplaceTemplate(ctx context.Context, oldID string, replacement model.ShiftTemplate) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE shift_template SET status = 'retired' WHERE id = $1`, oldID)
		if err != nil {
			return fmt.Errorf("failed to retire template: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("template %s: %w", oldID, model.ErrNotFound)
		}
		return insertTemplate(ctx, tx, replacement)
	})
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

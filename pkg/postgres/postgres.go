package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres error codes the store maps onto domain errors
const (
	codeUniqueViolation    = "23505"
	codeExclusionViolation = "23P01"
)

var _ db.Store = (*DB)(nil)

// DB implements db.Store on PostgreSQL. Scheduling is serialised with transaction-scoped
// advisory locks and the caregiver exclusion constraint; visit transitions with row locks.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB creates a new PostgreSQL database connection
func NewDB(ctx context.Context, connString string, logger *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Close closes the database connection pool
func (d *DB) Close() {
	d.pool.Close()
}

type migration struct {
	filename string
	sql      string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{filename: entry.Name(), sql: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].filename < out[j].filename })
	return out, nil
}

// RunMigrations applies pending embedded migrations in filename order, each in its own
// transaction, and records them in schema_migrations. Returns how many were applied.
func (d *DB) RunMigrations(ctx context.Context) (int, error) {
	if _, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	rows, err := d.pool.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("failed to scan applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, f := range applied {
		done[f] = true
	}

	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if done[m.filename] {
			continue
		}
		d.logger.Debug("Applying migration", zap.String("filename", m.filename))

		err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", m.filename, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, m.filename); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.filename, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}

	d.logger.Info("Migrations complete", zap.Int("applied", count), zap.Int("total", len(migrations)))
	return count, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// notFound maps pgx.ErrNoRows onto model.ErrNotFound
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, id, err)
}

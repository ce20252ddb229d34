package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

const defaultStatusTable = "anomaly_status"

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps one row per site and upserts on change.
type PostgresStore struct {
	db    DB
	table string
	now   func() time.Time
}

// PostgresOption configures the Postgres status store.
type PostgresOption func(*PostgresStore)

// WithStatusTable overrides the table name.
func WithStatusTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, table: defaultStatusTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the status table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	site       TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.ident())
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, site string) (models.Status, error) {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE site = $1`, s.ident())
	var raw string
	err := s.db.QueryRow(ctx, query, site).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatusOK, nil
	}
	if err != nil {
		return "", fmt.Errorf("read status of %s: %w", site, err)
	}
	return models.ParseStatus(raw)
}

func (s *PostgresStore) Put(ctx context.Context, site string, status models.Status) error {
	query := fmt.Sprintf(`
INSERT INTO %s (site, status, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (site)
DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`, s.ident())
	if _, err := s.db.Exec(ctx, query, site, string(status), s.now().UTC()); err != nil {
		return fmt.Errorf("write status of %s: %w", site, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, site string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE site = $1`, s.ident())
	_, err := s.db.Exec(ctx, query, site)
	return err
}

func (s *PostgresStore) Sites(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT site FROM %s ORDER BY site`, s.ident()))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

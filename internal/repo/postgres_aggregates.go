package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// rowQuerier is the subset of *pgxpool.Pool used for point lookups.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAggregates reads hourly counts from a table shaped
// (site text, hour_start timestamptz, views bigint).
type PostgresAggregates struct {
	db    rowQuerier
	query string
}

// NewPostgresAggregates wraps an existing pool.
func NewPostgresAggregates(db rowQuerier, table string) *PostgresAggregates {
	if table == "" {
		table = "page_view_hourly"
	}
	return &PostgresAggregates{
		db:    db,
		query: fmt.Sprintf("SELECT views FROM %s WHERE site = $1 AND hour_start = $2", pgx.Identifier{table}.Sanitize()),
	}
}

// OpenPool connects to dsn and pings it.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// GetViewCount returns the stored count, or utils.ErrDataUnavailable when no row
// exists or views is NULL or negative.
func (p *PostgresAggregates) GetViewCount(ctx context.Context, site string, hour time.Time) (int64, error) {
	started := time.Now()
	defer func() { metrics.ObserveAggregateQuery(time.Since(started)) }()

	var views *int64
	err := p.db.QueryRow(ctx, p.query, site, utils.TruncateHour(hour)).Scan(&views)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("no aggregate row for %s at %s: %w", site, utils.HourKey(hour), utils.ErrDataUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return 0, fmt.Errorf("aggregate query for %s timed out: %w", site, utils.ErrDataUnavailable)
	case err != nil:
		return 0, fmt.Errorf("aggregate query for %s failed: %w", site, err)
	case views == nil:
		return 0, fmt.Errorf("null aggregate for %s at %s: %w", site, utils.HourKey(hour), utils.ErrDataUnavailable)
	case *views < 0:
		return 0, fmt.Errorf("negative aggregate %d for %s at %s: %w", *views, site, utils.HourKey(hour), utils.ErrDataUnavailable)
	}
	return *views, nil
}

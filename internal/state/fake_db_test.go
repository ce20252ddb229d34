package state

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB understands the handful of statements PostgresStore issues.
type fakeDB struct {
	mu    sync.Mutex
	rows  map[string]string
	execs []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]string)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	switch {
	case strings.Contains(sql, "INSERT INTO"):
		f.rows[args[0].(string)] = args[1].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	case strings.Contains(sql, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake")
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.rows[args[0].(string)]
	return fakeRow{value: status, found: ok}
}

type fakeRow struct {
	value string
	found bool
}

func (r fakeRow) Scan(dest ...any) error {
	if !r.found {
		return pgx.ErrNoRows
	}
	*(dest[0].(*string)) = r.value
	return nil
}

func containsAll(s string, parts ...string) bool {
	for _, part := range parts {
		if !strings.Contains(s, part) {
			return false
		}
	}
	return true
}

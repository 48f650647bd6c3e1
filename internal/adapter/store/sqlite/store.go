// Package sqlite is the persistent tier behind the gateway: server
// configs, cached responses, limiter windows, breaker snapshots, caller
// keys, webhook subscriptions and delivery history. A single SQLite
// file (or :memory: in tests) backs everything; goose applies the
// embedded schema on open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the shared sqlx handle. All the gateway's persistence
// interfaces are implemented on this one type.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent flushes.
	db.SetMaxOpenConns(1)

	if err := migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the handle is still usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Times are stored as unix milliseconds; zero means "not set" for
// nullable columns.

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMSPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMSPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

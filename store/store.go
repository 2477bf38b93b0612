// Package store is the embedded SQLite persistence layer for harvest results,
// accounts and proxies.
//
// The database is opened with the production pragmas applied via EXEC so the
// behaviour does not depend on DSN parsing of a particular driver:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	st, err := store.Open("wsharvest.db")
//
// In tests:
//
//	st := store.OpenMemory(t)
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Store is the harvest database handle.
type Store struct {
	DB *sql.DB

	now          func() time.Time
	staleRunning time.Duration
}

type config struct {
	driver       string
	busyTimeout  int
	synchronous  string
	mkdirAll     bool
	now          func() time.Time
	staleRunning time.Duration
}

func defaults() config {
	return config{
		driver:       "sqlite",
		busyTimeout:  10_000,
		synchronous:  "NORMAL",
		now:          time.Now,
		staleRunning: 5 * time.Minute,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithClock overrides the time source used for timestamps and cooldowns.
func WithClock(fn func() time.Time) Option { return func(c *config) { c.now = fn } }

// WithStaleRunning sets the age after which a 'running' row is considered
// abandoned and may be re-queued by Enqueue. Default: 5m.
func WithStaleRunning(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.staleRunning = d
		}
	}
}

// Open opens (or creates) the database at path, applies pragmas and the schema.
// The caller must blank-import modernc.org/sqlite (or register the driver
// named by WithDriver).
func Open(path string, opts ...Option) (*Store, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := applyPragmas(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: exec schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{DB: db, now: cfg.now, staleRunning: cfg.staleRunning}, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns is pinned to
// 1 because every connection to ":memory:" is a separate database.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	st, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	st.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { st.Close() })
	return st
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

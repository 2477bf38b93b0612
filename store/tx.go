package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// busyAttempts and busyBackoff bound how long a write waits on a lock
// held by another process sharing the database file.
const (
	busyAttempts = 4
	busyBackoff  = 50 * time.Millisecond
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsBusy reports whether err is SQLite refusing a lock.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// onBusy calls op until it succeeds, fails with something other than BUSY,
// or runs out of attempts. The wait doubles after each BUSY.
func onBusy(ctx context.Context, op func() error) error {
	wait := busyBackoff
	var err error
	for range busyAttempts {
		if err = op(); !IsBusy(err) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}
	return fmt.Errorf("store: still busy after %d attempts: %w", busyAttempts, err)
}

// RunTx runs fn in a transaction. The whole transaction is replayed when
// SQLite reports BUSY, so fn must not have side effects outside tx.
func (s *Store) RunTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return onBusy(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			return errors.Join(err, ignoreDone(tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

// exec runs one statement under the same BUSY policy as RunTx.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := onBusy(ctx, func() error {
		var err error
		res, err = s.DB.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

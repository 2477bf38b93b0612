package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Status is the lifecycle state of a frequency result row.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

// DefaultRegion is the country-wide Wordstat region.
const DefaultRegion = 225

// Freqs holds the three frequency columns of a result row.
type Freqs struct {
	Total  int64
	Quotes int64
	Exact  int64
}

// Result is one (mask, region) row.
type Result struct {
	Mask      string
	Region    int
	Status    Status
	Freqs     Freqs
	Attempts  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResultFilter narrows ListResults. Zero values mean "any".
type ResultFilter struct {
	Region   int
	Statuses []Status
	Like     string // substring of mask
	Limit    uint64
	Offset   uint64
}

const resultColumns = "mask, region, status, freq_total, freq_quotes, freq_exact, attempts, error, created_at, updated_at"

// pendingChunk bounds the number of bound variables per IN query.
const pendingChunk = 500

// Enqueue makes every (mask, region) pair dispatchable. Rows already 'ok'
// are preserved unchanged, and so are 'running' rows younger than the stale
// threshold (they belong to a concurrent run). Everything else is reset to
// 'queued' with frequencies zeroed and the error cleared. New rows are
// created as 'queued'. It returns the number of rows left queued by this call.
func (s *Store) Enqueue(ctx context.Context, masks []string, region int) (int, error) {
	if region <= 0 {
		region = DefaultRegion
	}
	now := millis(s.now())
	staleBefore := now - s.staleRunning.Milliseconds()

	seen := make(map[string]bool, len(masks))
	count := 0
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		count = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO freq_results (mask, region, status, created_at, updated_at)
			VALUES (?, ?, 'queued', ?, ?)
			ON CONFLICT(mask, region) DO UPDATE SET
				status = 'queued',
				freq_total = 0, freq_quotes = 0, freq_exact = 0,
				error = NULL,
				updated_at = excluded.updated_at
			WHERE freq_results.status IN ('queued', 'error')
			   OR (freq_results.status = 'running' AND freq_results.updated_at < ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare enqueue: %w", err)
		}
		defer stmt.Close()

		for _, m := range masks {
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			res, err := stmt.ExecContext(ctx, m, region, now, now, staleBefore)
			if err != nil {
				return fmt.Errorf("store: enqueue %q: %w", m, err)
			}
			n, _ := res.RowsAffected()
			count += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Pending returns the subset of masks whose row in region is 'queued',
// preserving input order.
func (s *Store) Pending(ctx context.Context, masks []string, region int) ([]string, error) {
	if region <= 0 {
		region = DefaultRegion
	}
	queued := make(map[string]bool, len(masks))
	for start := 0; start < len(masks); start += pendingChunk {
		end := min(start+pendingChunk, len(masks))
		query, args, err := sq.Select("mask").From("freq_results").
			Where(sq.Eq{"region": region, "status": string(StatusQueued), "mask": masks[start:end]}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("store: build pending query: %w", err)
		}
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("store: pending: %w", err)
		}
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan pending: %w", err)
			}
			queued[m] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	var out []string
	for _, m := range masks {
		if queued[m] {
			out = append(out, m)
			delete(queued, m)
		}
	}
	return out, nil
}

// MarkRunning moves a queued (or previously failed) row to 'running'.
// Prior frequencies are left in place. It fails with ErrConflict when the
// row is owned by another writer or already 'ok'.
func (s *Store) MarkRunning(ctx context.Context, mask string, region int) error {
	res, err := s.exec(ctx, `
		UPDATE freq_results SET status = 'running', updated_at = ?
		WHERE mask = ? AND region = ? AND status IN ('queued', 'error')`,
		millis(s.now()), mask, region)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	return s.checkAffected(ctx, res, mask, region)
}

// Release returns a 'running' row to 'queued' without touching attempts.
// Used for canceled or re-sharded phrases.
func (s *Store) Release(ctx context.Context, mask string, region int) error {
	res, err := s.exec(ctx, `
		UPDATE freq_results SET status = 'queued', updated_at = ?
		WHERE mask = ? AND region = ? AND status = 'running'`,
		millis(s.now()), mask, region)
	if err != nil {
		return fmt.Errorf("store: release: %w", err)
	}
	return s.checkAffected(ctx, res, mask, region)
}

// RecordOK sets status 'ok', writes the frequencies, clears the error and
// counts the attempt.
func (s *Store) RecordOK(ctx context.Context, mask string, region int, f Freqs) error {
	if f.Total < 0 || f.Quotes < 0 || f.Exact < 0 {
		return fmt.Errorf("%w: negative frequency for %q", ErrInvalid, mask)
	}
	res, err := s.exec(ctx, `
		UPDATE freq_results SET
			status = 'ok', freq_total = ?, freq_quotes = ?, freq_exact = ?,
			error = NULL, attempts = attempts + 1, updated_at = ?
		WHERE mask = ? AND region = ?`,
		f.Total, f.Quotes, f.Exact, millis(s.now()), mask, region)
	if err != nil {
		return fmt.Errorf("store: record ok: %w", err)
	}
	return s.checkAffected(ctx, res, mask, region)
}

// RecordError sets status 'error' and stores msg. Frequencies from an
// earlier success are left untouched.
func (s *Store) RecordError(ctx context.Context, mask string, region int, msg string) error {
	res, err := s.exec(ctx, `
		UPDATE freq_results SET
			status = 'error', error = ?, attempts = attempts + 1, updated_at = ?
		WHERE mask = ? AND region = ?`,
		msg, millis(s.now()), mask, region)
	if err != nil {
		return fmt.Errorf("store: record error: %w", err)
	}
	return s.checkAffected(ctx, res, mask, region)
}

// Get returns one row or ErrNotFound.
func (s *Store) Get(ctx context.Context, mask string, region int) (*Result, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM freq_results WHERE mask = ? AND region = ?`, mask, region)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get result: %w", err)
	}
	return r, nil
}

// ListResults returns rows matching f ordered by mask, region.
func (s *Store) ListResults(ctx context.Context, f ResultFilter) ([]Result, error) {
	b := sq.Select(resultColumns).From("freq_results").OrderBy("mask", "region")
	if f.Region > 0 {
		b = b.Where(sq.Eq{"region": f.Region})
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, v := range f.Statuses {
			st[i] = string(v)
		}
		b = b.Where(sq.Eq{"status": st})
	}
	if f.Like != "" {
		b = b.Where(sq.Like{"mask": "%" + f.Like + "%"})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	if f.Offset > 0 {
		b = b.Offset(f.Offset)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build list query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountsByStatus returns the number of rows per status.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM freq_results GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// checkAffected turns a zero-row update into ErrNotFound or ErrConflict.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, mask string, region int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM freq_results WHERE mask = ? AND region = ?`, mask, region).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q region %d", ErrNotFound, mask, region)
	}
	if err != nil {
		return fmt.Errorf("store: check row: %w", err)
	}
	return fmt.Errorf("%w: %q region %d", ErrConflict, mask, region)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*Result, error) {
	var (
		r         Result
		status    string
		errText   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&r.Mask, &r.Region, &status, &r.Freqs.Total, &r.Freqs.Quotes, &r.Freqs.Exact,
		&r.Attempts, &errText, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Error = errText.String
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

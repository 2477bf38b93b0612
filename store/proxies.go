package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProxyStatus is the outcome of the last proxy check.
type ProxyStatus string

const (
	ProxyOK      ProxyStatus = "OK"
	ProxyFail    ProxyStatus = "FAIL"
	ProxyTimeout ProxyStatus = "TIMEOUT"
	ProxyErr     ProxyStatus = "ERR"
)

// Proxy is a persisted upstream endpoint.
type Proxy struct {
	ID         int64
	Raw        string
	Scheme     string
	Host       string
	Port       int
	Login      string
	Password   string
	LastStatus ProxyStatus // empty = never checked
	LatencyMs  int64
	LastCheck  time.Time
	LastError  string
	CreatedAt  time.Time
}

const proxyColumns = "id, raw, scheme, host, port, login, password, last_status, latency_ms, last_check, last_error, created_at"

// UpsertProxy inserts p unless a proxy with the same (host, port) exists, in
// which case the existing row keeps its identity and only the credentials
// are refreshed. It returns the row id and whether a new row was created.
func (s *Store) UpsertProxy(ctx context.Context, p *Proxy) (int64, bool, error) {
	if p.Raw == "" || p.Host == "" || p.Port <= 0 {
		return 0, false, fmt.Errorf("%w: proxy needs raw, host and port", ErrInvalid)
	}
	if p.Scheme == "" {
		p.Scheme = "http"
	}

	var (
		id      int64
		created bool
	)
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM proxies WHERE host = ? AND port = ?`, p.Host, p.Port).Scan(&id)
		switch {
		case err == nil:
			created = false
			_, err = tx.ExecContext(ctx, `
				UPDATE proxies SET
					login = CASE WHEN ? <> '' THEN ? ELSE login END,
					password = CASE WHEN ? <> '' THEN ? ELSE password END
				WHERE id = ?`,
				p.Login, p.Login, p.Password, p.Password, id)
			if err != nil {
				return fmt.Errorf("store: refresh proxy credentials: %w", err)
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("store: lookup proxy: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO proxies (raw, scheme, host, port, login, password, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Raw, p.Scheme, p.Host, p.Port, p.Login, p.Password, millis(s.now()))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: proxy %q already exists", ErrConflict, p.Raw)
		}
		if err != nil {
			return fmt.Errorf("store: insert proxy: %w", err)
		}
		id, err = res.LastInsertId()
		created = true
		return err
	})
	if err != nil {
		return 0, false, err
	}
	p.ID = id
	return id, created, nil
}

// GetProxy returns a proxy by id or ErrNotFound.
func (s *Store) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = ?`, id)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: proxy %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get proxy: %w", err)
	}
	return p, nil
}

// ListProxies returns every proxy ordered by id.
func (s *Store) ListProxies(ctx context.Context) ([]Proxy, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list proxies: %w", err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan proxy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordProxyCheck stores the outcome of a proxy health check.
func (s *Store) RecordProxyCheck(ctx context.Context, id int64, status ProxyStatus, latency time.Duration, errText string, at time.Time) error {
	var lastErr sql.NullString
	if errText != "" {
		lastErr = sql.NullString{String: errText, Valid: true}
	}
	res, err := s.exec(ctx, `
		UPDATE proxies SET last_status = ?, latency_ms = ?, last_check = ?, last_error = ?
		WHERE id = ?`,
		string(status), latency.Milliseconds(), millis(at), lastErr, id)
	if err != nil {
		return fmt.Errorf("store: record proxy check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: proxy %d", ErrNotFound, id)
	}
	return nil
}

func scanProxy(row rowScanner) (*Proxy, error) {
	var (
		p         Proxy
		status    sql.NullString
		latency   sql.NullInt64
		lastCheck sql.NullInt64
		lastErr   sql.NullString
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.Raw, &p.Scheme, &p.Host, &p.Port, &p.Login, &p.Password,
		&status, &latency, &lastCheck, &lastErr, &createdAt)
	if err != nil {
		return nil, err
	}
	p.LastStatus = ProxyStatus(status.String)
	p.LatencyMs = latency.Int64
	p.LastCheck = fromMillis(lastCheck)
	p.LastError = lastErr.String
	p.CreatedAt = time.UnixMilli(createdAt)
	return &p, nil
}

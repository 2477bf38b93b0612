package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AccountStatus is the persisted health of an account.
type AccountStatus string

const (
	AccountOK       AccountStatus = "ok"
	AccountCooldown AccountStatus = "cooldown"
	AccountCaptcha  AccountStatus = "captcha"
	AccountBanned   AccountStatus = "banned"
	AccountDisabled AccountStatus = "disabled"
	AccountError    AccountStatus = "error"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountOK, AccountCooldown, AccountCaptcha, AccountBanned, AccountDisabled, AccountError:
		return true
	}
	return false
}

// Account is a persisted Yandex identity.
type Account struct {
	ID            int64
	Name          string
	ProfilePath   string
	Password      string
	ProxyID       int64 // 0 = no proxy
	Status        AccountStatus
	CooldownUntil time.Time
	CaptchaTries  int
	LastUsedAt    time.Time
	SecretAnswers map[string]string
	LastError     string
	CreatedAt     time.Time
}

// AccountFilter narrows ListAccounts. Zero values mean "any".
type AccountFilter struct {
	IDs      []int64
	Names    []string
	Statuses []AccountStatus
}

const accountColumns = "id, name, profile_path, password, proxy, status, cooldown_until, captcha_tries, last_used_at, secret_answers, last_error, created_at"

// InsertAccount creates an account and returns its id. A duplicate name or
// profile path fails with ErrConflict.
func (s *Store) InsertAccount(ctx context.Context, a *Account) (int64, error) {
	if a.Name == "" || a.ProfilePath == "" {
		return 0, fmt.Errorf("%w: account needs name and profile path", ErrInvalid)
	}
	if a.Status == "" {
		a.Status = AccountOK
	}
	if !a.Status.Valid() {
		return 0, fmt.Errorf("%w: account status %q", ErrInvalid, a.Status)
	}
	answers, err := marshalAnswers(a.SecretAnswers)
	if err != nil {
		return 0, err
	}
	now := s.now()
	res, err := s.exec(ctx, `
		INSERT INTO accounts (name, profile_path, password, proxy, status, cooldown_until, captcha_tries, last_used_at, secret_answers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.ProfilePath, a.Password, nullID(a.ProxyID), string(a.Status), nullMillis(a.CooldownUntil),
		a.CaptchaTries, nullMillis(a.LastUsedAt), answers, millis(now))
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: account %q or profile %q already exists", ErrConflict, a.Name, a.ProfilePath)
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: account id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	return id, nil
}

// GetAccount returns an account by id. Expired cooldowns are refreshed in
// the same transaction as the read.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	list, err := s.ListAccounts(ctx, AccountFilter{IDs: []int64{id}})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	return &list[0], nil
}

// GetAccountByName returns an account by login name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*Account, error) {
	list, err := s.ListAccounts(ctx, AccountFilter{Names: []string{name}})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, name)
	}
	return &list[0], nil
}

// ListAccounts returns accounts matching f ordered by id. Cooldowns that
// have expired are flipped back to 'ok' inside the same transaction, so a
// caller never observes status=cooldown with a past cooldown_until.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error) {
	b := sq.Select(accountColumns).From("accounts").OrderBy("id")
	if len(f.IDs) > 0 {
		b = b.Where(sq.Eq{"id": f.IDs})
	}
	if len(f.Names) > 0 {
		b = b.Where(sq.Eq{"name": f.Names})
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, v := range f.Statuses {
			st[i] = string(v)
		}
		b = b.Where(sq.Eq{"status": st})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build account query: %w", err)
	}

	var out []Account
	err = s.RunTx(ctx, func(tx *sql.Tx) error {
		out = nil
		if _, err := refreshCooldowns(ctx, tx, s.now()); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: list accounts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return fmt.Errorf("store: scan account: %w", err)
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefreshCooldowns flips expired cooldowns back to 'ok' and returns how many
// accounts were refreshed.
func (s *Store) RefreshCooldowns(ctx context.Context) (int, error) {
	var n int64
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = refreshCooldowns(ctx, tx, s.now())
		return err
	})
	return int(n), err
}

func refreshCooldowns(ctx context.Context, q querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET status = 'ok', cooldown_until = NULL
		WHERE status = 'cooldown' AND (cooldown_until IS NULL OR cooldown_until <= ?)`,
		millis(now))
	if err != nil {
		return 0, fmt.Errorf("store: refresh cooldowns: %w", err)
	}
	return res.RowsAffected()
}

// SetAccountStatus writes a status. A cooldown status requires a future
// 'until'; every other status clears cooldown_until.
func (s *Store) SetAccountStatus(ctx context.Context, id int64, status AccountStatus, until time.Time, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: account status %q", ErrInvalid, status)
	}
	if status == AccountCooldown {
		if !until.After(s.now()) {
			return fmt.Errorf("%w: cooldown must end in the future", ErrInvalid)
		}
	} else {
		until = time.Time{}
	}
	var lastErr sql.NullString
	if reason != "" {
		lastErr = sql.NullString{String: reason, Valid: true}
	}
	res, err := s.exec(ctx, `
		UPDATE accounts SET status = ?, cooldown_until = ?, last_error = COALESCE(?, last_error)
		WHERE id = ?`,
		string(status), nullMillis(until), lastErr, id)
	if err != nil {
		return fmt.Errorf("store: set account status: %w", err)
	}
	return accountAffected(res, id)
}

// TouchAccount records the last time the account served a phrase.
func (s *Store) TouchAccount(ctx context.Context, id int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE accounts SET last_used_at = ? WHERE id = ?`, millis(at), id)
	if err != nil {
		return fmt.Errorf("store: touch account: %w", err)
	}
	return accountAffected(res, id)
}

// BumpCaptchaTries increments the captcha counter and returns the new value.
func (s *Store) BumpCaptchaTries(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET captcha_tries = captcha_tries + 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: bump captcha: %w", err)
		}
		if err := accountAffected(res, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT captcha_tries FROM accounts WHERE id = ?`, id).Scan(&n)
	})
	return n, err
}

// SetAccountProxy binds (or with proxyID 0 unbinds) a proxy.
func (s *Store) SetAccountProxy(ctx context.Context, id, proxyID int64) error {
	res, err := s.exec(ctx, `UPDATE accounts SET proxy = ? WHERE id = ?`, nullID(proxyID), id)
	if err != nil {
		return fmt.Errorf("store: set account proxy: %w", err)
	}
	return accountAffected(res, id)
}

// SetAccountPassword replaces the login password.
func (s *Store) SetAccountPassword(ctx context.Context, id int64, password string) error {
	res, err := s.exec(ctx, `UPDATE accounts SET password = ? WHERE id = ?`, password, id)
	if err != nil {
		return fmt.Errorf("store: set account password: %w", err)
	}
	return accountAffected(res, id)
}

// SetSecretAnswers replaces the question-pattern → answer mapping.
func (s *Store) SetSecretAnswers(ctx context.Context, id int64, answers map[string]string) error {
	raw, err := marshalAnswers(answers)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE accounts SET secret_answers = ? WHERE id = ?`, raw, id)
	if err != nil {
		return fmt.Errorf("store: set secret answers: %w", err)
	}
	return accountAffected(res, id)
}

func accountAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	return nil
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a         Account
		proxy     sql.NullInt64
		status    string
		cooldown  sql.NullInt64
		lastUsed  sql.NullInt64
		answers   string
		lastErr   sql.NullString
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.ProfilePath, &a.Password, &proxy, &status, &cooldown,
		&a.CaptchaTries, &lastUsed, &answers, &lastErr, &createdAt)
	if err != nil {
		return nil, err
	}
	a.ProxyID = proxy.Int64
	a.Status = AccountStatus(status)
	a.CooldownUntil = fromMillis(cooldown)
	a.LastUsedAt = fromMillis(lastUsed)
	a.LastError = lastErr.String
	a.CreatedAt = time.UnixMilli(createdAt)
	a.SecretAnswers = map[string]string{}
	if answers != "" {
		if err := json.Unmarshal([]byte(answers), &a.SecretAnswers); err != nil {
			return nil, fmt.Errorf("decode secret answers of %q: %w", a.Name, err)
		}
	}
	return &a, nil
}

func marshalAnswers(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: encode secret answers: %w", err)
	}
	return string(b), nil
}

func nullID(id int64) sql.NullInt64 {
	if id <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

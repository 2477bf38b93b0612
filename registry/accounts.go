// Package registry catalogues accounts and proxies and hands out immutable
// snapshots of them to harvest runs.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/wsharvest/store"
)

// Account is an immutable snapshot taken at session start. Later registry
// writes do not affect it.
type Account struct {
	ID            int64
	Name          string
	ProfileDir    string
	Password      string
	Proxy         *Proxy // nil = direct
	Status        store.AccountStatus
	CooldownUntil time.Time
	CaptchaTries  int
	LastUsedAt    time.Time
	SecretAnswers map[string]string
}

// Usable reports whether a run may try to open a session for the account.
// 'error' is retried because it records a failed start, not a verdict.
func (a Account) Usable() bool {
	return a.Status == store.AccountOK || a.Status == store.AccountError
}

// allowed lists permitted status changes. Any status may go to disabled.
var allowed = map[store.AccountStatus][]store.AccountStatus{
	store.AccountOK:       {store.AccountCooldown, store.AccountCaptcha, store.AccountBanned, store.AccountError},
	store.AccountError:    {store.AccountOK, store.AccountCooldown, store.AccountCaptcha, store.AccountBanned},
	store.AccountCooldown: {store.AccountOK},
	store.AccountCaptcha:  {store.AccountOK},
	store.AccountBanned:   {},
	store.AccountDisabled: {store.AccountOK},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to store.AccountStatus) bool {
	if to == store.AccountDisabled || from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Accounts manages account rows. Writes to a single account are serialized.
type Accounts struct {
	st           *store.Store
	proxies      *Proxies
	profilesRoot string
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewAccounts creates an account registry. profilesRoot is where profile
// directories are placed when Add is not given one.
func NewAccounts(st *store.Store, proxies *Proxies, profilesRoot string, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	if proxies == nil {
		proxies = NewProxies(st, logger)
	}
	return &Accounts{
		st:           st,
		proxies:      proxies,
		profilesRoot: profilesRoot,
		logger:       logger,
		locks:        make(map[int64]*sync.Mutex),
	}
}

func (r *Accounts) lock(id int64) func() {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// NewAccount describes an account to create.
type NewAccount struct {
	Name       string
	Password   string
	ProfileDir string // empty = <profilesRoot>/<name>
	Proxy      string // any format ParseProxy accepts; empty = direct
}

// Add creates an account. A non-empty proxy is parsed, stored and bound.
func (r *Accounts) Add(ctx context.Context, n NewAccount) (Account, error) {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return Account{}, fmt.Errorf("registry: add account: %w", store.ErrInvalid)
	}
	profileDir := n.ProfileDir
	if profileDir == "" {
		profileDir = filepath.Join(r.profilesRoot, name)
	}
	if abs, err := filepath.Abs(profileDir); err == nil {
		profileDir = abs
	}

	row := store.Account{Name: name, Password: n.Password, ProfilePath: profileDir}
	if n.Proxy != "" {
		p, _, err := r.proxies.Add(ctx, n.Proxy)
		if err != nil {
			return Account{}, fmt.Errorf("registry: account %q proxy: %w", name, err)
		}
		row.ProxyID = p.ID
	}
	if _, err := r.st.InsertAccount(ctx, &row); err != nil {
		return Account{}, fmt.Errorf("registry: add account: %w", err)
	}
	r.logger.Info("registry: account added", "account", name, "profile", profileDir)
	return r.Snapshot(ctx, row.ID)
}

// ParseAccountLine reads "login[:password] [proxy]".
func ParseAccountLine(line string) (NewAccount, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return NewAccount{}, fmt.Errorf("registry: account line %q: %w", line, store.ErrInvalid)
	}
	var n NewAccount
	n.Name, n.Password, _ = strings.Cut(fields[0], ":")
	if len(fields) == 2 {
		n.Proxy = fields[1]
	}
	return n, nil
}

// Import adds one account per line (see ParseAccountLine). Lines that fail
// are returned with their error; a duplicate name is reported, not fatal.
func (r *Accounts) Import(ctx context.Context, lines []string) ([]Account, map[string]error) {
	var added []Account
	failed := make(map[string]error)
	for _, line := range lines {
		if isBlankOrComment(line) {
			continue
		}
		n, err := ParseAccountLine(line)
		if err == nil {
			var a Account
			if a, err = r.Add(ctx, n); err == nil {
				added = append(added, a)
				continue
			}
		}
		failed[line] = err
	}
	return added, failed
}

// Snapshot returns an immutable view of the account with its proxy resolved.
func (r *Accounts) Snapshot(ctx context.Context, id int64) (Account, error) {
	row, err := r.st.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return r.snapshot(ctx, *row)
}

// Select returns snapshots for the named accounts, or every non-disabled
// account when names is empty. Unknown names fail with store.ErrNotFound.
func (r *Accounts) Select(ctx context.Context, names []string) ([]Account, error) {
	var f store.AccountFilter
	if len(names) > 0 {
		f.Names = names
	}
	rows, err := r.st.ListAccounts(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		found := make(map[string]bool, len(rows))
		for _, a := range rows {
			found[a.Name] = true
		}
		for _, n := range names {
			if !found[n] {
				return nil, fmt.Errorf("registry: account %q: %w", n, store.ErrNotFound)
			}
		}
	}

	out := make([]Account, 0, len(rows))
	for _, row := range rows {
		if len(names) == 0 && row.Status == store.AccountDisabled {
			continue
		}
		a, err := r.snapshot(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// List returns every account row.
func (r *Accounts) List(ctx context.Context) ([]store.Account, error) {
	return r.st.ListAccounts(ctx, store.AccountFilter{})
}

func (r *Accounts) snapshot(ctx context.Context, row store.Account) (Account, error) {
	a := Account{
		ID:            row.ID,
		Name:          row.Name,
		ProfileDir:    row.ProfilePath,
		Password:      row.Password,
		Status:        row.Status,
		CooldownUntil: row.CooldownUntil,
		CaptchaTries:  row.CaptchaTries,
		LastUsedAt:    row.LastUsedAt,
		SecretAnswers: maps.Clone(row.SecretAnswers),
	}
	if row.ProxyID != 0 {
		p, err := r.proxies.Get(ctx, row.ProxyID)
		if err != nil {
			return Account{}, fmt.Errorf("registry: proxy of %q: %w", row.Name, err)
		}
		a.Proxy = &p
	}
	return a, nil
}

// Transition changes an account status if the move is allowed. until is
// only used for cooldown.
func (r *Accounts) Transition(ctx context.Context, id int64, to store.AccountStatus, until time.Time, reason string) error {
	defer r.lock(id)()

	row, err := r.st.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(row.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %q", ErrTransition, row.Status, to, row.Name)
	}
	if err := r.st.SetAccountStatus(ctx, id, to, until, reason); err != nil {
		return fmt.Errorf("registry: transition %q: %w", row.Name, err)
	}
	if row.Status != to {
		r.logger.Info("registry: account status",
			"account", row.Name, "from", row.Status, "to", to, "reason", reason)
	}
	return nil
}

// Cooldown puts the account in cooldown for d.
func (r *Accounts) Cooldown(ctx context.Context, id int64, d time.Duration, reason string) error {
	return r.Transition(ctx, id, store.AccountCooldown, r.st.Now().Add(d), reason)
}

// Disable takes the account out of every future run.
func (r *Accounts) Disable(ctx context.Context, id int64) error {
	return r.Transition(ctx, id, store.AccountDisabled, time.Time{}, "disabled by operator")
}

// Enable returns a disabled, captcha or errored account to service.
func (r *Accounts) Enable(ctx context.Context, id int64) error {
	return r.Transition(ctx, id, store.AccountOK, time.Time{}, "")
}

// MarkUsed stamps last_used_at.
func (r *Accounts) MarkUsed(ctx context.Context, id int64) error {
	defer r.lock(id)()
	return r.st.TouchAccount(ctx, id, r.st.Now())
}

// BumpCaptcha increments the captcha counter and returns the new value.
func (r *Accounts) BumpCaptcha(ctx context.Context, id int64) (int, error) {
	defer r.lock(id)()
	return r.st.BumpCaptchaTries(ctx, id)
}

// SetAnswers replaces the secret answers of an account.
func (r *Accounts) SetAnswers(ctx context.Context, id int64, answers map[string]string) error {
	defer r.lock(id)()
	return r.st.SetSecretAnswers(ctx, id, answers)
}

// SetAnswer adds or replaces one question pattern.
func (r *Accounts) SetAnswer(ctx context.Context, id int64, pattern, answer string) error {
	defer r.lock(id)()
	row, err := r.st.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	answers := maps.Clone(row.SecretAnswers)
	if answers == nil {
		answers = map[string]string{}
	}
	answers[pattern] = answer
	return r.st.SetSecretAnswers(ctx, id, answers)
}

// SetPassword replaces the login password.
func (r *Accounts) SetPassword(ctx context.Context, id int64, password string) error {
	defer r.lock(id)()
	return r.st.SetAccountPassword(ctx, id, password)
}

// ByName resolves a login name to its id.
func (r *Accounts) ByName(ctx context.Context, name string) (Account, error) {
	row, err := r.st.GetAccountByName(ctx, name)
	if err != nil {
		return Account{}, err
	}
	return r.snapshot(ctx, *row)
}

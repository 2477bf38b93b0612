// Package harvest is the scheduler: it starts one session per account,
// shards the phrase batch over every (session, tab) slot, dispatches each
// phrase and records its frequency.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/domextract"
	"github.com/hazyhaar/wsharvest/idgen"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/pacing"
	"github.com/hazyhaar/wsharvest/phrase"
	"github.com/hazyhaar/wsharvest/registry"
	"github.com/hazyhaar/wsharvest/store"
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	Region   int              // default store.DefaultRegion
	Tabs     int              // per session, default 1
	Variants []phrase.Variant // default broad only

	PhraseTimeout time.Duration // whole budget of one phrase, default 45s
	StartTimeout  time.Duration // launch and login of one session, default 150s
	Grace         time.Duration // wait after network idle before reading the DOM, default 2s

	MaxRecoveries    int           // re-authentications per session, default 3
	RateLimitStreak  int           // consecutive rate-limited phrases before cooldown, default 5
	Cooldown         time.Duration // default 30m
	StartConcurrency int           // sessions started at once, default 4

	Pacing    pacing.Config
	Selectors domextract.Selectors

	Progress Progress // nil = LogProgress
	Logger   *slog.Logger
	NewRunID idgen.Generator
}

func (c *Config) defaults() {
	if c.Region <= 0 {
		c.Region = store.DefaultRegion
	}
	if c.Tabs <= 0 {
		c.Tabs = 1
	}
	if len(c.Variants) == 0 {
		c.Variants = []phrase.Variant{phrase.Broad}
	}
	if c.PhraseTimeout <= 0 {
		c.PhraseTimeout = 45 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 150 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = 3
	}
	if c.RateLimitStreak <= 0 {
		c.RateLimitStreak = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Minute
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Progress == nil {
		c.Progress = LogProgress{Logger: c.Logger}
	}
	if c.NewRunID == nil {
		c.NewRunID = idgen.Run
	}
}

// Engine runs harvests. It is safe to call Harvest concurrently; runs
// that target the same account collide on the profile lock.
type Engine struct {
	cfg      Config
	st       *store.Store
	accounts *registry.Accounts
	launcher Launcher
	auth     Authenticator
	extract  *domextract.Extractor
}

// New creates an Engine.
func New(st *store.Store, accounts *registry.Accounts, launcher Launcher, auth Authenticator, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		st:       st,
		accounts: accounts,
		launcher: launcher,
		auth:     auth,
		extract:  domextract.New(cfg.Selectors),
	}
}

// Request is one harvest call.
type Request struct {
	Masks    []string
	Region   int              // 0 = Config.Region
	Accounts []string         // names; empty = every non-disabled account
	Tabs     int              // per session; 0 = Config.Tabs
	Variants []phrase.Variant // empty = Config.Variants
}

// SessionStats is the outcome of one account in a run. Kind is empty for
// a session that stayed healthy to the end.
type SessionStats struct {
	Account    string
	SessionID  string
	Tabs       int
	Success    int
	Failed     int
	Recoveries int
	Kind       Kind
	Reason     string
}

// RunStats summarizes a run. Skipped rows were already ok (or owned by a
// concurrent run) at enqueue time. Canceled rows were left queued by
// cancellation, Orphaned rows because no healthy slot remained.
type RunStats struct {
	RunID    string
	Total    int
	Success  int
	Failed   int
	Skipped  int
	Canceled int
	Orphaned int

	PerSession      map[string]SessionStats // by account name
	BlockedAccounts []string
	Unavailable     []string // not started: cooldown, captcha or banned

	Started  time.Time
	Finished time.Time
}

// run is the state of one Harvest call.
type run struct {
	e      *Engine
	id     string
	region int
	log    *slog.Logger
	pool   *orphanPool
	total  int

	done      atomic.Int64
	success   atomic.Int64
	failed    atomic.Int64
	conflicts atomic.Int64 // taken by a concurrent run between enqueue and dispatch

	mu      sync.Mutex
	per     map[string]*SessionStats
	blocked []string
	unavail []string
}

// Harvest enqueues the batch, starts sessions, dispatches every pending
// phrase and returns when all shards are drained or ctx is canceled.
// Phrase failures are recorded in the store, never returned. The error is
// non-nil only when the batch cannot be stored or no session could start
// for a fatal reason.
func (e *Engine) Harvest(ctx context.Context, req Request) (RunStats, error) {
	region := req.Region
	if region <= 0 {
		region = e.cfg.Region
	}
	tabs := req.Tabs
	if tabs <= 0 {
		tabs = e.cfg.Tabs
	}
	variants := req.Variants
	if len(variants) == 0 {
		variants = e.cfg.Variants
	}

	r := &run{
		e:      e,
		id:     e.cfg.NewRunID(),
		region: region,
		per:    make(map[string]*SessionStats),
	}
	r.log = e.cfg.Logger.With("run", r.id)
	stats := RunStats{RunID: r.id, Started: e.st.Now()}

	items := buildItems(req.Masks, variants)
	stats.Total = len(items)
	if len(items) == 0 {
		return r.finish(ctx, stats), nil
	}

	masks := make([]string, len(items))
	for i, it := range items {
		masks[i] = it.Mask
	}
	if _, err := e.st.Enqueue(ctx, masks, region); err != nil {
		return stats, fmt.Errorf("harvest: enqueue: %w", err)
	}
	pending, err := e.st.Pending(ctx, masks, region)
	if err != nil {
		return stats, fmt.Errorf("harvest: pending: %w", err)
	}
	stats.Skipped = len(items) - len(pending)
	if len(pending) == 0 {
		r.log.Info("harvest: nothing to dispatch", "total", len(items))
		return r.finish(ctx, stats), nil
	}
	items = keep(items, pending)
	r.total = len(items)

	accounts, err := e.accounts.Select(ctx, req.Accounts)
	if err != nil {
		return stats, fmt.Errorf("harvest: select accounts: %w", err)
	}

	r.log.Info("harvest: run started",
		"pending", len(items), "skipped", len(masks)-len(items),
		"accounts", len(accounts), "tabs", tabs, "region", region)

	sessions, err := r.startSessions(ctx, accounts, tabs)
	defer r.closeSessions(sessions)
	if err != nil {
		return r.finish(ctx, stats), err
	}
	if len(sessions) > 0 {
		r.dispatch(ctx, sessions, items)
	}
	return r.finish(ctx, stats), nil
}

// finish fills the counters of stats.
func (r *run) finish(ctx context.Context, stats RunStats) RunStats {
	stats.Success = int(r.success.Load())
	stats.Failed = int(r.failed.Load())
	conflicts := int(r.conflicts.Load())
	stats.Skipped += conflicts
	if left := r.total - stats.Success - stats.Failed - conflicts; left > 0 {
		if ctx.Err() != nil {
			stats.Canceled = left
		} else {
			stats.Orphaned = left
		}
	}

	r.mu.Lock()
	stats.PerSession = make(map[string]SessionStats, len(r.per))
	for name, s := range r.per {
		stats.PerSession[name] = *s
	}
	stats.BlockedAccounts = append([]string(nil), r.blocked...)
	stats.Unavailable = append([]string(nil), r.unavail...)
	r.mu.Unlock()
	sort.Strings(stats.BlockedAccounts)
	sort.Strings(stats.Unavailable)

	stats.Finished = r.e.st.Now()
	r.log.Info("harvest: run finished",
		"success", stats.Success, "failed", stats.Failed, "skipped", stats.Skipped,
		"canceled", stats.Canceled, "orphaned", stats.Orphaned,
		"blocked", len(stats.BlockedAccounts), "elapsed", stats.Finished.Sub(stats.Started))
	return stats
}

// startSessions launches and logs in every usable account in parallel.
// It fails with ErrNoSessions only when no session started and every
// failure was fatal.
func (r *run) startSessions(ctx context.Context, accounts []registry.Account, tabs int) ([]*session, error) {
	var (
		mu       sync.Mutex
		started  []*session
		fatal    []error
		nonFatal int
	)
	var g errgroup.Group
	g.SetLimit(r.e.cfg.StartConcurrency)
	for _, acc := range accounts {
		if !acc.Usable() {
			r.log.Info("harvest: account unavailable", "account", acc.Name, "status", acc.Status)
			r.mu.Lock()
			r.unavail = append(r.unavail, acc.Name)
			r.mu.Unlock()
			continue
		}
		g.Go(func() error {
			s, err := r.startSession(ctx, acc, tabs)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, s)
			case Classify(err) == KindFatal:
				fatal = append(fatal, fmt.Errorf("%s: %w", acc.Name, err))
			default:
				nonFatal++
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(started, func(i, j int) bool { return started[i].acc.ID < started[j].acc.ID })
	if len(started) > 0 || nonFatal > 0 || ctx.Err() != nil {
		return started, nil
	}
	if len(fatal) > 0 {
		return nil, errors.Join(append([]error{ErrNoSessions}, fatal...)...)
	}
	return nil, fmt.Errorf("%w: no usable account", ErrNoSessions)
}

// startSession opens the browser and logs in on the first tab. Cookies
// are shared, so the other tabs are authenticated too.
func (r *run) startSession(ctx context.Context, acc registry.Account, tabs int) (*session, error) {
	sctx, cancel := context.WithTimeout(ctx, r.e.cfg.StartTimeout)
	defer cancel()
	log := r.log.With("account", acc.Name)

	h, err := r.e.launcher.Start(sctx, acc, tabs)
	if err == nil && len(h.Tabs()) == 0 {
		h.Close()
		h, err = nil, &browser.FatalError{Err: fmt.Errorf("%w: no tabs opened", browser.ErrCdpUnreachable)}
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Error("harvest: session start failed", "error", err)
			r.settle(ctx, acc, "", Classify(err), err)
		}
		return nil, err
	}

	cred := credentials(acc)
	if _, err := r.e.auth.Login(sctx, h.Tabs()[0], cred); err != nil {
		h.Close()
		if ctx.Err() == nil {
			log.Warn("harvest: login failed", "session", h.ID(), "error", err)
			r.settle(ctx, acc, h.ID(), Classify(err), err)
		}
		return nil, err
	}

	if acc.Status == store.AccountError {
		if err := r.e.accounts.Transition(context.WithoutCancel(ctx), acc.ID, store.AccountOK, time.Time{}, "authenticated"); err != nil {
			log.Warn("harvest: restore account status", "error", err)
		}
	}

	s := &session{
		acc:  acc,
		h:    h,
		tabs: h.Tabs(),
		cred: cred,
		pace: pacing.New(r.e.cfg.Pacing),
		log:  log.With("session", h.ID()),
	}
	r.mu.Lock()
	r.per[acc.Name] = &SessionStats{Account: acc.Name, SessionID: h.ID(), Tabs: len(s.tabs)}
	r.mu.Unlock()
	s.log.Info("harvest: session ready", "tabs", len(s.tabs))
	return s, nil
}

// settle applies the account consequence of a session-level failure and
// records it in the run stats.
func (r *run) settle(ctx context.Context, acc registry.Account, sessionID string, kind Kind, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := r.log.With("account", acc.Name)
	reason := cause.Error()

	status := kind.AccountStatus()
	if errors.Is(cause, browser.ErrProfileLocked) {
		// The profile is in use by another run, the account itself is fine.
		status = ""
	}
	var err error
	switch status {
	case "":
	case store.AccountCooldown:
		err = r.e.accounts.Cooldown(ctx, acc.ID, r.e.cfg.Cooldown, reason)
	default:
		if kind == KindCaptcha {
			if _, berr := r.e.accounts.BumpCaptcha(ctx, acc.ID); berr != nil {
				log.Warn("harvest: bump captcha counter", "error", berr)
			}
		}
		err = r.e.accounts.Transition(ctx, acc.ID, status, time.Time{}, reason)
	}
	if err != nil {
		log.Warn("harvest: update account status", "status", status, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.per[acc.Name]
	if st == nil {
		st = &SessionStats{Account: acc.Name, SessionID: sessionID}
		r.per[acc.Name] = st
	}
	st.Kind = kind
	st.Reason = reason
	if kind != KindFatal {
		r.blocked = append(r.blocked, acc.Name)
	}
}

func (r *run) closeSessions(sessions []*session) {
	for _, s := range sessions {
		if err := s.h.Close(); err != nil {
			s.log.Warn("harvest: close session", "error", err)
		}
	}
}

func credentials(acc registry.Account) login.Credentials {
	return login.Credentials{Name: acc.Name, Password: acc.Password, Answers: acc.SecretAnswers}
}

// buildItems normalizes masks and expands variants, dropping empties and
// duplicates while keeping first-seen order.
func buildItems(masks []string, variants []phrase.Variant) []item {
	seen := make(map[string]bool)
	var out []item
	for _, raw := range masks {
		m := phrase.Normalize(raw)
		if len(phrase.Words(m)) == 0 {
			continue
		}
		for _, v := range variants {
			q := phrase.Query(m, v)
			if seen[q] {
				continue
			}
			seen[q] = true
			out = append(out, item{Mask: q, Variant: v})
		}
	}
	return out
}

func keep(items []item, masks []string) []item {
	want := make(map[string]bool, len(masks))
	for _, m := range masks {
		want[m] = true
	}
	out := items[:0:0]
	for _, it := range items {
		if want[it.Mask] {
			out = append(out, it)
		}
	}
	return out
}

// freqs stores n in the total column and, for quoted and exact rows, in
// the column of that variant.
func freqs(v phrase.Variant, n int64) store.Freqs {
	f := store.Freqs{Total: n}
	switch v {
	case phrase.Quoted:
		f.Quotes = n
	case phrase.Exact:
		f.Exact = n
	}
	return f
}

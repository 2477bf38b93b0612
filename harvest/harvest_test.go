package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/idgen"
	"github.com/hazyhaar/wsharvest/intercept"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/pacing"
	"github.com/hazyhaar/wsharvest/phrase"
	"github.com/hazyhaar/wsharvest/registry"
	"github.com/hazyhaar/wsharvest/store"
)

const (
	passportURL = "https://passport.yandex.ru/auth?retpath=https%3A%2F%2Fwordstat.yandex.ru%2F"
	captchaURL  = "https://wordstat.yandex.ru/showcaptcha?retpath=x"
)

// fakeSite scripts what a visit to a Wordstat URL produces.
type fakeSite struct {
	visits atomic.Int64
	visit  func(t *fakeTab, query string) error
}

type fakeTab struct {
	acc    string
	site   *fakeSite
	events chan intercept.Event

	mu   sync.Mutex
	url  string
	html string
	navs []string
}

func (t *fakeTab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *fakeTab) show(u, html string) {
	t.mu.Lock()
	t.url, t.html = u, html
	t.mu.Unlock()
}

func (t *fakeTab) emit(query string, total int64) {
	t.events <- intercept.Event{Query: query, Total: total, Status: 200}
}

func (t *fakeTab) Navigate(_ context.Context, u string) error {
	t.show(u, "")
	return nil
}

func (t *fakeTab) Visit(_ context.Context, u string) (<-chan struct{}, error) {
	t.mu.Lock()
	t.navs = append(t.navs, u)
	t.url, t.html = u, ""
	t.mu.Unlock()
	t.site.visits.Add(1)

	var err error
	if t.site.visit != nil {
		pu, _ := url.Parse(u)
		err = t.site.visit(t, pu.Query().Get("words"))
	}
	settled := make(chan struct{})
	close(settled)
	return settled, err
}

func (t *fakeTab) HTML(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.html, nil
}

func (t *fakeTab) Events() <-chan intercept.Event { return t.events }

func (t *fakeTab) DrainEvents() {
	for {
		select {
		case <-t.events:
		default:
			return
		}
	}
}

func (t *fakeTab) Has(context.Context, string) (bool, error)               { return false, nil }
func (t *fakeTab) Fill(context.Context, string, string) error              { return nil }
func (t *fakeTab) Click(context.Context, string) error                     { return nil }
func (t *fakeTab) ClickText(context.Context, string, string) (bool, error) { return false, nil }
func (t *fakeTab) Screenshot(context.Context, string) ([]byte, error)      { return nil, nil }
func (t *fakeTab) Frame(context.Context, string) (login.Frame, error) {
	return nil, errors.New("no frame")
}

func (t *fakeTab) navCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.navs)
}

// fakeLauncher hands out fake sessions and, like the browser manager,
// refuses a second session on a claimed profile directory.
type fakeLauncher struct {
	site *fakeSite

	mu      sync.Mutex
	fail    map[string]error
	claimed map[string]bool
	starts  int
	tabs    []*fakeTab
}

func (l *fakeLauncher) Start(_ context.Context, acc registry.Account, n int) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if err := l.fail[acc.Name]; err != nil {
		return nil, err
	}
	if l.claimed[acc.ProfileDir] {
		return nil, fmt.Errorf("%w: %s", browser.ErrProfileLocked, acc.ProfileDir)
	}
	l.claimed[acc.ProfileDir] = true
	h := &fakeHandle{id: "sess_" + acc.Name, l: l, dir: acc.ProfileDir}
	for range n {
		t := &fakeTab{acc: acc.Name, site: l.site, events: make(chan intercept.Event, intercept.DefaultQueueSize)}
		h.tabs = append(h.tabs, t)
		l.tabs = append(l.tabs, t)
	}
	return h, nil
}

type fakeHandle struct {
	id   string
	l    *fakeLauncher
	dir  string
	tabs []Tab
}

func (h *fakeHandle) ID() string  { return h.id }
func (h *fakeHandle) Tabs() []Tab { return h.tabs }
func (h *fakeHandle) Close() error {
	h.l.mu.Lock()
	delete(h.l.claimed, h.dir)
	h.l.mu.Unlock()
	return nil
}

type fakeAuth struct {
	mu     sync.Mutex
	login  func(acc string, t *fakeTab) error
	run    func(acc string, t *fakeTab) error
	logins int
	runs   int
}

func (a *fakeAuth) Login(_ context.Context, p login.Page, cred login.Credentials) (login.Result, error) {
	a.mu.Lock()
	a.logins++
	fn := a.login
	a.mu.Unlock()
	if fn != nil {
		if err := fn(cred.Name, p.(*fakeTab)); err != nil {
			return login.Result{}, err
		}
	}
	return login.Result{Path: []login.State{login.StateOnWordstat}}, nil
}

func (a *fakeAuth) Run(_ context.Context, p login.Page, cred login.Credentials) (login.Result, error) {
	a.mu.Lock()
	a.runs++
	fn := a.run
	a.mu.Unlock()
	if fn != nil {
		if err := fn(cred.Name, p.(*fakeTab)); err != nil {
			return login.Result{}, err
		}
	}
	return login.Result{Path: []login.State{login.StateOnWordstat}}, nil
}

type fixture struct {
	t        *testing.T
	st       *store.Store
	accs     *registry.Accounts
	site     *fakeSite
	launcher *fakeLauncher
	auth     *fakeAuth

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	st := store.OpenMemory(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accs := registry.NewAccounts(st, nil, t.TempDir(), logger)
	for _, n := range names {
		if _, err := accs.Add(context.Background(), registry.NewAccount{Name: n, Password: "pw"}); err != nil {
			t.Fatal(err)
		}
	}
	site := &fakeSite{visit: func(t *fakeTab, q string) error {
		t.emit(q, int64(len(q))*100)
		return nil
	}}
	return &fixture{
		t:        t,
		st:       st,
		accs:     accs,
		site:     site,
		launcher: &fakeLauncher{site: site, fail: map[string]error{}, claimed: map[string]bool{}},
		auth:     &fakeAuth{},
	}
}

func (f *fixture) engine(mod func(*Config)) *Engine {
	cfg := Config{
		PhraseTimeout: 2 * time.Second,
		Grace:         5 * time.Millisecond,
		Pacing: pacing.Config{
			Initial: time.Millisecond,
			Min:     time.Millisecond,
			Max:     5 * time.Millisecond,
			Step:    time.Millisecond,
		},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewRunID: idgen.Sequence("run_"),
		Progress: ProgressFunc(func(_ context.Context, ev Event) error {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
			return nil
		}),
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(f.st, f.accs, f.launcher, f.auth, cfg)
}

func (f *fixture) row(mask string) *store.Result {
	f.t.Helper()
	r, err := f.st.Get(context.Background(), mask, store.DefaultRegion)
	if err != nil {
		f.t.Fatalf("row %q: %v", mask, err)
	}
	return r
}

func (f *fixture) account(name string) registry.Account {
	f.t.Helper()
	a, err := f.accs.ByName(context.Background(), name)
	if err != nil {
		f.t.Fatal(err)
	}
	return a
}

func TestHarvestInterceptHappyPath(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.emit(q, 12345)
		return nil
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"купить телефон"}, Region: 225})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Success != 1 || stats.Failed != 0 || stats.Total != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	r := f.row("купить телефон")
	if r.Status != store.StatusOK || r.Freqs.Total != 12345 || r.Attempts != 1 || r.Error != "" {
		t.Fatalf("row = %+v", r)
	}
	if len(f.events) != 1 || f.events[0].Source != SourceIntercept || f.events[0].Done != 1 || f.events[0].Total != 1 {
		t.Fatalf("events = %+v", f.events)
	}
	if f.launcher.tabs[0].navs[0] != phrase.URL("купить телефон", 225) {
		t.Fatalf("nav = %s", f.launcher.tabs[0].navs[0])
	}
}

func TestHarvestDOMFallback(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.show(t.URL(), `<html><body><div data-auto="phrase-count-total">1 234 567</div></body></html>`)
		return nil
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"купить телефон"}})
	if err != nil || stats.Success != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	r := f.row("купить телефон")
	if r.Status != store.StatusOK || r.Freqs.Total != 1234567 || r.Attempts != 1 {
		t.Fatalf("row = %+v", r)
	}
	if f.events[0].Source != "anchor" {
		t.Fatalf("source = %q", f.events[0].Source)
	}
}

func TestHarvestNeitherExtractorRecordsError(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.show(t.URL(), `<p>nothing here</p>`)
		return nil
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"x"}})
	if err != nil || stats.Failed != 1 || stats.Success != 0 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	r := f.row("x")
	if r.Status != store.StatusError || r.Error != "frequency not found" || r.Attempts != 1 {
		t.Fatalf("row = %+v", r)
	}
}

func TestHarvestInterceptWinsOverDOM(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.show(t.URL(), `<div data-auto="phrase-count-total">999 999</div>`)
		t.emit(q, 100)
		return nil
	}
	if _, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if r := f.row("x"); r.Freqs.Total != 100 {
		t.Fatalf("total = %d", r.Freqs.Total)
	}
}

func TestHarvestIgnoresStaleInterceptEvents(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.emit("something else", 1)
		t.emit(q, 42)
		return nil
	}
	if _, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if r := f.row("x"); r.Freqs.Total != 42 {
		t.Fatalf("total = %d", r.Freqs.Total)
	}
}

func TestHarvestIgnoresInterceptEventWithoutQuery(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.show(t.URL(), `<div data-auto="phrase-count-total">555</div>`)
		t.emit("", 7)
		return nil
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"b"}})
	if err != nil || stats.Success != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	if r := f.row("b"); r.Status != store.StatusOK || r.Freqs.Total != 555 {
		t.Fatalf("row = %+v", r)
	}
	if f.events[0].Source != "anchor" {
		t.Fatalf("source = %q", f.events[0].Source)
	}
}

func TestHarvestMidRunAuthLoss(t *testing.T) {
	f := newFixture(t, "acc1")
	var bVisits atomic.Int32
	f.site.visit = func(t *fakeTab, q string) error {
		if q == "b" && bVisits.Add(1) == 1 {
			t.show(passportURL, "")
			return nil
		}
		t.emit(q, 10)
		return nil
	}
	f.auth.run = func(_ string, t *fakeTab) error {
		t.show(phrase.WordstatBase, "")
		return nil
	}

	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"a", "b", "c"}})
	if err != nil || stats.Success != 3 || stats.Failed != 0 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	for _, m := range []string{"a", "b", "c"} {
		if r := f.row(m); r.Status != store.StatusOK || r.Attempts != 1 {
			t.Fatalf("row %s = %+v", m, r)
		}
	}
	if f.auth.runs != 1 {
		t.Fatalf("auth runs = %d", f.auth.runs)
	}
	if got := stats.PerSession["acc1"].Recoveries; got != 1 {
		t.Fatalf("recoveries = %d", got)
	}
}

func TestHarvestCaptchaReshardsToHealthySession(t *testing.T) {
	f := newFixture(t, "acc1", "acc2")
	f.site.visit = func(t *fakeTab, q string) error {
		if t.acc == "acc1" {
			t.show(captchaURL, "")
			return nil
		}
		t.emit(q, 7)
		return nil
	}
	f.auth.run = func(acc string, t *fakeTab) error {
		return &login.BlockedError{State: login.StateCaptcha, Reason: "captcha page", Err: login.ErrCaptcha}
	}

	var masks []string
	for i := range 20 {
		masks = append(masks, fmt.Sprintf("фраза %d", i))
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: masks})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Success != 20 || stats.Failed != 0 || stats.Orphaned != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if !slices.Equal(stats.BlockedAccounts, []string{"acc1"}) {
		t.Fatalf("blocked = %v", stats.BlockedAccounts)
	}
	if ps := stats.PerSession["acc1"]; ps.Kind != KindCaptcha || ps.Success != 0 {
		t.Fatalf("acc1 stats = %+v", ps)
	}
	if ps := stats.PerSession["acc2"]; ps.Success != 20 {
		t.Fatalf("acc2 stats = %+v", ps)
	}
	a := f.account("acc1")
	if a.Status != store.AccountCaptcha || a.CaptchaTries != 1 {
		t.Fatalf("acc1 = %s tries %d", a.Status, a.CaptchaTries)
	}
	for _, m := range masks {
		if r := f.row(m); r.Status != store.StatusOK || r.Attempts != 1 {
			t.Fatalf("row %s = %+v", m, r)
		}
	}
}

func TestHarvestIdempotentRerun(t *testing.T) {
	f := newFixture(t, "acc1")
	eng := f.engine(nil)
	first, err := eng.Harvest(context.Background(), Request{Masks: []string{"x"}})
	if err != nil || first.Success != 1 {
		t.Fatalf("first=%+v err=%v", first, err)
	}
	before := f.row("x")

	second, err := eng.Harvest(context.Background(), Request{Masks: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Success != 0 || second.Skipped != 1 || second.Failed != 0 {
		t.Fatalf("second = %+v", second)
	}
	if f.launcher.starts != 1 || f.site.visits.Load() != 1 {
		t.Fatalf("starts=%d visits=%d", f.launcher.starts, f.site.visits.Load())
	}
	if after := f.row("x"); after.Freqs != before.Freqs || after.Attempts != 1 {
		t.Fatalf("row changed: %+v -> %+v", before, after)
	}
}

func TestHarvestProfileCollision(t *testing.T) {
	f := newFixture(t, "acc1")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.site.visit = func(t *fakeTab, q string) error {
		once.Do(func() { close(entered) })
		<-release
		t.emit(q, 5)
		return nil
	}
	eng := f.engine(nil)

	type result struct {
		stats RunStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := eng.Harvest(context.Background(), Request{Masks: []string{"x"}, Accounts: []string{"acc1"}})
		done <- result{s, err}
	}()
	<-entered

	stats, err := eng.Harvest(context.Background(), Request{Masks: []string{"y"}, Accounts: []string{"acc1"}})
	if !errors.Is(err, ErrNoSessions) || !errors.Is(err, browser.ErrProfileLocked) {
		t.Fatalf("second run err = %v", err)
	}
	if stats.Success != 0 || stats.Orphaned != 1 {
		t.Fatalf("second run stats = %+v", stats)
	}
	if n := f.site.visits.Load(); n != 1 {
		t.Fatalf("visits = %d, second run navigated", n)
	}
	if r := f.row("y"); r.Status != store.StatusQueued {
		t.Fatalf("y = %+v", r)
	}

	close(release)
	res := <-done
	if res.err != nil || res.stats.Success != 1 {
		t.Fatalf("first run: %+v %v", res.stats, res.err)
	}
	if a := f.account("acc1"); a.Status != store.AccountOK {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestHarvestEmptyBatch(t *testing.T) {
	f := newFixture(t, "acc1")
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"", "   "}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 || stats.Success != 0 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if f.launcher.starts != 0 || f.site.visits.Load() != 0 {
		t.Fatal("empty batch started sessions")
	}
}

func TestHarvestAllAccountsBlocked(t *testing.T) {
	f := newFixture(t, "acc1", "acc2")
	f.auth.login = func(string, *fakeTab) error {
		return &login.BlockedError{State: login.StateBanned, Err: login.ErrBanned}
	}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Success != 0 || stats.Failed != 0 || len(stats.BlockedAccounts) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if f.site.visits.Load() != 0 {
		t.Fatal("blocked accounts navigated to phrases")
	}
	for _, n := range []string{"acc1", "acc2"} {
		if a := f.account(n); a.Status != store.AccountBanned {
			t.Fatalf("%s = %s", n, a.Status)
		}
	}
	if r := f.row("x"); r.Status != store.StatusQueued {
		t.Fatalf("x = %+v", r)
	}
}

func TestHarvestFatalStartPropagates(t *testing.T) {
	f := newFixture(t, "acc1")
	f.launcher.fail["acc1"] = &browser.FatalError{Err: browser.ErrProxyAuthRequired}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: []string{"x"}})
	if !errors.Is(err, ErrNoSessions) || !errors.Is(err, browser.ErrProxyAuthRequired) {
		t.Fatalf("err = %v", err)
	}
	if len(stats.BlockedAccounts) != 0 || stats.PerSession["acc1"].Kind != KindFatal {
		t.Fatalf("stats = %+v", stats)
	}
	if a := f.account("acc1"); a.Status != store.AccountError {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestHarvestRestoresErroredAccount(t *testing.T) {
	f := newFixture(t, "acc1")
	ctx := context.Background()
	a := f.account("acc1")
	if err := f.accs.Transition(ctx, a.ID, store.AccountError, time.Time{}, "earlier failure"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine(nil).Harvest(ctx, Request{Masks: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if a := f.account("acc1"); a.Status != store.AccountOK {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestHarvestSkipsUnavailableAccounts(t *testing.T) {
	f := newFixture(t, "acc1", "acc2")
	ctx := context.Background()
	if err := f.accs.Cooldown(ctx, f.account("acc1").ID, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}
	stats, err := f.engine(nil).Harvest(ctx, Request{Masks: []string{"x", "y"}})
	if err != nil || stats.Success != 2 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	if !slices.Equal(stats.Unavailable, []string{"acc1"}) || f.launcher.starts != 1 {
		t.Fatalf("unavailable=%v starts=%d", stats.Unavailable, f.launcher.starts)
	}
}

func TestHarvestRateLimitCooldown(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.events <- intercept.Event{RateLimited: true, Status: 429}
		return nil
	}
	stats, err := f.engine(func(c *Config) { c.RateLimitStreak = 2 }).
		Harvest(context.Background(), Request{Masks: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 2 || stats.Orphaned != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	a := f.account("acc1")
	if a.Status != store.AccountCooldown || !a.CooldownUntil.After(time.Now()) {
		t.Fatalf("account = %s until %v", a.Status, a.CooldownUntil)
	}
	if stats.PerSession["acc1"].Kind != KindRateLimited {
		t.Fatalf("kind = %s", stats.PerSession["acc1"].Kind)
	}
	if r := f.row("c"); r.Status != store.StatusQueued {
		t.Fatalf("c = %+v", r)
	}
}

func TestHarvestRecoveryLimit(t *testing.T) {
	f := newFixture(t, "acc1")
	f.site.visit = func(t *fakeTab, q string) error {
		t.show(passportURL, "")
		return nil
	}
	stats, err := f.engine(func(c *Config) { c.MaxRecoveries = 1 }).
		Harvest(context.Background(), Request{Masks: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.auth.runs != 1 {
		t.Fatalf("auth runs = %d", f.auth.runs)
	}
	if ps := stats.PerSession["acc1"]; ps.Kind != KindAuthFailed {
		t.Fatalf("session = %+v", ps)
	}
	if a := f.account("acc1"); a.Status != store.AccountError {
		t.Fatalf("status = %s", a.Status)
	}
	if r := f.row("a"); r.Status != store.StatusQueued || r.Attempts != 0 {
		t.Fatalf("a = %+v", r)
	}
}

func TestHarvestCancelLeavesQueued(t *testing.T) {
	f := newFixture(t, "acc1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := f.engine(func(c *Config) {
		c.Progress = ProgressFunc(func(context.Context, Event) error {
			cancel()
			return nil
		})
	})
	stats, err := eng.Harvest(ctx, Request{Masks: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Success != 1 || stats.Canceled != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, m := range []string{"b", "c"} {
		if r := f.row(m); r.Status != store.StatusQueued {
			t.Fatalf("%s = %+v", m, r)
		}
	}
}

func TestHarvestVariantsAreRows(t *testing.T) {
	f := newFixture(t, "acc1")
	_, err := f.engine(nil).Harvest(context.Background(), Request{
		Masks:    []string{"Купить  Телефон"},
		Variants: []phrase.Variant{phrase.Broad, phrase.Quoted, phrase.Exact},
	})
	if err != nil {
		t.Fatal(err)
	}
	broad := f.row("купить телефон")
	quoted := f.row(`"купить телефон"`)
	exact := f.row("!купить !телефон")
	if broad.Status != store.StatusOK || quoted.Status != store.StatusOK || exact.Status != store.StatusOK {
		t.Fatalf("rows: %+v %+v %+v", broad, quoted, exact)
	}
	if quoted.Freqs.Quotes != quoted.Freqs.Total || quoted.Freqs.Total == 0 || exact.Freqs.Exact != exact.Freqs.Total {
		t.Fatalf("freqs: %+v %+v", quoted.Freqs, exact.Freqs)
	}
}

func TestHarvestTabsRunInParallel(t *testing.T) {
	f := newFixture(t, "acc1")
	masks := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	stats, err := f.engine(nil).Harvest(context.Background(), Request{Masks: masks, Tabs: 3})
	if err != nil || stats.Success != len(masks) {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	if len(f.launcher.tabs) != 3 {
		t.Fatalf("tabs = %d", len(f.launcher.tabs))
	}
	total := 0
	for _, tab := range f.launcher.tabs {
		if tab.navCount() == 0 {
			t.Fatal("a tab got no phrase")
		}
		total += tab.navCount()
	}
	if total != len(masks) {
		t.Fatalf("navigations = %d", total)
	}
	if stats.PerSession["acc1"].Tabs != 3 || stats.PerSession["acc1"].Success != len(masks) {
		t.Fatalf("session = %+v", stats.PerSession["acc1"])
	}
}

func TestShardDeterministicAndDisjoint(t *testing.T) {
	masks := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	s1 := Shard(masks, 3)
	s2 := Shard(masks, 3)
	seen := map[string]int{}
	for i := range s1 {
		if !slices.Equal(s1[i], s2[i]) {
			t.Fatalf("shard %d differs: %v vs %v", i, s1[i], s2[i])
		}
		for _, m := range s1[i] {
			seen[m]++
		}
	}
	for _, m := range masks {
		if seen[m] != 1 {
			t.Fatalf("%s assigned %d times", m, seen[m])
		}
	}
	if Shard(masks, 0) != nil {
		t.Fatal("zero slots")
	}
}

func TestOrphanPoolEndsWhenNobodyBusy(t *testing.T) {
	p := newOrphanPool(2)
	p.done()

	got := make(chan item, 1)
	go func() {
		it, ok := p.next(context.Background())
		if ok {
			got <- it
			p.done()
		}
		close(got)
	}()

	p.put(item{Mask: "x"})
	p.done()
	if it := <-got; it.Mask != "x" {
		t.Fatalf("got %+v", it)
	}
	if _, ok := p.next(context.Background()); ok {
		t.Fatal("pool should be exhausted")
	}
}

func TestOrphanPoolHonoursContext(t *testing.T) {
	p := newOrphanPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := p.next(ctx); ok {
		t.Fatal("next returned an item after cancel")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindTransient},
		{errors.New("net::ERR_CONNECTION_RESET"), KindTransient},
		{&login.BlockedError{State: login.StateCaptcha, Err: login.ErrCaptcha}, KindCaptcha},
		{&login.BlockedError{State: login.StateBanned, Err: login.ErrBanned}, KindBanned},
		{&login.BlockedError{State: login.StateChallenge, Err: login.ErrChallengeUnanswerable}, KindChallengeUnanswerable},
		{&login.BlockedError{State: login.StateError, Err: login.ErrStepTimeout}, KindAuthFailed},
		{fmt.Errorf("x: %w", ErrRateLimited), KindRateLimited},
		{fmt.Errorf("start: %w", browser.ErrProfileLocked), KindFatal},
		{&browser.FatalError{Err: browser.ErrProxyAuthRequired}, KindFatal},
		{ErrRecoveryLimit, KindAuthFailed},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if KindChallengeUnanswerable.AccountStatus() != store.AccountCaptcha || KindTransient.AccountStatus() != "" {
		t.Fatal("account status mapping")
	}
}

func TestRouterFansOut(t *testing.T) {
	var a, b int
	boom := errors.New("boom")
	r := NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProgressFunc(func(context.Context, Event) error { a++; return boom }),
		nil,
		ProgressFunc(func(context.Context, Event) error { b++; return nil }),
	)
	if err := r.Report(context.Background(), Event{Mask: "x"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return OpenMemory(t, WithClock(clk.Now), WithStaleRunning(5*time.Minute)), clk
}

func TestPragmas(t *testing.T) {
	st, _ := testStore(t)

	var fk int
	if err := st.DB.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var sync int
	if err := st.DB.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", sync)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	n, err := st.Enqueue(ctx, []string{"купить телефон", "чехол", "чехол", ""}, 225)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueue count = %d, want 2", n)
	}

	if _, err := st.Enqueue(ctx, []string{"купить телефон", "чехол"}, 225); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	rows, err := st.ListResults(ctx, ResultFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Status != StatusQueued {
			t.Errorf("%q status = %s, want queued", r.Mask, r.Status)
		}
	}
}

func TestEnqueuePreservesOK(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, []string{"x"}, 225)
	if err := st.MarkRunning(ctx, "x", 225); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordOK(ctx, "x", 225, Freqs{Total: 1200, Quotes: 300}); err != nil {
		t.Fatal(err)
	}

	n, err := st.Enqueue(ctx, []string{"x"}, 225)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("enqueue over ok row counted %d, want 0", n)
	}

	r, err := st.Get(ctx, "x", 225)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusOK || r.Freqs.Total != 1200 || r.Freqs.Quotes != 300 {
		t.Errorf("ok row changed: %+v", r)
	}
	if r.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", r.Attempts)
	}
}

func TestEnqueueResetsError(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, []string{"x"}, 225)
	st.MarkRunning(ctx, "x", 225)
	st.RecordOK(ctx, "x", 225, Freqs{Total: 10})
	// A later failure keeps the old frequency visible.
	st.DB.Exec(`UPDATE freq_results SET status = 'queued'`)
	st.MarkRunning(ctx, "x", 225)
	if err := st.RecordError(ctx, "x", 225, "frequency not found"); err != nil {
		t.Fatal(err)
	}
	r, _ := st.Get(ctx, "x", 225)
	if r.Freqs.Total != 10 || r.Error != "frequency not found" || r.Attempts != 2 {
		t.Fatalf("after error: %+v", r)
	}

	n, _ := st.Enqueue(ctx, []string{"x"}, 225)
	if n != 1 {
		t.Fatalf("enqueue count = %d, want 1", n)
	}
	r, _ = st.Get(ctx, "x", 225)
	if r.Status != StatusQueued || r.Freqs.Total != 0 || r.Error != "" {
		t.Fatalf("after re-enqueue: %+v", r)
	}
}

func TestEnqueueRunningOnlyWhenStale(t *testing.T) {
	st, clk := testStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, []string{"x"}, 225)
	st.MarkRunning(ctx, "x", 225)

	n, _ := st.Enqueue(ctx, []string{"x"}, 225)
	if n != 0 {
		t.Fatalf("fresh running row re-queued")
	}
	pending, _ := st.Pending(ctx, []string{"x"}, 225)
	if len(pending) != 0 {
		t.Fatalf("fresh running row reported pending: %v", pending)
	}

	clk.Advance(6 * time.Minute)
	n, _ = st.Enqueue(ctx, []string{"x"}, 225)
	if n != 1 {
		t.Fatalf("stale running row not re-queued")
	}
}

func TestRecordErrorThenOK(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, []string{"x"}, 225)
	st.MarkRunning(ctx, "x", 225)
	st.RecordError(ctx, "x", 225, "timeout")
	if err := st.MarkRunning(ctx, "x", 225); err != nil {
		t.Fatalf("mark running after error: %v", err)
	}
	if err := st.RecordOK(ctx, "x", 225, Freqs{Total: 5}); err != nil {
		t.Fatal(err)
	}
	r, _ := st.Get(ctx, "x", 225)
	if r.Status != StatusOK || r.Error != "" {
		t.Fatalf("got %+v", r)
	}
}

func TestNotFoundAndConflict(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	if err := st.RecordOK(ctx, "missing", 225, Freqs{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordOK missing: %v, want ErrNotFound", err)
	}
	if err := st.MarkRunning(ctx, "missing", 225); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRunning missing: %v, want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, "missing", 225); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: %v", err)
	}

	st.Enqueue(ctx, []string{"x"}, 225)
	st.MarkRunning(ctx, "x", 225)
	if err := st.MarkRunning(ctx, "x", 225); !errors.Is(err, ErrConflict) {
		t.Errorf("double MarkRunning: %v, want ErrConflict", err)
	}
	if err := st.Release(ctx, "x", 225); err != nil {
		t.Errorf("release: %v", err)
	}
	r, _ := st.Get(ctx, "x", 225)
	if r.Status != StatusQueued || r.Attempts != 0 {
		t.Errorf("after release: %+v", r)
	}
}

func TestRecordOKRejectsNegative(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	st.Enqueue(ctx, []string{"x"}, 225)
	if err := st.RecordOK(ctx, "x", 225, Freqs{Total: -1}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestListResultsFilter(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, []string{"alpha", "beta", "gamma"}, 225)
	st.Enqueue(ctx, []string{"alpha"}, 213)
	st.MarkRunning(ctx, "beta", 225)
	st.RecordOK(ctx, "beta", 225, Freqs{Total: 1})

	rows, err := st.ListResults(ctx, ResultFilter{Region: 225, Statuses: []Status{StatusQueued}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Mask != "alpha" || rows[1].Mask != "gamma" {
		t.Fatalf("queued in 225: %+v", rows)
	}

	rows, _ = st.ListResults(ctx, ResultFilter{Like: "alp"})
	if len(rows) != 2 {
		t.Fatalf("like alp: %d rows, want 2", len(rows))
	}

	rows, _ = st.ListResults(ctx, ResultFilter{Limit: 1, Offset: 1})
	if len(rows) != 1 {
		t.Fatalf("limit/offset: %d rows", len(rows))
	}

	counts, err := st.CountsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusQueued] != 3 || counts[StatusOK] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestPendingPreservesOrder(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	st.Enqueue(ctx, []string{"c", "a", "b"}, 225)
	st.MarkRunning(ctx, "a", 225)
	st.RecordOK(ctx, "a", 225, Freqs{Total: 3})

	got, err := st.Pending(ctx, []string{"c", "a", "b"}, 225)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Fatalf("pending = %v, want [c b]", got)
	}
}

func TestAccountCooldownRefresh(t *testing.T) {
	st, clk := testStore(t)
	ctx := context.Background()

	id, err := st.InsertAccount(ctx, &Account{Name: "acc1", ProfilePath: "/p/acc1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetAccountStatus(ctx, id, AccountCooldown, clk.Now().Add(time.Minute), "rate limited"); err != nil {
		t.Fatal(err)
	}
	a, _ := st.GetAccount(ctx, id)
	if a.Status != AccountCooldown || a.LastError != "rate limited" {
		t.Fatalf("got %+v", a)
	}

	clk.Advance(2 * time.Minute)
	a, err = st.GetAccount(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != AccountOK || !a.CooldownUntil.IsZero() {
		t.Fatalf("cooldown not refreshed on read: %+v", a)
	}
}

func TestAccountStatusValidation(t *testing.T) {
	st, clk := testStore(t)
	ctx := context.Background()
	id, _ := st.InsertAccount(ctx, &Account{Name: "acc1", ProfilePath: "/p/acc1"})

	if err := st.SetAccountStatus(ctx, id, AccountCooldown, clk.Now().Add(-time.Second), ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("past cooldown: %v, want ErrInvalid", err)
	}
	if err := st.SetAccountStatus(ctx, id, "sleepy", time.Time{}, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown status: %v", err)
	}
	if err := st.SetAccountStatus(ctx, 999, AccountBanned, time.Time{}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account: %v", err)
	}
}

func TestAccountUniqueness(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	if _, err := st.InsertAccount(ctx, &Account{Name: "a", ProfilePath: "/p/shared"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertAccount(ctx, &Account{Name: "b", ProfilePath: "/p/shared"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("shared profile: %v, want ErrConflict", err)
	}
	if _, err := st.InsertAccount(ctx, &Account{Name: "a", ProfilePath: "/p/other"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name: %v, want ErrConflict", err)
	}
}

func TestAccountAnswersAndCaptcha(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	id, _ := st.InsertAccount(ctx, &Account{
		Name:          "acc1",
		ProfilePath:   "/p/acc1",
		SecretAnswers: map[string]string{"девичья фамилия": "Иванова"},
	})

	n, err := st.BumpCaptchaTries(ctx, id)
	if err != nil || n != 1 {
		t.Fatalf("bump: %d %v", n, err)
	}
	a, _ := st.GetAccountByName(ctx, "acc1")
	if a.SecretAnswers["девичья фамилия"] != "Иванова" || a.CaptchaTries != 1 {
		t.Fatalf("got %+v", a)
	}
}

func TestProxyDedupAndCheck(t *testing.T) {
	st, clk := testStore(t)
	ctx := context.Background()

	id1, created, err := st.UpsertProxy(ctx, &Proxy{Raw: "http://1.2.3.4:8080", Host: "1.2.3.4", Port: 8080})
	if err != nil || !created {
		t.Fatalf("first upsert: %v created=%v", err, created)
	}
	id2, created, err := st.UpsertProxy(ctx, &Proxy{Raw: "1.2.3.4:8080:u:p", Host: "1.2.3.4", Port: 8080, Login: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if created || id2 != id1 {
		t.Fatalf("same host:port created a new row (%d vs %d)", id2, id1)
	}
	p, _ := st.GetProxy(ctx, id1)
	if p.Login != "u" || p.Password != "p" || p.Raw != "http://1.2.3.4:8080" {
		t.Fatalf("credentials not refreshed: %+v", p)
	}

	if err := st.RecordProxyCheck(ctx, id1, ProxyOK, 120*time.Millisecond, "", clk.Now()); err != nil {
		t.Fatal(err)
	}
	p, _ = st.GetProxy(ctx, id1)
	if p.LastStatus != ProxyOK || p.LatencyMs != 120 {
		t.Fatalf("check not recorded: %+v", p)
	}
}

func TestProxyForeignKeyOnAccount(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	if _, err := st.InsertAccount(ctx, &Account{Name: "a", ProfilePath: "/p/a", ProxyID: 42}); err == nil {
		t.Fatal("account with dangling proxy reference inserted")
	}
}

func TestOnBusyRetriesOnlyBusy(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := onBusy(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	boom := errors.New("constraint failed")
	if err := onBusy(ctx, func() error { calls++; return boom }); !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = onBusy(ctx, func() error { calls++; return errors.New("SQLITE_BUSY") })
	if !IsBusy(err) || calls != busyAttempts {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestOnBusyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := onBusy(ctx, func() error { return errors.New("database table is locked") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/pacing"
	"github.com/hazyhaar/wsharvest/phrase"
	"github.com/hazyhaar/wsharvest/registry"
	"github.com/hazyhaar/wsharvest/store"
)

// SourceIntercept marks a frequency read from an intercepted API response.
const SourceIntercept = "intercept"

// errAuthWall reports that a navigation ended on Passport or a captcha.
var errAuthWall = errors.New("harvest: navigation landed on login page")

// session is one started account. Its tabs share the pacing controller,
// the recovery budget and the auth lock.
type session struct {
	acc  registry.Account
	h    Handle
	tabs []Tab
	cred login.Credentials
	pace *pacing.Controller
	log  *slog.Logger

	authMu  sync.Mutex
	authGen atomic.Int64 // bumped after each successful re-authentication

	mu         sync.Mutex
	recoveries int
	rateStreak int
	dropped    bool
}

func (s *session) isDropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// drop marks the session dropped and reports whether this call did it.
func (s *session) drop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return false
	}
	s.dropped = true
	return true
}

// rateLimited counts a rate-limited phrase and returns the streak.
func (s *session) rateLimited() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateStreak++
	return s.rateStreak
}

func (s *session) resetRate() {
	s.mu.Lock()
	s.rateStreak = 0
	s.mu.Unlock()
}

type slot struct {
	s   *session
	tab Tab
	n   int
}

// dispatch runs every slot until its shard and the orphan pool are
// drained. Tabs of one session run in parallel; phrases on one tab run in
// order.
func (r *run) dispatch(ctx context.Context, sessions []*session, items []item) {
	var slots []*slot
	for _, s := range sessions {
		for i, t := range s.tabs {
			slots = append(slots, &slot{s: s, tab: t, n: i})
		}
	}
	shards := shardItems(items, len(slots))
	r.pool = newOrphanPool(len(slots))

	var wg sync.WaitGroup
	for i, sl := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runSlot(ctx, sl, shards[i])
		}()
	}
	wg.Wait()

	if n := r.pool.len(); n > 0 && ctx.Err() == nil {
		r.log.Warn("harvest: phrases left queued, no healthy slot remained", "count", n)
	}
}

func (r *run) runSlot(ctx context.Context, sl *slot, shard []item) {
	for i, it := range shard {
		if !r.process(ctx, sl, it) {
			r.pool.put(shard[i:]...)
			r.pool.done()
			return
		}
	}
	r.pool.done()

	for {
		it, ok := r.pool.next(ctx)
		if !ok {
			return
		}
		if !r.process(ctx, sl, it) {
			r.pool.put(it)
			r.pool.done()
			return
		}
		r.pool.done()
	}
}

// process dispatches one phrase. It returns false, leaving the row
// queued, when the slot must stop: the run was canceled or the session
// was dropped.
func (r *run) process(ctx context.Context, sl *slot, it item) bool {
	s := sl.s
	wctx := context.WithoutCancel(ctx)
	log := s.log.With("mask", it.Mask, "tab", sl.n)
	retried := false

	for {
		if ctx.Err() != nil || s.isDropped() {
			return false
		}
		if err := r.e.st.MarkRunning(wctx, it.Mask, r.region); err != nil {
			if errors.Is(err, store.ErrConflict) {
				log.Debug("harvest: phrase taken by another run")
				r.conflicts.Add(1)
				return true
			}
			log.Error("harvest: mark running", "error", err)
			r.record(wctx, sl, it, 0, "", err)
			return true
		}

		freq, source, err := r.fetch(ctx, sl.tab, it.Mask)
		if ctx.Err() != nil {
			// In-flight result is discarded; the row goes back to queued.
			r.release(wctx, it, log)
			return false
		}

		switch {
		case errors.Is(err, errAuthWall):
			r.release(wctx, it, log)
			if rerr := r.recover(ctx, sl); rerr != nil {
				if ctx.Err() == nil {
					r.dropSession(ctx, s, rerr)
				}
				return false
			}
			if !retried {
				retried = true
				continue
			}
			if err := r.e.st.MarkRunning(wctx, it.Mask, r.region); err != nil {
				log.Warn("harvest: mark running", "error", err)
				return true
			}
			err = ErrAuthLost
		case err != nil && isFatal(err):
			r.release(wctx, it, log)
			r.dropSession(ctx, s, err)
			return false
		}

		r.record(wctx, sl, it, freq, source, err)
		if err == nil {
			s.pace.OnSuccess()
			s.resetRate()
		} else {
			s.pace.OnError()
			if Classify(err) != KindRateLimited {
				s.resetRate()
			} else if n := s.rateLimited(); n >= r.e.cfg.RateLimitStreak {
				r.dropSession(ctx, s, fmt.Errorf("%w: %d phrases in a row", ErrRateLimited, n))
			}
		}
		if err := r.e.accounts.MarkUsed(wctx, s.acc.ID); err != nil {
			log.Debug("harvest: mark account used", "error", err)
		}
		s.pace.Wait(ctx)
		return true
	}
}

// fetch navigates to the phrase and waits for its frequency: an
// intercepted response for this query, or once the network is idle and
// the grace period passed, the rendered page.
func (r *run) fetch(ctx context.Context, t Tab, query string) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.PhraseTimeout)
	defer cancel()

	t.DrainEvents()
	settled, err := t.Visit(ctx, phrase.URL(query, r.region))
	if login.OnLoginPage(t.URL()) {
		return 0, "", errAuthWall
	}
	if err != nil {
		return 0, "", err
	}

	var grace <-chan time.Time
	for {
		select {
		case ev := <-t.Events():
			if ev.RateLimited {
				return 0, "", fmt.Errorf("%w: status %d", ErrRateLimited, ev.Status)
			}
			// A response that names no query cannot be tied to this phrase;
			// the DOM read covers it.
			if ev.Query == "" || !phrase.SameQuery(ev.Query, query) {
				continue
			}
			return ev.Total, SourceIntercept, nil

		case <-settled:
			settled = nil
			if login.OnLoginPage(t.URL()) {
				return 0, "", errAuthWall
			}
			timer := time.NewTimer(r.e.cfg.Grace)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			html, err := t.HTML(ctx)
			if err != nil {
				return 0, "", fmt.Errorf("harvest: read page: %w", err)
			}
			n, src, err := r.e.extract.Extract(html, query)
			if err != nil {
				return 0, "", err
			}
			return n, string(src), nil

		case <-ctx.Done():
			if err := context.Cause(ctx); errors.Is(err, context.Canceled) {
				return 0, "", err
			}
			return 0, "", ErrPhraseTimeout
		}
	}
}

// recover re-authenticates the session in place on sl's tab. Tabs that hit
// the wall while another tab was recovering just retry.
func (r *run) recover(ctx context.Context, sl *slot) error {
	s := sl.s
	seen := s.authGen.Load()
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.authGen.Load() != seen {
		return nil
	}

	s.mu.Lock()
	s.recoveries++
	n := s.recoveries
	s.mu.Unlock()
	r.mu.Lock()
	if st := r.per[s.acc.Name]; st != nil {
		st.Recoveries = n
	}
	r.mu.Unlock()
	if n > r.e.cfg.MaxRecoveries {
		return fmt.Errorf("%w: %d", ErrRecoveryLimit, r.e.cfg.MaxRecoveries)
	}

	s.log.Info("harvest: auth lost, re-authenticating", "url", sl.tab.URL(), "recovery", n)
	if _, err := r.e.auth.Run(ctx, sl.tab, s.cred); err != nil {
		return err
	}
	s.authGen.Add(1)
	return nil
}

// dropSession takes the session out of the run. Its remaining phrases go
// to the orphan pool through its slots.
func (r *run) dropSession(ctx context.Context, s *session, cause error) {
	if !s.drop() {
		return
	}
	kind := Classify(cause)
	if !kind.SessionLevel() && kind != KindRateLimited {
		kind = KindAuthFailed
	}
	s.log.Warn("harvest: session dropped", "kind", kind, "error", cause)
	r.settle(ctx, s.acc, s.h.ID(), kind, cause)
}

func (r *run) release(ctx context.Context, it item, log *slog.Logger) {
	if err := r.e.st.Release(ctx, it.Mask, r.region); err != nil {
		log.Warn("harvest: release phrase", "error", err)
	}
}

// record stores the outcome of one phrase and reports progress.
func (r *run) record(ctx context.Context, sl *slot, it item, freq int64, source string, ferr error) {
	ev := Event{
		RunID:   r.id,
		Account: sl.s.acc.Name,
		Mask:    it.Mask,
		Region:  r.region,
		Total:   r.total,
	}
	if ferr == nil {
		if err := r.e.st.RecordOK(ctx, it.Mask, r.region, freqs(it.Variant, freq)); err != nil {
			sl.s.log.Error("harvest: record ok", "mask", it.Mask, "error", err)
			ferr = err
		}
	}
	if ferr != nil {
		if err := r.e.st.RecordError(ctx, it.Mask, r.region, ferr.Error()); err != nil {
			sl.s.log.Error("harvest: record error", "mask", it.Mask, "error", err)
		}
	}

	r.mu.Lock()
	st := r.per[sl.s.acc.Name]
	if ferr == nil {
		st.Success++
	} else {
		st.Failed++
	}
	r.mu.Unlock()

	if ferr == nil {
		r.success.Add(1)
		ev.Status, ev.Freq, ev.Source = store.StatusOK, freq, source
	} else {
		r.failed.Add(1)
		ev.Status, ev.Err = store.StatusError, ferr.Error()
	}
	ev.Done = int(r.done.Add(1))
	if err := r.e.cfg.Progress.Report(ctx, ev); err != nil {
		sl.s.log.Debug("harvest: progress", "error", err)
	}
}

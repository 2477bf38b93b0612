package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/wsharvest/intercept"
	"github.com/hazyhaar/wsharvest/registry"
)

// Session is one Chromium bound to one account for the duration of a run.
type Session struct {
	ID      string
	Account registry.Account
	Port    int

	dir      string
	mgr      *Manager
	logger   *slog.Logger
	browser  *rod.Browser
	cancel   context.CancelFunc
	lnch     *launcher.Launcher
	launched bool

	authRejected atomic.Bool

	mu   sync.Mutex
	tabs []*Tab
}

// Launched reports whether this session started the Chromium process, as
// opposed to attaching to one left running.
func (s *Session) Launched() bool { return s.launched }

func (s *Session) connect(ctx context.Context, controlURL string, retries int) error {
	var lastErr error
	for i := range max(retries, 1) {
		bctx, cancel := context.WithCancel(context.Background())
		b := rod.New().Context(bctx).ControlURL(controlURL)
		err := b.Connect()
		if err == nil {
			s.browser = b
			s.cancel = cancel
			return nil
		}
		lastErr = err
		cancel()
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.mgr.cfg.AttachBackoff):
			}
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrCdpUnreachable, controlURL, lastErr)
}

// handleProxyAuth answers proxy credential challenges for every target of
// the browser, so no prompt ever appears. A second challenge for the same
// request means the credentials were rejected.
func (s *Session) handleProxyAuth(user, pass string) {
	b := s.browser
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(b); err != nil {
		s.logger.Warn("browser: enable proxy auth", "error", err)
		return
	}

	var mu sync.Mutex
	seen := make(map[proto.FetchRequestID]int)

	wait := b.EachEvent(
		func(e *proto.FetchRequestPaused) {
			go func() {
				_ = (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(b)
			}()
		},
		func(e *proto.FetchAuthRequired) {
			mu.Lock()
			seen[e.RequestID]++
			n := seen[e.RequestID]
			mu.Unlock()

			resp := &proto.FetchAuthChallengeResponse{
				Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
				Username: user,
				Password: pass,
			}
			if n > 1 {
				s.authRejected.Store(true)
				resp = &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseCancelAuth,
				}
				s.logger.Warn("browser: proxy rejected credentials")
			}
			go func() {
				_ = (proto.FetchContinueWithAuth{RequestID: e.RequestID, AuthChallengeResponse: resp}).Call(b)
			}()
		},
	)
	go wait()
}

// OpenTabs opens n stealth tabs. Response interception is attached before
// any navigation happens on them.
func (s *Session) OpenTabs(ctx context.Context, n int) ([]*Tab, error) {
	cfg := s.mgr.cfg
	out := make([]*Tab, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := stealth.Page(s.browser)
		if err != nil {
			return out, fmt.Errorf("browser: create tab %d: %w", i, err)
		}
		t := &Tab{
			page:    page,
			session: s,
			queue:   intercept.NewQueue(cfg.EventQueue),
			cfg:     &s.mgr.cfg,
		}
		if !cfg.DisableIntercept {
			stop, err := intercept.Attach(page, t.queue, s.logger)
			if err != nil {
				page.Close()
				return out, fmt.Errorf("browser: intercept tab %d: %w", i, err)
			}
			t.stopIntercept = stop
		}
		s.mu.Lock()
		s.tabs = append(s.tabs, t)
		s.mu.Unlock()
		out = append(out, t)
	}
	s.logger.Debug("browser: tabs opened", "count", len(out))
	return out, nil
}

// shutdown closes tabs, then either detaches or ends the process.
func (s *Session) shutdown(keepRunning bool) {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = nil
	s.mu.Unlock()
	for _, t := range tabs {
		t.Close()
	}

	if s.browser != nil && !keepRunning {
		if err := s.browser.Close(); err != nil {
			s.logger.Debug("browser: close", "error", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if !keepRunning && s.lnch != nil {
		// Kill, never Cleanup: Cleanup removes the user data dir.
		s.lnch.Kill()
	}
	s.logger.Info("browser: session closed", "kept_running", keepRunning)
}

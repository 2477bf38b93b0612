package harvest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/intercept"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/registry"
)

// Tab is the page surface a slot drives.
type Tab interface {
	login.Page
	// Visit navigates to u. settled closes once the network is idle.
	Visit(ctx context.Context, u string) (settled <-chan struct{}, err error)
	HTML(ctx context.Context) (string, error)
	Events() <-chan intercept.Event
	DrainEvents()
}

// Handle is a started session: one browser bound to one account.
type Handle interface {
	ID() string
	Tabs() []Tab
	Close() error
}

// Launcher starts sessions.
type Launcher interface {
	Start(ctx context.Context, acc registry.Account, tabs int) (Handle, error)
}

// Authenticator drives a page to the logged-in Wordstat app. Login is
// used at session start, Run to recover in place mid-harvest.
type Authenticator interface {
	Login(ctx context.Context, p login.Page, cred login.Credentials) (login.Result, error)
	Run(ctx context.Context, p login.Page, cred login.Credentials) (login.Result, error)
}

// BrowserLauncher starts sessions on a browser.Manager.
type BrowserLauncher struct {
	Manager *browser.Manager
	Logger  *slog.Logger // default slog.Default()
}

func (l BrowserLauncher) Start(ctx context.Context, acc registry.Account, n int) (Handle, error) {
	s, err := l.Manager.EnsureSession(ctx, acc)
	if err != nil {
		return nil, err
	}
	tabs, err := s.OpenTabs(ctx, n)
	if err != nil {
		return nil, errors.Join(err, l.Manager.CloseSession(s))
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("harvest: session started", "account", acc.Name, "session", s.ID, "launched", s.Launched(), "port", s.Port, "tabs", len(tabs))
	h := &browserHandle{mgr: l.Manager, s: s, tabs: make([]Tab, len(tabs))}
	for i, t := range tabs {
		h.tabs[i] = t
	}
	return h, nil
}

type browserHandle struct {
	mgr  *browser.Manager
	s    *browser.Session
	tabs []Tab
}

func (h *browserHandle) ID() string   { return h.s.ID }
func (h *browserHandle) Tabs() []Tab  { return h.tabs }
func (h *browserHandle) Close() error { return h.mgr.CloseSession(h.s) }

// Package browser runs one persistent Chromium per account and exposes its
// tabs to the login machine and the harvest scheduler.
//
// Each session owns a profile directory and a CDP port for its lifetime. A
// Chromium left running by an earlier run (its port is read back from the
// profile's DevToolsActivePort) is attached to instead of relaunched, once
// it is proven to run on that profile with the account's proxy. Any other
// process holding the profile is killed before launch, since two Chromiums
// on one profile corrupt it.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/wsharvest/idgen"
	"github.com/hazyhaar/wsharvest/registry"
)

// Config configures the session manager.
type Config struct {
	// BasePort and PortSpan bound the CDP ports. Default: 9222, 100.
	BasePort int
	PortSpan int

	// Headless runs Chromium without a window. Default: headful.
	Headless bool

	// KeepRunning leaves Chromium alive on CloseSession so the login
	// survives for the next run. Otherwise the process is shut down.
	KeepRunning bool

	// ChromePath overrides the browser binary. Empty = rod's lookup.
	ChromePath string

	// AttachRetries bounds connection attempts to a fresh endpoint. Default: 10.
	AttachRetries int
	AttachBackoff time.Duration // default 500ms

	NavTimeout      time.Duration // default 30s
	SelectorTimeout time.Duration // default 10s

	// XvfbDisplay starts Xvfb on this display for headful sessions. Empty = none.
	XvfbDisplay string
	XvfbScreen  string        // default 1920x1080x24
	XvfbTimeout time.Duration // default 5s

	// DisableIntercept skips response interception on new tabs.
	DisableIntercept bool
	EventQueue       int

	Logger *slog.Logger
	NewID  idgen.Generator
}

func (c *Config) defaults() {
	if c.BasePort <= 0 {
		c.BasePort = 9222
	}
	if c.PortSpan <= 0 {
		c.PortSpan = 100
	}
	if c.AttachRetries <= 0 {
		c.AttachRetries = 10
	}
	if c.AttachBackoff <= 0 {
		c.AttachBackoff = 500 * time.Millisecond
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	if c.XvfbScreen == "" {
		c.XvfbScreen = "1920x1080x24"
	}
	if c.XvfbTimeout <= 0 {
		c.XvfbTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewID == nil {
		c.NewID = idgen.Session
	}
}

// Manager owns every session of the process.
type Manager struct {
	cfg   Config
	ports *portAllocator

	mu       sync.Mutex
	claims   map[string]string // profile dir -> session id
	sessions map[string]*Session
	xvfb     *xserver
	closed   bool
}

// NewManager creates a Manager. No process is started until EnsureSession.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		ports:    newPortAllocator(cfg.BasePort, cfg.PortSpan),
		claims:   make(map[string]string),
		sessions: make(map[string]*Session),
	}
}

// EnsureSession attaches to the account's running Chromium or launches
// one. It fails with ErrProfileLocked when the profile is held by another
// session or process that could not be displaced, ErrCdpUnreachable when
// the endpoint never answers.
func (m *Manager) EnsureSession(ctx context.Context, acc registry.Account) (*Session, error) {
	dir, err := filepath.Abs(acc.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("browser: profile path: %w", err)
	}
	log := m.cfg.Logger.With("account", acc.Name)

	id := m.cfg.NewID()
	if err := m.claim(dir, id); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			m.unclaim(dir)
		}
	}()

	if err := claimProfile(dir); err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			releaseProfile(dir)
		}
	}()

	port, err := m.ports.acquire(acc.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			m.ports.release(acc.ID)
		}
	}()

	s := &Session{
		ID:      id,
		Account: acc,
		Port:    port,
		dir:     dir,
		mgr:     m,
		logger:  log.With("session", id),
	}

	if !m.tryAttach(ctx, s) {
		if pid, alive := strayPID(dir); alive {
			log.Warn("browser: killing stray chrome on profile", "pid", pid)
			if err := killStray(pid, 3*time.Second); err != nil {
				return nil, fmt.Errorf("%w: stray pid %d: %v", ErrProfileLocked, pid, err)
			}
		}
		if err := m.launch(ctx, s); err != nil {
			return nil, err
		}
	}

	if acc.Proxy != nil && acc.Proxy.HasAuth() {
		s.handleProxyAuth(acc.Proxy.Login, acc.Proxy.Password)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.shutdown(false)
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	ok = true
	return s, nil
}

func (m *Manager) launch(ctx context.Context, s *Session) error {
	acc := s.Account
	l := launcher.New().
		Leakless(false).
		UserDataDir(s.dir).
		RemoteDebuggingPort(s.Port).
		Headless(m.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")
	if m.cfg.ChromePath != "" {
		l = l.Bin(m.cfg.ChromePath)
	}
	if acc.Proxy != nil {
		l = l.Delete("no-proxy-server").Proxy(acc.Proxy.Server())
	}
	if !m.cfg.Headless && m.cfg.XvfbDisplay != "" {
		m.mu.Lock()
		err := m.startXvfb()
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("browser: xvfb: %w", err)
		}
		l = l.Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
	}

	u, err := l.Launch()
	if err != nil {
		if isProfileInUse(err) {
			return fmt.Errorf("%w: %v", ErrProfileLocked, err)
		}
		return fmt.Errorf("%w: launch: %v", ErrCdpUnreachable, err)
	}
	s.lnch = l
	s.launched = true

	if err := s.connect(ctx, u, m.cfg.AttachRetries); err != nil {
		l.Kill()
		return err
	}
	s.logger.Info("browser: launched chrome",
		"port", s.Port, "pid", l.PID(), "headless", m.cfg.Headless, "proxy", proxyLabel(acc.Proxy))
	return nil
}

// CloseSession detaches from the session. Chromium keeps running when
// KeepRunning is set; otherwise it is shut down. The profile is never
// deleted.
func (m *Manager) CloseSession(s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	_, live := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if !live {
		return nil
	}

	s.shutdown(m.cfg.KeepRunning)
	m.ports.release(s.Account.ID)
	releaseProfile(s.dir)
	m.unclaim(s.dir)
	return nil
}

// Close closes every session and stops Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.Sessions() {
		m.CloseSession(s)
	}

	m.mu.Lock()
	m.stopXvfb()
	m.mu.Unlock()
	return nil
}

// Sessions returns the live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) claim(dir, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if owner, taken := m.claims[dir]; taken {
		return fmt.Errorf("%w: %s held by session %s", ErrProfileLocked, dir, owner)
	}
	m.claims[dir] = id
	return nil
}

func (m *Manager) unclaim(dir string) {
	m.mu.Lock()
	delete(m.claims, dir)
	m.mu.Unlock()
}

func isProfileInUse(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SingletonLock") ||
		strings.Contains(msg, "profile appears to be in use") ||
		strings.Contains(msg, "ProcessSingleton")
}

func proxyLabel(p *registry.Proxy) string {
	if p == nil {
		return "direct"
	}
	return p.String()
}

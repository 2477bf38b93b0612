package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/wsharvest/registry"
)

var errForeignBrowser = errors.New("browser: endpoint does not own profile")

// tryAttach connects s to a Chromium left running on its profile. The
// endpoint named by DevToolsActivePort is only trusted when the profile's
// SingletonLock owner is alive, is the browser process behind that
// endpoint, and was started on this profile with this account's proxy.
// DevToolsActivePort survives a SIGKILL and ports are reused across
// accounts, so the file alone proves nothing.
func (m *Manager) tryAttach(ctx context.Context, s *Session) bool {
	pid, alive := strayPID(s.dir)
	if !alive {
		return false
	}
	port, found := devToolsPort(s.dir)
	if !found {
		return false
	}
	u, err := launcher.ResolveURL("127.0.0.1:" + strconv.Itoa(port))
	if err != nil {
		s.logger.Debug("browser: no endpoint behind DevToolsActivePort", "port", port, "error", err)
		return false
	}
	if err := s.connect(ctx, u, 1); err != nil {
		return false
	}
	if err := verifyOwner(s.browser, pid, s.dir, s.Account.Proxy); err != nil {
		s.logger.Warn("browser: not attaching", "port", port, "pid", pid, "error", err)
		s.disconnect()
		return false
	}
	s.Port = port
	s.logger.Info("browser: attached to running chrome", "port", port, "pid", pid)
	return true
}

// verifyOwner checks that b is the Chromium process pid and that its
// command line matches dir and proxy.
func verifyOwner(b *rod.Browser, pid int, dir string, proxy *registry.Proxy) error {
	info, err := (proto.SystemInfoGetProcessInfo{}).Call(b)
	if err != nil {
		return fmt.Errorf("%w: process info: %v", errForeignBrowser, err)
	}
	if got, ok := browserPID(info.ProcessInfo); !ok || got != pid {
		return fmt.Errorf("%w: endpoint pid %d, profile pid %d", errForeignBrowser, got, pid)
	}

	// getBrowserCommandLine only answers with --enable-automation, which
	// launch removes; /proc is the fallback.
	var args []string
	if res, err := (proto.BrowserGetBrowserCommandLine{}).Call(b); err == nil {
		args = res.Arguments
	} else if args, err = procCmdline(pid); err != nil {
		return fmt.Errorf("%w: command line: %v", errForeignBrowser, err)
	}
	return checkCommandLine(args, dir, proxy)
}

func browserPID(procs []*proto.SystemInfoProcessInfo) (int, bool) {
	for _, p := range procs {
		if p != nil && p.Type == "browser" {
			return p.ID, true
		}
	}
	return 0, false
}

func procCmdline(pid int) ([]string, error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(b), "\x00"), "\x00"), nil
}

// checkCommandLine reports whether args belong to a Chromium started on dir
// with proxy (nil = direct).
func checkCommandLine(args []string, dir string, proxy *registry.Proxy) error {
	userDir, hasDir := flagValue(args, "user-data-dir")
	if !hasDir || filepath.Clean(userDir) != filepath.Clean(dir) {
		return fmt.Errorf("%w: user-data-dir %q, want %q", errForeignBrowser, userDir, dir)
	}
	server, hasProxy := flagValue(args, "proxy-server")
	switch {
	case proxy == nil && hasProxy:
		return fmt.Errorf("%w: proxy %q on a direct account", errForeignBrowser, server)
	case proxy != nil && server != proxy.Server():
		return fmt.Errorf("%w: proxy %q, want %q", errForeignBrowser, server, proxy.Server())
	}
	return nil
}

// flagValue finds --name=value (or -name=value) in args.
func flagValue(args []string, name string) (string, bool) {
	for _, a := range args {
		a = strings.TrimLeft(a, "-")
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

// disconnect drops the CDP connection without touching the process.
func (s *Session) disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.browser, s.cancel = nil, nil
}

package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var errXvfbExited = errors.New("browser: xvfb exited")

// xRoot holds the X11 socket directory.
const xRoot = "/tmp"

const displayPoll = 50 * time.Millisecond

// xserver is a running Xvfb. done is closed once the process is reaped;
// err is valid after that.
type xserver struct {
	display string
	cmd     *exec.Cmd
	done    chan struct{}
	err     error
}

// startDisplay runs bin as an X server on display and returns once its
// socket under root accepts clients. The server is killed when it is not
// ready within timeout.
func startDisplay(bin, display, screen, root string, timeout time.Duration) (*xserver, error) {
	n, err := displayNumber(display)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, display, "-screen", "0", screen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("browser: start xvfb: %w", err)
	}
	x := &xserver{display: display, cmd: cmd, done: make(chan struct{})}
	go func() {
		x.err = cmd.Wait()
		close(x.done)
	}()

	if err := waitDisplay(root, n, timeout, x.done); err != nil {
		if errors.Is(err, errXvfbExited) {
			return nil, fmt.Errorf("%w on %s: %v", errXvfbExited, display, x.err)
		}
		x.stop()
		return nil, err
	}
	return x, nil
}

// waitDisplay polls for the X socket of display n under root until it
// appears, exited is closed, or timeout passes.
func waitDisplay(root string, n int, timeout time.Duration, exited <-chan struct{}) error {
	sock := filepath.Join(root, ".X11-unix", "X"+strconv.Itoa(n))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(displayPoll)
	defer tick.Stop()
	for {
		if _, err := os.Stat(sock); err == nil {
			return nil
		}
		select {
		case <-exited:
			return errXvfbExited
		case <-deadline.C:
			return fmt.Errorf("browser: xvfb display :%d not ready after %s", n, timeout)
		case <-tick.C:
		}
	}
}

// displayNumber parses ":99" or ":99.0".
func displayNumber(display string) (int, error) {
	rest, ok := strings.CutPrefix(display, ":")
	if !ok {
		return 0, fmt.Errorf("browser: xvfb display %q: want :N", display)
	}
	rest, _, _ = strings.Cut(rest, ".")
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("browser: xvfb display %q: want :N", display)
	}
	return n, nil
}

func (x *xserver) stop() {
	select {
	case <-x.done:
		return
	default:
	}
	x.cmd.Process.Kill()
	<-x.done
}

// startXvfb brings up the shared display once. Called with m.mu held.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		select {
		case <-m.xvfb.done:
			m.cfg.Logger.Warn("browser: xvfb died, restarting", "display", m.xvfb.display, "error", m.xvfb.err)
			m.xvfb = nil
		default:
			return nil
		}
	}
	x, err := startDisplay("Xvfb", m.cfg.XvfbDisplay, m.cfg.XvfbScreen, xRoot, m.cfg.XvfbTimeout)
	if err != nil {
		return err
	}
	m.xvfb = x
	m.cfg.Logger.Info("browser: display ready", "display", x.display, "screen", m.cfg.XvfbScreen, "pid", x.cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	m.xvfb.stop()
	m.cfg.Logger.Info("browser: display stopped", "display", m.xvfb.display)
	m.xvfb = nil
}

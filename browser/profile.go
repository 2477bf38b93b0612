package browser

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockName = ".wsharvest.lock"

// claimProfile takes the cross-process lock on dir. A lock file left by a
// dead process is taken over.
func claimProfile(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("browser: profile dir: %w", err)
	}
	path := filepath.Join(dir, lockName)
	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("browser: lock profile: %w", err)
		}
		pid, ok := readPID(path)
		if ok && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w: %s held by pid %d", ErrProfileLocked, dir, pid)
		}
		if ok && pid == os.Getpid() {
			return fmt.Errorf("%w: %s", ErrProfileLocked, dir)
		}
		os.Remove(path)
	}
	return fmt.Errorf("%w: %s", ErrProfileLocked, dir)
}

func releaseProfile(dir string) {
	path := filepath.Join(dir, lockName)
	if pid, ok := readPID(path); ok && pid == os.Getpid() {
		os.Remove(path)
	}
}

func readPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid, err == nil && pid > 0
}

// parseSingletonLock splits Chromium's SingletonLock link target,
// "<hostname>-<pid>".
func parseSingletonLock(target string) (host string, pid int, ok bool) {
	i := strings.LastIndexByte(target, '-')
	if i <= 0 || i == len(target)-1 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(target[i+1:])
	if err != nil || pid <= 0 {
		return "", 0, false
	}
	return target[:i], pid, true
}

// strayPID returns the pid of a live Chromium on this host holding dir.
func strayPID(dir string) (int, bool) {
	target, err := os.Readlink(filepath.Join(dir, "SingletonLock"))
	if err != nil {
		return 0, false
	}
	host, pid, ok := parseSingletonLock(target)
	if !ok {
		return 0, false
	}
	if h, err := os.Hostname(); err != nil || h != host {
		return 0, false
	}
	return pid, processAlive(pid)
}

// killStray terminates pid, escalating to SIGKILL after grace.
func killStray(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && processAlive(pid) {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil && processAlive(pid) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// devToolsPort reads the port Chromium recorded in the profile when it last
// opened a debugging endpoint.
func devToolsPort(dir string) (int, bool) {
	f, err := os.Open(filepath.Join(dir, "DevToolsActivePort"))
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

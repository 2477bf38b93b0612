// Package pacing implements the per-session AIMD inter-query delay.
//
// Successes shrink the delay additively once a streak is reached; errors
// and rate-limit signals grow it multiplicatively. One Controller is shared
// by every tab of a session, so an error spike on one tab slows them all.
package pacing

import (
	"context"
	"sync"
	"time"
)

// Config tunes the controller. Zero values take the defaults.
type Config struct {
	Initial time.Duration // default 150ms
	Min     time.Duration // default 50ms
	Max     time.Duration // default 500ms
	Step    time.Duration // additive decrease, default 10ms
	Streak  int           // successes before a decrease, default 10
	Factor  float64       // multiplicative increase, default 1.5
}

func (c *Config) defaults() {
	if c.Min <= 0 {
		c.Min = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 500 * time.Millisecond
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial <= 0 {
		c.Initial = 150 * time.Millisecond
	}
	c.Initial = clamp(c.Initial, c.Min, c.Max)
	if c.Step <= 0 {
		c.Step = 10 * time.Millisecond
	}
	if c.Streak <= 0 {
		c.Streak = 10
	}
	if c.Factor <= 1 {
		c.Factor = 1.5
	}
}

// State is a point-in-time view of the controller.
type State struct {
	Delay         time.Duration
	SuccessStreak int
	ErrorStreak   int
}

// Controller is safe for concurrent use by all tabs of a session.
type Controller struct {
	mu    sync.Mutex
	cfg   Config
	state State
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a controller at the initial delay.
func New(cfg Config) *Controller {
	cfg.defaults()
	return &Controller{
		cfg:   cfg,
		state: State{Delay: cfg.Initial},
		sleep: sleepCtx,
	}
}

// OnSuccess records a successful phrase.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ErrorStreak = 0
	c.state.SuccessStreak++
	if c.state.SuccessStreak >= c.cfg.Streak {
		c.state.Delay = clamp(c.state.Delay-c.cfg.Step, c.cfg.Min, c.cfg.Max)
		c.state.SuccessStreak = 0
	}
}

// OnError records a failed phrase or a rate-limit signal and returns the
// consecutive error count.
func (c *Controller) OnError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SuccessStreak = 0
	c.state.ErrorStreak++
	next := time.Duration(float64(c.state.Delay) * c.cfg.Factor)
	c.state.Delay = clamp(next, c.cfg.Min, c.cfg.Max)
	return c.state.ErrorStreak
}

// Delay returns the current inter-query delay.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Delay
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait sleeps for the current delay or until ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	return c.sleep(ctx, c.Delay())
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

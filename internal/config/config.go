// Package config loads wsharvest settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/harvest"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/oracle"
	"github.com/hazyhaar/wsharvest/pacing"
	"github.com/hazyhaar/wsharvest/phrase"
	"github.com/hazyhaar/wsharvest/registry"
)

// Config is the top-level configuration.
type Config struct {
	DB       string `yaml:"db"`
	Profiles string `yaml:"profiles"` // root of per-account profile directories

	Browser   BrowserConfig   `yaml:"browser"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Harvest   HarvestConfig   `yaml:"harvest"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Check     CheckConfig     `yaml:"check"`
	Log       LogConfig       `yaml:"log"`
}

// BrowserConfig controls Chromium sessions.
type BrowserConfig struct {
	BasePort         int    `yaml:"base_port"`
	PortSpan         int    `yaml:"port_span"`
	Headless         bool   `yaml:"headless"`
	KeepRunning      bool   `yaml:"keep_running"`
	ChromePath       string `yaml:"chrome_path"`
	AttachRetries    int    `yaml:"attach_retries"`
	XvfbDisplay      string `yaml:"xvfb_display"`
	XvfbScreen       string `yaml:"xvfb_screen"`
	DisableIntercept bool   `yaml:"disable_intercept"`
}

// TimeoutConfig bounds every wait.
type TimeoutConfig struct {
	Navigation  time.Duration `yaml:"navigation"`
	Selector    time.Duration `yaml:"selector"`
	Phrase      time.Duration `yaml:"phrase"`
	Auth        time.Duration `yaml:"auth"`
	Start       time.Duration `yaml:"start"`
	Grace       time.Duration `yaml:"grace"`
	SubmitDelay time.Duration `yaml:"submit_delay"`
}

// PacingConfig is the per-session AIMD delay.
type PacingConfig struct {
	Initial time.Duration `yaml:"initial"`
	Min     time.Duration `yaml:"min"`
	Max     time.Duration `yaml:"max"`
	Step    time.Duration `yaml:"step"`
	Streak  int           `yaml:"streak"`
	Factor  float64       `yaml:"factor"`
}

// HarvestConfig tunes the scheduler.
type HarvestConfig struct {
	Region           int           `yaml:"region"`
	Tabs             int           `yaml:"tabs"`
	Variants         []string      `yaml:"variants"`
	MaxRecoveries    int           `yaml:"max_recoveries"`
	RateLimitStreak  int           `yaml:"rate_limit_streak"`
	Cooldown         time.Duration `yaml:"cooldown"`
	StaleRunning     time.Duration `yaml:"stale_running"`
	StartConcurrency int           `yaml:"start_concurrency"`
}

// ChallengeConfig controls the secret-question prompt.
type ChallengeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CheckConfig controls the proxy checker.
type CheckConfig struct {
	Target      string        `yaml:"target"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{Browser: BrowserConfig{KeepRunning: true}}
	c.applyDefaults()
	return c
}

// Load reads a YAML file. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c := Config{Browser: BrowserConfig{KeepRunning: true}}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = "wsharvest.db"
	}
	if c.Profiles == "" {
		c.Profiles = "profiles"
	}

	if c.Browser.BasePort <= 0 {
		c.Browser.BasePort = 9222
	}
	if c.Browser.PortSpan <= 0 {
		c.Browser.PortSpan = 100
	}
	if c.Browser.AttachRetries <= 0 {
		c.Browser.AttachRetries = 10
	}

	setDuration(&c.Timeouts.Navigation, 30*time.Second)
	setDuration(&c.Timeouts.Selector, 10*time.Second)
	setDuration(&c.Timeouts.Phrase, 45*time.Second)
	setDuration(&c.Timeouts.Auth, 120*time.Second)
	setDuration(&c.Timeouts.Start, 150*time.Second)
	setDuration(&c.Timeouts.Grace, 2*time.Second)
	setDuration(&c.Timeouts.SubmitDelay, 3*time.Second)

	setDuration(&c.Pacing.Initial, 150*time.Millisecond)
	setDuration(&c.Pacing.Min, 50*time.Millisecond)
	setDuration(&c.Pacing.Max, 500*time.Millisecond)
	setDuration(&c.Pacing.Step, 10*time.Millisecond)
	if c.Pacing.Streak <= 0 {
		c.Pacing.Streak = 10
	}
	if c.Pacing.Factor <= 1 {
		c.Pacing.Factor = 1.5
	}

	if c.Harvest.Region <= 0 {
		c.Harvest.Region = 225
	}
	if c.Harvest.Tabs <= 0 {
		c.Harvest.Tabs = 1
	}
	if len(c.Harvest.Variants) == 0 {
		c.Harvest.Variants = []string{string(phrase.Broad)}
	}
	if c.Harvest.MaxRecoveries <= 0 {
		c.Harvest.MaxRecoveries = 3
	}
	if c.Harvest.RateLimitStreak <= 0 {
		c.Harvest.RateLimitStreak = 5
	}
	setDuration(&c.Harvest.Cooldown, 30*time.Minute)
	setDuration(&c.Harvest.StaleRunning, 5*time.Minute)
	if c.Harvest.StartConcurrency <= 0 {
		c.Harvest.StartConcurrency = 4
	}

	setDuration(&c.Challenge.Timeout, oracle.DefaultTimeout)

	if c.Check.Target == "" {
		c.Check.Target = phrase.WordstatBase
	}
	setDuration(&c.Check.Timeout, 10*time.Second)
	if c.Check.Concurrency <= 0 {
		c.Check.Concurrency = 8
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Variants(); err != nil {
		errs = append(errs, err)
	}
	if c.Browser.BasePort+c.Browser.PortSpan > 65536 {
		errs = append(errs, fmt.Errorf("browser ports %d+%d exceed 65535", c.Browser.BasePort, c.Browser.PortSpan))
	}
	if c.Pacing.Min > c.Pacing.Max {
		errs = append(errs, fmt.Errorf("pacing min %s above max %s", c.Pacing.Min, c.Pacing.Max))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log format %q: want json or text", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Variants parses Harvest.Variants.
func (c *Config) Variants() ([]phrase.Variant, error) {
	out := make([]phrase.Variant, 0, len(c.Harvest.Variants))
	for _, s := range c.Harvest.Variants {
		v, err := phrase.ParseVariant(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// BrowserOptions builds the session manager configuration.
func (c *Config) BrowserOptions(logger *slog.Logger) browser.Config {
	return browser.Config{
		BasePort:         c.Browser.BasePort,
		PortSpan:         c.Browser.PortSpan,
		Headless:         c.Browser.Headless,
		KeepRunning:      c.Browser.KeepRunning,
		ChromePath:       c.Browser.ChromePath,
		AttachRetries:    c.Browser.AttachRetries,
		NavTimeout:       c.Timeouts.Navigation,
		SelectorTimeout:  c.Timeouts.Selector,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		XvfbScreen:       c.Browser.XvfbScreen,
		DisableIntercept: c.Browser.DisableIntercept,
		Logger:           logger,
	}
}

// LoginOptions builds the auth state machine configuration.
func (c *Config) LoginOptions(o *oracle.Oracle, logger *slog.Logger) login.Config {
	return login.Config{
		SubmitDelay: c.Timeouts.SubmitDelay,
		StepTimeout: c.Timeouts.Selector,
		Budget:      c.Timeouts.Auth,
		Oracle:      o,
		Logger:      logger,
	}
}

// HarvestOptions builds the scheduler configuration. Variants must have
// passed Validate.
func (c *Config) HarvestOptions(progress harvest.Progress, logger *slog.Logger) harvest.Config {
	variants, _ := c.Variants()
	return harvest.Config{
		Region:           c.Harvest.Region,
		Tabs:             c.Harvest.Tabs,
		Variants:         variants,
		PhraseTimeout:    c.Timeouts.Phrase,
		StartTimeout:     c.Timeouts.Start,
		Grace:            c.Timeouts.Grace,
		MaxRecoveries:    c.Harvest.MaxRecoveries,
		RateLimitStreak:  c.Harvest.RateLimitStreak,
		Cooldown:         c.Harvest.Cooldown,
		StartConcurrency: c.Harvest.StartConcurrency,
		Pacing: pacing.Config{
			Initial: c.Pacing.Initial,
			Min:     c.Pacing.Min,
			Max:     c.Pacing.Max,
			Step:    c.Pacing.Step,
			Streak:  c.Pacing.Streak,
			Factor:  c.Pacing.Factor,
		},
		Progress: progress,
		Logger:   logger,
	}
}

// ConfigureChecker applies the check settings to ch.
func (c *Config) ConfigureChecker(ch *registry.Checker) {
	ch.Target = c.Check.Target
	ch.Timeout = c.Check.Timeout
	ch.Concurrency = c.Check.Concurrency
}

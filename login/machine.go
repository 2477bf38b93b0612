// Package login drives a page through the Yandex authentication variants
// until it lands on an authenticated Wordstat page or is definitively
// blocked.
//
// Each step inspects the page in a fixed priority order: captcha, account
// block, challenge iframe, form variant, then URL. Form variants are told
// apart by which inputs are present, never by URL alone.
package login

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/wsharvest/oracle"
	"github.com/hazyhaar/wsharvest/phrase"
)

// State is a node of the login state machine.
type State string

const (
	StateUnknown       State = "unknown"
	StateOnWordstat    State = "on_wordstat"
	StateModernStep1   State = "passport_modern_step1"
	StateModernStep2   State = "passport_modern_step2"
	StateLegacy        State = "passport_legacy"
	StateAccountPicker State = "account_picker"
	StateChallenge     State = "in_challenge"
	StateCaptcha       State = "on_captcha"
	StateBanned        State = "banned"
	StateError         State = "error"
)

// Credentials identify the account being logged in.
type Credentials struct {
	Name     string
	Password string
	Answers  map[string]string
}

// Config tunes a Machine. Zero values take the defaults.
type Config struct {
	Selectors     Selectors
	TargetURL     string        // default phrase.WordstatBase
	SubmitDelay   time.Duration // pause before each submit and the first navigation, default 3s
	PollInterval  time.Duration // default 250ms
	StepTimeout   time.Duration // bounded wait per step, default 15s
	Budget        time.Duration // whole run, default 120s
	MaxVisits     int           // visits of one form state before giving up, default 3
	CaptchaSolves int           // solver attempts per run, default 1

	Oracle *oracle.Oracle // nil = stored answers only
	Solver oracle.Solver  // nil = captcha is terminal
	Logger *slog.Logger

	// Sleep replaces the real timer; tests use it to skip delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) defaults() {
	c.Selectors.fill()
	if c.TargetURL == "" {
		c.TargetURL = phrase.WordstatBase
	}
	if c.SubmitDelay <= 0 {
		c.SubmitDelay = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 15 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = 120 * time.Second
	}
	if c.MaxVisits <= 0 {
		c.MaxVisits = 3
	}
	if c.CaptchaSolves <= 0 {
		c.CaptchaSolves = 1
	}
	if c.Oracle == nil {
		c.Oracle = oracle.New(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Machine is stateless between runs and safe for concurrent use.
type Machine struct {
	cfg   Config
	sel   *Selectors
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Machine.
func New(cfg Config) *Machine {
	cfg.defaults()
	m := &Machine{cfg: cfg, sleep: cfg.Sleep}
	if m.sleep == nil {
		m.sleep = sleepCtx
	}
	m.sel = &m.cfg.Selectors
	return m
}

// Result describes a successful run.
type Result struct {
	Path []State
}

// Login waits the submit delay, opens the target URL and runs the machine.
func (m *Machine) Login(ctx context.Context, p Page, cred Credentials) (Result, error) {
	if err := m.sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return Result{}, err
	}
	if err := p.Navigate(ctx, m.cfg.TargetURL); err != nil && ctx.Err() == nil {
		if isFatal(err) {
			return Result{}, err
		}
		m.cfg.Logger.Warn("login: initial navigation", "account", cred.Name, "error", err)
	}
	return m.Run(ctx, p, cred)
}

// isFatal reports whether err declares the page unusable, e.g. a proxy
// that rejected its credentials.
func isFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// Run drives p from its current page to Authenticated. It is re-entrant:
// calling it on a page that was redirected to Passport mid-harvest resumes
// from Unknown. A terminal failure is returned as *BlockedError; a
// cancelled parent context is returned as is.
func (m *Machine) Run(ctx context.Context, p Page, cred Credentials) (Result, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Budget)
	defer cancel()

	var (
		res         Result
		visits      = map[State]int{}
		wrongAnswer int
		solves      int
		renavigated bool
	)
	log := m.cfg.Logger.With("account", cred.Name)

	fail := func(err error) (Result, error) {
		if parent.Err() != nil {
			return res, parent.Err()
		}
		var be *BlockedError
		if errors.As(err, &be) {
			log.Warn("login: blocked", "state", be.State, "reason", be.Reason, "error", be.Err)
			return res, be
		}
		if ctx.Err() != nil {
			be = blocked(StateError, ErrStepTimeout, "auth budget exhausted")
			log.Warn("login: blocked", "state", be.State, "reason", be.Reason)
			return res, be
		}
		return res, err
	}

	for {
		state, err := m.waitDetect(ctx, p)
		if err != nil {
			return fail(err)
		}
		if state == StateUnknown {
			if !renavigated {
				renavigated = true
				log.Debug("login: unknown page, reopening target", "url", p.URL())
				if err := m.navigate(ctx, p, m.cfg.TargetURL); err != nil {
					return fail(err)
				}
				continue
			}
			return fail(blocked(StateError, ErrStepTimeout, "no known page at "+p.URL()))
		}

		res.Path = append(res.Path, state)
		visits[state]++
		log.Debug("login: state", "state", state, "url", p.URL())

		if state != StateCaptcha && state != StateChallenge && visits[state] > m.cfg.MaxVisits {
			return fail(blocked(state, ErrStepTimeout, "page did not advance"))
		}

		switch state {
		case StateOnWordstat:
			log.Info("login: authenticated", "steps", len(res.Path))
			return res, nil

		case StateCaptcha:
			if m.cfg.Solver == nil || solves >= m.cfg.CaptchaSolves {
				return fail(blocked(StateCaptcha, ErrCaptcha, p.URL()))
			}
			solves++
			if err := m.solveCaptcha(ctx, p); err != nil {
				return fail(err)
			}

		case StateBanned:
			return fail(blocked(StateBanned, ErrBanned, p.URL()))

		case StateChallenge:
			ok, err := m.answerChallenge(ctx, p, cred)
			if err != nil {
				return fail(err)
			}
			if !ok {
				wrongAnswer++
				if wrongAnswer >= 2 {
					return fail(blocked(StateChallenge, ErrChallengeUnanswerable, "answer rejected twice"))
				}
			}

		case StateModernStep1:
			if err := m.submit(ctx, p, state, map[string]string{m.sel.Login: cred.Name}); err != nil {
				return fail(err)
			}
			if err := m.waitLeave(ctx, p, state); err != nil {
				return fail(err)
			}

		case StateModernStep2:
			if cred.Password == "" {
				return fail(blocked(state, ErrNoPassword, cred.Name))
			}
			if err := m.submit(ctx, p, state, map[string]string{m.sel.Password: cred.Password}); err != nil {
				return fail(err)
			}
			if err := m.waitURL(ctx, p, state, []string{"challenge", "finish", "id-page", "welcome", "wordstat"}); err != nil {
				return fail(err)
			}

		case StateLegacy:
			if cred.Password == "" {
				return fail(blocked(state, ErrNoPassword, cred.Name))
			}
			if err := m.submit(ctx, p, state, map[string]string{
				m.sel.Login:    cred.Name,
				m.sel.Password: cred.Password,
			}); err != nil {
				return fail(err)
			}
			if err := m.waitLeave(ctx, p, state); err != nil {
				return fail(err)
			}

		case StateAccountPicker:
			found, err := p.ClickText(ctx, m.sel.PickerItem, cred.Name)
			if err != nil {
				return fail(blocked(state, fmt.Errorf("%w: %w", ErrFormInteraction, err), "pick account"))
			}
			if !found {
				if err := p.Click(ctx, m.sel.AddAccount); err != nil {
					return fail(blocked(state, fmt.Errorf("%w: %w", ErrFormInteraction, err), "add account"))
				}
			}
			if err := m.waitLeave(ctx, p, state); err != nil {
				return fail(err)
			}
		}
	}
}

// Detect inspects the page once and returns its state, or StateUnknown.
func (m *Machine) Detect(ctx context.Context, p Page) (State, error) {
	u := p.URL()

	if containsAny(u, m.sel.CaptchaURL) {
		return StateCaptcha, nil
	}
	if ok, err := m.hasAny(ctx, p, m.sel.Captcha); err != nil {
		return StateUnknown, err
	} else if ok {
		return StateCaptcha, nil
	}
	if containsAny(u, m.sel.BannedURL) {
		return StateBanned, nil
	}
	if ok, err := m.hasAny(ctx, p, m.sel.Banned); err != nil {
		return StateUnknown, err
	} else if ok {
		return StateBanned, nil
	}
	if ok, err := p.Has(ctx, m.sel.ChallengeFrame); err != nil {
		return StateUnknown, err
	} else if ok {
		return StateChallenge, nil
	}

	login, err := p.Has(ctx, m.sel.Login)
	if err != nil {
		return StateUnknown, err
	}
	pass, err := p.Has(ctx, m.sel.Password)
	if err != nil {
		return StateUnknown, err
	}
	switch {
	case login && pass:
		return StateLegacy, nil
	case pass:
		return StateModernStep2, nil
	case login:
		return StateModernStep1, nil
	}
	if ok, err := p.Has(ctx, m.sel.PickerItem); err != nil {
		return StateUnknown, err
	} else if ok {
		return StateAccountPicker, nil
	}

	if strings.Contains(u, m.sel.WordstatURL) {
		ok, err := p.Has(ctx, m.sel.SearchInput)
		if err != nil {
			return StateUnknown, err
		}
		if ok {
			return StateOnWordstat, nil
		}
	}
	return StateUnknown, nil
}

// OnLoginPage reports whether u is a Passport or captcha URL. Used by the
// scheduler to spot mid-harvest auth loss.
func OnLoginPage(u string) bool {
	return strings.Contains(u, "passport.yandex") ||
		strings.Contains(u, "/auth/") ||
		strings.Contains(u, "passport.ya.ru") ||
		containsAny(u, DefaultSelectors.CaptchaURL)
}

// waitDetect polls Detect until it recognises the page or StepTimeout
// elapses, in which case StateUnknown is returned.
func (m *Machine) waitDetect(ctx context.Context, p Page) (State, error) {
	for range m.polls() {
		s, err := m.Detect(ctx, p)
		if err == nil && s != StateUnknown {
			return s, nil
		}
		if err != nil && ctx.Err() != nil {
			return StateUnknown, err
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return StateUnknown, err
		}
	}
	return StateUnknown, nil
}

// waitLeave polls until the page is recognised as a different state.
func (m *Machine) waitLeave(ctx context.Context, p Page, from State) error {
	for range m.polls() {
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		s, err := m.Detect(ctx, p)
		if err == nil && s != from && s != StateUnknown {
			return nil
		}
	}
	return blocked(from, ErrStepTimeout, "page did not change after submit")
}

// waitURL polls until the URL contains one of segments or the page leaves from.
func (m *Machine) waitURL(ctx context.Context, p Page, from State, segments []string) error {
	for range m.polls() {
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		if containsAny(p.URL(), segments) {
			return nil
		}
		s, err := m.Detect(ctx, p)
		if err == nil && s != from && s != StateUnknown {
			return nil
		}
	}
	return blocked(from, ErrStepTimeout, "no transition after password")
}

func (m *Machine) polls() int {
	return max(int(m.cfg.StepTimeout/m.cfg.PollInterval), 1)
}

func (m *Machine) navigate(ctx context.Context, p Page, u string) error {
	if err := m.sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return err
	}
	if err := p.Navigate(ctx, u); err != nil && ctx.Err() == nil {
		if isFatal(err) {
			return err
		}
		m.cfg.Logger.Debug("login: navigate", "url", u, "error", err)
	}
	return ctx.Err()
}

// submit fills fields, waits the submit delay and presses the submit button.
func (m *Machine) submit(ctx context.Context, p Page, s State, fields map[string]string) error {
	for _, sel := range []string{m.sel.Login, m.sel.Password} {
		v, ok := fields[sel]
		if !ok {
			continue
		}
		if err := p.Fill(ctx, sel, v); err != nil {
			return blocked(s, fmt.Errorf("%w: %w", ErrFormInteraction, err), "fill "+sel)
		}
	}
	if err := m.sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return err
	}
	if err := p.Click(ctx, m.sel.Submit); err != nil {
		return blocked(s, fmt.Errorf("%w: %w", ErrFormInteraction, err), "submit")
	}
	return nil
}

// answerChallenge reports false when the answer was submitted but the page
// stayed on the challenge.
func (m *Machine) answerChallenge(ctx context.Context, p Page, cred Credentials) (bool, error) {
	frame, err := p.Frame(ctx, m.sel.ChallengeFrame)
	if err != nil {
		return false, blocked(StateChallenge, fmt.Errorf("%w: %w", ErrFormInteraction, err), "enter challenge frame")
	}
	question, err := frame.Text(ctx, m.sel.ChallengeQuestion)
	if err != nil {
		return false, blocked(StateChallenge, fmt.Errorf("%w: %w", ErrFormInteraction, err), "read question")
	}
	question = strings.TrimSpace(question)

	answer, err := m.cfg.Oracle.Answer(ctx, cred.Name, cred.Answers, question)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, blocked(StateChallenge, fmt.Errorf("%w: %w", ErrChallengeUnanswerable, err), question)
	}

	if err := frame.FillLabeled(ctx, m.sel.ChallengeLabel, answer); err != nil {
		return false, blocked(StateChallenge, fmt.Errorf("%w: %w", ErrFormInteraction, err), "fill answer")
	}
	if err := m.sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return false, err
	}
	if err := frame.ClickRole(ctx, "button", m.sel.ChallengeButton); err != nil {
		return false, blocked(StateChallenge, fmt.Errorf("%w: %w", ErrFormInteraction, err), "submit answer")
	}

	for range m.polls() {
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return false, err
		}
		if !strings.Contains(p.URL(), m.sel.ChallengeURL) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Machine) solveCaptcha(ctx context.Context, p Page) error {
	img, err := p.Screenshot(ctx, m.sel.CaptchaImage)
	if err != nil {
		return blocked(StateCaptcha, fmt.Errorf("%w: %w", ErrCaptcha, err), "capture image")
	}
	text, err := m.cfg.Solver.Solve(ctx, base64.StdEncoding.EncodeToString(img))
	if err != nil {
		return blocked(StateCaptcha, fmt.Errorf("%w: solver: %w", ErrCaptcha, err), "solve")
	}
	if strings.TrimSpace(text) == "" {
		return blocked(StateCaptcha, ErrCaptcha, "solver returned nothing")
	}
	if err := p.Fill(ctx, m.sel.CaptchaInput, strings.TrimSpace(text)); err != nil {
		return blocked(StateCaptcha, fmt.Errorf("%w: %w", ErrFormInteraction, err), "fill captcha")
	}
	if err := m.sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return err
	}
	if err := p.Click(ctx, m.sel.CaptchaSubmit); err != nil {
		return blocked(StateCaptcha, fmt.Errorf("%w: %w", ErrFormInteraction, err), "submit captcha")
	}
	return m.waitLeave(ctx, p, StateCaptcha)
}

func (m *Machine) hasAny(ctx context.Context, p Page, sels []string) (bool, error) {
	for _, s := range sels {
		ok, err := p.Has(ctx, s)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
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

package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/wsharvest/intercept"
	"github.com/hazyhaar/wsharvest/login"
)

// Tab is one page of a session. It satisfies login.Page and the harvest
// scheduler's tab contract.
type Tab struct {
	page          *rod.Page
	session       *Session
	queue         *intercept.Queue
	stopIntercept func()
	cfg           *Config
}

var _ login.Page = (*Tab)(nil)

// Session returns the owning session.
func (t *Tab) Session() *Session { return t.session }

// Navigate loads u. The navigation is detached from ctx cancellation so an
// in-flight load is allowed to finish; only NavTimeout bounds it.
func (t *Tab) Navigate(ctx context.Context, u string) error {
	navCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.NavTimeout)
	defer cancel()
	err := t.page.Context(navCtx).Navigate(u)
	return t.classify(err)
}

// Visit starts watching for network idle, then navigates. The returned
// channel closes once no request has been in flight for half a second.
func (t *Tab) Visit(ctx context.Context, u string) (<-chan struct{}, error) {
	settled := make(chan struct{})
	idleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.NavTimeout)
	wait := t.page.Context(idleCtx).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	go func() {
		defer cancel()
		defer close(settled)
		wait()
	}()
	if err := t.Navigate(ctx, u); err != nil {
		cancel()
		return settled, err
	}
	return settled, nil
}

// URL returns the current page URL, or "" if the target is gone.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// HTML returns the serialised document.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	html, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: html: %w", err)
	}
	return html, nil
}

// Events returns intercepted Wordstat events for this tab.
func (t *Tab) Events() <-chan intercept.Event { return t.queue.C() }

// DrainEvents discards events left over from a previous phrase.
func (t *Tab) DrainEvents() { t.queue.Drain() }

// Has checks for selector without waiting.
func (t *Tab) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := t.page.Context(ctx).Has(selector)
	return has, err
}

// Fill replaces the value of the input matching selector.
func (t *Tab) Fill(ctx context.Context, selector, value string) error {
	el, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).Element(selector)
	if err != nil {
		return err
	}
	return fillElement(el, value)
}

// Click clicks the element matching selector.
func (t *Tab) Click(ctx context.Context, selector string) error {
	el, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// ClickText clicks the first element matching selector whose text contains text.
func (t *Tab) ClickText(ctx context.Context, selector, text string) (bool, error) {
	els, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).Elements(selector)
	if err != nil {
		return false, err
	}
	want := strings.ToLower(text)
	for _, el := range els {
		got, err := el.Text()
		if err != nil || !strings.Contains(strings.ToLower(got), want) {
			continue
		}
		return true, el.Click(proto.InputMouseButtonLeft, 1)
	}
	return false, nil
}

// Frame enters the iframe matching selector.
func (t *Tab) Frame(ctx context.Context, selector string) (login.Frame, error) {
	el, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).Element(selector)
	if err != nil {
		return nil, err
	}
	fr, err := el.Frame()
	if err != nil {
		return nil, fmt.Errorf("browser: enter frame: %w", err)
	}
	return &frame{page: fr, timeout: t.cfg.SelectorTimeout}, nil
}

// Screenshot captures the element matching selector as PNG.
func (t *Tab) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	el, err := t.page.Context(ctx).Timeout(t.cfg.SelectorTimeout).Element(selector)
	if err != nil {
		return nil, err
	}
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

// Close stops interception and closes the page.
func (t *Tab) Close() error {
	if t.stopIntercept != nil {
		t.stopIntercept()
		t.stopIntercept = nil
	}
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}

func (t *Tab) classify(err error) error {
	if err == nil {
		return nil
	}
	if t.session != nil && t.session.authRejected.Load() {
		return &FatalError{Err: fmt.Errorf("%w: %v", ErrProxyAuthRequired, err)}
	}
	return classifyNavError(err)
}

// classifyNavError maps Chromium net errors onto the package sentinels.
func classifyNavError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ERR_PROXY_AUTH"),
		strings.Contains(msg, "ERR_INVALID_AUTH_CREDENTIALS"):
		return &FatalError{Err: fmt.Errorf("%w: %v", ErrProxyAuthRequired, err)}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("browser: navigation timeout: %w", err)
	}
	return fmt.Errorf("browser: navigate: %w", err)
}

// frame scopes lookups to a child document. Inputs are found by their
// accessible label and buttons by role, so class renames do not break it.
type frame struct {
	page    *rod.Page
	timeout time.Duration
}

func (f *frame) Text(ctx context.Context, selector string) (string, error) {
	el, err := f.page.Context(ctx).Timeout(f.timeout).Element(selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

const byLabelJS = `(label) => {
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const want = norm(label);
	for (const l of document.querySelectorAll('label')) {
		if (!norm(l.textContent).includes(want)) continue;
		if (l.control) return l.control;
		const id = l.getAttribute('for');
		if (id && document.getElementById(id)) return document.getElementById(id);
		const inner = l.querySelector('input, textarea');
		if (inner) return inner;
	}
	for (const el of document.querySelectorAll('input, textarea')) {
		if (norm(el.getAttribute('aria-label')).includes(want) ||
			norm(el.getAttribute('placeholder')).includes(want)) return el;
	}
	return null;
}`

const byRoleJS = `(role, name) => {
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const want = norm(name);
	const sel = role === 'button'
		? 'button, [role="button"], input[type="submit"], input[type="button"]'
		: '[role="' + role + '"]';
	for (const el of document.querySelectorAll(sel)) {
		const text = norm(el.getAttribute('aria-label') || el.textContent || el.value);
		if (text.includes(want)) return el;
	}
	return null;
}`

func (f *frame) FillLabeled(ctx context.Context, label, value string) error {
	el, err := f.page.Context(ctx).Timeout(f.timeout).ElementByJS(rod.Eval(byLabelJS, label))
	if err != nil {
		return fmt.Errorf("browser: input labelled %q: %w", label, err)
	}
	return fillElement(el, value)
}

func (f *frame) ClickRole(ctx context.Context, role, name string) error {
	el, err := f.page.Context(ctx).Timeout(f.timeout).ElementByJS(rod.Eval(byRoleJS, role, name))
	if err != nil {
		return fmt.Errorf("browser: %s %q: %w", role, name, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func fillElement(el *rod.Element, value string) error {
	if err := el.WaitVisible(); err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

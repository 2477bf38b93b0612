// Package oracle answers secret questions raised during login.
//
// Stored answers are consulted first. When none matches, the question is
// forwarded to an Asker (a terminal prompt or GUI callback) and awaited for
// a bounded time.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the asker does not answer in time.
	ErrTimeout = errors.New("oracle: timeout")
	// ErrNoAnswer is returned when no stored answer matches and no asker is set,
	// or the asker returned an empty answer.
	ErrNoAnswer = errors.New("oracle: no answer")
)

// Asker obtains an answer from a human.
type Asker interface {
	Ask(ctx context.Context, account, question string) (string, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, account, question string) (string, error)

// Ask calls f.
func (f AskerFunc) Ask(ctx context.Context, account, question string) (string, error) {
	return f(ctx, account, question)
}

// Solver turns a base64 captcha image into its text.
type Solver interface {
	Solve(ctx context.Context, imageBase64 string) (string, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, imageBase64 string) (string, error)

// Solve calls f.
func (f SolverFunc) Solve(ctx context.Context, imageBase64 string) (string, error) {
	return f(ctx, imageBase64)
}

// DefaultTimeout bounds how long an Asker may take.
const DefaultTimeout = 60 * time.Second

// Oracle resolves challenge questions.
type Oracle struct {
	asker   Asker
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// New creates an oracle. asker may be nil, in which case only stored
// answers are used.
func New(asker Asker, opts ...Option) *Oracle {
	o := &Oracle{asker: asker, timeout: DefaultTimeout, logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Answer returns the answer for question. answers is the account's stored
// question-pattern → answer mapping.
//
// The asker runs in its own goroutine so an asker that ignores ctx cannot
// hold the caller past the timeout.
func (o *Oracle) Answer(ctx context.Context, account string, answers map[string]string, question string) (string, error) {
	if a, ok := LookupAnswer(answers, question); ok {
		return a, nil
	}
	if o.asker == nil {
		return "", fmt.Errorf("%w for %q", ErrNoAnswer, question)
	}

	o.logger.Info("oracle: asking", "account", account, "question", question)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type reply struct {
		answer string
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		a, err := o.asker.Ask(ctx, account, question)
		ch <- reply{a, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", ErrTimeout
			}
			return "", fmt.Errorf("oracle: ask: %w", r.err)
		}
		a := strings.TrimSpace(r.answer)
		if a == "" {
			return "", fmt.Errorf("%w for %q", ErrNoAnswer, question)
		}
		return a, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

// LookupAnswer matches question against stored patterns: an exact key
// first, then the longest key contained in the question, case-insensitively.
func LookupAnswer(answers map[string]string, question string) (string, bool) {
	q := strings.TrimSpace(question)
	if q == "" || len(answers) == 0 {
		return "", false
	}
	if a, ok := answers[q]; ok {
		return a, true
	}

	lq := strings.ToLower(q)
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		lk := strings.ToLower(strings.TrimSpace(k))
		if lk != "" && strings.Contains(lq, lk) {
			return answers[k], true
		}
	}
	return "", false
}

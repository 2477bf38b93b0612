package login

import (
	"errors"
	"fmt"
)

var (
	ErrCaptcha               = errors.New("login: captcha")
	ErrBanned                = errors.New("login: account disabled by yandex")
	ErrChallengeUnanswerable = errors.New("login: challenge unanswerable")
	ErrStepTimeout           = errors.New("login: step timed out")
	ErrFormInteraction       = errors.New("login: form interaction failed")
	ErrNoPassword            = errors.New("login: no password stored")
)

// BlockedError is the terminal outcome of a run that could not authenticate.
// State is where the machine stopped; Err is one of the sentinels above.
type BlockedError struct {
	State  State
	Reason string
	Err    error
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("login: blocked in %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("login: blocked in %s: %s: %v", e.State, e.Reason, e.Err)
}

func (e *BlockedError) Unwrap() error { return e.Err }

func blocked(s State, err error, reason string) *BlockedError {
	return &BlockedError{State: s, Reason: reason, Err: err}
}

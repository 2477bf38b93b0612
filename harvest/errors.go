package harvest

import (
	"errors"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/store"
)

var (
	// ErrNoSessions is returned when phrases are pending but no session
	// could be started because every start failed fatally.
	ErrNoSessions = errors.New("harvest: no healthy sessions")

	ErrRateLimited   = errors.New("harvest: rate limited")
	ErrPhraseTimeout = errors.New("harvest: no frequency within phrase budget")
	ErrAuthLost      = errors.New("harvest: redirected to login after re-authentication")
	ErrRecoveryLimit = errors.New("harvest: too many re-authentications")
)

// Kind classifies a failure by how the scheduler disposes of it.
type Kind string

const (
	KindTransient             Kind = "transient"
	KindRateLimited           Kind = "rate_limited"
	KindAuthLost              Kind = "auth_lost"
	KindAuthFailed            Kind = "auth_failed"
	KindChallengeUnanswerable Kind = "challenge_unanswerable"
	KindCaptcha               Kind = "captcha"
	KindBanned                Kind = "banned"
	KindFatal                 Kind = "fatal"
)

// Classify maps an error from any layer onto a Kind. nil is Transient.
func Classify(err error) Kind {
	var be *login.BlockedError
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, login.ErrCaptcha):
		return KindCaptcha
	case errors.Is(err, login.ErrBanned):
		return KindBanned
	case errors.Is(err, login.ErrChallengeUnanswerable):
		return KindChallengeUnanswerable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthLost):
		return KindAuthLost
	case isFatal(err),
		errors.Is(err, browser.ErrProfileLocked),
		errors.Is(err, browser.ErrCdpUnreachable),
		errors.Is(err, browser.ErrProxyAuthRequired),
		errors.Is(err, browser.ErrNoPorts),
		errors.Is(err, browser.ErrClosed):
		return KindFatal
	case errors.As(err, &be), errors.Is(err, ErrRecoveryLimit):
		return KindAuthFailed
	}
	return KindTransient
}

// AccountStatus is the status an account takes after a session-level
// failure of kind k, or "" when the account is left alone.
func (k Kind) AccountStatus() store.AccountStatus {
	switch k {
	case KindCaptcha, KindChallengeUnanswerable:
		return store.AccountCaptcha
	case KindBanned:
		return store.AccountBanned
	case KindRateLimited:
		return store.AccountCooldown
	case KindFatal, KindAuthFailed:
		return store.AccountError
	}
	return ""
}

// SessionLevel reports whether a single occurrence of k ends the session.
// Rate limiting ends it only once the streak limit is reached.
func (k Kind) SessionLevel() bool {
	switch k {
	case KindTransient, KindAuthLost, KindRateLimited:
		return false
	}
	return true
}

func isFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

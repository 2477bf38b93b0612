package browser

import "errors"

var (
	ErrProfileLocked     = errors.New("browser: profile directory in use")
	ErrCdpUnreachable    = errors.New("browser: cdp endpoint unreachable")
	ErrProxyAuthRequired = errors.New("browser: proxy rejected credentials")
	ErrNoPorts           = errors.New("browser: no free cdp port")
	ErrClosed            = errors.New("browser: manager is closed")
)

// FatalError marks a failure that makes the session unusable, as opposed
// to a navigation that may succeed on retry.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal reports true; callers test for it with errors.As on an interface.
func (e *FatalError) Fatal() bool { return true }

package registry

import "errors"

// ErrBadProxy is returned by ParseProxy for strings in none of the accepted formats.
var ErrBadProxy = errors.New("registry: bad proxy string")

// ErrTransition is returned when an account status change is not allowed.
var ErrTransition = errors.New("registry: status transition not allowed")

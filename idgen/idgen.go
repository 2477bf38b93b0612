// Package idgen produces identifiers for harvest runs and browser sessions.
//
// Callers take a Generator so tests can pin ids.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. They sort by
// creation time, which keeps run logs in order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator: prefix1, prefix2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Run generates harvest run ids.
var Run Generator = Prefixed("run_", UUIDv7())

// Session generates browser session ids.
var Session Generator = Prefixed("sess_", UUIDv7())

// Parse validates the UUID part of an id produced by UUIDv7 or Prefixed.
func Parse(id string) (uuid.UUID, error) {
	if len(id) < 36 {
		return uuid.UUID{}, fmt.Errorf("idgen: %q too short", id)
	}
	u, err := uuid.Parse(id[len(id)-36:])
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("idgen: invalid uuid in %q: %w", id, err)
	}
	return u, nil
}

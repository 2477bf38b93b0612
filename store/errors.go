package store

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write collides with a unique constraint or
// with a row owned by another writer.
var ErrConflict = errors.New("store: conflict")

// ErrInvalid is returned when input fails validation before hitting the database.
var ErrInvalid = errors.New("store: invalid input")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

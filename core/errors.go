package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for operations on an unknown user.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent writer changed the user first.
	// Callers should reload and retry.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrDuplicateReward is returned by stores asked to persist a reward key the
	// user already holds.
	ErrDuplicateReward = errors.New("reward already held")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

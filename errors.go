package herald

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("herald: no store configured")
	ErrStoreClosed = errors.New("herald: store closed")

	// Not found errors.
	ErrJobNotFound        = errors.New("herald: job not found")
	ErrDeadLetterNotFound = errors.New("herald: dead letter not found")
	ErrUnknownCategory    = errors.New("herald: unknown category")

	// Submission errors.
	ErrValidation = errors.New("herald: validation failed")

	// Handler outcome errors.
	ErrCancelled  = errors.New("herald: job cancelled")
	ErrWorkerLost = errors.New("herald: worker lost")
	ErrExhausted  = errors.New("herald: attempts exhausted")

	// State errors.
	ErrLeaseLost       = errors.New("herald: lease no longer held")
	ErrInvalidState    = errors.New("herald: invalid state transition")
	ErrUnauthorized    = errors.New("herald: unauthorized")
	ErrUnauthenticated = errors.New("herald: unauthenticated")

	// Registry errors.
	ErrRegistryFrozen    = errors.New("herald: registry already initialized")
	ErrNotInitialized    = errors.New("herald: not initialized")
	ErrDuplicateCategory = errors.New("herald: category already registered")
)

// FieldError describes one rejected payload field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError is returned by submission when a payload or option is
// rejected. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Category string
	Reason   string
	Fields   []FieldError
	Err      error
}

// NewValidationError builds a ValidationError for category.
func NewValidationError(category, reason string, err error) *ValidationError {
	return &ValidationError{Category: category, Reason: reason, Err: err}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("herald: invalid submission")
	if e.Category != "" {
		fmt.Fprintf(&b, " for %q", e.Category)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(" (")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", f.Field, f.Rule)
		if i == len(e.Fields)-1 {
			b.WriteString(")")
		}
	}
	return b.String()
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

package sla

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned when no active policy matches a lookup key.
	// Callers are expected to fall back to DefaultSLAHours.
	ErrPolicyNotFound = errors.New("no active sla policy matches")

	// ErrScorecardNotFound is returned when a scorecard mutation targets a
	// key that has not been created yet.
	ErrScorecardNotFound = errors.New("scorecard not found")

	// ErrVersionConflict is returned when an optimistic-concurrency save
	// observes a stale version. The write can be retried after re-reading.
	ErrVersionConflict = errors.New("version conflict")
)

// ValidationError reports a rejected value at a construction or write boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

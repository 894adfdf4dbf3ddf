/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - Bad selector shape, bad period, bad amounts.
     Raised before any data access, fatal to the call.
  2. Persistence conflicts - Two writers racing for the same source's
     active slot. Retryable.
  3. Lookup errors - Missing allocation records.
  4. Lifecycle errors - Status changes the record lifecycle forbids.

NOT ERRORS:
  An empty scope and missing historical data are normal outcomes. They are
  reported in the result (success=false, equal-split fallback), never here.

USAGE:
  if generic.IsRetryable(err) {
      // re-run the allocation
  }

SEE ALSO:
  - split.go, weights.go: Return validation errors
  - allocation/engine.go: Wraps these errors with record context
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrConcurrentModification is returned when another writer changed the
	// active record of a source between our read and our write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAllocationNotFound is returned when a referenced allocation doesn't exist.
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrInvalidTransition is returned for status changes the lifecycle forbids
	// (anything out of archived, re-activating a superseded record, ...).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnsupportedMetric is returned by history stores for unknown basis metrics.
	ErrUnsupportedMetric = errors.New("unsupported basis metric")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError identifies the violated input constraint.
type ValidationError struct {
	Field   string
	Message string
	err     error
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets a ValidationError match both ErrValidation and its specific cause.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.err != nil && target == e.err)
}

// ConflictError reports a lost race for a source's active slot after the
// engine exhausted its retries.
type ConflictError struct {
	Source   string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent allocation for %s: gave up after %d attempts", e.Source, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// TransitionError provides details about a forbidden status change.
type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("allocation %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAllocationNotFound)
}

/*
errors.go - Error taxonomy for the document core

PURPOSE:
  All error types in one place. Every rejected operation carries a reason
  naming the precondition or invariant that failed, and every structured
  error unwraps to a sentinel so callers can branch with errors.Is.

ERROR CATEGORIES:
  1. Validation     - bad input, detected before any write
  2. Conflict       - numbering exhausted its retries; retry the request later
  3. Business rule  - lifecycle or state precondition violated
  4. Partial failure - secondary store failed after the primary committed

SEE ALSO:
  - coordinator.go: where each category is produced
  - api/handlers.go: HTTP status mapping
*/
package document

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a document, version or product does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for invalid or unresolvable input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a unique number could not be allocated or a
	// revision check failed. Retrying the whole request is safe.
	ErrConflict = errors.New("conflict")

	// ErrBusinessRule is returned when an operation is illegal in the current state.
	ErrBusinessRule = errors.New("business rule violated")

	// ErrPartialFailure is returned when one store succeeded and the other did not.
	ErrPartialFailure = errors.New("partial failure")

	// ErrDuplicateNumber is returned by a HeaderTx when an insert hits the
	// unique index on the document number.
	ErrDuplicateNumber = errors.New("duplicate document number")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field and why it was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports a numbering or revision conflict.
type ConflictError struct {
	Prefix   string
	Attempts int
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict: %s", e.Reason)
	}
	return fmt.Sprintf("conflict: no free number for prefix %s after %d attempts", e.Prefix, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// BusinessRuleError reports a rejected state change.
type BusinessRuleError struct {
	Rule   string // e.g. "converted_is_terminal", "no_op_transition"
	Reason string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

func (e *BusinessRuleError) Unwrap() error {
	return ErrBusinessRule
}

// PartialFailureError reports that the secondary store failed after the
// primary store committed.
type PartialFailureError struct {
	Op    string // create, update, delete, convert
	Stage string // items_write, items_delete, mark_converted
	ID    ID

	// Compensated is true when the primary store was restored.
	Compensated bool

	Cause           error
	CompensationErr error
}

func (e *PartialFailureError) Error() string {
	msg := fmt.Sprintf("%s %s: %s failed: %v", e.Op, e.ID, e.Stage, e.Cause)
	switch {
	case e.Compensated:
		msg += " (compensated)"
	case e.CompensationErr != nil:
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}

// IsRetryable returns true if the whole request may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrPartialFailure)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrBusinessRule)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

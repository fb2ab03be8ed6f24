/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. NotFound        - unknown cycle or unit
  2. InvalidArgument - bad payment amount, missing unit fields, overpayment
  3. Conflict        - double enforcement caught by the atomic guard (a no-op, not a failure)
  4. StorageFailure  - anything the persistence layer returns; never retried here

Callers match with errors.Is against the sentinels; structured errors carry
the details and Unwrap to their sentinel.
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned by stores when a conditional update matched no row
	// because another writer got there first.
	ErrConflict = errors.New("conflict")

	ErrStorageFailure = errors.New("storage failure")

	// ErrConcurrentModification is returned when the payment row-version check
	// keeps losing after all retries.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicatePayment is returned by PaymentStore when a payment reference
	// was already recorded.
	ErrDuplicatePayment = errors.New("duplicate payment reference")

	// ErrReferenceInUse is returned when a payment reference was already
	// recorded against a different cycle.
	ErrReferenceInUse = errors.New("payment reference already used")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "tenant_unit", "billing_cycle", "enforcement_action"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a bad input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// OverpaymentError is returned when a payment exceeds what is still owed on a cycle.
type OverpaymentError struct {
	CycleID   string
	Remaining decimal.Decimal
	Attempted decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds remaining balance %s on cycle %s",
		e.Attempted.StringFixed(2), e.Remaining.StringFixed(2), e.CycleID)
}

func (e *OverpaymentError) Unwrap() error { return ErrInvalidArgument }

// ReferenceInUseError names the cycle that already holds a payment reference.
type ReferenceInUseError struct {
	Reference string
	CycleID   string // cycle the payment was sent for
	HeldBy    string // cycle the reference was recorded on
}

func (e *ReferenceInUseError) Error() string {
	return fmt.Sprintf("payment reference %q already recorded on cycle %s, not %s", e.Reference, e.HeldBy, e.CycleID)
}

func (e *ReferenceInUseError) Unwrap() error { return ErrReferenceInUse }

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// WrapStorage turns a raw driver error into a StorageError. Errors that already
// belong to this package pass through untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicatePayment) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrConflict)
}

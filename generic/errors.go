/*
errors.go - Centralized error types for the generic layer

PURPOSE:
  Sentinel errors shared by every store and batch operation. Domain
  packages wrap these with context (see attendance/errors.go).

USAGE:
    if errors.Is(err, generic.ErrLockHeld) {
        // another run owns this employee, retry later
    }
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
	// ErrTransactionFailed is returned when a write cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrLockHeld is returned when another owner holds the entity lease.
	ErrLockHeld = errors.New("entity lock held by another owner")

	// ErrLockLost is returned when releasing a lease that expired or was taken over.
	ErrLockLost = errors.New("entity lock lost")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// LockHeldError names the entity whose lease could not be acquired.
type LockHeldError struct {
	Key string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q held by another owner", e.Key)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockHeld) || errors.Is(err, ErrLockLost)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

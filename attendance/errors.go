package attendance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrConsistencyConflict = errors.New("consistency conflict")
	ErrCascadeTransaction  = errors.New("cascade transaction failed")
	ErrPolicyAmbiguity     = errors.New("policy ambiguity")

	ErrPointNotFound = errors.New("point not found")
	ErrNotManual     = errors.New("only manual points can be edited or deleted")
	ErrPointExcused  = errors.New("point is excused")
	ErrPointExpired  = errors.New("point is expired")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError rejects malformed classification input. Nothing is
// applied when it is returned.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConsistencyConflict records two or more points claiming one
// (employeeId, shiftDate, pointType) slot and how it was resolved.
type ConsistencyConflict struct {
	EmployeeID generic.EntityID `json:"employee_id"`
	ShiftDate  string           `json:"shift_date"`
	PointType  PointType        `json:"point_type"`
	KeptID     PointID          `json:"kept_id,omitempty"`
	RemovedIDs []PointID        `json:"removed_ids,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

func (e *ConsistencyConflict) Error() string {
	msg := fmt.Sprintf("slot %s/%s/%s already taken", e.EmployeeID, e.ShiftDate, e.PointType)
	if e.KeptID != "" {
		msg += fmt.Sprintf(" (kept %s", e.KeptID)
		if len(e.RemovedIDs) > 0 {
			ids := make([]string, len(e.RemovedIDs))
			for i, id := range e.RemovedIDs {
				ids[i] = string(id)
			}
			msg += ", removed " + strings.Join(ids, ",")
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConsistencyConflict) Unwrap() error { return ErrConsistencyConflict }

// CascadeTransactionFailure means an employee's whole output was rolled back.
type CascadeTransactionFailure struct {
	EmployeeID generic.EntityID
	Err        error
}

func (e *CascadeTransactionFailure) Error() string {
	return fmt.Sprintf("cascade for %s rolled back: %v", e.EmployeeID, e.Err)
}

func (e *CascadeTransactionFailure) Unwrap() []error {
	return []error{ErrCascadeTransaction, e.Err}
}

// PolicyAmbiguity is an internal invariant violation. The employee's run
// stops; the engine never guesses past it.
type PolicyAmbiguity struct {
	EmployeeID generic.EntityID
	PointID    PointID
	Detail     string
}

func (e *PolicyAmbiguity) Error() string {
	if e.PointID == "" {
		return fmt.Sprintf("policy ambiguity for %s: %s", e.EmployeeID, e.Detail)
	}
	return fmt.Sprintf("policy ambiguity for %s at point %s: %s", e.EmployeeID, e.PointID, e.Detail)
}

func (e *PolicyAmbiguity) Unwrap() error { return ErrPolicyAmbiguity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConsistencyConflict) ||
		errors.Is(err, ErrNotManual) ||
		errors.Is(err, ErrPointExcused) ||
		errors.Is(err, ErrPointExpired) ||
		errors.Is(err, generic.ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing point or employee.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPointNotFound) || generic.IsNotFound(err)
}

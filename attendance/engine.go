/*
engine.go - Facade used by the API and the scheduler

PURPOSE:
  Binds the pure parts (Classifier, Policy, Replay) to a TxPointStore and a
  per-employee lease. Every write for an employee happens inside
  Runner.RunLocked + Store.WithTx, and every write that can move the
  employee's timeline ends with a full cascade replay in the same
  transaction.

CLOCK:
  "Today" is never read inside a computation. Callers pass asOf; the
  administrative operations use Engine.Now, which tests replace.

ERRORS:
  Caller mistakes (validation, not found, not manual, lease held) pass
  through unchanged. Anything else that aborts an employee's transaction is
  reported as *CascadeTransactionFailure.
*/
package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/generic"
)

// Engine is the attendance point engine.
type Engine struct {
	Store      TxPointStore
	Violations ViolationSource
	Classifier *Classifier
	Policy     Policy
	Runner     *generic.BatchRunner
	Logger     *zap.Logger

	NewID func() PointID
	Now   func() time.Time
}

// NewEngine wires an engine. A nil runner processes employees one at a time
// without leases; a nil logger discards output.
func NewEngine(store TxPointStore, violations ViolationSource, policy Policy, runner *generic.BatchRunner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = generic.NewBatchRunner(nil, 1, logger)
	}
	return &Engine{
		Store:      store,
		Violations: violations,
		Classifier: NewClassifier(policy),
		Policy:     policy,
		Runner:     runner,
		Logger:     logger,
		NewID:      func() PointID { return PointID(uuid.NewString()) },
		Now:        time.Now,
	}
}

func (e *Engine) today() generic.TimePoint { return generic.DateOf(e.Now()) }

// =============================================================================
// PURE OPERATIONS
// =============================================================================

// Classify maps a violation to its template without side effects.
func (e *Engine) Classify(v Violation) (PointTemplate, error) {
	return e.Classifier.Classify(v)
}

// ComputeSro returns the point's Standard Roll-Off date.
func (e *Engine) ComputeSro(point AttendancePoint) generic.TimePoint {
	return e.Policy.ComputeSroFor(point)
}

// =============================================================================
// CASCADE
// =============================================================================

// RecalculateGbroCascade replays the GBRO cascade for one employee as of
// asOf (today when zero) and persists the outcome atomically.
func (e *Engine) RecalculateGbroCascade(ctx context.Context, employeeID generic.EntityID, asOf generic.TimePoint) (CascadeResult, error) {
	if asOf.IsZero() {
		asOf = e.today()
	}
	var result CascadeResult
	err := e.Runner.RunLocked(ctx, employeeID, func(ctx context.Context, id generic.EntityID) error {
		r, err := e.replayEmployee(ctx, id, asOf, CascadeApply)
		result = r
		return err
	})
	if err != nil {
		return CascadeResult{}, err
	}
	e.Logger.Debug("gbro cascade recalculated",
		zap.String("employee_id", string(employeeID)),
		zap.String("as_of", asOf.String()),
		zap.Int("rolled_off", len(result.RolledOffIDs())),
		zap.Int("predicted", len(result.PredictedIDs())),
		zap.Int("changed", result.Changed))
	return result, nil
}

// replayEmployee runs Replay in its own transaction. The caller holds the lease.
func (e *Engine) replayEmployee(ctx context.Context, employeeID generic.EntityID, asOf generic.TimePoint, mode CascadeMode) (CascadeResult, error) {
	var result CascadeResult
	err := e.Store.WithTx(ctx, func(tx PointStore) error {
		r, err := e.replayTx(ctx, tx, employeeID, asOf, mode)
		result = r
		return err
	})
	if err != nil {
		return CascadeResult{}, e.txFailure(employeeID, err)
	}
	return result, nil
}

func (e *Engine) replayTx(ctx context.Context, tx PointStore, employeeID generic.EntityID, asOf generic.TimePoint, mode CascadeMode) (CascadeResult, error) {
	points, err := tx.ListPoints(ctx, employeeID)
	if err != nil {
		return CascadeResult{}, err
	}
	result, changed, err := Replay(e.Policy, employeeID, points, asOf, mode)
	if err != nil {
		return CascadeResult{}, err
	}
	if len(changed) > 0 {
		if err := tx.UpsertPoints(ctx, employeeID, changed); err != nil {
			return CascadeResult{}, err
		}
	}
	return result, nil
}

// txFailure classifies an error that aborted an employee's transaction.
func (e *Engine) txFailure(employeeID generic.EntityID, err error) error {
	var already *CascadeTransactionFailure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &already),
		IsClientError(err),
		IsNotFound(err),
		errors.Is(err, ErrPolicyAmbiguity),
		generic.IsRetryable(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &CascadeTransactionFailure{EmployeeID: employeeID, Err: err}
}

// mutateEmployee applies fn and then replays the cascade, all in one
// transaction under the employee's lease.
func (e *Engine) mutateEmployee(ctx context.Context, employeeID generic.EntityID, fn func(ctx context.Context, tx PointStore) error) error {
	asOf := e.today()
	return e.Runner.RunLocked(ctx, employeeID, func(ctx context.Context, id generic.EntityID) error {
		err := e.Store.WithTx(ctx, func(tx PointStore) error {
			if err := fn(ctx, tx); err != nil {
				return err
			}
			_, err := e.replayTx(ctx, tx, id, asOf, CascadeApply)
			return err
		})
		return e.txFailure(id, err)
	})
}

// =============================================================================
// READS
// =============================================================================

// ListPoints returns every point of an employee.
func (e *Engine) ListPoints(ctx context.Context, employeeID generic.EntityID) ([]AttendancePoint, error) {
	return e.Store.ListPoints(ctx, employeeID)
}

// GetPoint returns one point by id.
func (e *Engine) GetPoint(ctx context.Context, id PointID) (AttendancePoint, error) {
	return e.Store.GetPoint(ctx, id)
}

// Summary aggregates an employee's points.
type Summary struct {
	EmployeeID   generic.EntityID   `json:"employee_id"`
	AsOf         generic.TimePoint  `json:"as_of"`
	ActiveTotal  generic.Amount     `json:"-"`
	ActiveCount  int                `json:"active_count"`
	ExcusedCount int                `json:"excused_count"`
	ExpiredSro   int                `json:"expired_sro"`
	ExpiredGbro  int                `json:"expired_gbro"`
	NextGbroDate *generic.TimePoint `json:"next_gbro_date"`
	NextSroDate  *generic.TimePoint `json:"next_sro_date"`
}

// Summary counts the employee's points by state and reports the next dates
// at which active points are due to expire.
func (e *Engine) Summary(ctx context.Context, employeeID generic.EntityID, asOf generic.TimePoint) (Summary, error) {
	if asOf.IsZero() {
		asOf = e.today()
	}
	points, err := e.Store.ListPoints(ctx, employeeID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(employeeID, points, asOf), nil
}

// Summarize is the pure part of Summary.
func Summarize(employeeID generic.EntityID, points []AttendancePoint, asOf generic.TimePoint) Summary {
	s := Summary{
		EmployeeID:  employeeID,
		AsOf:        asOf,
		ActiveTotal: generic.NewAmountFromDecimal(decimal.Zero, generic.UnitPoints),
	}
	for _, p := range points {
		switch {
		case p.IsExcused:
			s.ExcusedCount++
		case p.IsExpired && p.ExpirationType == ExpirationGBRO:
			s.ExpiredGbro++
		case p.IsExpired:
			s.ExpiredSro++
		default:
			s.ActiveCount++
			s.ActiveTotal = s.ActiveTotal.Add(generic.NewAmountFromDecimal(p.PointValue, generic.UnitPoints))
			if s.NextSroDate == nil || p.SroExpiresAt.Before(*s.NextSroDate) {
				s.NextSroDate = generic.OptionalDate(p.SroExpiresAt)
			}
			if p.GbroExpiresAt != nil && (s.NextGbroDate == nil || p.GbroExpiresAt.Before(*s.NextGbroDate)) {
				s.NextGbroDate = copyDate(p.GbroExpiresAt)
			}
		}
	}
	return s
}

// =============================================================================
// MANUAL POINTS
// =============================================================================

// CreateManualPoint classifies v and inserts it as a manual point, then
// replays the employee's cascade.
func (e *Engine) CreateManualPoint(ctx context.Context, v Violation, notes string) (AttendancePoint, error) {
	tmpl, err := e.Classifier.Classify(v)
	if err != nil {
		return AttendancePoint{}, err
	}

	point := e.Classifier.NewPoint(e.NewID(), v, tmpl)
	point.IsManual = true
	point.Notes = notes

	err = e.mutateEmployee(ctx, v.EmployeeID, func(ctx context.Context, tx PointStore) error {
		existing, err := tx.ListPoints(ctx, v.EmployeeID)
		if err != nil {
			return err
		}
		if taken := findSlot(existing, point.Slot(), ""); taken != nil {
			return &ConsistencyConflict{
				EmployeeID: v.EmployeeID,
				ShiftDate:  point.ShiftDate.String(),
				PointType:  point.PointType,
				KeptID:     taken.ID,
				Detail:     "manual point rejected",
			}
		}
		return tx.UpsertPoints(ctx, v.EmployeeID, []AttendancePoint{point})
	})
	if err != nil {
		return AttendancePoint{}, err
	}

	e.Logger.Info("manual point created",
		zap.String("employee_id", string(v.EmployeeID)),
		zap.String("point_id", string(point.ID)),
		zap.String("point_type", string(point.PointType)),
		zap.String("shift_date", point.ShiftDate.String()))
	return e.Store.GetPoint(ctx, point.ID)
}

// UpdateManualPoint reclassifies a manual point. Its expiration and GBRO
// state are cleared and rebuilt by the cascade.
func (e *Engine) UpdateManualPoint(ctx context.Context, id PointID, v Violation, notes string) (AttendancePoint, error) {
	current, err := e.Store.GetPoint(ctx, id)
	if err != nil {
		return AttendancePoint{}, err
	}
	if v.EmployeeID == "" {
		v.EmployeeID = current.EmployeeID
	}
	if v.EmployeeID != current.EmployeeID {
		return AttendancePoint{}, &ValidationError{Field: "employee_id", Value: v.EmployeeID, Reason: "points cannot move between employees"}
	}
	tmpl, err := e.Classifier.Classify(v)
	if err != nil {
		return AttendancePoint{}, err
	}

	err = e.mutateEmployee(ctx, current.EmployeeID, func(ctx context.Context, tx PointStore) error {
		point, err := tx.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if !point.IsManual {
			return ErrNotManual
		}

		updated := e.Classifier.NewPoint(point.ID, v, tmpl)
		updated.IsManual = true
		updated.Notes = notes
		updated.IsExcused = point.IsExcused
		updated.ExcuseReason = point.ExcuseReason
		updated.ExcusedBy = point.ExcusedBy
		updated.ExcusedAt = point.ExcusedAt
		updated.CreatedAt = point.CreatedAt

		existing, err := tx.ListPoints(ctx, point.EmployeeID)
		if err != nil {
			return err
		}
		if taken := findSlot(existing, updated.Slot(), point.ID); taken != nil {
			return &ConsistencyConflict{
				EmployeeID: point.EmployeeID,
				ShiftDate:  updated.ShiftDate.String(),
				PointType:  updated.PointType,
				KeptID:     taken.ID,
				Detail:     "update would duplicate an existing point",
			}
		}
		return tx.UpsertPoints(ctx, point.EmployeeID, []AttendancePoint{updated})
	})
	if err != nil {
		return AttendancePoint{}, err
	}
	return e.Store.GetPoint(ctx, id)
}

// DeleteManualPoint removes a manual point and replays the cascade.
func (e *Engine) DeleteManualPoint(ctx context.Context, id PointID) error {
	current, err := e.Store.GetPoint(ctx, id)
	if err != nil {
		return err
	}
	err = e.mutateEmployee(ctx, current.EmployeeID, func(ctx context.Context, tx PointStore) error {
		point, err := tx.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if !point.IsManual {
			return ErrNotManual
		}
		return tx.DeletePoints(ctx, []PointID{id})
	})
	if err != nil {
		return err
	}
	e.Logger.Info("manual point deleted",
		zap.String("employee_id", string(current.EmployeeID)),
		zap.String("point_id", string(id)))
	return nil
}

func findSlot(points []AttendancePoint, slot Slot, except PointID) *AttendancePoint {
	for i := range points {
		if points[i].ID != except && points[i].Slot() == slot {
			return &points[i]
		}
	}
	return nil
}

// =============================================================================
// EXCUSE
// =============================================================================

// ExcusePoint removes a point from active totals and from all expiration
// processing. at defaults to Now.
func (e *Engine) ExcusePoint(ctx context.Context, id PointID, reason, excusedBy string, at time.Time) (AttendancePoint, error) {
	if at.IsZero() {
		at = e.Now()
	}
	current, err := e.Store.GetPoint(ctx, id)
	if err != nil {
		return AttendancePoint{}, err
	}
	err = e.mutateEmployee(ctx, current.EmployeeID, func(ctx context.Context, tx PointStore) error {
		point, err := tx.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case point.IsExpired:
			return ErrPointExpired
		case point.IsExcused:
			return ErrPointExcused
		}
		point.IsExcused = true
		point.ExcuseReason = reason
		point.ExcusedBy = excusedBy
		excusedAt := at.UTC()
		point.ExcusedAt = &excusedAt
		point.ClearGbro()
		return tx.UpsertPoints(ctx, point.EmployeeID, []AttendancePoint{point})
	})
	if err != nil {
		return AttendancePoint{}, err
	}
	e.Logger.Info("point excused",
		zap.String("employee_id", string(current.EmployeeID)),
		zap.String("point_id", string(id)),
		zap.String("excused_by", excusedBy))
	return e.Store.GetPoint(ctx, id)
}

// UnexcusePoint returns an excused point to the active set. Unexcusing an
// active point is a no-op.
func (e *Engine) UnexcusePoint(ctx context.Context, id PointID) (AttendancePoint, error) {
	current, err := e.Store.GetPoint(ctx, id)
	if err != nil {
		return AttendancePoint{}, err
	}
	err = e.mutateEmployee(ctx, current.EmployeeID, func(ctx context.Context, tx PointStore) error {
		point, err := tx.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if !point.IsExcused {
			return nil
		}
		point.IsExcused = false
		point.ExcuseReason = ""
		point.ExcusedBy = ""
		point.ExcusedAt = nil
		return tx.UpsertPoints(ctx, point.EmployeeID, []AttendancePoint{point})
	})
	if err != nil {
		return AttendancePoint{}, err
	}
	return e.Store.GetPoint(ctx, id)
}

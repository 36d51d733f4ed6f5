/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  The engine does not own either store's lifecycle. It reads violation
  occurrences from the attendance source and reads/writes attendance points
  through these interfaces.

TRANSACTIONS:
  Every per-employee write goes through TxPointStore.WithTx so a cascade or
  consistency step is all-or-nothing: if fn returns an error nothing it
  wrote is visible.

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3
  - store/memory: in-memory, for tests and dev
*/
package attendance

import (
	"context"

	"github.com/warp/points-engine/generic"
)

// PointStore reads and writes attendance points.
type PointStore interface {
	// ListPoints returns every point of the employee (active, excused and
	// expired) ordered by shift date, then id.
	ListPoints(ctx context.Context, employeeID generic.EntityID) ([]AttendancePoint, error)

	// ListActivePoints returns the employee's non-excused, non-expired points.
	ListActivePoints(ctx context.Context, employeeID generic.EntityID) ([]AttendancePoint, error)

	// GetPoint returns ErrPointNotFound when the id is unknown.
	GetPoint(ctx context.Context, id PointID) (AttendancePoint, error)

	// UpsertPoints inserts or replaces points of one employee.
	UpsertPoints(ctx context.Context, employeeID generic.EntityID, points []AttendancePoint) error

	// DeletePoints physically removes points.
	DeletePoints(ctx context.Context, ids []PointID) error

	// ListEmployeeIDs returns every employee owning at least one point.
	ListEmployeeIDs(ctx context.Context) ([]generic.EntityID, error)
}

// TxPointStore adds all-or-nothing execution to PointStore.
type TxPointStore interface {
	PointStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(PointStore) error) error
}

// ViolationSource is the read side of the attendance record system.
type ViolationSource interface {
	// ListUnprocessedViolations returns violations in the period that have no
	// corresponding point for their (employee, shift date, point type).
	ListUnprocessedViolations(ctx context.Context, period generic.Period) ([]Violation, error)
}

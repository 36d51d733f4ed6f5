/*
Package generic provides the domain-agnostic primitives of the points engine.

PURPOSE:
  Calendar dates, decimal quantities, identifiers, sentinel errors, locking
  and the per-entity batch runner. Nothing here knows what an attendance
  point is; the attendance package builds the roll-off engine on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity with a unit (e.g., 1.25 points)
  - EntityID: The owner of a timeline (an employee)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point drift in totals
  2. Type Safety: Strong typing for IDs
  3. Explicit time: "today" is always a parameter, never read implicitly

SEE ALSO:
  - time.go: TimePoint and date arithmetic
  - batch.go: Per-entity isolated batch execution
  - lock.go: Per-entity ownership leases
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const UnitPoints Unit = "points"

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool       { return a.Unit == b.Unit && a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }

func (a Amount) String() string { return a.Value.StringFixed(2) + " " + string(a.Unit) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string

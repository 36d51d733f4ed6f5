/*
Package attendance implements the Attendance Point Accrual & Expiration Engine.

PURPOSE:
  Converts attendance violations into disciplinary points, decays them under
  two competing expiration policies, and recomputes the whole timeline of an
  employee whenever its history changes.

COMPONENTS (leaf-first):
  1. Classifier (classifier.go): violation -> PointTemplate
  2. Policy (policy.go): Standard Roll-Off dates and the GBRO pairing unit
  3. Cascade (cascade.go): chronological pair-by-pair GBRO replay
  4. Consistency operations (consistency.go): batch jobs over many employees

POINT STATES:
  A point is exactly one of active, excused or expired.

    active --excuse--> excused --unexcuse--> active
    active --SRO/GBRO--> expired --reset--> active

  Excused points never expire and never take part in a cascade.

SEE ALSO:
  - engine.go: Facade used by the API and the scheduler
  - store.go: Persistence interfaces consumed by the engine
*/
package attendance

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// POINT TYPES
// =============================================================================

// PointType is the classification of a violation occurrence.
type PointType string

const (
	PointWholeDayAbsence       PointType = "whole_day_absence"
	PointHalfDayAbsence        PointType = "half_day_absence"
	PointUndertime             PointType = "undertime"
	PointUndertimeMoreThanHour PointType = "undertime_more_than_hour"
	PointTardy                 PointType = "tardy"
)

// PointTypes lists every known point type in a stable order.
var PointTypes = []PointType{
	PointWholeDayAbsence,
	PointHalfDayAbsence,
	PointUndertime,
	PointUndertimeMoreThanHour,
	PointTardy,
}

// Valid reports whether t is a known point type.
func (t PointType) Valid() bool {
	for _, known := range PointTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ExpirationType records which policy expired a point.
type ExpirationType string

const (
	ExpirationNone ExpirationType = "none"
	ExpirationSRO  ExpirationType = "sro"
	ExpirationGBRO ExpirationType = "gbro"
)

// PointID identifies an AttendancePoint.
type PointID string

// =============================================================================
// VIOLATION - Input read from the attendance source
// =============================================================================

// Violation is one attendance violation occurrence.
type Violation struct {
	EmployeeID       generic.EntityID  `json:"employee_id" validate:"required"`
	ShiftDate        generic.TimePoint `json:"shift_date"`
	PointType        PointType         `json:"point_type" validate:"required"`
	TardyMinutes     *int              `json:"tardy_minutes,omitempty" validate:"omitempty,gte=0"`
	UndertimeMinutes *int              `json:"undertime_minutes,omitempty" validate:"omitempty,gte=0"`
	IsAdvised        bool              `json:"is_advised"`
	Details          string            `json:"violation_details,omitempty"`
}

// Slot is the (shiftDate, pointType) identity of a violation or point
// within one employee's timeline.
type Slot struct {
	ShiftDate string
	PointType PointType
}

func (v Violation) Slot() Slot { return Slot{ShiftDate: v.ShiftDate.String(), PointType: v.PointType} }

// =============================================================================
// POINT TEMPLATE - Classifier output
// =============================================================================

// PointTemplate is what a violation turns into before it has an identity.
type PointTemplate struct {
	PointType       PointType
	Value           decimal.Decimal
	IsAdvised       bool
	EligibleForGbro bool
	SroWindowMonths int
}

// =============================================================================
// ATTENDANCE POINT
// =============================================================================

// AttendancePoint is one accrued disciplinary point.
type AttendancePoint struct {
	ID         PointID
	EmployeeID generic.EntityID
	ShiftDate  generic.TimePoint
	PointType  PointType
	PointValue decimal.Decimal
	IsAdvised  bool
	IsManual   bool

	// Excuse
	IsExcused    bool
	ExcuseReason string
	ExcusedBy    string
	ExcusedAt    *time.Time

	// Standard Roll-Off
	SroExpiresAt generic.TimePoint

	// Good-Behavior Roll-Off
	EligibleForGbro bool
	GbroExpiresAt   *generic.TimePoint
	GbroAppliedAt   *generic.TimePoint
	GbroBatchID     string

	// Terminal expiration
	IsExpired      bool
	ExpiredAt      *generic.TimePoint
	ExpirationType ExpirationType

	// Descriptive payload
	ViolationDetails string
	TardyMinutes     *int
	UndertimeMinutes *int
	Notes            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot returns the duplicate-detection key within the employee.
func (p AttendancePoint) Slot() Slot {
	return Slot{ShiftDate: p.ShiftDate.String(), PointType: p.PointType}
}

// IsActive reports whether the point counts toward active totals.
func (p AttendancePoint) IsActive() bool { return !p.IsExcused && !p.IsExpired }

// InCascade reports whether the GBRO cascade simulates this point.
func (p AttendancePoint) InCascade() bool { return p.IsActive() && p.EligibleForGbro }

// ClearGbro wipes every field the cascade owns.
func (p *AttendancePoint) ClearGbro() {
	p.GbroExpiresAt = nil
	p.GbroAppliedAt = nil
	p.GbroBatchID = ""
}

// ClearExpiration reverts the point to the pre-expiration active state.
func (p *AttendancePoint) ClearExpiration() {
	p.IsExpired = false
	p.ExpiredAt = nil
	p.ExpirationType = ExpirationNone
}

// Expire moves the point into its terminal expired state.
func (p *AttendancePoint) Expire(at generic.TimePoint, kind ExpirationType) {
	p.IsExpired = true
	p.ExpiredAt = generic.OptionalDate(at)
	p.ExpirationType = kind
}

// Clone returns a deep copy so simulations never alias caller data.
func (p AttendancePoint) Clone() AttendancePoint {
	c := p
	c.GbroExpiresAt = copyDate(p.GbroExpiresAt)
	c.GbroAppliedAt = copyDate(p.GbroAppliedAt)
	c.ExpiredAt = copyDate(p.ExpiredAt)
	if p.ExcusedAt != nil {
		t := *p.ExcusedAt
		c.ExcusedAt = &t
	}
	if p.TardyMinutes != nil {
		m := *p.TardyMinutes
		c.TardyMinutes = &m
	}
	if p.UndertimeMinutes != nil {
		m := *p.UndertimeMinutes
		c.UndertimeMinutes = &m
	}
	return c
}

func copyDate(tp *generic.TimePoint) *generic.TimePoint {
	if tp == nil {
		return nil
	}
	c := *tp
	return &c
}

func sameDate(a, b *generic.TimePoint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

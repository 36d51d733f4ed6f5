/*
policy.go - Expiration policies

PURPOSE:
  Two competing policies decide when a point stops counting:

  STANDARD ROLL-OFF (SRO):
    A fixed offset from the shift date. Pure function of
    (shiftDate, pointType, isAdvised):
      - NCNS (unadvised whole-day absence): shiftDate + 12 months
      - everything else:                    shiftDate + 6 months

  GOOD-BEHAVIOR ROLL-OFF (GBRO):
    Not a per-point offset. Eligible points are consumed in pairs in
    shift-date order; a pair rolls off once GbroCleanDays clean days have
    passed since its reference date. This file only exposes the pairing
    unit; the replay lives in cascade.go.

REFERENCE DATE:
  The later of
    (a) the shift date of the last point in the pair, and
    (b) the previous GBRO application for the employee.
  A fresh roll-off therefore restarts the clock for the next pair.

SEE ALSO:
  - classifier.go: decides eligibility and the SRO window
  - cascade.go: applies the pairing unit over a whole timeline
*/
package attendance

import (
	"fmt"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the tunable constants of both expiration policies.
type Policy struct {
	StandardWindowMonths int
	NcnsWindowMonths     int
	GbroCleanDays        int
	GbroPairSize         int
}

// DefaultPolicy returns 6 / 12 months SRO and 60 clean days per pair of two.
func DefaultPolicy() Policy {
	return Policy{
		StandardWindowMonths: 6,
		NcnsWindowMonths:     12,
		GbroCleanDays:        60,
		GbroPairSize:         2,
	}
}

// Validate rejects non-positive constants.
func (p Policy) Validate() error {
	switch {
	case p.StandardWindowMonths <= 0:
		return fmt.Errorf("standard window must be positive, got %d", p.StandardWindowMonths)
	case p.NcnsWindowMonths <= 0:
		return fmt.Errorf("ncns window must be positive, got %d", p.NcnsWindowMonths)
	case p.GbroCleanDays <= 0:
		return fmt.Errorf("gbro clean days must be positive, got %d", p.GbroCleanDays)
	case p.GbroPairSize <= 0:
		return fmt.Errorf("gbro pair size must be positive, got %d", p.GbroPairSize)
	}
	return nil
}

// =============================================================================
// STANDARD ROLL-OFF
// =============================================================================

// IsNCNS reports an unadvised whole-day absence ("no call, no show").
func IsNCNS(pointType PointType, isAdvised bool) bool {
	return pointType == PointWholeDayAbsence && !isAdvised
}

// SroWindowMonths returns the SRO offset for a classification.
func (p Policy) SroWindowMonths(pointType PointType, isAdvised bool) int {
	if IsNCNS(pointType, isAdvised) {
		return p.NcnsWindowMonths
	}
	return p.StandardWindowMonths
}

// ComputeSro returns the Standard Roll-Off date.
func (p Policy) ComputeSro(shiftDate generic.TimePoint, pointType PointType, isAdvised bool) generic.TimePoint {
	return shiftDate.AddMonths(p.SroWindowMonths(pointType, isAdvised))
}

// ComputeSroFor is ComputeSro over an existing point.
func (p Policy) ComputeSroFor(point AttendancePoint) generic.TimePoint {
	return p.ComputeSro(point.ShiftDate, point.PointType, point.IsAdvised)
}

// =============================================================================
// GOOD-BEHAVIOR ROLL-OFF - Pairing unit
// =============================================================================

// ReferenceDate returns the date a pair's clean window starts counting from.
// lastShift is the shift date of the pair's last point; previousApplied is
// the preceding roll-off date (zero when there is none).
func (p Policy) ReferenceDate(lastShift, previousApplied generic.TimePoint) generic.TimePoint {
	return generic.MaxTimePoint(lastShift, previousApplied)
}

// CandidateRollOff returns the date a pair rolls off if nothing changes.
func (p Policy) CandidateRollOff(reference generic.TimePoint) generic.TimePoint {
	return reference.AddDays(p.GbroCleanDays)
}

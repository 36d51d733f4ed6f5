package attendance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

func TestComputeSro(t *testing.T) {
	policy := attendance.DefaultPolicy()

	tests := []struct {
		name      string
		shift     generic.TimePoint
		pointType attendance.PointType
		advised   bool
		want      string
	}{
		{"standard six months", generic.NewTimePoint(2025, time.January, 15), attendance.PointTardy, false, "2025-07-15"},
		{"ncns twelve months", generic.NewTimePoint(2025, time.January, 15), attendance.PointWholeDayAbsence, false, "2026-01-15"},
		{"advised absence six months", generic.NewTimePoint(2025, time.January, 15), attendance.PointWholeDayAbsence, true, "2025-07-15"},
		{"clamps to end of february", generic.NewTimePoint(2025, time.August, 31), attendance.PointTardy, false, "2026-02-28"},
		{"clamps to leap day", generic.NewTimePoint(2023, time.August, 31), attendance.PointHalfDayAbsence, false, "2024-02-29"},
		{"crosses year", generic.NewTimePoint(2025, time.October, 31), attendance.PointUndertime, false, "2026-04-30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.ComputeSro(tt.shift, tt.pointType, tt.advised)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestReferenceDate(t *testing.T) {
	policy := attendance.DefaultPolicy()
	shift := generic.NewTimePoint(2025, time.March, 1)

	// No previous roll-off: the shift date counts
	assert.Equal(t, shift, policy.ReferenceDate(shift, generic.TimePoint{}))

	// A later roll-off restarts the clock
	applied := generic.NewTimePoint(2025, time.April, 10)
	assert.Equal(t, applied, policy.ReferenceDate(shift, applied))

	// An earlier roll-off does not move it back
	earlier := generic.NewTimePoint(2025, time.February, 1)
	assert.Equal(t, shift, policy.ReferenceDate(shift, earlier))
}

func TestCandidateRollOff(t *testing.T) {
	policy := attendance.DefaultPolicy()

	got := policy.CandidateRollOff(generic.NewTimePoint(2025, time.January, 6))

	assert.Equal(t, "2025-03-07", got.String())
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, attendance.DefaultPolicy().Validate())

	bad := attendance.DefaultPolicy()
	bad.GbroPairSize = 0
	assert.Error(t, bad.Validate())

	bad = attendance.DefaultPolicy()
	bad.NcnsWindowMonths = -1
	assert.Error(t, bad.Validate())
}

package attendance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

func minutes(n int) *int { return &n }

func violation(pointType attendance.PointType) attendance.Violation {
	return attendance.Violation{
		EmployeeID: "emp-1",
		ShiftDate:  generic.NewTimePoint(2025, time.March, 3),
		PointType:  pointType,
	}
}

func violationWith(pointType attendance.PointType, edit func(v *attendance.Violation)) attendance.Violation {
	v := violation(pointType)
	edit(&v)
	return v
}

func TestClassify_Table(t *testing.T) {
	c := attendance.NewClassifier(attendance.DefaultPolicy())

	tests := []struct {
		name      string
		violation attendance.Violation
		value     string
		eligible  bool
		months    int
		advised   bool
	}{
		{
			name:      "advised whole day",
			violation: violationWith(attendance.PointWholeDayAbsence, func(v *attendance.Violation) { v.IsAdvised = true }),
			value:     "1", eligible: true, months: 6, advised: true,
		},
		{
			name:      "no call no show",
			violation: violation(attendance.PointWholeDayAbsence),
			value:     "1", eligible: false, months: 12,
		},
		{
			name:      "half day",
			violation: violation(attendance.PointHalfDayAbsence),
			value:     "0.5", eligible: true, months: 6,
		},
		{
			name:      "undertime at the limit",
			violation: violationWith(attendance.PointUndertime, func(v *attendance.Violation) { v.UndertimeMinutes = minutes(60) }),
			value:     "0.25", eligible: true, months: 6,
		},
		{
			name:      "undertime over an hour",
			violation: violationWith(attendance.PointUndertimeMoreThanHour, func(v *attendance.Violation) { v.UndertimeMinutes = minutes(61) }),
			value:     "0.5", eligible: true, months: 6,
		},
		{
			name:      "tardy without minutes",
			violation: violation(attendance.PointTardy),
			value:     "0.25", eligible: true, months: 6,
		},
		{
			name:      "advised flag ignored outside whole day",
			violation: violationWith(attendance.PointTardy, func(v *attendance.Violation) { v.IsAdvised = true }),
			value:     "0.25", eligible: true, months: 6, advised: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := c.Classify(tt.violation)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.value).Equal(tmpl.Value), "value %s", tmpl.Value)
			assert.Equal(t, tt.eligible, tmpl.EligibleForGbro)
			assert.Equal(t, tt.months, tmpl.SroWindowMonths)
			assert.Equal(t, tt.advised, tmpl.IsAdvised)
		})
	}
}

func TestClassify_Rejections(t *testing.T) {
	c := attendance.NewClassifier(attendance.DefaultPolicy())

	tests := []struct {
		name      string
		violation attendance.Violation
		field     string
	}{
		{
			name:      "undertime of 75 minutes",
			violation: violationWith(attendance.PointUndertime, func(v *attendance.Violation) { v.UndertimeMinutes = minutes(75) }),
			field:     "undertime_minutes",
		},
		{
			name:      "undertime of zero minutes",
			violation: violationWith(attendance.PointUndertime, func(v *attendance.Violation) { v.UndertimeMinutes = minutes(0) }),
			field:     "undertime_minutes",
		},
		{
			name:      "over an hour with 30 minutes",
			violation: violationWith(attendance.PointUndertimeMoreThanHour, func(v *attendance.Violation) { v.UndertimeMinutes = minutes(30) }),
			field:     "undertime_minutes",
		},
		{
			name:      "unknown type",
			violation: violation("nap"),
			field:     "point_type",
		},
		{
			name:      "missing employee",
			violation: violationWith(attendance.PointTardy, func(v *attendance.Violation) { v.EmployeeID = "" }),
			field:     "employee_id",
		},
		{
			name:      "missing shift date",
			violation: violationWith(attendance.PointTardy, func(v *attendance.Violation) { v.ShiftDate = generic.TimePoint{} }),
			field:     "shift_date",
		},
		{
			name:      "negative tardy minutes",
			violation: violationWith(attendance.PointTardy, func(v *attendance.Violation) { v.TardyMinutes = minutes(-5) }),
			field:     "tardy_minutes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(tt.violation)
			require.Error(t, err)
			assert.True(t, errors.Is(err, attendance.ErrValidation))

			var ve *attendance.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewPoint_CarriesPayload(t *testing.T) {
	c := attendance.NewClassifier(attendance.DefaultPolicy())
	v := violation(attendance.PointTardy)
	v.TardyMinutes = minutes(9)
	v.Details = "clocked in 08:09"

	tmpl, err := c.Classify(v)
	require.NoError(t, err)
	p := c.NewPoint("p-1", v, tmpl)

	assert.Equal(t, attendance.PointID("p-1"), p.ID)
	assert.True(t, p.IsActive())
	assert.Equal(t, attendance.ExpirationNone, p.ExpirationType)
	assert.Equal(t, "2025-09-03", p.SroExpiresAt.String())
	assert.Equal(t, 9, *p.TardyMinutes)
	assert.Equal(t, "clocked in 08:09", p.ViolationDetails)
	assert.Nil(t, p.GbroExpiresAt)
}

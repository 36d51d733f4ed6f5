package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

func tardy(id, employee string, shift generic.TimePoint) attendance.AttendancePoint {
	return attendance.AttendancePoint{
		ID:              attendance.PointID(id),
		EmployeeID:      generic.EntityID(employee),
		ShiftDate:       shift,
		PointType:       attendance.PointTardy,
		EligibleForGbro: true,
		SroExpiresAt:    shift.AddMonths(6),
		ExpirationType:  attendance.ExpirationNone,
	}
}

func TestWithTx_RestoresSnapshotOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	may := generic.NewTimePoint(2025, time.May, 1)
	require.NoError(t, s.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{tardy("keep", "emp-1", may)}))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx attendance.PointStore) error {
		require.NoError(t, tx.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{tardy("new", "emp-1", may.AddDays(1))}))
		require.NoError(t, tx.DeletePoints(ctx, []attendance.PointID{"keep"}))
		return boom
	})

	assert.True(t, errors.Is(err, boom))
	points, _ := s.ListPoints(ctx, "emp-1")
	require.Len(t, points, 1)
	assert.Equal(t, attendance.PointID("keep"), points[0].ID)
}

func TestUpsert_RejectsIDOwnedByAnotherEmployee(t *testing.T) {
	s := New()
	ctx := context.Background()
	may := generic.NewTimePoint(2025, time.May, 1)
	require.NoError(t, s.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{tardy("p-1", "emp-1", may)}))

	// The whole batch is refused, including the new point
	err := s.UpsertPoints(ctx, "emp-2", []attendance.AttendancePoint{
		tardy("p-2", "emp-2", may),
		tardy("p-1", "emp-2", may),
	})

	assert.True(t, errors.Is(err, attendance.ErrValidation))
	got, err := s.GetPoint(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, generic.EntityID("emp-1"), got.EmployeeID)
	other, _ := s.ListPoints(ctx, "emp-2")
	assert.Empty(t, other)
}

func TestUpsert_StampsAndKeepsCreatedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return first }
	p := tardy("p-1", "emp-1", generic.NewTimePoint(2025, time.May, 1))
	require.NoError(t, s.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{p}))

	s.Now = func() time.Time { return first.Add(time.Hour) }
	p.Notes = "edited"
	require.NoError(t, s.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{p}))

	got, err := s.GetPoint(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, first, got.CreatedAt)
	assert.Equal(t, first.Add(time.Hour), got.UpdatedAt)
	assert.Equal(t, "edited", got.Notes)

	err = s.UpsertPoints(ctx, "emp-2", []attendance.AttendancePoint{p})
	assert.True(t, errors.Is(err, attendance.ErrValidation))

	_, err = s.GetPoint(ctx, "missing")
	assert.True(t, attendance.IsNotFound(err))
}

func TestListUnprocessedViolations(t *testing.T) {
	s := New()
	ctx := context.Background()
	may := generic.NewTimePoint(2025, time.May, 1)
	require.NoError(t, s.RecordViolations(ctx, []attendance.Violation{
		{EmployeeID: "emp-1", ShiftDate: may, PointType: attendance.PointTardy},
		{EmployeeID: "emp-1", ShiftDate: may, PointType: attendance.PointHalfDayAbsence},
		{EmployeeID: "emp-1", ShiftDate: may.AddDays(40), PointType: attendance.PointTardy},
	}))
	require.NoError(t, s.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{tardy("p-1", "emp-1", may)}))

	got, err := s.ListUnprocessedViolations(ctx, generic.Period{Start: may, End: may.AddDays(30)})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, attendance.PointHalfDayAbsence, got[0].PointType)
}

func TestLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, generic.ErrLockHeld))

	now = now.Add(2 * time.Minute)
	current, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.True(t, errors.Is(stale.Release(ctx), generic.ErrLockLost))
	assert.NoError(t, current.Release(ctx))
}

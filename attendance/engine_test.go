package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/store/memory"
)

type testEngine struct {
	*attendance.Engine
	store  *memory.Store
	locker *memory.Locker
}

// newTestEngine returns an engine over the memory store with today fixed
// at 2025-06-01 and sequential point ids.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := memory.New()
	locker := memory.NewLocker()
	runner := generic.NewBatchRunner(locker, 2, nil)

	engine := attendance.NewEngine(store, store, attendance.DefaultPolicy(), runner, nil)
	engine.Now = func() time.Time { return time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC) }
	seq := 0
	engine.NewID = func() attendance.PointID {
		seq++
		return attendance.PointID(fmt.Sprintf("pt-%02d", seq))
	}
	return &testEngine{Engine: engine, store: store, locker: locker}
}

func date(s string) generic.TimePoint {
	tp, err := generic.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return tp
}

func tardy(employeeID generic.EntityID, shift string) attendance.Violation {
	return attendance.Violation{EmployeeID: employeeID, ShiftDate: date(shift), PointType: attendance.PointTardy}
}

// =============================================================================
// MANUAL POINTS
// =============================================================================

func TestCreateManualPoint_ReplaysCascade(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// GIVEN: A manual tardy on 2025-05-10
	first, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "gate log")
	require.NoError(t, err)
	assert.True(t, first.IsManual)
	assert.Equal(t, "gate log", first.Notes)
	require.NotNil(t, first.GbroExpiresAt)
	assert.Equal(t, "2025-07-09", first.GbroExpiresAt.String())

	// WHEN: A second one completes the pair
	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-20"), "")
	require.NoError(t, err)

	// THEN: Both carry the pair's prediction
	points, err := te.ListPoints(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, points, 2)
	for _, p := range points {
		require.NotNil(t, p.GbroExpiresAt)
		assert.Equal(t, "2025-07-19", p.GbroExpiresAt.String())
	}
}

func TestCreateManualPoint_RejectsTakenSlot(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	require.NoError(t, err)

	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")

	assert.True(t, errors.Is(err, attendance.ErrConsistencyConflict))
	points, _ := te.ListPoints(ctx, "emp-1")
	assert.Len(t, points, 1)
}

func TestCreateManualPoint_InvalidLeavesNoTrace(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	v := attendance.Violation{
		EmployeeID:       "emp-1",
		ShiftDate:        date("2025-05-10"),
		PointType:        attendance.PointUndertime,
		UndertimeMinutes: minutes(75),
	}

	_, err := te.CreateManualPoint(ctx, v, "")

	assert.True(t, errors.Is(err, attendance.ErrValidation))
	ids, _ := te.store.ListEmployeeIDs(ctx)
	assert.Empty(t, ids)
}

func TestUpdateManualPoint_KeepsExcuseAndCreatedAt(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	created, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	require.NoError(t, err)
	_, err = te.ExcusePoint(ctx, created.ID, "jury duty", "hr-1", time.Time{})
	require.NoError(t, err)

	v := tardy("emp-1", "2025-05-11")
	v.PointType = attendance.PointHalfDayAbsence
	updated, err := te.UpdateManualPoint(ctx, created.ID, v, "corrected")

	require.NoError(t, err)
	assert.Equal(t, attendance.PointHalfDayAbsence, updated.PointType)
	assert.Equal(t, "2025-05-11", updated.ShiftDate.String())
	assert.Equal(t, "2025-11-11", updated.SroExpiresAt.String())
	assert.True(t, updated.IsExcused)
	assert.Equal(t, "jury duty", updated.ExcuseReason)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
}

func TestUpdateManualPoint_Rejections(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	a, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	require.NoError(t, err)
	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-12"), "")
	require.NoError(t, err)

	t.Run("moving to another employee", func(t *testing.T) {
		_, err := te.UpdateManualPoint(ctx, a.ID, tardy("emp-2", "2025-05-10"), "")
		assert.True(t, errors.Is(err, attendance.ErrValidation))
	})

	t.Run("colliding with another point", func(t *testing.T) {
		_, err := te.UpdateManualPoint(ctx, a.ID, tardy("emp-1", "2025-05-12"), "")
		assert.True(t, errors.Is(err, attendance.ErrConsistencyConflict))
	})

	t.Run("unknown point", func(t *testing.T) {
		_, err := te.UpdateManualPoint(ctx, "nope", tardy("emp-1", "2025-05-10"), "")
		assert.True(t, attendance.IsNotFound(err))
	})
}

func TestDeleteManualPoint_ReplaysRemainder(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	a, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	require.NoError(t, err)
	b, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-20"), "")
	require.NoError(t, err)

	require.NoError(t, te.DeleteManualPoint(ctx, b.ID))

	remaining, err := te.GetPoint(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-07-09", remaining.GbroExpiresAt.String())
	_, err = te.GetPoint(ctx, b.ID)
	assert.True(t, errors.Is(err, attendance.ErrPointNotFound))
}

func TestDeleteManualPoint_RejectsGenerated(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	generated := tardyOn("gen-1", 130)
	require.NoError(t, te.store.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{generated}))

	err := te.DeleteManualPoint(ctx, "gen-1")

	assert.True(t, errors.Is(err, attendance.ErrNotManual))
}

// =============================================================================
// EXCUSE
// =============================================================================

func TestExcusePoint_RemovesFromCascade(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	a, _ := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	b, _ := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-20"), "")

	excused, err := te.ExcusePoint(ctx, b.ID, "system outage", "hr-1", time.Time{})
	require.NoError(t, err)

	assert.True(t, excused.IsExcused)
	assert.Nil(t, excused.GbroExpiresAt)
	require.NotNil(t, excused.ExcusedAt)
	assert.Equal(t, te.Now().UTC(), *excused.ExcusedAt)

	// a now pairs alone
	single, _ := te.GetPoint(ctx, a.ID)
	assert.Equal(t, "2025-07-09", single.GbroExpiresAt.String())

	// Excusing again is refused
	_, err = te.ExcusePoint(ctx, b.ID, "again", "hr-1", time.Time{})
	assert.True(t, errors.Is(err, attendance.ErrPointExcused))

	// Unexcusing restores the pair
	restored, err := te.UnexcusePoint(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsExcused)
	assert.Empty(t, restored.ExcuseReason)
	assert.Equal(t, "2025-07-19", restored.GbroExpiresAt.String())
}

func TestExcusePoint_RefusesExpired(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	expired := tardyOn("old-1", 1)
	expired.Expire(expired.SroExpiresAt, attendance.ExpirationSRO)
	require.NoError(t, te.store.UpsertPoints(ctx, "emp-1", []attendance.AttendancePoint{expired}))

	_, err := te.ExcusePoint(ctx, "old-1", "late paperwork", "hr-1", time.Time{})

	assert.True(t, errors.Is(err, attendance.ErrPointExpired))
}

func TestUnexcusePoint_ActiveIsNoop(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	a, _ := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")

	got, err := te.UnexcusePoint(ctx, a.ID)

	require.NoError(t, err)
	assert.Equal(t, a.UpdatedAt, got.UpdatedAt)
}

// =============================================================================
// LEASES AND ROLLBACK
// =============================================================================

func TestMutation_RefusedWhileLeaseHeld(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	lease, err := te.locker.Acquire(ctx, generic.EntityLockKey("emp-1"), time.Minute)
	require.NoError(t, err)

	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	assert.True(t, errors.Is(err, generic.ErrLockHeld))

	require.NoError(t, lease.Release(ctx))
	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	assert.NoError(t, err)
}

// failingStore fails every UpsertPoints after the first allowed ones.
type failingStore struct {
	*memory.Store
	allowed int
	calls   int
}

func (f *failingStore) WithTx(ctx context.Context, fn func(attendance.PointStore) error) error {
	return f.Store.WithTx(ctx, func(tx attendance.PointStore) error {
		return fn(&failingTx{PointStore: tx, parent: f})
	})
}

type failingTx struct {
	attendance.PointStore
	parent *failingStore
}

func (ft *failingTx) UpsertPoints(ctx context.Context, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	ft.parent.calls++
	if ft.parent.calls > ft.parent.allowed {
		return errors.New("disk full")
	}
	return ft.PointStore.UpsertPoints(ctx, employeeID, points)
}

func TestMutation_RollsBackWhenReplayFails(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	fs := &failingStore{Store: te.store, allowed: 100}
	te.Store = fs

	a, err := te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-10"), "")
	require.NoError(t, err)

	// GIVEN: The insert succeeds but the cascade write fails
	fs.allowed = fs.calls + 1

	// WHEN
	_, err = te.CreateManualPoint(ctx, tardy("emp-1", "2025-05-20"), "")

	// THEN: Nothing of the second mutation is visible
	require.Error(t, err)
	assert.True(t, errors.Is(err, attendance.ErrCascadeTransaction))
	var failure *attendance.CascadeTransactionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, generic.EntityID("emp-1"), failure.EmployeeID)

	points, _ := te.store.ListPoints(ctx, "emp-1")
	require.Len(t, points, 1)
	assert.Equal(t, a.ID, points[0].ID)
	assert.Equal(t, "2025-07-09", points[0].GbroExpiresAt.String())
}

// =============================================================================
// READS
// =============================================================================

func TestSummarize(t *testing.T) {
	active := tardyOn("a", 150)
	predicted := day(210)
	active.GbroExpiresAt = &predicted

	excused := tardyOn("e", 151)
	excused.IsExcused = true

	sro := tardyOn("s", 1)
	sro.Expire(sro.SroExpiresAt, attendance.ExpirationSRO)

	gbro := tardyOn("g", 2)
	gbro.Expire(day(62), attendance.ExpirationGBRO)

	half := tardyOn("h", 152)
	half.PointType = attendance.PointHalfDayAbsence
	half.PointValue = half.PointValue.Mul(generic.MustParseDecimal("2"))

	s := attendance.Summarize("emp-1", []attendance.AttendancePoint{active, excused, sro, gbro, half}, day(160))

	assert.Equal(t, 2, s.ActiveCount)
	assert.Equal(t, 1, s.ExcusedCount)
	assert.Equal(t, 1, s.ExpiredSro)
	assert.Equal(t, 1, s.ExpiredGbro)
	assert.Equal(t, "0.75", s.ActiveTotal.Value.StringFixed(2))
	require.NotNil(t, s.NextGbroDate)
	assert.Equal(t, day(210), *s.NextGbroDate)
	require.NotNil(t, s.NextSroDate)
	assert.Equal(t, active.SroExpiresAt, *s.NextSroDate)
}

func TestComputeSro_Engine(t *testing.T) {
	te := newTestEngine(t)
	p := tardyOn("a", 1)

	assert.Equal(t, "2025-07-01", te.ComputeSro(p).String())
}

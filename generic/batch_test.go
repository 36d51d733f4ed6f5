package generic_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/store/memory"
)

func TestBatchRunner_RunsEachEntityOnce(t *testing.T) {
	runner := generic.NewBatchRunner(memory.NewLocker(), 4, nil)

	var (
		mu   sync.Mutex
		seen = map[generic.EntityID]int{}
	)
	result, err := runner.Run(context.Background(), "test", []generic.EntityID{"b", "a", "b", "", "c"}, func(_ context.Context, id generic.EntityID) error {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []generic.EntityID{"a", "b", "c"}, result.Succeeded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, map[generic.EntityID]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestBatchRunner_IsolatesFailures(t *testing.T) {
	runner := generic.NewBatchRunner(memory.NewLocker(), 2, nil)
	boom := errors.New("boom")

	result, err := runner.Run(context.Background(), "test", []generic.EntityID{"a", "b", "c"}, func(_ context.Context, id generic.EntityID) error {
		if id == "b" {
			return boom
		}
		return nil
	})

	require.NoError(t, err)
	assert.True(t, result.HasFailures())
	assert.Equal(t, []generic.EntityID{"a", "c"}, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, generic.EntityID("b"), result.Failed[0].EntityID)
	assert.Equal(t, "boom", result.Failed[0].Reason)
	assert.True(t, errors.Is(result.Failed[0].Err, boom))
}

func TestBatchRunner_HeldLeaseFailsEntity(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker()
	runner := generic.NewBatchRunner(locker, 1, nil)

	held, err := locker.Acquire(ctx, generic.EntityLockKey("a"), generic.DefaultLockTTL)
	require.NoError(t, err)

	called := false
	result, err := runner.Run(ctx, "test", []generic.EntityID{"a"}, func(context.Context, generic.EntityID) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, result.Failed, 1)
	assert.True(t, errors.Is(result.Failed[0].Err, generic.ErrLockHeld))
	assert.True(t, generic.IsRetryable(result.Failed[0].Err))

	// Once released, the entity runs and its lease is returned afterwards
	require.NoError(t, held.Release(ctx))
	require.NoError(t, runner.RunLocked(ctx, "a", func(context.Context, generic.EntityID) error { return nil }))
	again, err := locker.Acquire(ctx, generic.EntityLockKey("a"), generic.DefaultLockTTL)
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}

func TestBatchRunner_CanceledBatchStartsNothing(t *testing.T) {
	runner := generic.NewBatchRunner(nil, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	result, err := runner.Run(ctx, "test", []generic.EntityID{"a", "b"}, func(context.Context, generic.EntityID) error {
		called = true
		return nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
	assert.Empty(t, result.Succeeded)
}

func TestRelease_TwiceReportsLockLost(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker()

	lease, err := locker.Acquire(ctx, "k", generic.DefaultLockTTL)
	require.NoError(t, err)
	assert.Equal(t, "k", lease.Key())
	assert.NotEmpty(t, lease.Token())
	require.NoError(t, lease.Release(ctx))

	assert.True(t, errors.Is(lease.Release(ctx), generic.ErrLockLost))
}

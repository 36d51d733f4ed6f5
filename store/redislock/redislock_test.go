package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
)

// Runs against a real server: POINTS_TEST_REDIS_ADDR=localhost:6379 go test ./store/redislock
func dialTestLocker(t *testing.T) *Locker {
	addr := os.Getenv("POINTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POINTS_TEST_REDIS_ADDR not set")
	}
	l, err := Dial(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	l := dialTestLocker(t)
	ctx := context.Background()
	key := generic.EntityLockKey(generic.EntityID("redis-test-" + time.Now().Format("150405.000000")))

	// GIVEN: a held lease
	first, err := l.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)

	// WHEN: a second owner asks for the same key
	_, err = l.Acquire(ctx, key, 10*time.Second)

	// THEN: it is rejected as held
	assert.True(t, errors.Is(err, generic.ErrLockHeld))

	// AND: after release the key is free again
	require.NoError(t, first.Release(ctx))
	second, err := l.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())
	require.NoError(t, second.Release(ctx))
}

func TestLocker_ReleaseAfterExpiryReportsLost(t *testing.T) {
	l := dialTestLocker(t)
	ctx := context.Background()
	key := generic.EntityLockKey(generic.EntityID("redis-expiry-" + time.Now().Format("150405.000000")))

	// GIVEN: a lease that expired and was taken by someone else
	stale, err := l.Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	current, err := l.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)

	// WHEN/THEN: the stale owner cannot release the new lease
	assert.ErrorIs(t, stale.Release(ctx), generic.ErrLockLost)
	require.NoError(t, current.Release(ctx))
}

package generic

import (
	"context"
	"time"
)

// =============================================================================
// LOCKER - Per-entity ownership lease
// =============================================================================

// Locker hands out exclusive, expiring leases keyed by entity. Leases are
// owned by an opaque token rather than a goroutine, so two processes running
// batches over the same store serialize on the same key.
//
// Implementations:
//   - store/sqlite: lease rows in the same database as the points
//   - store/redislock: SET NX PX with compare-and-delete release
//   - store/memory: process-local, for tests
type Locker interface {
	// Acquire takes the lease for key or fails with ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call once; a lease that expired
// and was taken by another owner reports ErrLockLost.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

// EntityLockKey namespaces entity leases so other lock users can share a backend.
func EntityLockKey(entityID EntityID) string {
	return "entity:" + string(entityID)
}

// DefaultLockTTL bounds how long a crashed owner can block an entity.
const DefaultLockTTL = 30 * time.Second

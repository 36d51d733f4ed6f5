package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// LEASE LOCKER (generic.Locker interface)
// =============================================================================
//
// A lease is a row in entity_leases owned by a random token. Acquire takes
// the row only if it is absent or expired; Release deletes it only if the
// token still matches. Every process sharing the database file serializes
// on the same rows.

// Locker hands out per-entity leases stored in the database.
type Locker struct {
	store *Store
}

// Locker returns the store's lease locker.
func (s *Store) Locker() *Locker {
	return &Locker{store: s}
}

// Acquire takes the lease for key or returns *generic.LockHeldError.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (generic.Lease, error) {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_leases (lock_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE entity_leases.expires_at <= ?
	`, key, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if n == 0 {
		return nil, &generic.LockHeldError{Key: key}
	}
	return &lease{store: s, key: key, token: token}, nil
}

type lease struct {
	store *Store
	key   string
	token string
}

func (le *lease) Key() string   { return le.key }
func (le *lease) Token() string { return le.token }

// Release deletes the lease if this owner still holds it.
func (le *lease) Release(ctx context.Context) error {
	s := le.store
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_leases WHERE lock_key = ? AND token = ?`, le.key, le.token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", le.key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return generic.ErrLockLost
	}
	return nil
}

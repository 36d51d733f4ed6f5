// Package redislock implements generic.Locker on Redis so batches running in
// different processes serialize on the same employee.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/points-engine/generic"
)

const keyPrefix = "points:lease:"

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out leases as SET NX PX keys.
type Locker struct {
	rdb goredis.UniversalClient
}

// New wraps an existing client.
func New(rdb goredis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*Locker, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Locker{rdb: rdb}, nil
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.rdb.Close()
}

// Acquire takes the lease for key or returns *generic.LockHeldError.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (generic.Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, &generic.LockHeldError{Key: key}
	}
	return &lease{rdb: l.rdb, key: key, token: token}, nil
}

type lease struct {
	rdb   goredis.UniversalClient
	key   string
	token string
}

func (le *lease) Key() string   { return le.key }
func (le *lease) Token() string { return le.token }

// Release deletes the key if it still holds this lease's token.
func (le *lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.rdb, []string{keyPrefix + le.key}, le.token).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release lease %s: %w", le.key, err)
	}
	if n == 0 {
		return generic.ErrLockLost
	}
	return nil
}

// Package lock provides the per-saga distributed lock. At most one driver
// advances a saga at a time; the lock is a Redis lease with an ownership
// token, so only the holder can release or extend it.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
)

// Guard is a held lock. All methods are ownership-checked: a guard whose
// lease expired and was taken by another worker can no longer release,
// extend, or pass the Held check.
type Guard interface {
	// Key returns the lock key.
	Key() string

	// Release frees the lock if this guard still owns it.
	Release(ctx context.Context) error

	// Extend renews the lease for another ttl. Returns LOCK_LOST when the
	// lease expired or was taken over.
	Extend(ctx context.Context, ttl time.Duration) error

	// Held re-checks ownership. Drivers call this before every saga mutation.
	Held(ctx context.Context) (bool, error)
}

// Locker acquires per-saga locks.
type Locker interface {
	// Acquire takes the lock for key with the given ttl. Returns LOCK_HELD
	// without blocking when another worker owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Guard, error)
}

const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedisLocker implements Locker on a Redis lease (SET NX PX with a random
// token, Lua-guarded release and extend).
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "saga:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Guard, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeUnavailable, "acquire lock %s: %v", key, err)
	}
	if !ok {
		return nil, ocerrors.Newf(ocerrors.CodeLockHeld, "lock %s held by another worker", key)
	}
	return &redisGuard{client: l.client, key: fullKey, token: token}, nil
}

type redisGuard struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (g *redisGuard) Key() string { return g.key }

func (g *redisGuard) Release(ctx context.Context) error {
	if err := g.client.Eval(ctx, releaseScript, []string{g.key}, g.token).Err(); err != nil {
		return ocerrors.Newf(ocerrors.CodeUnavailable, "release lock %s: %v", g.key, err)
	}
	return nil
}

func (g *redisGuard) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := g.client.Eval(ctx, extendScript, []string{g.key}, g.token, ttl.Milliseconds()).Int()
	if err != nil {
		return ocerrors.Newf(ocerrors.CodeUnavailable, "extend lock %s: %v", g.key, err)
	}
	if result != 1 {
		return ocerrors.Newf(ocerrors.CodeLockLost, "lock %s lost", g.key)
	}
	return nil
}

func (g *redisGuard) Held(ctx context.Context) (bool, error) {
	value, err := g.client.Get(ctx, g.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, ocerrors.Newf(ocerrors.CodeUnavailable, "check lock %s: %v", g.key, err)
	}
	return value == g.token, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", ocerrors.Newf(ocerrors.CodeInternal, "generate lock token: %v", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ Locker = (*RedisLocker)(nil)

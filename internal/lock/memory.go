package lock

import (
	"context"
	"sync"
	"time"

	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
)

// MemoryLocker is an in-process Locker for tests and single-node deployments.
// Leases expire the same way the Redis lease does.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]*memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]*memoryLease),
		now:    time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Guard, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.leases[key]; ok && lease.expiresAt.After(l.now()) {
		return nil, ocerrors.Newf(ocerrors.CodeLockHeld, "lock %s held by another worker", key)
	}
	l.leases[key] = &memoryLease{token: token, expiresAt: l.now().Add(ttl)}
	return &memoryGuard{locker: l, key: key, token: token}, nil
}

// expire force-expires a lease in tests.
func (l *MemoryLocker) expire(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
}

type memoryGuard struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (g *memoryGuard) Key() string { return g.key }

func (g *memoryGuard) Release(_ context.Context) error {
	g.locker.mu.Lock()
	defer g.locker.mu.Unlock()

	if lease, ok := g.locker.leases[g.key]; ok && lease.token == g.token {
		delete(g.locker.leases, g.key)
	}
	return nil
}

func (g *memoryGuard) Extend(_ context.Context, ttl time.Duration) error {
	g.locker.mu.Lock()
	defer g.locker.mu.Unlock()

	lease, ok := g.locker.leases[g.key]
	if !ok || lease.token != g.token || !lease.expiresAt.After(g.locker.now()) {
		return ocerrors.Newf(ocerrors.CodeLockLost, "lock %s lost", g.key)
	}
	lease.expiresAt = g.locker.now().Add(ttl)
	return nil
}

func (g *memoryGuard) Held(_ context.Context) (bool, error) {
	g.locker.mu.Lock()
	defer g.locker.mu.Unlock()

	lease, ok := g.locker.leases[g.key]
	return ok && lease.token == g.token && lease.expiresAt.After(g.locker.now()), nil
}

var _ Locker = (*MemoryLocker)(nil)

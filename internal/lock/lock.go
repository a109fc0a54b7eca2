// Package lock serializes work on one (request, provider) pair across
// goroutines and processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired means another holder owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a lock back. It is safe to call after the lease expired.
type Release func(ctx context.Context) error

// Locker grants exclusive, expiring leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	seq    uint64
	leases map[string]localLease
}

type localLease struct {
	token     uint64
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{now: time.Now, leases: make(map[string]localLease)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.leases[key]; ok && now.Before(current.expiresAt) {
		return nil, ErrNotAcquired
	}

	l.seq++
	token := l.seq
	l.leases[key] = localLease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.leases[key]; ok && current.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

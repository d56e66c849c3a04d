package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock is an in-process Locker for single-instance deployments.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLock creates a LocalLock. A nil now uses time.Now.
func NewLocalLock(now func() time.Time) *LocalLock {
	if now == nil {
		now = time.Now
	}
	return &LocalLock{held: make(map[string]localEntry), now: now}
}

func (l *LocalLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, nil
	}
	token := newToken()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{lock: l, key: key, token: token}, nil
}

type localLease struct {
	lock  *LocalLock
	key   string
	token string
}

func (r *localLease) Key() string { return r.key }

func (r *localLease) Release(context.Context) error {
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	if e, ok := r.lock.held[r.key]; ok && e.token == r.token {
		delete(r.lock.held, r.key)
	}
	return nil
}

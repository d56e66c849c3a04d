// Package lock provides the mutual-exclusion lease the scheduler takes before
// a dispatcher pass. Claiming rows in the store stays the correctness
// mechanism; the lease only keeps overlapping passes from wasting work.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker acquires named leases.
type Locker interface {
	// TryAcquire returns (nil, nil) when key is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	// Release gives the lock up. Releasing an expired or stolen lease is a
	// no-op and returns nil.
	Release(ctx context.Context) error
}

// PassKey names the pass lock for a tenant; an empty tenant means all.
func PassKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "all"
	}
	return "drip:pass:" + tenantID
}

func newToken() string { return uuid.NewString() }

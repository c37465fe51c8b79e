package engine

import (
	"context"
	"time"
)

// Locker is a short-lived distributed mutex used to guard periodic trigger
// passes, so two schedulers never start the same recurring job concurrently.
// A failed TryAcquire is not an error: it means another pass is already
// running and the caller should skip this tick. The TTL bounds how long a
// crashed holder can keep the lock.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

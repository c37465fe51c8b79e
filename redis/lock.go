package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token, so a
// stale holder never releases a lock that has expired and been re-acquired
// by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a Redis-backed engine.Locker built on SET NX with a TTL. It is a
// best-effort mutex for deduplicating scheduler passes, not a fencing
// mechanism for correctness-critical sections.
type Lock struct {
	client redis.UniversalClient

	mutex  sync.Mutex
	tokens map[string]string
}

// NewLock creates a distributed lock on the given Redis client.
func NewLock(client redis.UniversalClient) (*Lock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Lock{client: client, tokens: map[string]string{}}, nil
}

// TryAcquire attempts to take the named lock for the given TTL. A false
// return means another holder has it; that is not an error.
func (l *Lock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !acquired {
		return false, nil
	}

	l.mutex.Lock()
	l.tokens[name] = token
	l.mutex.Unlock()
	return true, nil
}

// Release drops the named lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context, name string) error {
	l.mutex.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mutex.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{name}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

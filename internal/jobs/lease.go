package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects the replica that runs a sweep. Acquire reports false when
// another holder has the lease; release must be called by the winner.
type Lease interface {
	Acquire(ctx context.Context) (release func() error, acquired bool, err error)
}

// --- MemoryLease ---

// MemoryLease is an in-process Lease for single-instance deployments.
type MemoryLease struct {
	mu sync.Mutex
}

// NewMemoryLease creates a new in-process lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{}
}

// Acquire takes the lease if nobody in this process holds it.
func (l *MemoryLease) Acquire(_ context.Context) (func() error, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	release := func() error {
		l.mu.Unlock()
		return nil
	}
	return release, true, nil
}

// --- RedisLease ---

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLease is a Redis-backed Lease shared by all replicas. The TTL bounds
// how long a crashed holder blocks the others.
type RedisLease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a new Redis-backed lease.
func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl}
}

// Acquire sets the lease key if it is absent.
func (l *RedisLease) Acquire(ctx context.Context) (func() error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %q: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	// A failed release leaves the key to expire after the TTL.
	release := func() error {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(releaseCtx, releaseScript, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("redis release %q: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}

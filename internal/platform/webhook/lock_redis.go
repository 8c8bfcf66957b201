package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// DefaultLeaseTTL bounds how long a crashed holder blocks other runs.
const DefaultLeaseTTL = 5 * time.Minute

const redisLockPrefix = "labtrack:webhook-lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds our
// token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serialises runs across hosts with a Redis lease. The holder
// refreshes the lease before every batch, so the TTL must outlast one
// webhook request.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisLocker leases locks for ttl (DefaultLeaseTTL when zero).
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Key returns the Redis key holding the lease for name.
func (l *RedisLocker) Key(name string) string {
	return redisLockPrefix + name
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.Key(name), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrLocked, name)
	}
	return redisLock{client: l.client, key: l.Key(name), token: token, ttl: l.ttl}, nil
}

type redisLock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func (r redisLock) Refresh(ctx context.Context) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("extend lease %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease %s expired or was taken over", apperr.ErrLocked, r.key)
	}
	return nil
}

func (r redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", r.key, err)
	}
	return nil
}

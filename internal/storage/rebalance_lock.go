package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:rebalance:"

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a fast-fail advisory lock. It only avoids wasted work;
// correctness of concurrent writes comes from the portfolio version.
type RedisLocker struct {
	redis *RedisCache
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a Redis-backed advisory lock
func NewRedisLocker(cache *RedisCache) *RedisLocker {
	return &RedisLocker{redis: cache}
}

// TryLock acquires key for ttl without waiting
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.redis.SetNX(ctx, lockKeyPrefix+key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key if token still owns it
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.redis.Client(), []string{lockKeyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

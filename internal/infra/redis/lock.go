package redis

import (
	"context"
	"fmt"
	"time"

	"intent-code-pipeline/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	lockTries     = 5
	lockRetryWait = 50 * time.Millisecond
)

// Locker is a best-effort distributed mutex used to guard singleton sweeps
// (lease reclaim) across scheduler instances. Unlock only releases the lock
// when the token still matches, so an expired holder cannot free a
// successor's lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type RedisLocker struct {
	cli *redis.Client
}

func NewLocker(c *Client) *RedisLocker {
	return &RedisLocker{cli: c.cli}
}

// TryLock acquires the lock or reports why it could not: a held lock is
// domain.ErrLockNotAcquired, an unreachable Redis surfaces as the
// underlying error so callers do not mistake an outage for contention.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < lockTries; i++ {
		ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
		lastErr = err
		if err == nil && ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, lastErr)
	}
	return "", domain.ErrLockNotAcquired
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Result()
	return err
}

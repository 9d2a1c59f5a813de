//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intent-code-pipeline/internal/domain"
)

func TestTryLockSurfacesInfraErrorNotContention(t *testing.T) {
	// Nothing listens here: every SetNX attempt fails at dial time.
	cli := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	l := &RedisLocker{cli: cli}

	_, err := l.TryLock(context.Background(), "k", time.Second)
	if err == nil {
		t.Fatal("expected an error from an unreachable store")
	}
	if errors.Is(err, domain.ErrLockNotAcquired) {
		t.Fatalf("err = %v, must not read as lock contention", err)
	}
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/infra/redis"
)

const redisKeyPrefix = "result_cache:"

// RedisTier is the shared cross-process tier. Records are stored as JSON
// so concurrent workers deduplicate identical provider calls.
type RedisTier struct {
	client redis.RedisClient
	ttl    time.Duration
}

func NewRedisTier(client redis.RedisClient, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, ttl: ttl}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) Get(ctx context.Context, fingerprint string) (*model.CallRecord, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+fingerprint)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var rec model.CallRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (r *RedisTier) Put(ctx context.Context, fingerprint string, rec *model.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+fingerprint, data, r.ttl)
}

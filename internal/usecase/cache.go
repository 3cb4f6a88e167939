package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache holds serialized audit records keyed by request id so lookups can
// skip the database.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache stores audit records in Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected client. main only builds one when
// REDIS_ADDR is set.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores one serialized record with its TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get returns the serialized record or redis.Nil when the entry has expired
// or was never written.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// recordCacheKey namespaces audit records so they cannot collide with other
// users of the same Redis database.
func recordCacheKey(requestID string) string {
	return "identification:" + requestID
}

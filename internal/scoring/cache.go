package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Cache stores computed scores by digest.
type Cache interface {
	Get(ctx context.Context, key string) (*CompositeScore, bool, error)
	Set(ctx context.Context, key string, s *CompositeScore, ttl time.Duration) error
}

const redisKeyPrefix = "score:"

// RedisCache keeps scores as JSON strings in Redis.
type RedisCache struct {
	rc redis.Cmdable
}

// NewRedisCache wraps a Redis client.
func NewRedisCache(rc redis.Cmdable) *RedisCache {
	return &RedisCache{rc: rc}
}

// Get implements Cache. A missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, key string) (*CompositeScore, bool, error) {
	data, err := c.rc.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "scoring: redis get")
	}
	var s CompositeScore
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, eris.Wrap(err, "scoring: decode cached score")
	}
	return &s, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, s *CompositeScore, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "scoring: encode score")
	}
	if err := c.rc.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "scoring: redis set")
	}
	return nil
}

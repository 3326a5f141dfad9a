package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a Redis instance. Every operation runs under
// a short timeout so a slow or absent Redis can never stall a workflow
// operation.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCache creates a RedisCache. timeout bounds each cache round trip;
// zero selects a 3s default.
func NewRedisCache(client *redis.Client, timeout time.Duration) *RedisCache {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisCache{client: client, timeout: timeout}
}

func (c *RedisCache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	return c.client.Del(ctx, keys...).Err()
}

// DeletePattern scans for matching keys and deletes them in batches. SCAN is
// used instead of KEYS so invalidation never blocks the Redis server.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}

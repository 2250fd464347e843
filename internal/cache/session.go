// Package cache holds the Redis-backed session cache used for session
// markers and the refresh-token blacklist.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/marketplace-auth/internal/service"
)

// RedisSessionCache implements service.SessionCache on a go-redis client.
type RedisSessionCache struct {
	rdb redis.UniversalClient
}

var (
	_ service.SessionCache = (*RedisSessionCache)(nil)
	_ service.SessionCache = Nop{}
)

func NewRedisSessionCache(rdb redis.UniversalClient) *RedisSessionCache {
	return &RedisSessionCache{rdb: rdb}
}

// SetSession stores value as JSON under key. A zero ttl keeps it forever.
func (c *RedisSessionCache) SetSession(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisSessionCache) DeleteKey(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (c *RedisSessionCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisSessionCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping reports whether Redis answers within the context deadline.
func (c *RedisSessionCache) Ping(ctx context.Context) bool {
	return c.rdb.Ping(ctx).Err() == nil
}

// Nop is used when Redis is not configured. Writes are dropped, nothing
// exists and Ping reports unhealthy.
type Nop struct{}

func (Nop) SetSession(context.Context, string, any, time.Duration) error {
	return nil
}

func (Nop) DeleteKey(context.Context, string) error {
	return nil
}

func (Nop) SetWithTTL(context.Context, string, string, time.Duration) error {
	return nil
}

func (Nop) Exists(context.Context, string) (bool, error) {
	return false, nil
}

func (Nop) Ping(context.Context) bool {
	return false
}

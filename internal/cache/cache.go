// Package cache provides a small Redis-backed read-through cache for hot
// public reads such as the explore gallery.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache wraps a Redis client with JSON marshaling. A nil *Cache is valid and
// behaves as a permanent miss, so callers need no enabled-flag branches.
type Cache struct {
	client *redis.Client
	log    zerolog.Logger
}

// New connects to Redis at addr. An empty addr disables caching.
func New(addr, password string, log zerolog.Logger) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		log:    log,
	}
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{client: client, log: log}
}

// Get unmarshals the cached value for key into dest. It reports whether the
// key was present.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
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

// Set stores value under key with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// Invalidate drops keys, ignoring missing ones.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
}

// GetOrLoad reads key from the cache, falling back to load on a miss and
// storing the loaded value. Cache errors degrade to a direct load.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if c != nil {
		hit, err := c.Get(ctx, key, &cached)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		} else if hit {
			return cached, nil
		}
	}
	loaded, err := load(ctx)
	if err != nil {
		return loaded, err
	}
	if c != nil {
		if err := c.Set(ctx, key, loaded, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return loaded, nil
}

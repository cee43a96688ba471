package rediscache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paystatus:"

// Cache implements the payment-status cache on Redis, for deployments running
// more than one instance behind a load balancer. Errors degrade to cache
// misses; the store remains the source of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis-backed payment-status cache
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached payload for key, if present
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("payment status cache read failed", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

// Put stores a payload under key for the cache TTL
func (c *Cache) Put(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, keyPrefix+key, payload, c.ttl).Err(); err != nil {
		slog.Warn("payment status cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the entry for key
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		slog.Warn("payment status cache invalidation failed", "key", key, "error", err)
	}
}

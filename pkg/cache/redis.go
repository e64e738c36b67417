package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisInvalidation is a distributed early-expiry signal adapted from the
// teacher's pkg/store/cache.go RedisCache: every successful refresh bumps
// a version key; other Cache instances watching the same key treat a
// version change as "don't wait for TTL, refresh now." Unlike the
// teacher's cache, this is never the policy data itself — only a version
// marker — so a Redis outage degrades to pure TTL behavior rather than
// losing policy data.
type redisInvalidation struct {
	client *redis.Client
	key    string
}

// WithRedisInvalidation wires a distributed invalidation signal into c.
// If client is nil or unreachable, c silently falls back to TTL-only
// expiry — the same fail-open posture as the rest of the cache.
func WithRedisInvalidation(c *Cache, client *redis.Client, key string) *Cache {
	if client == nil {
		return c
	}
	if key == "" {
		key = "abac:policy-cache:version"
	}
	c.invalidation = &redisInvalidation{client: client, key: key}
	return c
}

func (r *redisInvalidation) Bump(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key, fmt.Sprintf("%d", time.Now().UnixNano()), 24*time.Hour).Err()
}

func (r *redisInvalidation) Version(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/redis/go-redis/v9"
)

const sessionCachePrefix = "session:"

// SessionCache holds encrypted session payloads keyed by plaintext session id.
type SessionCache struct {
	client redis.Cmdable
}

func NewSessionCache(client redis.Cmdable) *SessionCache {
	return &SessionCache{client: client}
}

func sessionCacheKey(id string) string { return sessionCachePrefix + id }

// Get returns the cached payload and its remaining TTL in one round trip.
// A miss is models.ErrNotFound.
func (c *SessionCache) Get(ctx context.Context, id string) (string, time.Duration, error) {
	k := sessionCacheKey(id)

	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, k)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("failed to read session cache: %w", err)
	}

	payload, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, models.ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read session cache: %w", err)
	}
	return payload, ttl.Val(), nil
}

func (c *SessionCache) Set(ctx context.Context, id, payload string, ttl time.Duration) error {
	if err := c.client.Set(ctx, sessionCacheKey(id), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session cache: %w", err)
	}
	return nil
}

func (c *SessionCache) Refresh(ctx context.Context, id string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, sessionCacheKey(id), ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh session cache: %w", err)
	}
	return nil
}

// Delete evicts the given ids. Missing keys are not an error.
func (c *SessionCache) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionCacheKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict session cache: %w", err)
	}
	return nil
}

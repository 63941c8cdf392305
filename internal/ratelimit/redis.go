package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces cooldown keys in Redis.
const DefaultKeyPrefix = "story-ingest:cooldown:"

// RedisCooldown shares cooldown stamps across instances. A stamp is a key
// with a TTL equal to the cooldown, so Redis expiry does the sweeping.
type RedisCooldown struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCooldown creates a RedisCooldown. An empty prefix uses DefaultKeyPrefix.
func NewRedisCooldown(client redis.UniversalClient, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCooldown{client: client, prefix: prefix}
}

// Check implements Limiter.
func (r *RedisCooldown) Check(ctx context.Context, key string, cooldown time.Duration) (Info, error) {
	if cooldown <= 0 {
		return Info{Allowed: true}, nil
	}
	k := r.prefix + key

	ok, err := r.client.SetNX(ctx, k, time.Now().UnixMilli(), cooldown).Result()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stamp cooldown: %w", err)
	}
	if ok {
		return Info{Allowed: true}, nil
	}

	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read cooldown ttl: %w", err)
	}
	// The key expired between SET and PTTL, or carries no expiry.
	if ttl <= 0 {
		if err := r.client.Set(ctx, k, time.Now().UnixMilli(), cooldown).Err(); err != nil {
			return Info{}, fmt.Errorf("failed to stamp cooldown: %w", err)
		}
		return Info{Allowed: true}, nil
	}
	return Info{Allowed: false, Remaining: ttl}, nil
}

var _ Limiter = (*RedisCooldown)(nil)

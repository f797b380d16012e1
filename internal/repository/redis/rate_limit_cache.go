package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"haven-service/internal/client"
	"haven-service/internal/util"
)

const (
	onboardingRatePrefix = "rate_limit:onboarding:"
	webhookSeenPrefix    = "webhook:seen:"
)

const opTimeout = 3 * time.Second

// RateLimitCache is a fixed-window counter per key.
type RateLimitCache struct {
	client *client.RedisClient
	limit  int
	window time.Duration
}

func NewRateLimitCache(c *client.RedisClient, limit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{client: c, limit: limit, window: window}
}

// Allow counts one attempt for key and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (c *RateLimitCache) Allow(ctx context.Context, key string) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, onboardingRatePrefix+key, c.window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count > int64(c.limit) {
		util.Warn("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", c.limit))
		return false, nil
	}
	return true, nil
}

// ReplayGuard remembers processed webhook message ids for a TTL.
type ReplayGuard struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewReplayGuard(c *client.RedisClient, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{client: c, ttl: ttl}
}

// Claim returns true the first time messageID is seen within the TTL.
func (g *ReplayGuard) Claim(ctx context.Context, messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := g.client.SetNX(ctx, webhookSeenPrefix+messageID, time.Now().Unix(), g.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook message: %w", err)
	}
	return ok, nil
}

// Release forgets messageID so a failed delivery can be retried.
func (g *ReplayGuard) Release(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := g.client.Del(ctx, webhookSeenPrefix+messageID); err != nil {
		return fmt.Errorf("failed to release webhook message: %w", err)
	}
	return nil
}

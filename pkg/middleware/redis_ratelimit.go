package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter shares rate limits across instances with a fixed-window
// counter per key.
type RedisLimiter struct {
	client *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, config: config, prefix: prefix}
}

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow increments the window counter for the key. The limiter error is
// surfaced so the middleware can fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.key(key)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("rate limit counter: %w", err)
	}

	return incr.Val() <= int64(l.config.RequestsPerWindow+l.config.BurstSize), nil
}

// Remaining returns the requests left in the current window
func (l *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := l.client.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return l.config.RequestsPerWindow + l.config.BurstSize, nil
	}
	if err != nil {
		return -1, err
	}

	remaining := l.config.RequestsPerWindow + l.config.BurstSize - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the counter for a key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}

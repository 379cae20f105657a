package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed window counter per
// rule+key pair, shared across service replicas. INCR plus a first-write
// EXPIRE keeps it to one round trip in the steady state.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, url string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisLimiter{client: client}, nil
}

// Allow consumes one unit of rule's fixed-window budget for key.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	window := now.Unix() / int64(rule.Window.Seconds())
	counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", rule.Name, key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr counter: %w", err)
	}

	count := int(incr.Val())
	resetAt := time.Unix((window+1)*int64(rule.Window.Seconds()), 0)

	res := Result{Limit: rule.Limit, ResetAt: resetAt}
	if count > rule.Limit {
		return res, nil
	}
	res.Allowed = true
	res.Remaining = rule.Limit - count
	return res, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter maintains fixed-window hit counters in Redis.
type Counter struct {
	redis redis.UniversalClient
}

// NewCounter creates a [Counter] backed by the given Redis client.
func NewCounter(redisClient redis.UniversalClient) *Counter {
	return &Counter{redis: redisClient}
}

// Hit records one hit for key and returns the count inside the current window
// together with the time left until the window resets.
func (c *Counter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, errors.New("rate window must be > 0")
	}

	pipe := c.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count := incr.Val()
	remaining := pttl.Val()

	// Fixed-window semantics: arm the TTL only on the first hit in the window.
	if count == 1 || remaining <= 0 {
		if err := c.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		remaining = window
	}

	return count, remaining, nil
}

// Count returns the current hit count for key without recording a hit.
// Missing keys count as zero.
func (c *Counter) Count(ctx context.Context, key string) (int64, error) {
	count, err := c.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// Reset clears the counters for keys.
func (c *Counter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

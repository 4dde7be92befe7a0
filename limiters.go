package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	errLimiterRateLimited = errors.New("rate limited")
	errLimiterUnavailable = errors.New("rate limiter backend unavailable")
)

// windowLimiter is a fixed-window failure counter in Redis: INCR per
// failure, window TTL set on the first one. One instance per concern,
// keyed by identity id or client IP.
type windowLimiter struct {
	redis       *redis.Client
	prefix      string
	maxAttempts int
	cooldown    time.Duration
}

func newWindowLimiter(redisClient *redis.Client, prefix string, maxAttempts int, cooldown time.Duration) *windowLimiter {
	return &windowLimiter{
		redis:       redisClient,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
	}
}

func (l *windowLimiter) key(subject string) string {
	return l.prefix + ":" + subject
}

// Check fails with errLimiterRateLimited once the window counter reached
// the cap. It never increments.
func (l *windowLimiter) Check(ctx context.Context, subject string) error {
	count, err := l.redis.Get(ctx, l.key(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	if count >= int64(l.maxAttempts) {
		return errLimiterRateLimited
	}
	return nil
}

// RecordFailure increments the window counter and reports the limit the
// same way Check does.
func (l *windowLimiter) RecordFailure(ctx context.Context, subject string) error {
	count, err := l.redis.Incr(ctx, l.key(subject)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(subject), l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
		}
	}
	if count >= int64(l.maxAttempts) {
		return errLimiterRateLimited
	}
	return nil
}

func (l *windowLimiter) Reset(ctx context.Context, subject string) error {
	if err := l.redis.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	return nil
}

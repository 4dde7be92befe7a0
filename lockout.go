package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockoutDecision is the outcome of evaluating an identity's lock state
// before any credential work happens.
type lockoutDecision struct {
	Locked     bool
	Until      time.Time
	AutoUnlock bool
}

// lockoutPolicy is the pure decision half of the brute-force defense. It
// never touches storage; the engine applies its verdicts.
type lockoutPolicy struct {
	config LockoutConfig
}

func newLockoutPolicy(cfg LockoutConfig) *lockoutPolicy {
	return &lockoutPolicy{config: cfg}
}

// Evaluate inspects the stored lock state at now. A lock whose horizon has
// passed yields AutoUnlock so the engine clears it and proceeds; an active
// lock blocks the attempt regardless of the supplied password.
func (p *lockoutPolicy) Evaluate(identity *Identity, now time.Time) lockoutDecision {
	if identity == nil || !identity.Locked {
		return lockoutDecision{}
	}
	if !identity.LockUntil.After(now) {
		return lockoutDecision{AutoUnlock: true}
	}
	return lockoutDecision{Locked: true, Until: identity.LockUntil}
}

// ShouldLock reports whether the failure count observed within the window
// has reached the threshold.
func (p *lockoutPolicy) ShouldLock(failures int64) bool {
	return failures >= int64(p.config.Threshold)
}

// LockUntil computes the lock horizon for a lock imposed at now.
func (p *lockoutPolicy) LockUntil(now time.Time) time.Time {
	return now.Add(p.config.Duration)
}

// lockoutTracker counts consecutive login failures per identity in a
// Redis fixed window. INCR is atomic, so two concurrent failures observe
// distinct counts and exactly one of them crosses the threshold.
type lockoutTracker struct {
	redis  *redis.Client
	window time.Duration
}

func newLockoutTracker(redisClient *redis.Client, window time.Duration) *lockoutTracker {
	return &lockoutTracker{redis: redisClient, window: window}
}

func (t *lockoutTracker) key(identityID string) string {
	return "alo:" + identityID
}

// RecordFailure increments the window counter and returns the new count.
func (t *lockoutTracker) RecordFailure(ctx context.Context, identityID string) (int64, error) {
	key := t.key(identityID)

	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return count, nil
}

// Failures returns the current window count without incrementing.
func (t *lockoutTracker) Failures(ctx context.Context, identityID string) (int64, error) {
	count, err := t.redis.Get(ctx, t.key(identityID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Reset clears the window counter after a full success or an unlock.
func (t *lockoutTracker) Reset(ctx context.Context, identityID string) error {
	if err := t.redis.Del(ctx, t.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

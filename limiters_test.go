package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWindowLimiterCountsFailures(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	limiter := newWindowLimiter(rdb, "wt", 3, time.Minute)
	ctx := context.Background()

	if err := limiter.Check(ctx, "u1"); err != nil {
		t.Fatalf("fresh subject must pass, got %v", err)
	}

	if err := limiter.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("failure 1: %v", err)
	}
	if err := limiter.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("failure 2: %v", err)
	}
	// The third failure reaches the cap.
	if err := limiter.RecordFailure(ctx, "u1"); !errors.Is(err, errLimiterRateLimited) {
		t.Fatalf("failure 3: expected errLimiterRateLimited, got %v", err)
	}
	if err := limiter.Check(ctx, "u1"); !errors.Is(err, errLimiterRateLimited) {
		t.Fatalf("expected Check to report the cap, got %v", err)
	}

	// Subjects are independent.
	if err := limiter.Check(ctx, "u2"); err != nil {
		t.Fatalf("unrelated subject must pass, got %v", err)
	}
}

func TestWindowLimiterCheckNeverIncrements(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	limiter := newWindowLimiter(rdb, "wt", 2, time.Minute)
	ctx := context.Background()

	if err := limiter.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("failure 1: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := limiter.Check(ctx, "u1"); err != nil {
			t.Fatalf("check %d: expected pass below cap, got %v", i, err)
		}
	}
}

func TestWindowLimiterWindowExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	limiter := newWindowLimiter(rdb, "wt", 2, time.Minute)
	ctx := context.Background()

	if err := limiter.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("failure 1: %v", err)
	}
	if err := limiter.RecordFailure(ctx, "u1"); !errors.Is(err, errLimiterRateLimited) {
		t.Fatalf("failure 2: expected cap, got %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := limiter.Check(ctx, "u1"); err != nil {
		t.Fatalf("expected pass after window expiry, got %v", err)
	}
	if err := limiter.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}

func TestWindowLimiterReset(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	limiter := newWindowLimiter(rdb, "wt", 2, time.Minute)
	ctx := context.Background()

	_ = limiter.RecordFailure(ctx, "u1")
	_ = limiter.RecordFailure(ctx, "u1")
	if err := limiter.Check(ctx, "u1"); !errors.Is(err, errLimiterRateLimited) {
		t.Fatalf("expected cap before reset, got %v", err)
	}

	if err := limiter.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := limiter.Check(ctx, "u1"); err != nil {
		t.Fatalf("expected pass after reset, got %v", err)
	}
}

func TestWindowLimiterBackendUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer rdb.Close()

	limiter := newWindowLimiter(rdb, "wt", 2, time.Minute)
	mr.Close()

	if err := limiter.Check(context.Background(), "u1"); !errors.Is(err, errLimiterUnavailable) {
		t.Fatalf("expected errLimiterUnavailable, got %v", err)
	}
	if err := limiter.RecordFailure(context.Background(), "u1"); !errors.Is(err, errLimiterUnavailable) {
		t.Fatalf("expected errLimiterUnavailable, got %v", err)
	}
}

func TestLockoutTrackerWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	tracker := newLockoutTracker(rdb, time.Minute)
	ctx := context.Background()

	count, err := tracker.Failures(ctx, "u1")
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 failures, got %d", count)
	}

	for want := int64(1); want <= 3; want++ {
		count, err := tracker.RecordFailure(ctx, "u1")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	mr.FastForward(2 * time.Minute)

	count, err = tracker.Failures(ctx, "u1")
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected window expiry to clear count, got %d", count)
	}
}

func TestLockoutTrackerReset(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	tracker := newLockoutTracker(rdb, time.Minute)
	ctx := context.Background()

	if _, err := tracker.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := tracker.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	count, err := tracker.Failures(ctx, "u1")
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 after reset, got %d", count)
	}
}

func TestLockoutPolicyEvaluate(t *testing.T) {
	policy := newLockoutPolicy(LockoutConfig{Threshold: 3, Window: time.Minute, Duration: 30 * time.Minute})
	now := time.Now()

	if d := policy.Evaluate(nil, now); d.Locked || d.AutoUnlock {
		t.Fatal("nil identity must be unlocked")
	}
	if d := policy.Evaluate(&Identity{}, now); d.Locked || d.AutoUnlock {
		t.Fatal("unlocked identity must pass")
	}

	active := &Identity{Locked: true, LockUntil: now.Add(10 * time.Minute)}
	if d := policy.Evaluate(active, now); !d.Locked || !d.Until.Equal(active.LockUntil) {
		t.Fatal("active lock must block with its horizon")
	}

	stale := &Identity{Locked: true, LockUntil: now.Add(-time.Minute)}
	if d := policy.Evaluate(stale, now); d.Locked || !d.AutoUnlock {
		t.Fatal("expired lock must auto-unlock")
	}

	if policy.ShouldLock(2) {
		t.Fatal("below threshold must not lock")
	}
	if !policy.ShouldLock(3) {
		t.Fatal("threshold must lock")
	}
	if got := policy.LockUntil(now); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected lock horizon %v", got)
	}
}

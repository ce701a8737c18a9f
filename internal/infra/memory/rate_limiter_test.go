package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quizflow-service/internal/ratelimit"
)

func TestRateLimiterConvergesToDeny(t *testing.T) {
	limiter := NewRateLimiter()
	quotas := []ratelimit.Quota{{Key: "global", Limit: 10, Window: time.Minute}}

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Reserve(context.Background(), quotas); err == nil {
				atomic.AddInt64(&allowed, 1)
			} else if !errors.Is(err, ratelimit.ErrLimited) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Fatalf("expected exactly 10 reservations, got %d", allowed)
	}
}

func TestRateLimiterIsAllOrNothing(t *testing.T) {
	limiter := NewRateLimiter()
	tight := ratelimit.Quota{Key: "creator", Limit: 1, Window: time.Minute}
	loose := ratelimit.Quota{Key: "global", Limit: 5, Window: time.Minute}

	if err := limiter.Reserve(context.Background(), []ratelimit.Quota{tight, loose}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := limiter.Reserve(context.Background(), []ratelimit.Quota{loose, tight})
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) || denied.Key != "creator" {
		t.Fatalf("expected creator quota denial, got %v", err)
	}

	// The denied call must not have consumed the global quota.
	for i := 0; i < 4; i++ {
		if err := limiter.Reserve(context.Background(), []ratelimit.Quota{loose}); err != nil {
			t.Fatalf("global reserve %d: %v", i, err)
		}
	}
	if err := limiter.Reserve(context.Background(), []ratelimit.Quota{loose}); err == nil {
		t.Fatalf("expected global quota exhausted")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter()
	limiter.clock = func() time.Time { return now }
	quotas := []ratelimit.Quota{{Key: "user", Limit: 1, Window: time.Minute}}

	if err := limiter.Reserve(context.Background(), quotas); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := limiter.Reserve(context.Background(), quotas); err == nil {
		t.Fatalf("expected denial inside window")
	}
	now = now.Add(time.Minute)
	if err := limiter.Reserve(context.Background(), quotas); err != nil {
		t.Fatalf("expected new window to allow: %v", err)
	}
}

package memory

import (
	"context"
	"sync"
	"time"

	"quizflow-service/internal/ratelimit"
)

// RateLimiter is a mutex-guarded table of fixed-window counters for a single instance.
type RateLimiter struct {
	clock func() time.Time

	mu       sync.Mutex
	counters map[string]counter
	calls    int
}

type counter struct {
	count     int
	expiresAt time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{clock: time.Now, counters: make(map[string]counter)}
}

// Reserve checks every quota and increments all of them only when all pass.
func (l *RateLimiter) Reserve(_ context.Context, quotas []ratelimit.Quota) error {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1024 == 0 {
		l.sweepLocked(now)
	}

	keys := make([]string, len(quotas))
	for i, q := range quotas {
		keys[i] = q.Bucket(now)
		if c, ok := l.counters[keys[i]]; ok && c.expiresAt.After(now) && c.count >= q.Limit {
			return &ratelimit.DeniedError{Key: q.Key}
		}
	}
	for i, q := range quotas {
		c, ok := l.counters[keys[i]]
		if !ok || !c.expiresAt.After(now) {
			c = counter{expiresAt: now.Add(q.Window)}
		}
		c.count++
		l.counters[keys[i]] = c
	}
	return nil
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	for k, c := range l.counters {
		if !c.expiresAt.After(now) {
			delete(l.counters, k)
		}
	}
}

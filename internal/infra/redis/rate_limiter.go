package redis

import (
	"context"
	"time"

	"quizflow-service/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// reserveScript checks every bucket before incrementing any, so concurrent
// callers across instances cannot overshoot a limit.
// KEYS: bucket keys. ARGV: limit and ttl in milliseconds per key.
var reserveScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local limit = tonumber(ARGV[(i - 1) * 2 + 1])
	local current = tonumber(redis.call('GET', key) or '0')
	if current >= limit then
		return i
	end
end
for i, key in ipairs(KEYS) do
	local n = redis.call('INCR', key)
	if n == 1 then
		redis.call('PEXPIRE', key, ARGV[(i - 1) * 2 + 2])
	end
end
return 0
`)

// RateLimiter shares fixed-window counters between instances through Redis.
type RateLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, clock: time.Now}
}

func (l *RateLimiter) Reserve(ctx context.Context, quotas []ratelimit.Quota) error {
	if len(quotas) == 0 {
		return nil
	}
	now := l.clock()
	keys := make([]string, len(quotas))
	args := make([]any, 0, 2*len(quotas))
	for i, q := range quotas {
		keys[i] = q.Bucket(now)
		ttl := q.Window
		if ttl <= 0 {
			ttl = time.Minute
		}
		args = append(args, q.Limit, ttl.Milliseconds())
	}
	idx, err := reserveScript.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if idx > 0 {
		return &ratelimit.DeniedError{Key: quotas[idx-1].Key}
	}
	return nil
}

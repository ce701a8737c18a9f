// Package ratelimit defines the shared quotas that guard outbound API calls.
// Implementations live in infra and must apply a set of quotas atomically:
// either every counter is incremented or none is.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrLimited is matched by every DeniedError.
var ErrLimited = errors.New("rate limit exceeded")

// Quota allows Limit events per fixed Window for Key.
type Quota struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Bucket returns the key of the window containing now.
func (q Quota) Bucket(now time.Time) string {
	if q.Window <= 0 {
		return q.Key
	}
	return q.Key + ":" + strconv.FormatInt(now.UnixNano()/int64(q.Window), 10)
}

// Limiter reserves one event against every quota, or none of them.
type Limiter interface {
	Reserve(ctx context.Context, quotas []Quota) error
}

// DeniedError names the first quota that was exhausted.
type DeniedError struct {
	Key string
}

func (e *DeniedError) Error() string { return fmt.Sprintf("rate limit %s exceeded", e.Key) }

func (e *DeniedError) Is(target error) bool { return target == ErrLimited }

// Limits are the configured caps. Zero disables a cap.
type Limits struct {
	PerSession       int `yaml:"per_session"`
	PerCreatorMinute int `yaml:"per_creator_minute"`
	PerCreatorHour   int `yaml:"per_creator_hour"`
	PerUserMinute    int `yaml:"per_user_minute"`
	GlobalMinute     int `yaml:"global_minute"`
}

// DefaultLimits are used when nothing is configured.
var DefaultLimits = Limits{
	PerSession:       20,
	PerCreatorMinute: 60,
	PerCreatorHour:   1000,
	PerUserMinute:    30,
	GlobalMinute:     600,
}

// Quotas returns the shared quotas for one call. The per-session cap is kept in
// session state and is not part of the shared set.
func (l Limits) Quotas(creatorID, userID string) []Quota {
	var out []Quota
	add := func(key string, limit int, window time.Duration) {
		if limit > 0 {
			out = append(out, Quota{Key: key, Limit: limit, Window: window})
		}
	}
	add("ratelimit:creator:"+creatorID+":m", l.PerCreatorMinute, time.Minute)
	add("ratelimit:creator:"+creatorID+":h", l.PerCreatorHour, time.Hour)
	add("ratelimit:user:"+userID+":m", l.PerUserMinute, time.Minute)
	add("ratelimit:global:m", l.GlobalMinute, time.Minute)
	return out
}

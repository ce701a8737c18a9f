package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quizflow-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL = 10 * time.Second
	lockPoll       = 20 * time.Millisecond
)

// releaseScript deletes the lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only if it is still held by the caller.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SessionStore keeps session state as JSON so that any instance can serve
// any session. Answers to one session are serialized with a SET NX lock that
// is renewed while its holder is alive.
type SessionStore struct {
	client     *redis.Client
	ttl        time.Duration
	lockTTL    time.Duration
	renewEvery time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:     client,
		ttl:        ttl,
		lockTTL:    defaultLockTTL,
		renewEvery: defaultLockTTL / 3,
	}
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if isMiss(err) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var state domain.SessionState
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// Save writes the state and refreshes its expiry.
func (s *SessionStore) Save(ctx context.Context, state *domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.ID, err)
	}
	return s.client.Set(ctx, s.key(state.ID), data, s.ttl).Err()
}

// Lock polls until the lock is acquired or ctx is done. The holder keeps the
// lock alive until it calls the returned func; the lock expires on its own if
// the holder dies.
func (s *SessionStore) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := s.key(sessionID) + ":lock"
	token := uuid.NewString()
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return s.hold(key, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold renews the lock in the background and returns its release func.
func (s *SessionStore) hold(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := renewScript.Run(context.Background(), s.client, []string{key}, token, s.lockTTL.Milliseconds()).Int()
				if err == nil && n == 0 {
					// Lost to expiry; nothing left to renew.
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = releaseScript.Run(context.Background(), s.client, []string{key}, token).Err()
		})
	}
}

func (s *SessionStore) key(sessionID string) string {
	return "quiz:session:" + sessionID
}

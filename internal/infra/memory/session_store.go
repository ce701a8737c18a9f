package memory

import (
	"context"
	"sync"
	"time"

	"quizflow-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
// Idle sessions expire after ttl; a zero ttl keeps them forever.
type SessionStore struct {
	ttl   time.Duration
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]storedSession
	locks    map[string]chan struct{}
}

type storedSession struct {
	state     *domain.SessionState
	expiresAt time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:      ttl,
		clock:    time.Now,
		sessions: make(map[string]storedSession),
		locks:    make(map[string]chan struct{}),
	}
}

// Load returns a copy of the stored state.
func (s *SessionStore) Load(_ context.Context, sessionID string) (*domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.ttl > 0 && !stored.expiresAt.After(s.clock()) {
		delete(s.sessions, sessionID)
		return nil, domain.ErrSessionNotFound
	}
	return stored.state.Clone(), nil
}

func (s *SessionStore) Save(_ context.Context, state *domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.ID] = storedSession{
		state:     state.Clone(),
		expiresAt: s.clock().Add(s.ttl),
	}
	return nil
}

// Lock blocks until the session is free or ctx is done.
func (s *SessionStore) Lock(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[sessionID] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

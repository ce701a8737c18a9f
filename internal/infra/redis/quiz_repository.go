package redis

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"quizflow-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuizLoader fetches published quiz documents from a backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (*domain.QuizDefinition, error)
}

// QuizRepository caches quiz documents in Redis and falls back to a loader on cache miss.
// Documents are stored as canonical JSON: SET quiz:{quizID}:document {json} EX ttl
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (*domain.QuizDefinition, error) {
	if quiz, ok := r.cached(ctx, quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if quiz, ok := r.cached(ctx, quizID); ok {
			return quiz, nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return nil, err
		}
		if data, err := quiz.Encode(); err == nil {
			_ = r.client.Set(ctx, r.documentKey(quizID), data, r.ttlWithJitter()).Err()
		}
		return quiz, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.QuizDefinition), nil
}

// Invalidate drops the cached document, e.g. after a quiz is republished.
func (r *QuizRepository) Invalidate(ctx context.Context, quizID string) error {
	return r.client.Del(ctx, r.documentKey(quizID)).Err()
}

// cached treats unreadable entries as misses; the loader stays the source of truth.
func (r *QuizRepository) cached(ctx context.Context, quizID string) (*domain.QuizDefinition, bool) {
	data, err := r.client.Get(ctx, r.documentKey(quizID)).Bytes()
	if err != nil {
		return nil, false
	}
	quiz, err := domain.ParseDocument(data)
	if err != nil {
		return nil, false
	}
	return quiz, true
}

func (r *QuizRepository) documentKey(quizID string) string {
	return "quiz:" + quizID + ":document"
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// isMiss reports whether err is a plain cache miss.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/engine"
	"quizflow-service/internal/metrics"
	"quizflow-service/internal/safety"
	"quizflow-service/internal/variables"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// QuizRepository loads published quiz documents (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (*domain.QuizDefinition, error)
}

// SessionRepository persists session state between requests.
type SessionRepository interface {
	// Load returns domain.ErrSessionNotFound for unknown or expired sessions.
	Load(ctx context.Context, sessionID string) (*domain.SessionState, error)
	Save(ctx context.Context, state *domain.SessionState) error
	// Lock serializes answers to one session; the returned func releases it.
	Lock(ctx context.Context, sessionID string) (func(), error)
}

// CreatorDirectory resolves quiz authors to their trust tier and allowlist.
type CreatorDirectory interface {
	Creator(ctx context.Context, creatorID string) (domain.Creator, error)
}

// StartTokens verifies start tokens and returns the quiz they open.
type StartTokens interface {
	Verify(raw, userID string) (string, error)
}

// Ranking mirrors leaderboard scores into shared storage so that every
// instance sees the same ranking.
type Ranking interface {
	Record(ctx context.Context, quizID, userID string, score float64) error
	Top(ctx context.Context, quizID string, n int) ([]domain.LeaderboardEntry, error)
}

// Deps wires a QuizService. Ranking and Logger are optional.
type Deps struct {
	Sessions  SessionRepository
	Quizzes   QuizRepository
	Creators  CreatorDirectory
	Tokens    StartTokens
	Engine    *engine.Engine
	Validator *safety.Validator
	Hub       *Hub
	Ranking   Ranking
	Logger    *zap.Logger
}

// LeaderboardSize bounds the entries returned from shared rankings.
const LeaderboardSize = 100

// QuizService contains the core quiz use cases.
type QuizService struct {
	sessions  SessionRepository
	quizzes   QuizRepository
	creators  CreatorDirectory
	tokens    StartTokens
	engine    *engine.Engine
	validator *safety.Validator
	hub       *Hub
	ranking   Ranking
	logger    *zap.Logger

	sf singleflight.Group
	mu sync.RWMutex
	// programs holds every compiled version, keyed by programKey, so that
	// sessions finish on the version they started on.
	programs map[string]*engine.Program
}

func programKey(quizID, version string) string { return quizID + "@" + version }

func NewQuizService(d Deps) *QuizService {
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Engine == nil {
		d.Engine = engine.New(nil)
	}
	return &QuizService{
		sessions:  d.Sessions,
		quizzes:   d.Quizzes,
		creators:  d.Creators,
		tokens:    d.Tokens,
		engine:    d.Engine,
		validator: d.Validator,
		hub:       d.Hub,
		ranking:   d.Ranking,
		logger:    d.Logger,
		programs:  make(map[string]*engine.Program),
	}
}

// StartQuiz opens a new session for userID on the quiz named by the start token.
func (s *QuizService) StartQuiz(ctx context.Context, token, userID string) (*domain.Step, error) {
	if userID == "" {
		return nil, domain.Wrap(domain.ErrPermission, "start", errors.New("user id is required"))
	}
	quizID, err := s.tokens.Verify(token, userID)
	if err != nil {
		return nil, domain.Wrap(domain.ErrPermission, "start", err)
	}
	prog, err := s.program(ctx, quizID)
	if err != nil {
		return nil, err
	}

	state, err := s.engine.Start(ctx, prog, uuid.NewString(), userID)
	if err != nil {
		s.logger.Warn("session start failed", zap.String("quiz", quizID), zap.String("user", userID), zap.Error(err))
		return nil, err
	}
	if err := s.sessions.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	metrics.SessionStarted(quizID)
	s.logger.Info("session started", zap.String("session", state.ID), zap.String("quiz", quizID), zap.String("user", userID))

	s.recordScore(ctx, prog, state)
	return engine.Render(prog, state)
}

// SubmitAnswer applies an answer to the current question of a session owned by userID.
func (s *QuizService) SubmitAnswer(ctx context.Context, sessionID, userID string, answer any) (*domain.Step, error) {
	unlock, err := s.sessions.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	state, prog, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	next, err := s.engine.Answer(ctx, prog, state, answer)
	if err != nil {
		metrics.Answer(answerOutcome(err))
		s.logger.Info("answer rejected", zap.String("session", sessionID), zap.String("question", state.Current), zap.Error(err))
		return nil, err
	}
	if err := s.sessions.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	metrics.Answer("accepted")
	if next.Completed {
		s.logger.Info("session completed", zap.String("session", sessionID), zap.String("quiz", next.QuizID), zap.Int("api_calls", next.APICalls))
	}

	s.recordScore(ctx, prog, next)
	return engine.Render(prog, next)
}

// GetSession renders the current step of a session owned by userID.
func (s *QuizService) GetSession(ctx context.Context, sessionID, userID string) (*domain.Step, error) {
	state, prog, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return engine.Render(prog, state)
}

// Leaderboard returns the ranking of a quiz, from shared storage when configured.
func (s *QuizService) Leaderboard(ctx context.Context, quizID string) (domain.Leaderboard, error) {
	prog, err := s.program(ctx, quizID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	variable, ok := prog.Schema.Leaderboard()
	if !ok {
		return domain.Leaderboard{}, fmt.Errorf("%w: quiz %s has no leaderboard", domain.ErrQuizNotFound, quizID)
	}
	if s.ranking == nil {
		lb := s.hub.Snapshot(quizID)
		lb.Variable = variable
		return lb, nil
	}
	entries, err := s.ranking.Top(ctx, quizID, LeaderboardSize)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("read leaderboard: %w", err)
	}
	return domain.Leaderboard{QuizID: quizID, Variable: variable, Entries: entries, UpdatedAt: time.Now().UTC()}, nil
}

// Subscribe returns a channel that receives leaderboard updates for a quiz.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *QuizService) Subscribe(ctx context.Context, quizID string) (<-chan domain.Leaderboard, func(), error) {
	if _, err := s.program(ctx, quizID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(ctx, quizID)
	return ch, cancel, nil
}

func (s *QuizService) load(ctx context.Context, sessionID, userID string) (*domain.SessionState, *engine.Program, error) {
	state, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil, domain.Wrap(domain.ErrSessionState, "load session", err)
		}
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if state.UserID != userID {
		return nil, nil, domain.Wrap(domain.ErrPermission, "load session", domain.ErrNotSessionOwner)
	}
	prog, err := s.sessionProgram(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	return state, prog, nil
}

// sessionProgram returns the program of the version state started on. A
// session whose version was replaced before this instance compiled it cannot
// continue.
func (s *QuizService) sessionProgram(ctx context.Context, state *domain.SessionState) (*engine.Program, error) {
	if state.QuizVersion != "" {
		s.mu.RLock()
		prog, ok := s.programs[programKey(state.QuizID, state.QuizVersion)]
		s.mu.RUnlock()
		if ok {
			return prog, nil
		}
	}
	prog, err := s.program(ctx, state.QuizID)
	if err != nil {
		return nil, err
	}
	if state.QuizVersion != "" && prog.Def.Metadata.Version != state.QuizVersion {
		return nil, domain.Wrap(domain.ErrSessionState, "load session",
			fmt.Errorf("%w: %s version %q", domain.ErrQuizVersionRetired, state.QuizID, state.QuizVersion))
	}
	return prog, nil
}

// program returns the current version of a quiz, compiling at most once per
// published version.
func (s *QuizService) program(ctx context.Context, quizID string) (*engine.Program, error) {
	def, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	key := programKey(quizID, def.Metadata.Version)

	s.mu.RLock()
	prog, ok := s.programs[key]
	s.mu.RUnlock()
	if ok {
		return prog, nil
	}

	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		creator, err := s.creator(ctx, def.Metadata.CreatorID)
		if err != nil {
			return nil, err
		}
		prog, err := engine.Compile(def, engine.Options{Creator: creator, Validator: s.validator})
		if err != nil {
			s.logger.Error("quiz failed validation", zap.String("quiz", quizID), zap.Error(err))
			return nil, err
		}
		for _, w := range prog.Warnings {
			s.logger.Warn("quiz warning", zap.String("quiz", quizID), zap.String("warning", w))
		}

		s.mu.Lock()
		s.programs[key] = prog
		s.mu.Unlock()
		return prog, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*engine.Program), nil
}

// creator resolves a quiz author. Unknown and anonymous authors get the basic tier.
func (s *QuizService) creator(ctx context.Context, creatorID string) (domain.Creator, error) {
	if creatorID == "" || s.creators == nil {
		return domain.Creator{ID: "anonymous", Tier: string(safety.TierBasic)}, nil
	}
	c, err := s.creators.Creator(ctx, creatorID)
	if errors.Is(err, domain.ErrCreatorNotFound) {
		return domain.Creator{ID: creatorID, Tier: string(safety.TierBasic)}, nil
	}
	if err != nil {
		return domain.Creator{}, fmt.Errorf("resolve creator %s: %w", creatorID, err)
	}
	return c, nil
}

// recordScore publishes the leaderboard variable of state, if the quiz has one.
func (s *QuizService) recordScore(ctx context.Context, prog *engine.Program, state *domain.SessionState) {
	name, ok := prog.Schema.Leaderboard()
	if !ok {
		return
	}
	v, err := variables.FromAny(state.Variables[name])
	if err != nil {
		return
	}
	score, ok := v.Number()
	if !ok {
		return
	}
	s.hub.Record(state.QuizID, name, state.UserID, score)
	if s.ranking != nil {
		if err := s.ranking.Record(ctx, state.QuizID, state.UserID, score); err != nil {
			s.logger.Warn("leaderboard mirror failed", zap.String("quiz", state.QuizID), zap.Error(err))
		}
	}
}

func answerOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAnswer):
		return "invalid"
	case errors.Is(err, domain.ErrSessionState):
		return "closed"
	case errors.Is(err, domain.ErrPermission):
		return "denied"
	default:
		return "failed"
	}
}

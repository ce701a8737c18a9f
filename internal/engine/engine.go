// Package engine drives quiz sessions. A session is either active on a
// question or completed; Start and Answer move it forward. Both work on copies
// of the session state and return the new state only when every step
// succeeded, so a failed call leaves the caller's state untouched.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quizflow-service/internal/apilayer"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/expr"
	"quizflow-service/internal/variables"
)

// Hooks runs scheduled integrations. *apilayer.Layer implements it.
type Hooks interface {
	RunHook(ctx context.Context, hooks []domain.APIIntegration, call apilayer.Call) error
}

// Engine holds no session data and is safe for concurrent use.
type Engine struct {
	hooks Hooks
	now   func() time.Time
}

// New builds an engine. A nil Hooks skips every integration.
func New(hooks Hooks) *Engine {
	return &Engine{hooks: hooks, now: time.Now}
}

// session is the working copy of one Start or Answer call.
type session struct {
	prog  *Program
	state *domain.SessionState
	store *variables.Store
}

// Start creates a session: defaults, quiz_start hooks, then the first
// available question with its pre_question hooks.
func (e *Engine) Start(ctx context.Context, prog *Program, sessionID, userID string) (*domain.SessionState, error) {
	now := e.now().UTC()
	s := &session{
		prog: prog,
		state: &domain.SessionState{
			ID:          sessionID,
			QuizID:      prog.Def.ID,
			QuizVersion: prog.Def.Metadata.Version,
			UserID:      userID,
			CreatorID:   prog.Creator.ID,
			APIResults:  map[string]any{},
			StartedAt:   now,
		},
		store: variables.NewStore(prog.Schema),
	}

	if err := e.runHooks(ctx, s, domain.TimingQuizStart, "", nil); err != nil {
		return nil, err
	}
	if err := e.enter(ctx, s, prog.First()); err != nil {
		return nil, err
	}
	return s.commit(now), nil
}

// Answer applies one answer to the current question and advances the session.
// The answer is stored first when the question names a store_as variable.
func (e *Engine) Answer(ctx context.Context, prog *Program, state *domain.SessionState, raw any) (*domain.SessionState, error) {
	if state.Completed {
		return nil, domain.Wrap(domain.ErrSessionState, "answer", domain.ErrSessionCompleted)
	}
	cq, ok := prog.questions[state.Current]
	if !ok {
		return nil, domain.Wrap(domain.ErrSessionState, "answer", fmt.Errorf("%w: %q", domain.ErrQuestionNotFound, state.Current))
	}
	answer, err := ValidateAnswer(cq.def, raw)
	if err != nil {
		return nil, err
	}

	store, err := variables.Restore(prog.Schema, state.Variables)
	if err != nil {
		return nil, domain.Wrap(domain.ErrSessionState, "answer", err)
	}
	s := &session{prog: prog, state: state.Clone(), store: store}
	if err := s.storeAnswer(cq, answer); err != nil {
		return nil, err
	}

	if err := e.runHooks(ctx, s, domain.TimingPostAnswer, cq.def.ID, &answer); err != nil {
		return nil, err
	}
	if err := s.applyUpdates(cq, answer); err != nil {
		return nil, err
	}
	next, err := s.selectNext(cq, answer)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	s.state.Answers = append(s.state.Answers, domain.AnswerRecord{
		QuestionID: cq.def.ID,
		Answer:     answer.Interface(),
		At:         now,
	})
	if err := e.enter(ctx, s, next); err != nil {
		return nil, err
	}
	return s.commit(now), nil
}

// enter makes id the current question, or completes the session when id is
// empty. Hidden questions are skipped, and a pre_question hook may hide the
// question it runs for.
func (e *Engine) enter(ctx context.Context, s *session, id string) error {
	for hops := 0; hops <= len(s.prog.order); hops++ {
		id = s.visible(id)
		if id == "" {
			break
		}
		if err := e.runHooks(ctx, s, domain.TimingPreQuestion, id, nil); err != nil {
			return err
		}
		if !s.state.IsHidden(id) {
			s.state.Current = id
			return nil
		}
	}
	s.state.Current = ""
	s.state.Completed = true
	return e.runHooks(ctx, s, domain.TimingQuizEnd, "", nil)
}

func (e *Engine) runHooks(ctx context.Context, s *session, timing domain.Timing, questionID string, answer *variables.Value) error {
	hooks := s.prog.Hooks(timing, questionID)
	if len(hooks) == 0 || e.hooks == nil {
		return nil
	}
	return e.hooks.RunHook(ctx, hooks, apilayer.Call{
		Creator: s.prog.Creator,
		State:   s.state,
		Store:   s.store,
		Answer:  answer,
	})
}

// visible follows degrade redirects, or declaration order when a hidden
// question has no redirect, until it reaches a question that is not hidden.
func (s *session) visible(id string) string {
	for hops := 0; id != "" && s.state.IsHidden(id); hops++ {
		if hops > len(s.prog.order) {
			return ""
		}
		if target := s.state.Hidden[id]; target != "" {
			id = target
		} else {
			id = s.prog.successor(id)
		}
	}
	return id
}

func (s *session) env(answer variables.Value) expr.Env {
	return expr.Env{Vars: s.store, Answer: &answer, API: s.state.APIResults}
}

// storeAnswer writes the answer to the question's store_as variable as the
// user actor. Constraint failures reject the answer.
func (s *session) storeAnswer(cq *question, answer variables.Value) error {
	name := cq.def.StoreAs
	if name == "" {
		return nil
	}
	err := s.store.Set(name, answer, variables.ActorUser)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, variables.ErrPermissionDenied):
		return domain.Wrap(domain.ErrPermission, "question "+cq.def.ID, err)
	case errors.Is(err, variables.ErrTypeMismatch), errors.Is(err, variables.ErrConstraintViolation):
		return fmt.Errorf("%w: %w", domain.ErrInvalidAnswer, err)
	}
	return domain.Wrap(domain.ErrEvaluation, "question "+cq.def.ID, err)
}

// applyUpdates runs every update rule whose condition holds, in order. Writes
// are visible to the rules that follow.
func (s *session) applyUpdates(cq *question, answer variables.Value) error {
	for i, u := range cq.updates {
		op := fmt.Sprintf("question %s update %d", cq.def.ID, i+1)
		match, err := u.cond.EvalBool(s.env(answer))
		if err != nil {
			return domain.Wrap(domain.ErrEvaluation, op, err)
		}
		if !match {
			continue
		}
		for _, a := range u.assigns {
			v, err := a.value.Eval(s.env(answer))
			if err != nil {
				return domain.Wrap(domain.ErrEvaluation, op, err)
			}
			if err := s.store.Set(a.variable, v, variables.ActorEngine); err != nil {
				if errors.Is(err, variables.ErrPermissionDenied) {
					return domain.Wrap(domain.ErrPermission, op, err)
				}
				return domain.Wrap(domain.ErrEvaluation, op, err)
			}
		}
	}
	return nil
}

// selectNext returns the target of the first transition whose condition
// holds. Without a match the quiz continues in declaration order.
func (s *session) selectNext(cq *question, answer variables.Value) (string, error) {
	for i, t := range cq.transitions {
		match, err := t.cond.EvalBool(s.env(answer))
		if err != nil {
			return "", domain.Wrap(domain.ErrEvaluation, fmt.Sprintf("question %s transition %d", cq.def.ID, i+1), err)
		}
		if match {
			return t.next, nil
		}
	}
	return s.prog.successor(cq.def.ID), nil
}

func (s *session) commit(now time.Time) *domain.SessionState {
	s.state.Variables = s.store.Snapshot().Map()
	s.state.UpdatedAt = now
	return s.state
}

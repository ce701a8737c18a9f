package engine

import (
	"quizflow-service/internal/domain"
	"quizflow-service/internal/expr"
	"quizflow-service/internal/variables"
)

// visibleVars hides private variables from question text.
type visibleVars struct {
	store *variables.Store
}

func (v visibleVars) Lookup(name string) (variables.Value, bool) {
	def, ok := v.store.Schema().Lookup(name)
	if !ok || def.HasTag(variables.TagPrivate) {
		return variables.Value{}, false
	}
	return v.store.Lookup(name)
}

// Render builds what the quiz taker sees for state. Placeholders in question
// text are resolved now; unresolvable ones render empty.
func Render(prog *Program, state *domain.SessionState) (*domain.Step, error) {
	store, err := variables.Restore(prog.Schema, state.Variables)
	if err != nil {
		return nil, domain.Wrap(domain.ErrSessionState, "render", err)
	}
	step := &domain.Step{
		SessionID: state.ID,
		Completed: state.Completed,
		Variables: store.Public(),
	}
	if state.Completed {
		return step, nil
	}

	cq, ok := prog.questions[state.Current]
	if !ok {
		return nil, domain.Wrap(domain.ErrSessionState, "render", domain.ErrQuestionNotFound)
	}
	q := cq.def
	env := expr.Env{Vars: visibleVars{store: store}, API: state.APIResults}
	step.Question = &domain.QuestionView{
		ID:        q.ID,
		Kind:      q.Kind,
		Text:      cq.text.Display(env),
		Options:   q.Options,
		Min:       q.Min,
		Max:       q.Max,
		MaxLength: q.MaxLength,
	}
	return step, nil
}

package engine

import (
	"context"
	"errors"
	"testing"

	"quizflow-service/internal/apilayer"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fruitQuiz = `
id: fruit
metadata:
  title: Fruit basket
  creator_id: creator-1
variables:
  fruits: {type: integer, default: 0, mutable_by: [engine], tags: [leaderboard]}
  apples: {type: integer, default: 1, mutable_by: [engine]}
  pears: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - id: q1
    kind: multiple_choice
    text: "You have {apples} apples. Do you like apples?"
    options: ["yes", "no"]
    variable_updates:
      - condition: answer == 'yes'
        update: {fruits: fruits + 1, apples: apples + 1}
      - condition: answer == 'no'
        update: {apples: apples - 1}
  - id: q2
    kind: multiple_choice
    text: Do you like pears?
    options: ["yes", "no"]
    variable_updates:
      - condition: answer == 'yes'
        update: {fruits: fruits + 1, pears: pears + 2}
transitions:
  q1:
    - {condition: fruits >= 1, next: q2}
    - {condition: "true", next: q1}
  q2:
    - {condition: "true", next: null}
`

func compileDoc(t *testing.T, doc string) *Program {
	t.Helper()
	def, err := domain.ParseDocument([]byte(doc))
	require.NoError(t, err)
	prog, err := Compile(def, Options{Creator: domain.Creator{ID: "creator-1", Tier: "standard"}})
	require.NoError(t, err)
	return prog
}

func play(t *testing.T, prog *Program, answers ...any) *domain.SessionState {
	t.Helper()
	eng := New(nil)
	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)
	for _, a := range answers {
		state, err = eng.Answer(context.Background(), prog, state, a)
		require.NoError(t, err)
	}
	return state
}

func TestFruitQuizRoundTrips(t *testing.T) {
	prog := compileDoc(t, fruitQuiz)

	cases := []struct {
		answers []any
		want    map[string]any
	}{
		{answers: []any{"no", "yes", "yes"}, want: map[string]any{"fruits": int64(2), "apples": int64(1), "pears": int64(2)}},
		{answers: []any{"yes", "yes"}, want: map[string]any{"fruits": int64(2), "apples": int64(2), "pears": int64(2)}},
	}
	for _, tc := range cases {
		state := play(t, prog, tc.answers...)
		assert.True(t, state.Completed)
		assert.Empty(t, state.Current)
		assert.Len(t, state.Answers, len(tc.answers))
		assert.Equal(t, tc.want, state.Variables)
	}
}

func TestLoopingIsAllowed(t *testing.T) {
	prog := compileDoc(t, fruitQuiz)
	state := play(t, prog, "no", "no", "no")
	assert.False(t, state.Completed)
	assert.Equal(t, "q1", state.Current)
	assert.Equal(t, int64(-2), state.Variables["apples"])
}

func TestAllMatchingUpdateRulesApply(t *testing.T) {
	prog := compileDoc(t, `
variables:
  score: {type: integer, default: 0, mutable_by: [engine]}
  bonus: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - id: q
    kind: integer
    text: Pick a number
    variable_updates:
      - condition: answer > 1
        update: {score: score + 1}
      - condition: answer > 2
        update: {bonus: score, score: score + 10}
      - condition: answer > 100
        update: {score: 0}
`)
	state := play(t, prog, 5)
	assert.True(t, state.Completed, "the last question without transitions ends the quiz")
	assert.Equal(t, int64(11), state.Variables["score"])
	assert.Equal(t, int64(1), state.Variables["bonus"], "later rules see earlier writes")
}

func TestCompileReportsMissingTransitionTarget(t *testing.T) {
	def, err := domain.ParseDocument([]byte(`
questions:
  - {id: q1, kind: boolean, text: Ready}
transitions:
  q1:
    - {condition: "true", next: q9}
`))
	require.NoError(t, err)

	_, err = Compile(def, Options{Creator: domain.Creator{Tier: "basic"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDefinition)
	assert.Contains(t, err.Error(), `"q9"`)
}

func TestCompileRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"duplicate question": `
questions:
  - {id: q1, kind: boolean, text: a}
  - {id: q1, kind: boolean, text: b}`,
		"unreachable question": `
questions:
  - {id: q1, kind: boolean, text: a}
  - {id: q2, kind: boolean, text: b}
transitions:
  q1: [{condition: "true", next: null}]`,
		"disallowed expression": `
variables:
  n: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - id: q1
    kind: boolean
    text: a
    variable_updates: [{condition: "__import__('os')", update: {n: 1}}]`,
		"unknown variable": `
questions:
  - id: q1
    kind: boolean
    text: a
transitions:
  q1: [{condition: "ghost > 1", next: null}]`,
		"update of user variable": `
variables:
  name: {type: string, default: "", mutable_by: [user]}
questions:
  - id: q1
    kind: text
    text: a
    variable_updates: [{condition: "true", update: {name: answer}}]`,
		"untrusted placeholder": `
variables:
  name: {type: string, default: "", mutable_by: [user]}
questions:
  - {id: q1, kind: text, text: a}
api_integrations:
  - id: lookup
    timing: quiz_start
    url: https://api.example.com/people
    query: {name: "{name}"}`,
		"free text answer sent out": `
questions:
  - {id: q1, kind: text, text: a}
api_integrations:
  - id: echo
    timing: post_answer
    question_id: q1
    url: https://api.example.com/echo
    query: {text: "{answer}"}`,
		"tier method": `
questions:
  - {id: q1, kind: boolean, text: a}
api_integrations:
  - {id: wipe, timing: quiz_start, method: DELETE, url: https://api.example.com/x}`,
		"extraction into engine variable": `
variables:
  n: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - {id: q1, kind: boolean, text: a}
api_integrations:
  - id: count
    timing: quiz_start
    url: https://api.example.com/count
    extract: {total: {variable: n}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			def, err := domain.ParseDocument([]byte(doc))
			require.NoError(t, err)
			_, err = Compile(def, Options{Creator: domain.Creator{Tier: "standard"}})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrDefinition)
		})
	}
}

func TestCompileWarnsWithoutTrueFallback(t *testing.T) {
	prog := compileDoc(t, `
variables:
  n: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - {id: q1, kind: integer, text: a, variable_updates: [{condition: "true", update: {n: answer}}]}
  - {id: q2, kind: boolean, text: b}
transitions:
  q1: [{condition: "n > 5", next: null}]
`)
	require.Len(t, prog.Warnings, 1)

	state := play(t, prog, 3)
	assert.Equal(t, "q2", state.Current, "unmatched transitions continue in declaration order")
	state = play(t, prog, 9)
	assert.True(t, state.Completed)
}

func TestRejectedWriteLeavesStateUnchanged(t *testing.T) {
	prog := compileDoc(t, `
variables:
  n: {type: integer, default: 0, mutable_by: [engine], constraints: {max: 3}}
questions:
  - id: q1
    kind: integer
    text: a
    variable_updates:
      - {condition: "true", update: {n: n + 1}}
      - {condition: "true", update: {n: answer}}
`)
	eng := New(nil)
	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)

	_, err = eng.Answer(context.Background(), prog, state, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEvaluation)
	assert.ErrorIs(t, err, variables.ErrConstraintViolation)
	assert.Equal(t, int64(0), state.Variables["n"], "the first rule's write must not leak")
	assert.Equal(t, "q1", state.Current)
	assert.Empty(t, state.Answers)
}

func TestRuntimeEvaluationErrorAbortsWithoutPartialUpdate(t *testing.T) {
	prog := compileDoc(t, `
variables:
  n: {type: integer, default: 0, mutable_by: [engine]}
  d: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - id: q1
    kind: integer
    text: a
    variable_updates:
      - {condition: "true", update: {d: answer, n: 12 / d}}
`)
	eng := New(nil)
	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)

	_, err = eng.Answer(context.Background(), prog, state, 0)
	assert.ErrorIs(t, err, domain.ErrEvaluation)
	assert.Equal(t, int64(0), state.Variables["n"])

	next, err := eng.Answer(context.Background(), prog, state, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Variables["n"], "a whole float result is stored as an integer")
}

func TestCompletedSessionRejectsAnswers(t *testing.T) {
	prog := compileDoc(t, fruitQuiz)
	state := play(t, prog, "yes", "no")
	require.True(t, state.Completed)

	_, err := New(nil).Answer(context.Background(), prog, state, "yes")
	assert.ErrorIs(t, err, domain.ErrSessionCompleted)
	assert.ErrorIs(t, err, domain.ErrSessionState)
}

func TestAnswerValidation(t *testing.T) {
	prog := compileDoc(t, fruitQuiz)
	eng := New(nil)
	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)

	_, err = eng.Answer(context.Background(), prog, state, "maybe")
	assert.ErrorIs(t, err, domain.ErrOptionNotFound)
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)
	_, err = eng.Answer(context.Background(), prog, state, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)

	lo, hi := 1.0, 5.0
	q := &domain.Question{ID: "n", Kind: domain.KindInteger, Min: &lo, Max: &hi}
	v, err := ValidateAnswer(q, "4")
	require.NoError(t, err)
	assert.Equal(t, variables.Int(4), v)
	_, err = ValidateAnswer(q, 2.5)
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)
	_, err = ValidateAnswer(q, 6)
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)

	multi := &domain.Question{ID: "m", Kind: domain.KindMultiSelect, Options: []string{"a", "b"}}
	v, err = ValidateAnswer(multi, []any{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, variables.Array(variables.String("b"), variables.String("a")), v)
	_, err = ValidateAnswer(multi, []any{"a", "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)

	text := &domain.Question{ID: "t", Kind: domain.KindText, MaxLength: 3}
	_, err = ValidateAnswer(text, "four")
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)

	b := &domain.Question{ID: "b", Kind: domain.KindBoolean}
	v, err = ValidateAnswer(b, "true")
	require.NoError(t, err)
	assert.Equal(t, variables.Bool(true), v)
}

func TestRenderResolvesPlaceholders(t *testing.T) {
	prog := compileDoc(t, fruitQuiz)
	state := play(t, prog, "no")

	step, err := Render(prog, state)
	require.NoError(t, err)
	require.NotNil(t, step.Question)
	assert.Equal(t, "You have 0 apples. Do you like apples?", step.Question.Text)
	assert.Equal(t, []string{"yes", "no"}, step.Question.Options)
	assert.Equal(t, int64(0), step.Variables["apples"])
}

// hideHooks degrades the question its pre_question hook runs for.
type hideHooks struct {
	calls []string
}

func (h *hideHooks) RunHook(_ context.Context, hooks []domain.APIIntegration, call apilayer.Call) error {
	for _, in := range hooks {
		h.calls = append(h.calls, in.ID)
		if in.Fallback.Policy == domain.FallbackDegrade {
			if call.State.Hidden == nil {
				call.State.Hidden = map[string]string{}
			}
			call.State.Hidden[in.QuestionID] = in.Fallback.RedirectTo
		}
		if in.Fallback.Policy == domain.FallbackFail {
			return domain.Wrap(domain.ErrTransientAPI, "integration "+in.ID, domain.ErrIntegrationFailed)
		}
	}
	return nil
}

const weatherQuiz = `
variables:
  done: {type: boolean, default: false, mutable_by: [engine]}
questions:
  - {id: intro, kind: info, text: Welcome}
  - {id: weather, kind: boolean, text: "Is it {api.forecast.summary} today?"}
  - {id: generic, kind: boolean, text: "Do you like sunshine?"}
transitions:
  intro: [{condition: "true", next: weather}]
  weather: [{condition: "true", next: null}]
  generic: [{condition: "true", next: null}]
api_integrations:
  - id: forecast
    timing: pre_question
    question_id: weather
    url: https://api.weather.example/forecast
    fallback: {policy: degrade, redirect_to: generic}
`

func TestDegradeRedirectsFlow(t *testing.T) {
	prog := compileDoc(t, weatherQuiz)
	hooks := &hideHooks{}
	eng := New(hooks)

	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "intro", state.Current)

	state, err = eng.Answer(context.Background(), prog, state, nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", state.Current)
	assert.True(t, state.IsHidden("weather"))
	assert.Equal(t, []string{"forecast"}, hooks.calls)
}

func TestFailFallbackAbortsAnswer(t *testing.T) {
	def, err := domain.ParseDocument([]byte(weatherQuiz))
	require.NoError(t, err)
	def.Integrations[0].Fallback = domain.Fallback{Policy: domain.FallbackFail}
	prog, err := Compile(def, Options{Creator: domain.Creator{Tier: "basic"}})
	require.NoError(t, err)

	eng := New(&hideHooks{})
	state, err := eng.Start(context.Background(), prog, "s1", "u1")
	require.NoError(t, err)

	_, err = eng.Answer(context.Background(), prog, state, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIntegrationFailed))
	assert.Equal(t, "intro", state.Current)
}

const profileQuiz = `
variables:
  name: {type: string, default: "", mutable_by: [user]}
  age: {type: integer, default: 0, mutable_by: [user], constraints: {max: 120}}
  adult: {type: boolean, default: false, mutable_by: [engine]}
questions:
  - {id: q1, kind: text, text: "Your name?", store_as: name}
  - id: q2
    kind: integer
    text: "How old are you, {name}?"
    store_as: age
    variable_updates: [{condition: "age >= 18", update: {adult: "true"}}]
  - {id: q3, kind: info, text: "Thanks {name}"}
`

func TestStoreAsWritesAnswerAsUser(t *testing.T) {
	prog := compileDoc(t, profileQuiz)
	state := play(t, prog, "Ada", 36)

	assert.Equal(t, "q3", state.Current)
	assert.Equal(t, "Ada", state.Variables["name"])
	assert.Equal(t, int64(36), state.Variables["age"])
	assert.Equal(t, true, state.Variables["adult"], "update rules see the stored answer")

	step, err := Render(prog, state)
	require.NoError(t, err)
	assert.Equal(t, "Thanks Ada", step.Question.Text)
}

func TestStoreAsConstraintRejectsAnswer(t *testing.T) {
	prog := compileDoc(t, profileQuiz)
	state := play(t, prog, "Ada")

	_, err := New(nil).Answer(context.Background(), prog, state, 130)
	assert.ErrorIs(t, err, domain.ErrInvalidAnswer)
	assert.ErrorIs(t, err, variables.ErrConstraintViolation)
	assert.Equal(t, "q2", state.Current)
	assert.Equal(t, int64(0), state.Variables["age"])
}

func TestStoreAsRequiresUserWritableVariable(t *testing.T) {
	cases := map[string]string{
		"engine variable": `
variables:
  score: {type: integer, default: 0, mutable_by: [engine]}
questions:
  - {id: q1, kind: integer, text: a, store_as: score}`,
		"unknown variable": `
questions:
  - {id: q1, kind: integer, text: a, store_as: ghost}`,
		"kind mismatch": `
variables:
  flag: {type: boolean, default: false, mutable_by: [user]}
questions:
  - {id: q1, kind: text, text: a, store_as: flag}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			def, err := domain.ParseDocument([]byte(doc))
			require.NoError(t, err)
			_, err = Compile(def, Options{Creator: domain.Creator{Tier: "standard"}})
			assert.ErrorIs(t, err, domain.ErrDefinition)
			assert.Contains(t, err.Error(), "store")
		})
	}

	schema, err := variables.NewSchema([]variables.Definition{
		{Name: "score", Type: variables.TypeInteger, Default: 0, MutableBy: []variables.Actor{variables.ActorEngine}},
	})
	require.NoError(t, err)
	store := variables.NewStore(schema)
	assert.ErrorIs(t, store.Set("score", 5, variables.ActorUser), variables.ErrPermissionDenied)
	v, _ := store.Get("score")
	assert.Equal(t, variables.Int(0), v)
}

func TestUnknownTextPlaceholderOnlyWarns(t *testing.T) {
	prog := compileDoc(t, `
questions:
  - {id: q1, kind: boolean, text: "Pick {colour} or use {{braces}"}
`)
	require.Len(t, prog.Warnings, 1)
	assert.Contains(t, prog.Warnings[0], "colour")

	state := play(t, prog)
	step, err := Render(prog, state)
	require.NoError(t, err)
	assert.Equal(t, "Pick  or use {braces}", step.Question.Text)
}

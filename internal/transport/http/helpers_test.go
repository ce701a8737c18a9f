package http

import (
	"testing"
	"time"

	"quizflow-service/internal/app"
	"quizflow-service/internal/auth"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/infra/memory"
)

const arithmeticQuiz = `
id: quiz-1
metadata: {title: Arithmetic, version: "1"}
variables:
  score: {type: integer, default: 0, mutable_by: [engine], tags: [leaderboard]}
questions:
  - id: q1
    kind: multiple_choice
    text: "What is 2 + 2? Your score is {score}."
    options: ["3", "4", "5"]
    variable_updates:
      - condition: answer == '4'
        update: {score: score + 1}
transitions:
  q1:
    - {condition: "true", next: null}
`

func newTestService(t *testing.T) (*app.QuizService, *auth.Tokens) {
	t.Helper()
	def, err := domain.ParseDocument([]byte(arithmeticQuiz))
	if err != nil {
		t.Fatalf("parse quiz: %v", err)
	}
	tokens, err := auth.NewTokens("transport-test-secret", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	loader := memory.NewStaticQuizLoader(map[string]*domain.QuizDefinition{"quiz-1": def})
	service := app.NewQuizService(app.Deps{
		Sessions: memory.NewSessionStore(time.Minute),
		Quizzes:  memory.NewQuizRepository(loader, time.Minute),
		Creators: memory.NewCreatorDirectory(nil),
		Tokens:   tokens,
	})
	return service, tokens
}

func issue(t *testing.T, tokens *auth.Tokens, quizID string) string {
	t.Helper()
	token, err := tokens.Issue(quizID, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

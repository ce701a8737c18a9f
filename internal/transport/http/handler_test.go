package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepResponse struct {
	SessionID string `json:"sessionId"`
	Completed bool   `json:"completed"`
	Question  *struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"question"`
	Variables map[string]any `json:"variables"`
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRESTSessionFlow(t *testing.T) {
	service, tokens := newTestService(t)
	router := NewRouter(service, nil)

	rec := do(t, router, http.MethodPost, "/api/quizzes/start", "u1", map[string]any{"token": issue(t, tokens, "quiz-1")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started stepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotNil(t, started.Question)
	assert.Equal(t, "q1", started.Question.ID)
	assert.Equal(t, "What is 2 + 2? Your score is 0.", started.Question.Text)

	rec = do(t, router, http.MethodGet, "/api/sessions/"+started.SessionID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/sessions/"+started.SessionID+"/answer", "u1", map[string]any{"answer": "7"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/sessions/"+started.SessionID+"/answer", "u1", map[string]any{"answer": "4"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done stepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.True(t, done.Completed)
	assert.Nil(t, done.Question)
	assert.EqualValues(t, 1, done.Variables["score"])

	rec = do(t, router, http.MethodPost, "/api/sessions/"+started.SessionID+"/answer", "u1", map[string]any{"answer": "4"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/quizzes/quiz-1/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lb struct {
		Variable string `json:"variable"`
		Entries  []struct {
			UserID string  `json:"userId"`
			Score  float64 `json:"score"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lb))
	assert.Equal(t, "score", lb.Variable)
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, "u1", lb.Entries[0].UserID)
	assert.Equal(t, float64(1), lb.Entries[0].Score)
}

func TestRESTErrors(t *testing.T) {
	service, tokens := newTestService(t)
	router := NewRouter(service, nil)

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"bad token", http.MethodPost, "/api/quizzes/start", "u1", map[string]any{"token": "nope"}, http.StatusUnauthorized},
		{"missing user", http.MethodPost, "/api/quizzes/start", "", map[string]any{"token": issue(t, tokens, "quiz-1")}, http.StatusForbidden},
		{"unknown quiz", http.MethodPost, "/api/quizzes/start", "u1", map[string]any{"token": issue(t, tokens, "quiz-9")}, http.StatusNotFound},
		{"unknown session", http.MethodGet, "/api/sessions/nope", "u1", nil, http.StatusNotFound},
		{"unknown leaderboard", http.MethodGet, "/api/quizzes/quiz-9/leaderboard", "", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/quizzes/start", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	service, _ := newTestService(t)
	router := NewRouter(service, nil)

	rec := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quizflow_http_requests_total")
}

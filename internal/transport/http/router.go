package http

import (
	"net/http"

	"quizflow-service/internal/app"
	"quizflow-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter mounts the REST API, the websocket endpoint, health and metrics.
func NewRouter(service *app.QuizService, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(service, logger)
	ws := NewWSHandler(service, logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		metrics.Middleware,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", ws.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/quizzes/start", h.StartQuiz)
		r.Get("/quizzes/{id}/leaderboard", h.Leaderboard)
		r.Post("/sessions/{id}/answer", h.SubmitAnswer)
		r.Get("/sessions/{id}", h.GetSession)
	})
	return r
}

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"quizflow-service/internal/app"
	"quizflow-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated user id set by the gateway.
const UserHeader = "X-User-ID"

const maxRequestBytes = 64 << 10

// Handler serves the REST API.
type Handler struct {
	service *app.QuizService
	logger  *zap.Logger
}

func NewHandler(service *app.QuizService, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type startRequest struct {
	Token string `json:"token"`
}

type answerRequest struct {
	Answer any `json:"answer"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (h *Handler) StartQuiz(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid request body"})
		return
	}
	step, err := h.service.StartQuiz(r.Context(), req.Token, r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid request body"})
		return
	}
	step, err := h.service.SubmitAnswer(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserHeader), req.Answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	step, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := h.service.Leaderboard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

// decode reads a bounded JSON body. Numbers stay json.Number so that integer
// answers are not rounded through float64.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorPayload{Message: msg})
}

// errorStatus maps error categories to a status and a message safe to show
// to the quiz taker. Internal failures never expose their cause.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, domain.ErrInvalidToken.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, domain.ErrRateLimited.Error()
	case errors.Is(err, domain.ErrInvalidAnswer):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrSessionState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden, domain.ErrPermission.Error()
	case errors.Is(err, domain.ErrDefinition):
		return http.StatusUnprocessableEntity, domain.ErrDefinition.Error()
	case errors.Is(err, domain.ErrNetworkSecurity):
		return http.StatusBadGateway, domain.ErrNetworkSecurity.Error()
	case errors.Is(err, domain.ErrTransientAPI):
		return http.StatusServiceUnavailable, domain.ErrTransientAPI.Error()
	case errors.Is(err, domain.ErrEvaluation):
		return http.StatusUnprocessableEntity, domain.ErrEvaluation.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

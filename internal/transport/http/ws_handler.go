package http

import (
	"bytes"
	"encoding/json"
	"net/http"

	"quizflow-service/internal/app"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSHandler struct {
	service  *app.QuizService
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsAnswerPayload struct {
	SessionID string `json:"sessionId"`
	Answer    any    `json:"answer"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// ServeWS upgrades to a websocket that streams the quiz leaderboard and accepts
// start and answer messages for the connecting user.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	userID := r.URL.Query().Get("userId")
	if quizID == "" || userID == "" {
		http.Error(w, "missing quizId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	updates, cancel, err := h.service.Subscribe(r.Context(), quizID)
	if err != nil {
		_, msg := errorStatus(err)
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: msg}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Only the writer goroutine touches the connection for writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "leaderboard", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		send <- h.handle(r, userID, inbound)
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) handle(r *http.Request, userID string, inbound inboundMessage) outboundMessage[any] {
	fail := func(msg string) outboundMessage[any] {
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: msg}}
	}
	switch inbound.Type {
	case "start":
		var payload startRequest
		if err := decodePayload(inbound.Payload, &payload); err != nil {
			return fail("invalid start payload")
		}
		step, err := h.service.StartQuiz(r.Context(), payload.Token, userID)
		if err != nil {
			_, msg := errorStatus(err)
			return fail(msg)
		}
		return outboundMessage[any]{Type: "step", Payload: step}
	case "answer":
		var payload wsAnswerPayload
		if err := decodePayload(inbound.Payload, &payload); err != nil {
			return fail("invalid answer payload")
		}
		step, err := h.service.SubmitAnswer(r.Context(), payload.SessionID, userID, payload.Answer)
		if err != nil {
			_, msg := errorStatus(err)
			return fail(msg)
		}
		return outboundMessage[any]{Type: "step", Payload: step}
	default:
		return fail("unsupported message type")
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

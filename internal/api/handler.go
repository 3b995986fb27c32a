// Package api provides HTTP handlers for the cantor API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/memory"
)

// Conversations is the session-scoped memory the handlers front.
type Conversations interface {
	History(ctx context.Context, key string) (domain.ConversationLog, error)
	SubmitTurn(ctx context.Context, key, message, topic string) (memory.TurnResult, error)
}

var errMethodNotAllowed = errors.New("method not allowed")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// NotFound answers unmatched routes and wrong verbs alike.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not found"))
}

// errorBody maps a memory error onto an HTTP status and JSON body.
func errorBody(err error, action string) (int, map[string]string) {
	var upstream *memory.UpstreamError
	switch {
	case errors.Is(err, memory.ErrMissingMessage):
		return http.StatusBadRequest, map[string]string{"error": "Missing message"}
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, map[string]string{"error": upstream.Message, "details": upstream.Details}
	case errors.Is(err, memory.ErrClosed):
		return http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"}
	default:
		return http.StatusInternalServerError, map[string]string{"error": "failed to " + action}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	status, body := errorBody(err, action)
	if r.Context().Err() != nil {
		slog.Info("Client went away", "action", action, "error", err)
	} else if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "action", action, "status", status, "error", err)
	}
	JSON(w, status, body)
}

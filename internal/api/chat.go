package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxChatBody = 64 << 10

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string  `json:"message"`
	Topic   *string `json:"topic,omitempty"`
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	History domain.ConversationLog `json:"history"`
}

// ChatHandler serves the chat and history endpoints.
type ChatHandler struct {
	conv Conversations
}

// NewChatHandler creates a ChatHandler backed by conv.
func NewChatHandler(conv Conversations) *ChatHandler {
	return &ChatHandler{conv: conv}
}

// RegisterRoutes registers chat routes on the /api subrouter.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
	r.Get("/history", h.History)
}

// Chat runs one turn for the caller's session.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := readChatRequest(r)
	if !ok || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "Please include a message.")
		return
	}

	session := sessionFor(r)
	res, err := h.conv.SubmitTurn(r.Context(), session.ID, req.Message, topicOf(req))
	identity.IssueIfNeeded(w, r, session)
	if err != nil {
		writeError(w, r, err, "run chat turn")
		return
	}

	JSON(w, http.StatusOK, res)
}

// History returns the caller's conversation log.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	session := sessionFor(r)
	log, err := h.conv.History(r.Context(), session.ID)
	identity.IssueIfNeeded(w, r, session)
	if err != nil {
		writeError(w, r, err, "load history")
		return
	}

	JSON(w, http.StatusOK, HistoryResponse{History: log})
}

// readChatRequest decodes the body. Any decode failure reads as an empty
// request.
func readChatRequest(r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	body := io.LimitReader(r.Body, maxChatBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return ChatRequest{}, false
	}
	return req, true
}

func topicOf(req ChatRequest) string {
	if req.Topic == nil {
		return ""
	}
	return *req.Topic
}

// sessionFor prefers the session placed by identity.Middleware and resolves
// it directly otherwise.
func sessionFor(r *http.Request) identity.Session {
	if s, ok := identity.FromContext(r.Context()); ok {
		return s
	}
	return identity.Resolve(r)
}

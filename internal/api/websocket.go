package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/identity"
	"github.com/ashureev/cantor/internal/memory"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// SessionQueryParam carries the session on upgrades, where browsers
	// cannot set custom headers.
	SessionQueryParam = "session_id"
	wsWriteTimeout    = 10 * time.Second
)

// wsRequest is one inbound frame.
type wsRequest struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Topic   *string `json:"topic,omitempty"`
}

type wsChatFrame struct {
	Type    string                 `json:"type"`
	Reply   string                 `json:"reply"`
	History domain.ConversationLog `json:"history"`
}

type wsHistoryFrame struct {
	Type    string                 `json:"type"`
	History domain.ConversationLog `json:"history"`
}

type wsErrorFrame struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WebSocketHandler serves chat over a WebSocket, one turn at a time.
type WebSocketHandler struct {
	conv          Conversations
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(conv Conversations, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{conv: conv, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session := wsSession(r)
	fp := memory.Fingerprint(session.ID)
	slog.Info("WebSocket connection request", "session", fp, "ip", r.RemoteAddr)

	// Accept flushes w's headers with the 101 response.
	identity.IssueIfNeeded(w, r, session)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session", fp)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session", fp)
		}
	}()
	ws.SetReadLimit(maxChatBody)

	h.serve(r.Context(), ws, session.ID, fp)
	slog.Info("WebSocket session ended", "session", fp)
}

func (h *WebSocketHandler) serve(ctx context.Context, ws *websocket.Conn, key, fp string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session", fp)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session", fp)
			}
			return
		}

		if err := h.writeFrame(ctx, ws, h.dispatch(ctx, data, key)); err != nil {
			slog.Debug("WebSocket write error", "error", err, "session", fp)
			return
		}
	}
}

// dispatch handles one frame and returns the reply frame.
func (h *WebSocketHandler) dispatch(ctx context.Context, data []byte, key string) interface{} {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsErrorFrame{Type: "error", Status: http.StatusBadRequest, Error: "Please include a message."}
	}

	switch req.Type {
	case "chat":
		if strings.TrimSpace(req.Message) == "" {
			return wsErrorFrame{Type: "error", Status: http.StatusBadRequest, Error: "Please include a message."}
		}
		topic := ""
		if req.Topic != nil {
			topic = *req.Topic
		}
		res, err := h.conv.SubmitTurn(ctx, key, req.Message, topic)
		if err != nil {
			return errorFrame(err, "run chat turn")
		}
		return wsChatFrame{Type: "chat", Reply: res.Reply, History: res.History}
	case "history":
		log, err := h.conv.History(ctx, key)
		if err != nil {
			return errorFrame(err, "load history")
		}
		return wsHistoryFrame{Type: "history", History: log}
	default:
		return errorFrame(errMethodNotAllowed, req.Type)
	}
}

func errorFrame(err error, action string) wsErrorFrame {
	status, body := errorBody(err, action)
	if status >= http.StatusInternalServerError {
		slog.Error("WebSocket request failed", "action", action, "status", status, "error", err)
	}
	return wsErrorFrame{Type: "error", Status: status, Error: body["error"], Details: body["details"]}
}

func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// wsSession resolves the session for an upgrade. The session_id query
// parameter stands in for the header when neither header nor cookie is set.
func wsSession(r *http.Request) identity.Session {
	s := sessionFor(r)
	if !s.IssueCookie {
		return s
	}
	if id := r.URL.Query().Get(SessionQueryParam); id != "" {
		return identity.Session{ID: id}
	}
	return s
}

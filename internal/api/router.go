package api

import (
	"net/http"

	"github.com/ashureev/cantor/internal/identity"
	"github.com/ashureev/cantor/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes bundles the handlers mounted by NewRouter. WebSocket may be nil.
type Routes struct {
	Chat      *ChatHandler
	Health    *HealthHandler
	WebSocket *WebSocketHandler
}

// NewRouter builds the HTTP surface. Preflight requests are answered by the
// CORS middleware before routing; anything unmatched, including a wrong verb
// on a known path, is a plain 404.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS())
	r.Use(identity.Middleware)

	// Set before mounting so the /api subrouter inherits them.
	r.NotFound(NotFound)
	r.MethodNotAllowed(NotFound)

	routes.Health.RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		routes.Chat.RegisterRoutes(r)
		if routes.WebSocket != nil {
			r.Get("/ws", routes.WebSocket.ServeHTTP)
		}
	})

	return r
}

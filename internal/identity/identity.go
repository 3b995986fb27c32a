// Package identity resolves the opaque session key a request belongs to.
//
// The key is taken verbatim from the X-Session-ID header or the session
// cookie. It is not signed or validated: anyone presenting a key gets that
// session's history.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName        = "bach_session"
	SessionHeaderName = "X-Session-ID"
	cookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const sessionKey contextKey = iota

// Session is the outcome of resolving a request's identity.
type Session struct {
	ID string
	// IssueCookie is set when ID was freshly minted and the client must be
	// told about it.
	IssueCookie bool
}

// Resolve derives the session from, in priority order, the session header,
// the session cookie, or a new random identifier.
func Resolve(r *http.Request) Session {
	if id := r.Header.Get(SessionHeaderName); id != "" {
		return Session{ID: id}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return Session{ID: c.Value}
	}
	return Session{ID: uuid.NewString(), IssueCookie: true}
}

// Cookie builds the session cookie for id. Secure is set when the request
// arrived over HTTPS, directly or behind a TLS-terminating proxy.
func Cookie(id string, r *http.Request) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS(r),
	}
}

// IssueIfNeeded writes the session cookie when the session was minted.
func IssueIfNeeded(w http.ResponseWriter, r *http.Request, s Session) {
	if s.IssueCookie {
		http.SetCookie(w, Cookie(s.ID, r))
	}
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext extracts the session placed by Middleware.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// Middleware resolves the session once per request and stores it on the
// request context. It does not write the cookie; handlers decide whether the
// request reached a session before issuing it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithSession(r.Context(), Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

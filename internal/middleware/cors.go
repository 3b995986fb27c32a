// Package middleware provides HTTP middleware for the cantor API.
package middleware

import (
	"net/http"

	"github.com/ashureev/cantor/internal/identity"
)

const (
	allowedMethods = "GET,POST,OPTIONS"
	allowedHeaders = "Content-Type, " + identity.SessionHeaderName
)

// CORS returns middleware that reflects the caller's origin with credentials,
// or allows any origin when the request carries none. Preflight requests are
// answered with 204 and never reach next.
func CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetCORSHeaders(w.Header(), r)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetCORSHeaders writes the CORS response headers for r into h.
func SetCORSHeaders(h http.Header, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
	h.Set("Access-Control-Allow-Methods", allowedMethods)
}

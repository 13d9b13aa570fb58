package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
)

// Middleware authenticates callers before they reach the bridge handlers.
// A JWT verified against the configured JWKS is the normal path; a static
// service token (BRIDGE_SERVICE_TOKEN) lets trusted internal services act
// on behalf of a user named in the X-User-ID header.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates authentication middleware over a verifier. A nil
// verifier leaves only the service token path.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Handler wraps an HTTP handler with authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromHeader(r)
		if token == "" {
			http.Error(w, "Unauthorized: missing bearer token", http.StatusUnauthorized)
			return
		}

		serviceToken := os.Getenv("BRIDGE_SERVICE_TOKEN")
		if serviceToken != "" && token == serviceToken {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				http.Error(w, "Unauthorized: service calls must set X-User-ID", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		userCtx, err := m.verifier.VerifyToken(token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc wraps an HTTP handler function with authentication.
func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// publicPaths never require authentication. The pre-authentication set
// is narrow and separately rate limited.
var publicPaths = map[string]bool{
	"/healthz":          true,
	"/readyz":           true,
	"/v1/session/token": true,
}

// Middleware validates the bearer token and attaches the principal.
// A nil validator rejects everything non-public.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
				unauthorized(w)
				return
			}
			if validator == nil {
				unauthorized(w)
				return
			}

			p, err := validator.Validate(token)
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole wraps a handler so only principals holding the role pass.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := FromContext(r.Context())
		if err != nil || !p.HasRole(role) {
			http.Error(w, `{"title":"forbidden","status":403}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"title":"unauthorized","status":401}`))
}

type requestIDKey struct{}

// RequestID injects a correlation id into every request, reusing the
// client's when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID extracts the correlation id, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

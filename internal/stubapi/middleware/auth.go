// Package middleware holds the stub API's HTTP middleware
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/rs/zerolog"
)

// respondDetail writes the {"detail": ...} body the backend uses for auth errors
func respondDetail(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": message})
}

// ExtractToken returns the bearer token of the Authorization header
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

type contextKey string

const UserContextKey contextKey = "user"

// TokenValidator checks access tokens. Revoked tokens fail like invalid ones.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// AuthMiddleware rejects requests without a valid access token and puts the
// claims on the context
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ExtractToken(r)
			if tokenString == "" {
				respondDetail(w, "Authentication credentials were not provided.", http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateAccessToken(tokenString)
			if err != nil {
				respondDetail(w, "Given token not valid for any token type", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets through users in one of roles; Admin always passes
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				respondDetail(w, "Authentication credentials were not provided.", http.StatusUnauthorized)
				return
			}
			if !auth.HasAnyRole(claims.Groups, roles...) {
				respondDetail(w, "You do not have permission to perform this action.", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext retrieves the claims AuthMiddleware stored
func GetUserFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	return claims, ok
}

// GetUserID returns the user id from the context, or 0
func GetUserID(ctx context.Context) int64 {
	claims, ok := GetUserFromContext(ctx)
	if !ok {
		return 0
	}
	return claims.UserID
}

// RequestLogger logs each request after it completes
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Str("request_id", r.Header.Get("X-Request-ID")).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

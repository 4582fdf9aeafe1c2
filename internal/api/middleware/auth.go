package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Context keys for storing request state.
type contextKey string

const accessContextKey contextKey = "access_context"

// Resolver maps a bearer token to an access context.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*models.AccessContext, error)
}

func jsonError(w http.ResponseWriter, status int, code, message, reason string) {
	body := map[string]string{
		"code":    code,
		"message": message,
	}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": body}); err != nil {
		log.Printf("middleware: encode error response: %v", err)
	}
}

// jsonUnauthorized writes an unauthorized error response.
func jsonUnauthorized(w http.ResponseWriter, reason string) {
	jsonError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", reason)
}

// jsonForbidden writes a forbidden error response.
func jsonForbidden(w http.ResponseWriter, reason string) {
	jsonError(w, http.StatusForbidden, "FORBIDDEN", "access denied", reason)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate returns middleware that resolves the bearer token into an
// access context. Requests without a live session are rejected with 401.
func Authenticate(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				jsonUnauthorized(w, secerr.ReasonInvalidCredentials)
				return
			}

			ac, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				reason := secerr.ReasonOf(err)
				if reason == "" {
					log.Printf("middleware: resolve token for %s: %v", r.RemoteAddr, err)
					reason = secerr.ReasonInvalidCredentials
				}
				jsonUnauthorized(w, reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccessContext(r.Context(), ac)))
		})
	}
}

// WithAccessContext stores ac in ctx.
func WithAccessContext(ctx context.Context, ac *models.AccessContext) context.Context {
	return context.WithValue(ctx, accessContextKey, ac)
}

// GetAccessContext returns the access context of an authenticated request.
func GetAccessContext(ctx context.Context) *models.AccessContext {
	if v := ctx.Value(accessContextKey); v != nil {
		if ac, ok := v.(*models.AccessContext); ok {
			return ac
		}
	}
	return nil
}

// GetUserID returns the authenticated user ID from context.
func GetUserID(ctx context.Context) string {
	if ac := GetAccessContext(ctx); ac != nil {
		return ac.UserID
	}
	return ""
}

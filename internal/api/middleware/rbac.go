package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Validator checks an access context against an operation.
type Validator interface {
	ValidateAccess(ctx context.Context, ac *models.AccessContext, op models.Operation, ownerID string) error
}

// RequireOperation returns middleware that admits callers whose role may
// perform op. Access Control records the decision as a security event.
func RequireOperation(v Validator, op models.Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAccessContext(r.Context())
			if ac == nil {
				jsonUnauthorized(w, secerr.ReasonInvalidCredentials)
				return
			}

			if err := v.ValidateAccess(r.Context(), ac, op, ""); err != nil {
				if !errors.Is(err, secerr.ErrAccessDenied) {
					log.Printf("middleware: validate %s for %s: %v", op, ac.UserID, err)
					jsonError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", "")
					return
				}
				switch reason := secerr.ReasonOf(err); reason {
				case secerr.ReasonExpired, secerr.ReasonRevoked, secerr.ReasonInvalidCredentials:
					jsonUnauthorized(w, reason)
				default:
					jsonForbidden(w, reason)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

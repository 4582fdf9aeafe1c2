package api

import (
	"net/http"

	"github.com/good-yellow-bee/alarmvault/internal/api/middleware"
	"github.com/good-yellow-bee/alarmvault/internal/models"
)

func (s *Server) loginResponse(ac *models.AccessContext) LoginResponse {
	return LoginResponse{
		AccessToken: ac.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ac.ExpiresAt.Sub(ac.IssuedAt).Seconds()),
		ExpiresAt:   ac.ExpiresAt,
		SessionID:   ac.SessionID,
		UserID:      ac.UserID,
		Role:        string(ac.Role),
	}
}

// handleLogin exchanges credentials for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if apiErr := decodeJSON(w, r, &creds, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	ac, err := s.svc.Access.CreateAccessContext(r.Context(), creds)
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, s.loginResponse(ac))
}

// handleRefresh replaces the caller's context with a fresh one. The old
// token stops working.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	next, err := s.svc.Access.Refresh(r.Context(), middleware.GetAccessContext(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, s.loginResponse(next))
}

// handleLogout revokes the caller's session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAccessContext(r.Context())
	if err := s.svc.Access.Revoke(r.Context(), ac.SessionID, "logout"); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/alarmvault/internal/api/middleware"
	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(s.config.Verbose))
	r.Use(middleware.PrometheusMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, &Error{Code: ErrCodeNotFound, Message: "route not found", Status: http.StatusNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, &Error{Code: ErrCodeBadRequest, Message: "method not allowed", Status: http.StatusMethodNotAllowed})
	})

	authn := middleware.Authenticate(s.svc.Access)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RateLimitByIP(s.loginLimiter)).Post("/login", s.handleLogin)
			r.Group(func(r chi.Router) {
				r.Use(authn)
				r.Post("/refresh", s.handleRefresh)
				r.Post("/logout", s.handleLogout)
			})
		})

		r.Route("/alarms", func(r chi.Router) {
			r.Use(authn)
			r.Post("/", s.handleCreateAlarm)
			r.Get("/{id}", s.handleGetAlarm)
			r.Put("/{id}", s.handleUpdateAlarm)
			r.Delete("/{id}", s.handleDeleteAlarm)
		})

		r.Route("/security", func(r chi.Router) {
			r.Use(authn)
			r.Get("/status", s.handleStatus)
			// The orchestrator authorizes these two itself.
			r.Post("/diagnostics", s.handleDiagnostics)
			r.Post("/bypass", s.handleBypass)

			if s.svc.Monitor != nil {
				r.Route("/alerts", func(r chi.Router) {
					r.Use(middleware.RequireOperation(s.svc.Access, models.OpAlerts))
					r.Get("/", s.handleListAlerts)
					r.Post("/{id}/ack", s.handleAckAlert)
					r.Post("/{id}/resolve", s.handleResolveAlert)
				})
				r.With(middleware.RequireOperation(s.svc.Access, models.OpReport)).Get("/report", s.handleReport)
			}
		})

		if s.svc.Backups != nil {
			r.With(authn, middleware.RequireOperation(s.svc.Access, models.OpBackup)).Post("/backups", s.handleCreateBackup)
		}
	})

	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	return r
}

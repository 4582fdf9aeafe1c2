// Package api provides the HTTP API through which external collaborators
// authenticate, manage alarms and review security state.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/access"
	"github.com/good-yellow-bee/alarmvault/internal/api/health"
	"github.com/good-yellow-bee/alarmvault/internal/api/middleware"
	"github.com/good-yellow-bee/alarmvault/internal/backup"
	"github.com/good-yellow-bee/alarmvault/internal/monitoring"
	"github.com/good-yellow-bee/alarmvault/internal/orchestrator"
	"github.com/good-yellow-bee/alarmvault/internal/security"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address         string
	TLS             *security.ServerTLSConfig // nil serves plain HTTP
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LoginRatePerIP  int // login and refresh attempts per minute per client IP
	Verbose         bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LoginRatePerIP == 0 {
		c.LoginRatePerIP = 10
	}
}

// Services are the components behind the API.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Access       *access.Controller
	Monitor      *monitoring.Monitor
	Backups      *backup.Manager
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	svc           Services
	loginLimiter  *middleware.RateLimiter
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server. Orchestrator and Access are required.
func New(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if svc.Orchestrator == nil || svc.Access == nil {
		return nil, fmt.Errorf("orchestrator and access control are required")
	}
	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		svc:           svc,
		loginLimiter:  middleware.NewRateLimiter(cfg.LoginRatePerIP, time.Minute),
		healthHandler: health.NewHandler(),
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if cfg.TLS != nil {
		tlsConfig, err := security.LoadServerTLS(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("api tls: %w", err)
		}
		s.server.TLSConfig = tlsConfig
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go s.loginLimiter.Run(limiterCtx, 5*time.Minute)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", ln.Addr())
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("api: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a readiness checker.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthHandler.RegisterChecker(c)
}

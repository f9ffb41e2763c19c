package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/telemetry"
	"github.com/kozaktomas/idverify/internal/web/handlers"
	"github.com/kozaktomas/idverify/internal/web/middleware"
	"go.uber.org/zap"
)

// Dependencies are the services the API exposes. Only Engine and Registry
// are required.
type Dependencies struct {
	Engine      handlers.Verifier
	Registry    handlers.ConfigRegistry
	Scopes      database.ScopeResolver
	Decisions   database.DecisionReader
	Enrollments database.EnrollmentWriter
	Rebuilder   database.HNSWRebuilder
	Metrics     *telemetry.Metrics
	Logger      *zap.Logger
}

// Server represents the web server
type Server struct {
	config     *config.Config
	deps       Dependencies
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	s := &Server{
		config: cfg,
		deps:   deps,
		router: r,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(constants.RequestTimeoutSeconds * time.Second))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))

	// Set up routes
	s.setupRoutes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: (constants.RequestTimeoutSeconds + 5) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.deps.Logger.Info("Starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("Shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

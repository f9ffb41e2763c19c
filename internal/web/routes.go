package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/idverify/internal/web/handlers"
	"github.com/kozaktomas/idverify/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	logger := s.deps.Logger

	var onActivate func(string)
	if s.deps.Metrics != nil {
		onActivate = s.deps.Metrics.SetActiveVersion
	}

	// Create handlers
	verifyHandler := handlers.NewVerifyHandler(s.deps.Engine, s.deps.Scopes, s.config.Engine.RequestTimeout, logger)
	ensembleHandler := handlers.NewEnsembleHandler(s.deps.Registry, onActivate, logger)
	decisionsHandler := handlers.NewDecisionsHandler(s.deps.Decisions, logger)
	enrollmentsHandler := handlers.NewEnrollmentsHandler(s.deps.Enrollments, s.deps.Rebuilder, s.deps.Registry, logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	if s.deps.Metrics != nil {
		s.router.Method("GET", "/metrics", s.deps.Metrics.Handler())
	}

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", enrollmentsHandler.Status)

		// Verification
		r.Post("/verify", verifyHandler.Verify)

		// Decisions
		r.Get("/decisions", decisionsHandler.ListByRequest)
		r.Get("/decisions/{id}", decisionsHandler.Get)

		// Ensemble config
		r.Get("/ensemble", ensembleHandler.Get)
		r.Get("/ensemble/versions", ensembleHandler.ListVersions)
		r.Get("/ensemble/{version}", ensembleHandler.GetVersion)
		r.Post("/ensemble/validate", ensembleHandler.Validate)

		// Enrollments
		r.Get("/identities/{id}/enrollments", enrollmentsHandler.ListByIdentity)

		// Mutating routes require the admin token when one is configured
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.config.Web.AdminToken))

			r.Post("/ensemble/activate", ensembleHandler.Activate)
			r.Post("/enrollments", enrollmentsHandler.Enroll)
			r.Delete("/identities/{id}", enrollmentsHandler.DeleteIdentity)
			r.Post("/index/rebuild", enrollmentsHandler.RebuildIndex)
		})
	})
}

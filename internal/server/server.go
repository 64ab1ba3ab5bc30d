// Package server exposes the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/config"
	"github.com/cryptoindex/rebalancer/internal/database"
	"github.com/cryptoindex/rebalancer/internal/modules/index"
	"github.com/cryptoindex/rebalancer/internal/modules/pricing"
	"github.com/cryptoindex/rebalancer/internal/modules/webhooks"
	"github.com/cryptoindex/rebalancer/internal/scheduler"
)

// Config holds server configuration
type Config struct {
	Log            zerolog.Logger
	Cfg            *config.Config
	IndexDB        *database.DB
	LedgerDB       *database.DB
	Pricing        *pricing.Service
	IndexHandler   *index.Handler
	WebhookHandler *webhooks.Handler
	Scheduler      *scheduler.Scheduler
	DriftMonitor   scheduler.Job
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	indexHandler   *index.Handler
	webhookHandler *webhooks.Handler
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		cfg:            cfg.Cfg,
		indexHandler:   cfg.IndexHandler,
		webhookHandler: cfg.WebhookHandler,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.IndexDB, cfg.LedgerDB, cfg.Pricing, cfg.Scheduler, cfg.DriftMonitor),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	// Construction and rebalancing wait for settlement, so the request
	// budget must exceed the per-trade polling budget
	s.router.Use(middleware.Timeout(15 * time.Minute))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		s.setupSystemRoutes(r)
		s.setupAssetRoutes(r)
		s.setupIndexRoutes(r)
		s.setupWebhookRoutes(r)
	})
}

// setupSystemRoutes configures system monitoring routes
func (s *Server) setupSystemRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/jobs", s.systemHandlers.HandleJobsStatus)
		r.Post("/jobs/drift-monitor/run", s.systemHandlers.HandleTriggerDriftMonitor)
	})
}

// setupAssetRoutes configures the asset catalog routes
func (s *Server) setupAssetRoutes(r chi.Router) {
	r.Get("/assets", s.systemHandlers.HandleListAssets)
}

// setupIndexRoutes configures index module routes
func (s *Server) setupIndexRoutes(r chi.Router) {
	h := s.indexHandler
	r.Route("/indexes", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Put("/", h.HandleUpdate)
			r.Delete("/", h.HandleDelete)

			r.Post("/construct", h.HandleConstruct)
			r.Post("/rebalance", h.HandleRebalance)
			r.Get("/drift", h.HandleDrift)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)

			r.Get("/rebalances", h.HandleRebalanceHistory)
			r.Get("/trades", h.HandleTradeHistory)
		})
	})
}

// setupWebhookRoutes configures webhook module routes
func (s *Server) setupWebhookRoutes(r chi.Router) {
	h := s.webhookHandler
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.HandleDelete)
			r.Post("/enable", h.HandleEnable)
			r.Post("/test", h.HandleTest)
		})
	})
}

// loggingMiddleware logs requests with zerolog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	})
}

// Start begins listening for requests
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

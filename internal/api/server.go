// Package api provides the HTTP serving layer.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/merlin/internal/aggregator"
	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
	"github.com/opensource-finance/merlin/internal/view"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(
	cfg domain.ServerConfig,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	reg *registry.Registry,
	agg *aggregator.Service,
	det *detector.Service,
	attr *attributor.Service,
	views *view.Assembler,
	version string,
) *Server {
	handler := NewHandler(repo, cache, bus, reg, agg, det, attr, views, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Metric definition table (deployment-wide, not company-scoped)
	router.Get("/metrics/definitions", handler.ListMetricDefinitions)

	// Company management and the analysis pipeline
	router.Route("/companies", func(r chi.Router) {
		r.Post("/", handler.CreateCompany)

		r.Route("/{companyID}", func(r chi.Router) {
			r.Get("/", handler.GetCompany)
			r.Post("/transactions", handler.IngestTransactions)
			r.Post("/metrics/compute", handler.ComputeMetrics)
			r.Get("/metrics", handler.ListMetricPoints)
			r.Post("/anomalies/detect", handler.DetectAnomalies)
			r.Get("/anomalies", handler.ListAnomalies)
			r.Post("/contributors/compute", handler.ComputeContributors)
			r.Get("/months", handler.ListMonths)
			r.Get("/view/{month}", handler.MonthView)
		})
	})

	// Anomaly-keyed routes (the anomaly ID already pins the company)
	router.Route("/anomalies/{anomalyID}", func(r chi.Router) {
		r.Get("/", handler.GetAnomaly)
		r.Patch("/status", handler.UpdateAnomalyStatus)
		r.Get("/contributors", handler.ListContributors)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Package api serves the scan backend's HTTP contract: scan lifecycle, result
// queries and bulk mutations, report requests and rendered artifacts. The
// handlers are a thin layer over the same client ports the engine consumes,
// so any implementation of those ports can sit behind the router.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/pkg/common/logger"
	"github.com/ahrav/scan-console/pkg/common/otel"
)

// Backend is everything the handlers call into.
type Backend interface {
	scanning.ScanClient
	findings.ResultsClient
	reports.ReportClient
}

// Config holds the listener settings.
type Config struct {
	Addr            string
	ArtifactDir     string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg       Config
	backend   Backend
	publisher events.DomainEventPublisher
	ready     func(context.Context) error
	metrics   APIMetrics
	validate  *requestValidator

	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithPublisher publishes invalidation events after successful mutations,
// so engines watching the same scans drop cached pages.
func WithPublisher(p events.DomainEventPublisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithReadinessCheck makes /v1/readiness report the result of check.
func WithReadinessCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// NewServer builds the router.
func NewServer(cfg Config, backend Backend, metrics APIMetrics, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(metricsMiddleware(metrics))
	r.Use(middleware.Recoverer)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		backend:  backend,
		metrics:  metrics,
		validate: newRequestValidator(),
		logger:   log.With("component", "api"),
		router:   r,
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// The segment after /scans is a scan id or a scan type depending on the
// route; chi needs one parameter name per position.
func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans/{scan}/start", s.handleTriggerScan)
		r.Post("/scans/{scan}/stop", s.handleStopScans)
		r.Get("/scans/{scan}", s.handleGetScan)
		r.Delete("/scans/{scan}/{id}", s.handleDeleteScan)
		r.Post("/scans/{scan}/results", s.handleQueryResults)
		r.Get("/nodes/{node_type}/{node_id}/scans", s.handleScanHistory)

		r.Post("/results/{action}", s.handleMutation)

		r.Post("/reports", s.handleRequestReport)
		r.Get("/reports/{report_id}", s.handleGetReport)
		r.Get("/artifacts/{name}", s.handleArtifact)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "readiness check failed", "error", err)
			s.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

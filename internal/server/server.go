/**
 * HTTP API for the Prescription Worker
 *
 * Routes:
 * - POST /v1/prescriptions          synchronous processing
 * - POST /v1/prescriptions/jobs     asynchronous submission through the queue
 * - GET  /v1/prescriptions/{id}     stored result lookup
 * - POST /v1/safety/validate        advisory text validation
 * - GET  /healthz                   liveness and dependency status
 */

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// Processor runs the pipeline synchronously
type Processor interface {
	Process(ctx context.Context, req *processor.ProcessRequest) (*model.PipelineResult, error)
}

// Enqueuer submits jobs to a queue backend
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error)
}

// ResultReader loads stored results by job id
type ResultReader interface {
	GetResult(ctx context.Context, jobID string) (*storage.StoredResult, error)
}

// TextValidator checks free text for prohibited medical advice
type TextValidator interface {
	ValidateText(text string) model.SafetyReport
}

// Checker reports the health of one dependency
type Checker func(ctx context.Context) error

// Config wires the handlers. Queue, Results and Checks are optional.
type Config struct {
	Addr        string
	MaxFileSize int64
	Processor   Processor
	Safety      TextValidator
	Queue       Enqueuer
	Results     ResultReader
	Checks      map[string]Checker
}

// Server is the HTTP front of the worker
type Server struct {
	cfg    Config
	http   *http.Server
	logger *logging.Logger
}

// New validates the configuration and builds the router
func New(cfg Config) (*Server, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Safety == nil {
		return nil, fmt.Errorf("Safety is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8097"
	}

	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 52428800
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.NewLogger("HTTP"),
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/prescriptions", s.handleProcess)
		r.Post("/prescriptions/jobs", s.handleSubmit)
		r.Get("/prescriptions/{id}", s.handleGetResult)
		r.Post("/safety/validate", s.handleValidate)
	})

	return r
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

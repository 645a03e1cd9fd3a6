package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

const defaultMaxBody = 64 << 10

// Options configures the HTTP server.
type Options struct {
	MaxBodyBytes    int64          // request body and websocket message limit
	CORSOrigins     []string       // allowed origins; "*" allows any
	Pinger          sandbox.Pinger // engine health check for /healthz, optional
	ShutdownTimeout time.Duration
	Logger          *zerolog.Logger
}

// Server is the HTTP server for the runbox API.
type Server struct {
	service  *runner.Service
	runs     *RunTracker
	opts     Options
	logger   *zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(service *runner.Service, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Server{
		service: service,
		runs:    NewRunTracker(),
		opts:    opts,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.With(jsonContentType).Post("/run", s.handleRun)
		r.With(jsonContentType).Get("/languages", s.handleListLanguages)

		// In-flight executions
		r.With(jsonContentType).Get("/runs", s.handleListRuns)
		r.Delete("/runs/{id}", s.handleCancelRun)

		// WebSocket (no JSON content-type)
		r.Get("/ws/run", s.handleWebSocket)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on addr. It returns nil after a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("runbox server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels in-flight executions and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int("in_flight", len(s.runs.List())).Msg("shutting down server")
	s.runs.CancelAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Package server provides the HTTP API for ingestion jobs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/config"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/metrics"
	"github.com/jonathan/story-ingest/internal/pipeline"
	"github.com/jonathan/story-ingest/internal/ratelimit"
	"github.com/jonathan/story-ingest/internal/server/middleware"
	"github.com/jonathan/story-ingest/internal/types"
)

// Pipeline is the set of operations the API exposes. *pipeline.Service
// satisfies it.
type Pipeline interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (*job.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	GetStory(ctx context.Context, id uuid.UUID) (*types.Story, error)
	Fetch(ctx context.Context, id uuid.UUID) (*pipeline.Outcome, error)
	Extract(ctx context.Context, id uuid.UUID) (*pipeline.Outcome, error)
	Generate(ctx context.Context, id uuid.UUID) (*pipeline.Outcome, error)
	Regenerate(ctx context.Context, id uuid.UUID) (*pipeline.Outcome, error)
	SupplyContent(ctx context.Context, id uuid.UUID, req pipeline.SupplyContentRequest) (*pipeline.Outcome, error)
	Stale(ctx context.Context, olderThan time.Duration, statuses []job.Status) ([]*job.Job, error)
}

// Config holds server configuration.
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerMinute int
	Burst             int
	CORSOrigins       []string
	Auth              config.AuthConfig
	// StaleAfter is the default age for GET /jobs/stale.
	StaleAfter time.Duration
	// HealthCheck reports backing store health. Optional.
	HealthCheck func(ctx context.Context) error
}

// ConfigFrom maps the service configuration onto server settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Addr:              c.Server.Addr,
		ReadTimeout:       c.Server.ReadTimeout,
		WriteTimeout:      c.Server.WriteTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		RequestsPerMinute: c.Server.RequestsPerMinute,
		Burst:             c.Server.Burst,
		CORSOrigins:       c.Server.CORSOrigins,
		Auth:              c.Auth,
		StaleAfter:        c.Sweep.OlderThan,
	}
}

// Server is the HTTP API server.
type Server struct {
	pipeline   Pipeline
	cfg        Config
	log        *zap.Logger
	buckets    *ratelimit.Buckets
	jwt        *JWTService
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server. Bearer auth is enabled when cfg.Auth has a secret.
func New(p Pipeline, cfg Config, log *zap.Logger) (*Server, error) {
	if p == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = job.DefaultStaleAfter
	}

	s := &Server{
		pipeline: p,
		cfg:      cfg,
		log:      log,
		buckets: ratelimit.NewBuckets(ratelimit.BucketConfig{
			Limit:  cfg.RequestsPerMinute,
			Window: time.Minute,
			Burst:  cfg.Burst,
		}),
	}
	if cfg.Auth.Enabled() {
		jwtSvc, err := NewJWTService(cfg.Auth)
		if err != nil {
			return nil, err
		}
		s.jwt = jwtSvc
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.withLogging)
	r.Use(s.withCORS)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withRateLimit)
		if s.jwt != nil {
			r.Use(middleware.AuthMiddleware(s.jwt, s.unauthorized))
			r.Use(s.withSubjectLog)
		}

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/stale", s.handleStaleJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/fetch", s.handleFetch)
			r.Post("/extract", s.handleExtract)
			r.Post("/generate", s.handleGenerate)
			r.Post("/regenerate", s.handleRegenerate)
			r.Post("/content", s.handleSupplyContent)
		})
		r.Get("/stories/{id}", s.handleGetStory)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.cfg.Addr), zap.Bool("auth", s.jwt != nil))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.buckets.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	defer s.buckets.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server stopped")
	return nil
}

// Close releases background resources without serving.
func (s *Server) Close() {
	s.buckets.Close()
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	allowAll := len(s.cfg.CORSOrigins) == 0
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := s.buckets.Allow(clientID(r))
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		}
		if !info.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(info.RetryAfter))
			ms := info.RetryAfter.Milliseconds()
			s.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:       "too many requests",
				Code:        CodeRateLimited,
				Retryable:   true,
				RemainingMs: &ms,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, status, elapsed)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Info("request", fields...)
	})
}

// withSubjectLog records who made an authenticated request. The request_id
// joins it to the access log line.
func (s *Server) withSubjectLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("authenticated request",
			zap.String("subject", middleware.Subject(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="story-ingest"`)
	s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error: "missing or invalid bearer token",
		Code:  CodeUnauthorized,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.HealthCheck(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

// writeError writes the error envelope for err. j is the latest job snapshot, if any.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, j *job.Job) {
	status, resp := newErrorResponse(err, j)
	if resp.RemainingMs != nil {
		w.Header().Set("Retry-After", retryAfterSeconds(time.Duration(*resp.RemainingMs)*time.Millisecond))
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err))
	}
	s.writeJSON(w, status, resp)
}

// clientID keys the per-client rate limit by remote host.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.TrimSpace(host)
}

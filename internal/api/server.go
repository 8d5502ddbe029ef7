// Package api exposes the HTTP interface for the content service: job
// submission and inspection, policy administration, and a one-shot
// fetch+extract endpoint for operators.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/config"
	"github.com/jerry-f/webweaver/internal/dispatch"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
	"github.com/jerry-f/webweaver/internal/storage/postgres"
	"github.com/jerry-f/webweaver/internal/telemetry"
)

// Orchestrator is the slice of the fetch layer the API needs.
type Orchestrator interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
	StrategyHealth(ctx context.Context) map[fetch.StrategyKind]fetch.Health
}

// Extractor runs the extraction pipeline for the one-shot endpoint.
type Extractor interface {
	Extract(rawHTML, pageURL string, mode extract.ParseMode) (extract.Extraction, error)
}

// PolicyStore persists per-domain rate-limit policies.
type PolicyStore interface {
	List(ctx context.Context) ([]ratelimit.Policy, error)
	Get(ctx context.Context, domain string) (ratelimit.Policy, error)
	Upsert(ctx context.Context, p ratelimit.Policy) error
	Delete(ctx context.Context, domain string) error
}

// BreakerPolicyStore persists the global circuit-breaker policy.
type BreakerPolicyStore interface {
	Load(ctx context.Context) (breaker.Policy, error)
	Save(ctx context.Context, p breaker.Policy) error
}

// EventLister reads the persisted progress history for a job. Optional;
// without one the events endpoint reports 501.
type EventLister interface {
	ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]postgres.JobEvent, error)
}

// ReloadNotifier tells other replicas to re-read persisted policies after an
// admin write. Optional.
type ReloadNotifier interface {
	NotifyReload(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, stores and policy layers.
type Server struct {
	router chi.Router

	dispatcher *dispatch.Dispatcher
	jobs       dispatch.Store
	events     EventLister

	fetcher   Orchestrator
	extractor Extractor

	policies        PolicyStore
	breakerPolicies BreakerPolicyStore
	runtime         *config.RuntimeStore
	limiter         *ratelimit.Limiter
	breaker         *breaker.Breaker
	reload          ReloadNotifier

	cfg    config.Config
	logger *zap.Logger
}

// Deps collects the server's collaborators. Events and Reload may be nil.
type Deps struct {
	Dispatcher      *dispatch.Dispatcher
	Jobs            dispatch.Store
	Events          EventLister
	Fetcher         Orchestrator
	Extractor       Extractor
	Policies        PolicyStore
	BreakerPolicies BreakerPolicyStore
	Runtime         *config.RuntimeStore
	Limiter         *ratelimit.Limiter
	Breaker         *breaker.Breaker
	Reload          ReloadNotifier
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher:      deps.Dispatcher,
		jobs:            deps.Jobs,
		events:          deps.Events,
		fetcher:         deps.Fetcher,
		extractor:       deps.Extractor,
		policies:        deps.Policies,
		breakerPolicies: deps.BreakerPolicies,
		runtime:         deps.Runtime,
		limiter:         deps.Limiter,
		breaker:         deps.Breaker,
		reload:          deps.Reload,
		cfg:             cfg,
		logger:          logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(120 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/fetch", s.fetchOnce)
		r.Get("/strategies/health", s.strategyHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Post("/retry-failed", s.retryFailedJobs)
			r.Get("/{job_id}", s.getJob)
			r.Delete("/{job_id}", s.deleteJob)
			r.Post("/{job_id}/retry", s.retryJob)
			r.Get("/{job_id}/events", s.listJobEvents)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/domains", s.listDomainPolicies)
			r.Get("/domains/{domain}", s.getDomainPolicy)
			r.Put("/domains/{domain}", s.putDomainPolicy)
			r.Delete("/domains/{domain}", s.deleteDomainPolicy)
			r.Get("/breaker", s.getBreakerPolicy)
			r.Put("/breaker", s.putBreakerPolicy)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// the job store is the hard dependency; one cheap read proves it
	if _, err := s.jobs.List(r.Context(), nil, 1, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) strategyHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fetcher.StrategyHealth(r.Context()))
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

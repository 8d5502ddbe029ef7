package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/config"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

func (s *Server) listDomainPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list policies failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) getDomainPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policies.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		if errors.Is(err, ratelimit.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get policy failed")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) putDomainPolicy(w http.ResponseWriter, r *http.Request) {
	var policy ratelimit.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	policy.Domain = chi.URLParam(r, "domain")
	if policy.MaxConcurrent <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrent must be > 0")
		return
	}
	if policy.RequestsPerSecond <= 0 {
		writeError(w, http.StatusBadRequest, "requests_per_second must be > 0")
		return
	}
	if err := s.policies.Upsert(r.Context(), policy); err != nil {
		writeError(w, http.StatusInternalServerError, "save policy failed")
		return
	}
	s.refreshRuntime(r.Context())
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) deleteDomainPolicy(w http.ResponseWriter, r *http.Request) {
	err := s.policies.Delete(r.Context(), chi.URLParam(r, "domain"))
	switch {
	case errors.Is(err, ratelimit.ErrWildcardProtected):
		writeError(w, http.StatusConflict, "the wildcard policy cannot be deleted")
	case errors.Is(err, ratelimit.ErrPolicyNotFound):
		writeError(w, http.StatusNotFound, "policy not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "delete policy failed")
	default:
		s.refreshRuntime(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

// breakerPolicyDTO is the wire shape for the breaker policy; durations are
// plain milliseconds rather than Go duration encoding.
type breakerPolicyDTO struct {
	FailThreshold    int   `json:"fail_threshold"`
	OpenDurationMs   int64 `json:"open_duration_ms"`
	InitialBackoffMs int64 `json:"initial_backoff_ms"`
	MaxBackoffMs     int64 `json:"max_backoff_ms"`
}

func toDTO(p breaker.Policy) breakerPolicyDTO {
	return breakerPolicyDTO{
		FailThreshold:    p.FailThreshold,
		OpenDurationMs:   p.OpenDuration.Milliseconds(),
		InitialBackoffMs: p.InitialBackoff.Milliseconds(),
		MaxBackoffMs:     p.MaxBackoff.Milliseconds(),
	}
}

func (d breakerPolicyDTO) policy() breaker.Policy {
	return breaker.Policy{
		FailThreshold:  d.FailThreshold,
		OpenDuration:   time.Duration(d.OpenDurationMs) * time.Millisecond,
		InitialBackoff: time.Duration(d.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(d.MaxBackoffMs) * time.Millisecond,
	}
}

func (s *Server) getBreakerPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.breakerPolicies.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load breaker policy failed")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(policy))
}

func (s *Server) putBreakerPolicy(w http.ResponseWriter, r *http.Request) {
	var dto breakerPolicyDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if dto.FailThreshold <= 0 {
		writeError(w, http.StatusBadRequest, "fail_threshold must be > 0")
		return
	}
	if dto.OpenDurationMs <= 0 || dto.InitialBackoffMs <= 0 || dto.MaxBackoffMs <= 0 {
		writeError(w, http.StatusBadRequest, "durations must be > 0")
		return
	}
	policy := dto.policy()
	if err := s.breakerPolicies.Save(r.Context(), policy); err != nil {
		writeError(w, http.StatusInternalServerError, "save breaker policy failed")
		return
	}
	s.refreshRuntime(r.Context())
	writeJSON(w, http.StatusOK, toDTO(policy))
}

// refreshRuntime re-reads persisted policies, swaps the runtime snapshot and
// pushes the new values into the limiter and breaker. Workers observe the
// change on their next admission check.
func (s *Server) refreshRuntime(ctx context.Context) {
	policies, err := s.policies.List(ctx)
	if err != nil {
		s.logger.Error("reload domain policies failed", zap.Error(err))
		return
	}
	breakerPolicy, err := s.breakerPolicies.Load(ctx)
	if err != nil {
		s.logger.Error("reload breaker policy failed", zap.Error(err))
		return
	}

	if s.limiter != nil {
		s.limiter.Update(policies)
	}
	if s.breaker != nil {
		s.breaker.SetPolicy(breakerPolicy)
	}
	if s.runtime != nil {
		s.runtime.Swap(config.Runtime{DomainPolicies: policies, BreakerPolicy: breakerPolicy})
	}
	if s.reload != nil {
		if err := s.reload.NotifyReload(ctx); err != nil {
			s.logger.Warn("reload broadcast failed", zap.Error(err))
		}
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

type fetchOnceRequest struct {
	URL            string `json:"url"`
	Strategy       string `json:"strategy,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// RawOnly skips extraction and returns the fetched markup as-is.
	RawOnly bool `json:"raw_only,omitempty"`
}

type fetchOnceResponse struct {
	Result     fetch.Result        `json:"result"`
	Extraction *extract.Extraction `json:"extraction,omitempty"`
}

// fetchOnce runs fetch and extraction synchronously, bypassing the job
// queue. Admission control still applies; operators share the same budgets
// as the workers.
func (s *Server) fetchOnce(w http.ResponseWriter, r *http.Request) {
	var req fetchOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	strategy := fetch.StrategyKind(req.Strategy)
	if req.Strategy != "" && !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy "+req.Strategy)
		return
	}
	mode := extract.ParseMode(req.ParseMode)
	if req.ParseMode != "" && !mode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown parse mode "+req.ParseMode)
		return
	}

	res, err := s.fetcher.Fetch(r.Context(), fetch.Request{
		URL:      req.URL,
		Strategy: strategy,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, fetchErrorStatus(err), err.Error())
		return
	}
	if req.RawOnly {
		writeJSON(w, http.StatusOK, fetchOnceResponse{Result: res})
		return
	}

	ext, err := s.extractor.Extract(res.Content, req.URL, mode)
	if err != nil {
		if errors.Is(err, extract.ErrNoContentFound) || errors.Is(err, extract.ErrRootNotFound) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fetchOnceResponse{Result: res, Extraction: &ext})
}

func fetchErrorStatus(err error) int {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

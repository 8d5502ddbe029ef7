package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/config"
	"github.com/jerry-f/webweaver/internal/dispatch"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
	"github.com/jerry-f/webweaver/internal/storage/memory"
)

type stubOrchestrator struct {
	res fetch.Result
	err error
}

func (o *stubOrchestrator) Fetch(_ context.Context, _ fetch.Request) (fetch.Result, error) {
	if o.err != nil {
		return fetch.Result{}, o.err
	}
	return o.res, nil
}

func (o *stubOrchestrator) StrategyHealth(_ context.Context) map[fetch.StrategyKind]fetch.Health {
	return map[fetch.StrategyKind]fetch.Health{
		fetch.StrategyLocal:  {OK: true},
		fetch.StrategyRender: {OK: true, Running: 1, MaxConcurrent: 2},
	}
}

type stubExtractor struct {
	ext extract.Extraction
	err error
}

func (e *stubExtractor) Extract(_, _ string, _ extract.ParseMode) (extract.Extraction, error) {
	if e.err != nil {
		return extract.Extraction{}, e.err
	}
	return e.ext, nil
}

type testEnv struct {
	server *Server
	jobs   *memory.JobStore
}

func newTestEnv(t *testing.T, orch Orchestrator, ext Extractor) testEnv {
	t.Helper()
	jobs := memory.NewJobStore()
	dispatcher := dispatch.New(jobs, nil, nil, nil, nil, nil, nil, nil, dispatch.Config{}, nil)
	srv := NewServer(Deps{
		Dispatcher:      dispatcher,
		Jobs:            jobs,
		Fetcher:         orch,
		Extractor:       ext,
		Policies:        memory.NewPolicyStore(),
		BreakerPolicies: memory.NewBreakerPolicyStore(),
		Runtime:         config.NewRuntimeStore(config.Runtime{}),
		Limiter:         ratelimit.New(nil),
	}, config.Config{}, zap.NewNop())
	return testEnv{server: srv, jobs: jobs}
}

func (e testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})

	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitAndInspectJob(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})

	rec := env.do(http.MethodPost, "/v1/jobs", dispatch.EnqueueRequest{
		ArticleID: "art-1",
		URL:       "https://example.com/story",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job dispatch.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, dispatch.StatusQueued, job.Status)

	rec = env.do(http.MethodGet, "/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Jobs []dispatch.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Jobs, 1)

	// duplicate active article
	rec = env.do(http.MethodPost, "/v1/jobs", dispatch.EnqueueRequest{
		ArticleID: "art-1",
		URL:       "https://example.com/story",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// bad payloads
	rec = env.do(http.MethodPost, "/v1/jobs", dispatch.EnqueueRequest{URL: "https://example.com/x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRetryAndDelete(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})
	ctx := context.Background()
	now := time.Now().UTC()

	rec := env.do(http.MethodPost, "/v1/jobs", dispatch.EnqueueRequest{
		ArticleID: "art-1", URL: "https://example.com/a",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job dispatch.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	// queued jobs are not retryable
	rec = env.do(http.MethodPost, "/v1/jobs/"+job.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := env.jobs.ClaimDue(ctx, now, 1)
	require.NoError(t, err)

	rec = env.do(http.MethodDelete, "/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "running jobs cannot be deleted")

	require.NoError(t, env.jobs.MarkFailed(ctx, job.ID, "boom", now))

	rec = env.do(http.MethodPost, "/v1/jobs/"+job.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, env.jobs.MarkFailed(ctx, job.ID, "boom again", now))
	rec = env.do(http.MethodPost, "/v1/jobs/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retried":1}`, rec.Body.String())

	require.NoError(t, env.jobs.MarkSucceeded(ctx, job.ID, now))
	rec = env.do(http.MethodDelete, "/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEventsWithoutHistoryStore(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})
	rec := env.do(http.MethodGet, "/v1/jobs/"+new(dispatch.Job).ID.String()+"/events", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDomainPolicyCRUD(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})

	rec := env.do(http.MethodGet, "/v1/policies/domains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Policies []ratelimit.Policy `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.NotEmpty(t, listing.Policies)
	assert.Equal(t, ratelimit.Wildcard, listing.Policies[0].Domain)

	rec = env.do(http.MethodPut, "/v1/policies/domains/example.com", ratelimit.Policy{
		MaxConcurrent:     2,
		RequestsPerSecond: 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/policies/domains/example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var policy ratelimit.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, 2, policy.MaxConcurrent)

	rec = env.do(http.MethodPut, "/v1/policies/domains/example.com", ratelimit.Policy{MaxConcurrent: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/policies/domains/example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodDelete, "/v1/policies/domains/example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/policies/domains/*", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "wildcard policy is protected")
}

func TestBreakerPolicyRoundTrip(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})

	rec := env.do(http.MethodGet, "/v1/policies/breaker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto breakerPolicyDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, breaker.DefaultPolicy().FailThreshold, dto.FailThreshold)

	rec = env.do(http.MethodPut, "/v1/policies/breaker", breakerPolicyDTO{
		FailThreshold:    3,
		OpenDurationMs:   30_000,
		InitialBackoffMs: 10_000,
		MaxBackoffMs:     600_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/policies/breaker", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 3, dto.FailThreshold)
	assert.Equal(t, int64(30_000), dto.OpenDurationMs)

	rec = env.do(http.MethodPut, "/v1/policies/breaker", breakerPolicyDTO{FailThreshold: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchOnce(t *testing.T) {
	orch := &stubOrchestrator{res: fetch.Result{
		Success:      true,
		Content:      "<html><body><p>body</p></body></html>",
		StrategyUsed: fetch.StrategyLocal,
	}}
	ext := &stubExtractor{ext: extract.Extraction{ContentHTML: "<p>body</p>", TextLength: 4, Confidence: 1}}
	env := newTestEnv(t, orch, ext)

	rec := env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{URL: "https://example.com/a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp fetchOnceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Extraction)
	assert.Equal(t, "<p>body</p>", resp.Extraction.ContentHTML)

	rec = env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{URL: "https://example.com/a", RawOnly: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Extraction)

	rec = env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{URL: "https://example.com/a", Strategy: "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchOnceErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limited", ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{"circuit open", breaker.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"all failed", &fetch.AllFailedError{Last: errors.New("boom")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubOrchestrator{err: tt.err}, &stubExtractor{})
			rec := env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{URL: "https://example.com/a"})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestFetchOnceNoContent(t *testing.T) {
	orch := &stubOrchestrator{res: fetch.Result{Success: true, Content: "<html></html>"}}
	env := newTestEnv(t, orch, &stubExtractor{err: extract.ErrNoContentFound})

	rec := env.do(http.MethodPost, "/v1/fetch", fetchOnceRequest{URL: "https://example.com/a"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStrategyHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubOrchestrator{}, &stubExtractor{})
	rec := env.do(http.MethodGet, "/v1/strategies/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[fetch.StrategyKind]fetch.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health[fetch.StrategyLocal].OK)
}

func TestAPIKeyMiddleware(t *testing.T) {
	jobs := memory.NewJobStore()
	dispatcher := dispatch.New(jobs, nil, nil, nil, nil, nil, nil, nil, dispatch.Config{}, nil)
	srv := NewServer(Deps{
		Dispatcher:      dispatcher,
		Jobs:            jobs,
		Fetcher:         &stubOrchestrator{},
		Extractor:       &stubExtractor{},
		Policies:        memory.NewPolicyStore(),
		BreakerPolicies: memory.NewBreakerPolicyStore(),
	}, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// health endpoints stay open
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

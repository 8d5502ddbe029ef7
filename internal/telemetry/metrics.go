// Package telemetry defines Prometheus metrics for the fetch pipeline.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webweaver_fetch_attempts_total",
			Help: "Total fetch attempts, labeled by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webweaver_fetch_duration_seconds",
			Help:    "Latency of individual strategy attempts.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)

	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webweaver_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limiter admission.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	rateLimitRejectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webweaver_rate_limit_rejects_total",
			Help: "Admissions denied because the wait deadline elapsed.",
		},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webweaver_breaker_transitions_total",
			Help: "Circuit breaker state transitions, labeled by new state.",
		},
		[]string{"state"},
	)

	breakerRejectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webweaver_breaker_rejects_total",
			Help: "Requests rejected because a domain circuit was open.",
		},
	)

	extractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webweaver_extractions_total",
			Help: "Content extraction results, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webweaver_jobs_total",
			Help: "Dispatch jobs finished, labeled by terminal status.",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webweaver_http_requests_total",
			Help: "API requests, labeled by method and status code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webweaver_http_request_duration_seconds",
			Help:    "API request latencies, labeled by method.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// ObserveFetchAttempt records one strategy attempt and its latency.
func ObserveFetchAttempt(strategy, outcome string, dur time.Duration) {
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(dur.Seconds())
}

// ObserveRateLimitWait records time spent inside Admit.
func ObserveRateLimitWait(dur time.Duration) {
	rateLimitWaitSeconds.Observe(dur.Seconds())
}

// CountRateLimitReject increments the admission-denied counter.
func CountRateLimitReject() {
	rateLimitRejectsTotal.Inc()
}

// CountBreakerTransition records a circuit entering a new state.
func CountBreakerTransition(state string) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}

// CountBreakerReject increments the open-circuit rejection counter.
func CountBreakerReject() {
	breakerRejectsTotal.Inc()
}

// CountExtraction records an extraction outcome ("ok", "no_content", "root_not_found").
func CountExtraction(outcome string) {
	extractionsTotal.WithLabelValues(outcome).Inc()
}

// CountJob records a job reaching a terminal status.
func CountJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments API handlers with request counters and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

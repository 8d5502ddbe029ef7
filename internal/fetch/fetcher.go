package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
	"github.com/jerry-f/webweaver/internal/telemetry"
)

// Limiter grants per-domain admissions. Admit blocks until a token and a
// concurrency slot are free or ctx expires; release must be called once per
// granted admission.
type Limiter interface {
	Admit(ctx context.Context, domain string) (release func(), err error)
}

// Breaker guards outbound attempts per domain. The release returned by Allow
// frees a half-open probe slot when the admitted request resolves without
// reporting an outcome.
type Breaker interface {
	Allow(domain string) (release func(), err error)
	ReportSuccess(domain string)
	ReportFailure(domain string)
}

// CredentialStore supplies login cookies for gated domains.
type CredentialStore interface {
	CookieForDomain(ctx context.Context, domain string) (string, bool, error)
}

// Config controls orchestrator behavior.
type Config struct {
	// Chain is the automatic-mode strategy order; DefaultChain when empty.
	Chain []StrategyKind
	// MinContentLength is the smallest content (in bytes, trimmed) counted
	// as a usable fetch.
	MinContentLength int
	// DefaultTimeout applies when the request carries none.
	DefaultTimeout time.Duration
}

// Fetcher selects a strategy, applies admission control, runs the fallback
// chain and records the winning attempt. It is the single entry point for
// all outbound page fetches.
type Fetcher struct {
	strategies map[StrategyKind]Strategy
	limiter    Limiter
	breaker    Breaker
	creds      CredentialStore
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Fetcher. creds may be nil when no credential store is
// configured.
func New(
	strategies []Strategy,
	limiter Limiter,
	breaker Breaker,
	creds CredentialStore,
	cfg Config,
	logger *zap.Logger,
) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Chain) == 0 {
		cfg.Chain = DefaultChain
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 100
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	byKind := make(map[StrategyKind]Strategy, len(strategies))
	for _, s := range strategies {
		if s != nil {
			byKind[s.Kind()] = s
		}
	}
	return &Fetcher{
		strategies: byKind,
		limiter:    limiter,
		breaker:    breaker,
		creds:      creds,
		cfg:        cfg,
		logger:     logger,
	}
}

// Fetch resolves the target domain and runs either the explicitly requested
// strategy or the automatic fallback chain. Every attempt is admitted by the
// rate limiter and reported to the circuit breaker; admission rejections
// short-circuit the whole call without recording a failure.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	domain, err := domainOf(req.URL)
	if err != nil {
		return failure(err), err
	}
	if req.Timeout <= 0 {
		req.Timeout = f.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	req.Headers = f.injectCredentials(ctx, domain, req.Headers)

	probeDone, err := f.breaker.Allow(domain)
	if err != nil {
		f.logger.Debug("fetch rejected by circuit breaker",
			zap.String("domain", domain), zap.String("url", req.URL))
		return failure(err), err
	}
	// Frees the probe slot if no attempt ever reported an outcome, so an
	// aborted probe cannot wedge the domain in half-open.
	defer probeDone()

	if req.Strategy != "" {
		return f.fetchExplicit(ctx, domain, req)
	}
	return f.fetchAuto(ctx, domain, req)
}

// fetchExplicit runs the single configured strategy. Explicit choice is
// authoritative: no fallback applies, even on failure.
func (f *Fetcher) fetchExplicit(ctx context.Context, domain string, req Request) (Result, error) {
	s, ok := f.strategies[req.Strategy]
	if !ok {
		err := fmt.Errorf("unknown strategy %q", req.Strategy)
		return failure(err), err
	}

	res, err := f.attempt(ctx, domain, s, req)
	if err != nil {
		if isAdmissionError(err) {
			return failure(err), err
		}
		all := &AllFailedError{Last: err}
		return failure(all), all
	}
	if !usable(res.Content, f.cfg.MinContentLength) {
		all := &AllFailedError{Last: fmt.Errorf("%s strategy returned no usable content", s.Kind())}
		res.Success = false
		res.Error = all.Error()
		return res, all
	}
	return res, nil
}

// fetchAuto walks the configured chain strictly sequentially, stopping at the
// first strategy returning usable content. Saturated backends (per health
// probe) are skipped. Rate-limiter rejections abort the chain immediately,
// and so does the circuit opening mid-chain: once the domain trips there is
// no point throwing the remaining strategies at it.
func (f *Fetcher) fetchAuto(ctx context.Context, domain string, req Request) (Result, error) {
	var lastErr error
	attempted := false
	for _, kind := range f.cfg.Chain {
		s, ok := f.strategies[kind]
		if !ok {
			continue
		}
		if f.saturated(ctx, s) {
			f.logger.Info("skipping saturated strategy",
				zap.String("strategy", string(kind)), zap.String("domain", domain))
			continue
		}
		if attempted {
			done, err := f.breaker.Allow(domain)
			if err != nil {
				f.logger.Debug("circuit opened mid-chain, aborting fallback",
					zap.String("domain", domain))
				break
			}
			done()
		}

		res, err := f.attempt(ctx, domain, s, req)
		attempted = true
		if err != nil {
			if isAdmissionError(err) {
				return failure(err), err
			}
			lastErr = err
			f.logger.Debug("strategy attempt failed",
				zap.String("strategy", string(kind)),
				zap.String("domain", domain),
				zap.Error(err),
			)
			continue
		}
		if !usable(res.Content, f.cfg.MinContentLength) {
			lastErr = fmt.Errorf("%s strategy returned no usable content (%d bytes)",
				kind, len(strings.TrimSpace(res.Content)))
			continue
		}
		return res, nil
	}

	all := &AllFailedError{Last: lastErr}
	return failure(all), all
}

// attempt admits, runs and records one strategy call. The concurrency slot is
// released on every path; breaker accounting distinguishes liveness failures
// from content-shape problems.
func (f *Fetcher) attempt(ctx context.Context, domain string, s Strategy, req Request) (Result, error) {
	release, err := f.limiter.Admit(ctx, domain)
	if err != nil {
		return Result{}, err
	}
	defer release()

	start := time.Now()
	res, err := s.Fetch(ctx, req)
	dur := time.Since(start)

	if err != nil {
		if countsTowardBreaker(err) {
			f.breaker.ReportFailure(domain)
		}
		telemetry.ObserveFetchAttempt(string(s.Kind()), "error", dur)
		return Result{}, err
	}

	f.breaker.ReportSuccess(domain)
	telemetry.ObserveFetchAttempt(string(s.Kind()), "ok", dur)

	res.Success = true
	res.StrategyUsed = s.Kind()
	res.DurationMs = dur.Milliseconds()
	return res, nil
}

// StrategyHealth probes every registered strategy. Strategies without a
// health probe report OK; probe failures report not-OK with zero load.
func (f *Fetcher) StrategyHealth(ctx context.Context) map[StrategyKind]Health {
	out := make(map[StrategyKind]Health, len(f.strategies))
	for kind, s := range f.strategies {
		hc, ok := s.(HealthChecker)
		if !ok {
			out[kind] = Health{OK: true}
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		h, err := hc.Health(probeCtx)
		cancel()
		if err != nil {
			out[kind] = Health{OK: false}
			continue
		}
		out[kind] = h
	}
	return out
}

func (f *Fetcher) saturated(ctx context.Context, s Strategy) bool {
	hc, ok := s.(HealthChecker)
	if !ok {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, err := hc.Health(probeCtx)
	if err != nil {
		// An unreachable backend will fail the attempt anyway; let the
		// attempt produce the typed error so the breaker sees it.
		return false
	}
	return !h.OK
}

func (f *Fetcher) injectCredentials(ctx context.Context, domain string, headers http.Header) http.Header {
	out := headers.Clone()
	if out == nil {
		out = http.Header{}
	}
	if f.creds == nil {
		return out
	}
	cookie, ok, err := f.creds.CookieForDomain(ctx, domain)
	if err != nil {
		f.logger.Warn("credential lookup failed", zap.String("domain", domain), zap.Error(err))
		return out
	}
	if ok && cookie != "" {
		out.Set("Cookie", cookie)
	}
	return out
}

func isAdmissionError(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited)
}

func countsTowardBreaker(err error) bool {
	var se *StrategyError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func usable(content string, minLen int) bool {
	return len(strings.TrimSpace(content)) >= minLen
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

func domainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return host, nil
}

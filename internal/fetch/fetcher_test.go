package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerry-f/webweaver/internal/clock"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

type stubStrategy struct {
	kind    StrategyKind
	mu      sync.Mutex
	calls   int
	result  Result
	err     error
	health  *Health
	healthE error
}

func (s *stubStrategy) Kind() StrategyKind { return s.kind }

func (s *stubStrategy) Fetch(_ context.Context, _ Request) (Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}

func (s *stubStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type healthyStub struct {
	stubStrategy
}

func (s *healthyStub) Health(_ context.Context) (Health, error) {
	if s.healthE != nil {
		return Health{}, s.healthE
	}
	return *s.health, nil
}

type openLimiter struct {
	mu     sync.Mutex
	admits int
}

func (l *openLimiter) Admit(_ context.Context, _ string) (func(), error) {
	l.mu.Lock()
	l.admits++
	l.mu.Unlock()
	return func() {}, nil
}

func newTestBreaker(threshold int) *breaker.Breaker {
	return breaker.New(breaker.Policy{
		FailThreshold:  threshold,
		OpenDuration:   time.Minute,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}, &clock.Fake{Current: time.Unix(5000, 0)}, nil)
}

func newFetcher(strategies []Strategy, lim Limiter, brk Breaker) *Fetcher {
	return New(strategies, lim, brk, nil, Config{MinContentLength: 10}, nil)
}

func longHTML(marker string) string {
	return "<html><body><p>" + marker + strings.Repeat("x", 50) + "</p></body></html>"
}

func TestExplicitStrategySkipsFallback(t *testing.T) {
	t.Parallel()

	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureNon2xx, errors.New("503"))}
	render := &stubStrategy{kind: StrategyRender, result: Result{Content: longHTML("render")}}
	scrape := &stubStrategy{kind: StrategyScrape, result: Result{Content: longHTML("scrape")}}

	f := newFetcher([]Strategy{local, render, scrape}, &openLimiter{}, newTestBreaker(5))

	res, err := f.Fetch(context.Background(), Request{
		URL:      "https://example.com",
		Strategy: StrategyLocal,
	})
	require.Error(t, err)
	assert.True(t, IsAllFailed(err), "explicit failure must surface as all-strategies-failed")
	assert.False(t, res.Success)
	assert.Equal(t, 1, local.callCount())
	assert.Zero(t, render.callCount(), "explicit choice must suppress the fallback chain")
	assert.Zero(t, scrape.callCount())
}

func TestAutoChainFallsThroughToFirstUsableContent(t *testing.T) {
	t.Parallel()

	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureTimeout, errors.New("deadline"))}
	scrape := &stubStrategy{kind: StrategyScrape, result: Result{Content: longHTML("scrape"), Title: "t"}}
	render := &stubStrategy{kind: StrategyRender, result: Result{Content: longHTML("render")}}

	f := newFetcher([]Strategy{local, scrape, render}, &openLimiter{}, newTestBreaker(5))

	res, err := f.Fetch(context.Background(), Request{URL: "https://example.com/a"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StrategyScrape, res.StrategyUsed)
	assert.Equal(t, 1, local.callCount())
	assert.Equal(t, 1, scrape.callCount())
	assert.Zero(t, render.callCount(), "chain must stop at the first usable result")
}

func TestShortContentTriggersFallbackWithoutBreakerFailure(t *testing.T) {
	t.Parallel()

	brk := newTestBreaker(1)
	local := &stubStrategy{kind: StrategyLocal, result: Result{Content: "tiny"}}
	scrape := &stubStrategy{kind: StrategyScrape, result: Result{Content: longHTML("ok")}}

	f := newFetcher([]Strategy{local, scrape}, &openLimiter{}, brk)

	res, err := f.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, StrategyScrape, res.StrategyUsed)
	// A threshold of one would have opened the circuit if the short-content
	// attempt had been recorded as a liveness failure.
	assert.Equal(t, breaker.StateClosed, brk.StateOf("example.com"))
}

func TestCircuitOpenShortCircuitsWithoutStrategyCall(t *testing.T) {
	t.Parallel()

	brk := newTestBreaker(5)
	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureTimeout, errors.New("slow"))}
	f := New([]Strategy{local}, &openLimiter{}, brk, nil, Config{
		MinContentLength: 10,
		Chain:            []StrategyKind{StrategyLocal},
	}, nil)

	// Five consecutive timeouts trip the circuit.
	for i := 0; i < 5; i++ {
		_, err := f.Fetch(context.Background(), Request{URL: "https://slow.example/p"})
		require.Error(t, err)
	}
	require.Equal(t, 5, local.callCount())

	_, err := f.Fetch(context.Background(), Request{URL: "https://slow.example/p"})
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 5, local.callCount(), "no network call may happen while open")
}

func TestRateLimitedSurfacesImmediately(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New([]ratelimit.Policy{
		{Domain: "busy.example", MaxConcurrent: 1, RequestsPerSecond: 1000},
	})
	release, err := lim.Admit(context.Background(), "busy.example")
	require.NoError(t, err)
	defer release()

	local := &stubStrategy{kind: StrategyLocal, result: Result{Content: longHTML("ok")}}
	scrape := &stubStrategy{kind: StrategyScrape, result: Result{Content: longHTML("ok")}}
	f := New([]Strategy{local, scrape}, lim, newTestBreaker(5), nil, Config{
		MinContentLength: 10,
		DefaultTimeout:   100 * time.Millisecond,
	}, nil)

	_, err = f.Fetch(context.Background(), Request{URL: "https://busy.example/x"})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Zero(t, local.callCount())
	assert.Zero(t, scrape.callCount(), "rate limiting must abort the whole chain")
}

func TestSaturatedStrategyIsSkipped(t *testing.T) {
	t.Parallel()

	render := &healthyStub{stubStrategy: stubStrategy{
		kind:   StrategyRender,
		result: Result{Content: longHTML("render")},
		health: &Health{OK: false, Queued: 50, MaxConcurrent: 2},
	}}
	ai := &stubStrategy{kind: StrategyAI, result: Result{Content: longHTML("ai")}}

	f := New([]Strategy{render, ai}, &openLimiter{}, newTestBreaker(5), nil, Config{
		MinContentLength: 10,
		Chain:            []StrategyKind{StrategyRender, StrategyAI},
	}, nil)

	res, err := f.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, StrategyAI, res.StrategyUsed)
	assert.Zero(t, render.callCount())
}

func TestCredentialCookieInjected(t *testing.T) {
	t.Parallel()

	var seen Request
	capture := &captureStrategy{kind: StrategyLocal, out: &seen}
	f := New([]Strategy{capture}, &openLimiter{}, newTestBreaker(5), staticCreds{
		"gated.example": "session=abc",
	}, Config{MinContentLength: 10}, nil)

	_, err := f.Fetch(context.Background(), Request{URL: "https://gated.example/article"})
	require.NoError(t, err)
	assert.Equal(t, "session=abc", seen.Headers.Get("Cookie"))
}

func TestAllStrategiesFailedCarriesLastError(t *testing.T) {
	t.Parallel()

	lastCause := errors.New("bot detected")
	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureTimeout, errors.New("slow"))}
	scrape := &stubStrategy{kind: StrategyScrape, err: NewStrategyError(StrategyScrape, FailureBlocked, lastCause)}

	f := New([]Strategy{local, scrape}, &openLimiter{}, newTestBreaker(10), nil, Config{
		MinContentLength: 10,
		Chain:            []StrategyKind{StrategyLocal, StrategyScrape},
	}, nil)

	res, err := f.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.Error(t, err)
	require.True(t, IsAllFailed(err))
	assert.ErrorIs(t, err, lastCause)
	assert.Equal(t, FailureBlocked, FailureTypeOf(err))
	assert.Contains(t, res.Error, "bot detected")
}

func TestHalfOpenRecoversAfterRateLimitedAttempt(t *testing.T) {
	t.Parallel()

	clk := &clock.Fake{Current: time.Unix(5000, 0)}
	brk := breaker.New(breaker.Policy{
		FailThreshold:  1,
		OpenDuration:   time.Minute,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}, clk, nil)
	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureTimeout, errors.New("slow"))}
	lim := &gateLimiter{}
	f := New([]Strategy{local}, lim, brk, nil, Config{
		MinContentLength: 10,
		Chain:            []StrategyKind{StrategyLocal},
	}, nil)

	// One timeout trips the threshold-one circuit.
	_, err := f.Fetch(context.Background(), Request{URL: "https://slow.example/p"})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, brk.StateOf("slow.example"))

	// Window elapses; the admitted half-open attempt dies at the rate
	// limiter before any strategy runs, so no outcome is ever reported.
	clk.Advance(2 * time.Minute)
	lim.setDeny(true)
	_, err = f.Fetch(context.Background(), Request{URL: "https://slow.example/p"})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	require.Equal(t, 1, local.callCount())

	// The unused slot must be handed back: the next caller gets the
	// half-open attempt instead of the domain staying dark forever.
	lim.setDeny(false)
	local.err = nil
	local.result = Result{Content: longHTML("recovered")}
	res, err := f.Fetch(context.Background(), Request{URL: "https://slow.example/p"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, breaker.StateClosed, brk.StateOf("slow.example"))
}

func TestMidChainTripAbortsFallback(t *testing.T) {
	t.Parallel()

	brk := newTestBreaker(1)
	local := &stubStrategy{kind: StrategyLocal, err: NewStrategyError(StrategyLocal, FailureTimeout, errors.New("slow"))}
	scrape := &stubStrategy{kind: StrategyScrape, result: Result{Content: longHTML("scrape")}}
	f := New([]Strategy{local, scrape}, &openLimiter{}, brk, nil, Config{
		MinContentLength: 10,
		Chain:            []StrategyKind{StrategyLocal, StrategyScrape},
	}, nil)

	_, err := f.Fetch(context.Background(), Request{URL: "https://example.com/a"})
	require.Error(t, err)
	require.True(t, IsAllFailed(err))
	assert.Equal(t, 1, local.callCount())
	assert.Zero(t, scrape.callCount(), "a circuit tripped by the first attempt must end the chain")
	assert.Equal(t, breaker.StateOpen, brk.StateOf("example.com"))
}

type gateLimiter struct {
	mu   sync.Mutex
	deny bool
}

func (l *gateLimiter) Admit(_ context.Context, _ string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return nil, ratelimit.ErrRateLimited
	}
	return func() {}, nil
}

func (l *gateLimiter) setDeny(v bool) {
	l.mu.Lock()
	l.deny = v
	l.mu.Unlock()
}

type captureStrategy struct {
	kind StrategyKind
	out  *Request
}

func (s *captureStrategy) Kind() StrategyKind { return s.kind }

func (s *captureStrategy) Fetch(_ context.Context, req Request) (Result, error) {
	*s.out = req
	return Result{Content: longHTML("captured")}, nil
}

type staticCreds map[string]string

func (c staticCreds) CookieForDomain(_ context.Context, domain string) (string, bool, error) {
	v, ok := c[domain]
	if !ok {
		return "", false, nil
	}
	return v, true, nil
}

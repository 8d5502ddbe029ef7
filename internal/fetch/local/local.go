// Package local implements the lightweight HTTP fetch strategy using the
// Colly collector. It is the fastest backend and the least resilient to
// anti-bot defenses.
package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jerry-f/webweaver/internal/fetch"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client implements fetch.Strategy with a plain HTTP GET.
type Client struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
}

// New builds a Client with a pooled transport shared by all requests.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	transport := newTransport()
	c.WithTransport(transport)
	return &Client{
		cfg:       cfg,
		transport: transport,
		base:      c,
	}
}

// Kind identifies the strategy.
func (c *Client) Kind() fetch.StrategyKind {
	return fetch.StrategyLocal
}

// Fetch executes a single GET. The request timeout is a hard upper bound;
// non-2xx statuses and transport failures are returned as typed errors.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.WithTransport(c.transport)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	collector.SetRequestTimeout(timeout)

	var (
		result   fetch.Result
		status   int
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result = fetch.Result{
			Content:    string(r.Body),
			DurationMs: time.Since(start).Milliseconds(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := c.visit(ctx, collector, req.URL); err != nil {
		return fetch.Result{}, c.classify(status, err)
	}
	if fetchErr != nil {
		return fetch.Result{}, c.classify(status, fetchErr)
	}
	return result, nil
}

// visit runs the collector in a goroutine so ctx cancellation is honored even
// while the transport is blocked.
func (c *Client) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("local fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

// classify maps raw transport and status failures onto the strategy error
// taxonomy. 403 and 429 are treated as bot-detection signals.
func (c *Client) classify(status int, err error) error {
	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return fetch.NewStrategyError(fetch.StrategyLocal, fetch.FailureBlocked,
			fmt.Errorf("status %d: %w", status, err))
	case status >= 400:
		return fetch.NewStrategyError(fetch.StrategyLocal, fetch.FailureNon2xx,
			fmt.Errorf("status %d: %w", status, err))
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return fetch.NewStrategyError(fetch.StrategyLocal, fetch.FailureTimeout, err)
	default:
		return fetch.NewStrategyError(fetch.StrategyLocal, fetch.FailureUnavailable, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

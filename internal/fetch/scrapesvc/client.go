// Package scrapesvc implements the fetch strategy backed by an external
// high-performance scrape service. The service handles TLS-fingerprint
// evasion on its side; this client only speaks its JSON wire protocol.
package scrapesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jerry-f/webweaver/internal/fetch"
)

// Config controls the service client.
type Config struct {
	// Endpoint is the service base URL, e.g. http://scraper:8191.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements fetch.Strategy over the scrape service wire protocol.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client. The HTTP client timeout is a backstop; per-request
// deadlines come from the fetch request.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Kind identifies the strategy.
func (c *Client) Kind() fetch.StrategyKind {
	return fetch.StrategyScrape
}

type fetchPayload struct {
	URL       string            `json:"url"`
	TimeoutMs int64             `json:"timeout_ms"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type fetchReply struct {
	Status      int    `json:"status"`
	HTML        string `json:"html"`
	Title       string `json:"title"`
	ResolvedURL string `json:"resolved_url"`
	Error       string `json:"error"`
}

// Fetch posts the target URL to the service and maps its reply onto the
// strategy contract. Partial replies (title without content) are returned
// as-is rather than failing.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := fetchPayload{
		URL:       req.URL,
		TimeoutMs: timeout.Milliseconds(),
	}
	if len(req.Headers) > 0 {
		payload.Headers = make(map[string]string, len(req.Headers))
		for key := range req.Headers {
			payload.Headers[key] = req.Headers.Get(key)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fetch.Result{}, fmt.Errorf("marshal scrape payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/v1/fetch", bytes.NewReader(body))
	if err != nil {
		return fetch.Result{}, fmt.Errorf("build scrape request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fetch.Result{}, c.classifyTransport(err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	if httpResp.StatusCode != http.StatusOK {
		return fetch.Result{}, fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureUnavailable,
			fmt.Errorf("scrape service returned %d", httpResp.StatusCode))
	}

	var reply fetchReply
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 32<<20)).Decode(&reply); err != nil {
		return fetch.Result{}, fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureUnavailable,
			fmt.Errorf("decode scrape reply: %w", err))
	}

	if err := c.classifyReply(reply); err != nil {
		// The reply may still carry a title worth keeping upstream.
		return fetch.Result{Title: reply.Title}, err
	}

	return fetch.Result{
		Content:    reply.HTML,
		Title:      reply.Title,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// Health queries the service's independent health endpoint.
func (c *Client) Health(ctx context.Context) (fetch.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return fetch.Health{}, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fetch.Health{}, fmt.Errorf("scrape health probe: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fetch.Health{OK: false}, nil
	}
	var h fetch.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fetch.Health{}, fmt.Errorf("decode health reply: %w", err)
	}
	if h.MaxConcurrent > 0 && h.Queued >= h.MaxConcurrent {
		h.OK = false
	} else {
		h.OK = true
	}
	return h, nil
}

func (c *Client) classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureTimeout, err)
	}
	return fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureUnavailable, err)
}

func (c *Client) classifyReply(reply fetchReply) error {
	switch {
	case reply.Error != "":
		return fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureUnavailable,
			errors.New(reply.Error))
	case reply.Status == http.StatusForbidden || reply.Status == http.StatusTooManyRequests:
		return fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureBlocked,
			fmt.Errorf("target returned %d", reply.Status))
	case reply.Status >= 400:
		return fetch.NewStrategyError(fetch.StrategyScrape, fetch.FailureNon2xx,
			fmt.Errorf("target returned %d", reply.Status))
	}
	return nil
}

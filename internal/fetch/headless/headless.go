// Package headless implements the render fetch strategy: a real browser
// engine navigates the page, waits for a readiness condition and returns the
// rendered DOM. Backed by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/jerry-f/webweaver/internal/fetch"
)

// ReadyCondition selects how long navigation waits before the DOM is read.
type ReadyCondition string

// Supported readiness conditions. NetworkIdle is approximated by a settle
// delay after load, since CDP exposes no portable idle signal.
const (
	ReadyDOM         ReadyCondition = "domready"
	ReadyLoad        ReadyCondition = "load"
	ReadyNetworkIdle ReadyCondition = "networkidle"
)

// Config controls the render client.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Ready             ReadyCondition
	// WaitSelector, when set, blocks until the selector is visible before
	// the DOM is captured.
	WaitSelector string
	// SettleDelay applies after the readiness condition; it gives lazy
	// scripts a beat to hydrate. Also used as the networkidle approximation.
	SettleDelay time.Duration
}

// Client implements fetch.Strategy with a shared headless Chrome allocator
// and bounded parallel render slots.
type Client struct {
	cfg         Config
	slots       chan struct{}
	running     atomic.Int64
	queued      atomic.Int64
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates the render client and its browser allocator.
func New(cfg Config) (*Client, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Ready == "" {
		cfg.Ready = ReadyDOM
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Client{
		cfg:         cfg,
		slots:       make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and any browsers it owns.
func (c *Client) Close() {
	c.allocCancel()
}

// Kind identifies the strategy.
func (c *Client) Kind() fetch.StrategyKind {
	return fetch.StrategyRender
}

// Health reports render backend load for pre-flight checks. The backend is
// saturated once the queue depth reaches the parallel render budget.
func (c *Client) Health(_ context.Context) (fetch.Health, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	queued := int(c.queued.Load())
	return fetch.Health{
		Memory:        float64(mem.HeapAlloc) / (1 << 20),
		Running:       int(c.running.Load()),
		Queued:        queued,
		MaxConcurrent: c.cfg.MaxParallel,
		OK:            queued < c.cfg.MaxParallel,
	}, nil
}

// Fetch navigates with a headless browser and returns the fully rendered DOM
// plus the document title. The request timeout is a hard upper bound across
// slot wait and navigation.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 || timeout > c.cfg.NavigationTimeout {
		timeout = c.cfg.NavigationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return fetch.Result{}, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	taskCtx, navCancel := context.WithTimeout(taskCtx, timeout)
	defer navCancel()

	// Tie navigation to the caller's deadline as well.
	go func() {
		select {
		case <-ctx.Done():
			navCancel()
		case <-taskCtx.Done():
		}
	}()

	start := time.Now()
	var (
		html  string
		title string
	)
	actions := c.buildActions(req, &html, &title)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fetch.Result{}, c.classify(err)
	}

	return fetch.Result{
		Content:    html,
		Title:      title,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) buildActions(req fetch.Request, html, title *string) []chromedp.Action {
	actions := []chromedp.Action{
		c.networkSetup(req.Headers),
		chromedp.Navigate(req.URL),
	}
	switch c.cfg.Ready {
	case ReadyLoad:
		// Navigate already blocks on the load event.
	case ReadyNetworkIdle:
		actions = append(actions, chromedp.Sleep(2*c.cfg.SettleDelay))
	default:
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if c.cfg.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(c.cfg.WaitSelector, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.Title(title),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	)
	return actions
}

func (c *Client) networkSetup(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) acquire(ctx context.Context) error {
	c.queued.Add(1)
	defer c.queued.Add(-1)
	select {
	case c.slots <- struct{}{}:
		c.running.Add(1)
		return nil
	case <-ctx.Done():
		return fetch.NewStrategyError(fetch.StrategyRender, fetch.FailureTimeout,
			fmt.Errorf("render slot wait: %w", ctx.Err()))
	}
}

func (c *Client) release() {
	c.running.Add(-1)
	<-c.slots
}

func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.NewStrategyError(fetch.StrategyRender, fetch.FailureTimeout, err)
	}
	return fetch.NewStrategyError(fetch.StrategyRender, fetch.FailureRenderFailed,
		fmt.Errorf("chromedp run: %w", err))
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

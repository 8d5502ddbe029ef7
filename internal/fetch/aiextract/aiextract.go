// Package aiextract implements the last-resort fetch strategy: page markup is
// handed to a content model that returns the article title and body as
// structured JSON. Used only for pages the structural heuristics cannot parse.
package aiextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jerry-f/webweaver/internal/fetch"
)

const systemPrompt = `You extract the main article from raw HTML or text.
Respond with a single JSON object: {"title": string, "content_html": string}.
content_html must contain only the article body as clean HTML (p, h2-h6, ul,
ol, li, blockquote, pre, code, img, a). Omit navigation, ads, comments and
boilerplate. If no article is present, return an empty content_html.`

// Config controls the extraction client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxInputChars bounds how much page markup is sent to the model.
	MaxInputChars int
	Timeout       time.Duration
	UserAgent     string
}

// Completer is the slice of the OpenAI chat API the client needs; narrowed
// for tests.
type Completer interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements fetch.Strategy over a chat-completion model. It performs
// its own plain GET for the page markup: reaching this strategy means the
// structural pipeline gave up, not necessarily that the page is unfetchable.
type Client struct {
	cfg       Config
	completer Completer
	http      *http.Client
}

// New builds the client against the configured OpenAI-compatible endpoint.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 120_000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	api := openai.NewClient(opts...)
	return &Client{
		cfg:       cfg,
		completer: &api.Chat.Completions,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

// NewWithCompleter injects a completion backend, primarily for tests.
func NewWithCompleter(cfg Config, completer Completer) *Client {
	c := New(cfg)
	c.completer = completer
	return c
}

// Kind identifies the strategy.
func (c *Client) Kind() fetch.StrategyKind {
	return fetch.StrategyAI
}

type extraction struct {
	Title       string `json:"title"`
	ContentHTML string `json:"content_html"`
}

// Fetch retrieves the page markup, sends it to the model and parses the
// structured reply. A reply carrying only a title is returned as a partial
// result rather than an error.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	markup, err := c.fetchPage(ctx, req)
	if err != nil {
		return fetch.Result{}, err
	}

	start := time.Now()
	completion, err := c.completer.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage("URL: " + req.URL + "\n\n" + truncate(markup, c.cfg.MaxInputChars)),
		},
	})
	if err != nil {
		return fetch.Result{}, c.classifyModel(err)
	}
	if len(completion.Choices) == 0 {
		return fetch.Result{}, fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable,
			errors.New("model returned no choices"))
	}

	ext, err := parseReply(completion.Choices[0].Message.Content)
	if err != nil {
		return fetch.Result{}, fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable,
			fmt.Errorf("parse model reply: %w", err))
	}

	return fetch.Result{
		Content:    ext.ContentHTML,
		Title:      ext.Title,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) fetchPage(ctx context.Context, req fetch.Request) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable,
			fmt.Errorf("build page request: %w", err))
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureTimeout, err)
		}
		return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureBlocked,
			fmt.Errorf("page returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureNon2xx,
			fmt.Errorf("page returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable,
			fmt.Errorf("read page body: %w", err))
	}
	return string(body), nil
}

func (c *Client) classifyModel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureTimeout, err)
	}
	return fetch.NewStrategyError(fetch.StrategyAI, fetch.FailureUnavailable, err)
}

// parseReply tolerates models that wrap the JSON object in a code fence.
func parseReply(raw string) (extraction, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var ext extraction
	if err := json.Unmarshal([]byte(trimmed), &ext); err != nil {
		return extraction{}, err
	}
	return ext, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

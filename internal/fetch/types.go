// Package fetch defines the strategy contract shared by all fetch backends
// and the orchestrator that selects among them.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// StrategyKind names one concrete way of fetching a URL.
type StrategyKind string

// The closed set of strategies, in automatic fallback preference order.
const (
	StrategyLocal  StrategyKind = "local"
	StrategyScrape StrategyKind = "scrape"
	StrategyRender StrategyKind = "render"
	StrategyAI     StrategyKind = "ai"
)

// DefaultChain is the automatic-mode preference order: fastest first,
// most expensive last.
var DefaultChain = []StrategyKind{StrategyLocal, StrategyScrape, StrategyRender, StrategyAI}

// Valid reports whether k names a known strategy.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyLocal, StrategyScrape, StrategyRender, StrategyAI:
		return true
	}
	return false
}

// Request captures everything needed to fetch a URL. It is immutable once
// issued to a strategy client.
type Request struct {
	URL      string
	SourceID string
	// Strategy, when set, is authoritative: only this client is tried and
	// no fallback chain applies. Empty selects automatic mode.
	Strategy StrategyKind
	Timeout  time.Duration
	Headers  http.Header
}

// Result is produced once per strategy attempt. The orchestrator may produce
// several internally before returning the final one.
type Result struct {
	Success      bool         `json:"success"`
	Content      string       `json:"content,omitempty"`
	Title        string       `json:"title,omitempty"`
	StrategyUsed StrategyKind `json:"strategy_used,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	Error        string       `json:"error,omitempty"`
}

// Strategy is one fetch backend. Implementations must honor the request
// timeout as a hard upper bound and should return partial information (for
// example a title without content) rather than failing outright when only
// part of the result is obtainable.
type Strategy interface {
	Kind() StrategyKind
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Health describes a strategy backend's load, in the shape exposed by the
// render and scrape services.
type Health struct {
	CPU           float64 `json:"cpu"`
	Memory        float64 `json:"memory"`
	Running       int     `json:"running"`
	Queued        int     `json:"queued"`
	MaxConcurrent int     `json:"max_concurrent"`
	OK            bool    `json:"ok"`
}

// HealthChecker is implemented by strategies that expose a pre-flight health
// probe. The orchestrator skips saturated strategies in automatic mode.
type HealthChecker interface {
	Health(ctx context.Context) (Health, error)
}

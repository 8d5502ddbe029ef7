// Package source reads per-source configuration blobs. Sources carry an
// opaque JSON document maintained elsewhere; only the fetch section is
// interpreted here.
package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jerry-f/webweaver/internal/fetch"
)

// Config is the fetch-relevant slice of a source's configuration blob.
// Unknown sections are ignored, not rejected.
type Config struct {
	// Strategy pins the source to a single fetch strategy; empty means
	// automatic selection.
	Strategy fetch.StrategyKind
	// FetchFullText toggles fetching the linked page instead of using
	// the feed excerpt.
	FetchFullText bool
	// Timeout overrides the orchestrator's default per-request budget.
	Timeout time.Duration
}

type rawConfig struct {
	Fetch struct {
		Strategy      string `json:"strategy"`
		FetchFullText bool   `json:"fetchFullText"`
		TimeoutSec    int    `json:"timeout"`
	} `json:"fetch"`
}

// Parse decodes a source configuration blob. An empty blob yields the zero
// Config; an unknown strategy name is an error so misconfigured sources
// surface at save time rather than silently falling back.
func Parse(blob []byte) (Config, error) {
	if len(blob) == 0 {
		return Config{}, nil
	}
	var raw rawConfig
	if err := json.Unmarshal(blob, &raw); err != nil {
		return Config{}, fmt.Errorf("parse source config: %w", err)
	}

	var cfg Config
	if raw.Fetch.Strategy != "" {
		kind := fetch.StrategyKind(raw.Fetch.Strategy)
		if !kind.Valid() {
			return Config{}, fmt.Errorf("source config: unknown fetch strategy %q", raw.Fetch.Strategy)
		}
		cfg.Strategy = kind
	}
	cfg.FetchFullText = raw.Fetch.FetchFullText
	if raw.Fetch.TimeoutSec > 0 {
		cfg.Timeout = time.Duration(raw.Fetch.TimeoutSec) * time.Second
	}
	return cfg, nil
}

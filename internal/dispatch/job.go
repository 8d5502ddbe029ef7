// Package dispatch runs durable content jobs: each job fetches one article
// URL, extracts the main content, and persists the result. Jobs survive
// restarts, retry with backoff, and report progress through the event hub.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
)

// Status is the lifecycle state persisted in the jobs table.
type Status string

const (
	// StatusQueued jobs are waiting for a worker; NextRunAt gates retries.
	StatusQueued Status = "queued"
	// StatusRunning jobs are claimed by a worker.
	StatusRunning Status = "running"
	// StatusSucceeded jobs finished with a stored extraction.
	StatusSucceeded Status = "succeeded"
	// StatusFailed jobs exhausted their attempts or hit a permanent error.
	StatusFailed Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of content acquisition work, keyed by the aggregator's
// article identifier so re-submitting an article never double-runs it.
type Job struct {
	ID        uuid.UUID          `json:"id"`
	ArticleID string             `json:"article_id"`
	URL       string             `json:"url"`
	Domain    string             `json:"domain"`
	Strategy  fetch.StrategyKind `json:"strategy,omitempty"`
	ParseMode extract.ParseMode  `json:"parse_mode,omitempty"`
	// FetchTimeoutSec overrides the orchestrator's default per-fetch
	// timeout; zero keeps the default. Sourced from the article's source
	// configuration at enqueue time.
	FetchTimeoutSec int `json:"fetch_timeout_sec,omitempty"`

	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextRunAt   time.Time `json:"next_run_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExtractionRecord is the persisted outcome of a successful job.
type ExtractionRecord struct {
	JobID       uuid.UUID `json:"job_id"`
	ArticleID   string    `json:"article_id"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Title       string    `json:"title"`
	Byline      string    `json:"byline,omitempty"`
	Excerpt     string    `json:"excerpt,omitempty"`
	ContentHTML string    `json:"content_html"`
	TextLength  int       `json:"text_length"`
	Selector    string    `json:"selector,omitempty"`
	Confidence  float64   `json:"confidence"`
	Strategy    string    `json:"strategy"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

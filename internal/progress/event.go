// Package progress defines the event stream emitted by the dispatch workers
// as a job moves through the fetch and extraction pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

const (
	StageJobStart  Stage = "JOB_START"
	StageFetchDone Stage = "FETCH_DONE"
	StageJobDone   Stage = "JOB_DONE"
	StageJobRetry  Stage = "JOB_RETRY"
	StageJobError  Stage = "JOB_ERROR"
)

// Event captures one milestone of a content job. Events are emitted
// fire-and-forget; consumers must tolerate gaps and duplicates.
type Event struct {
	// JobID identifies the job run.
	JobID uuid.UUID
	// ArticleID is the aggregator-side identifier the job was enqueued for.
	ArticleID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Domain scopes the event to the registrable host being fetched.
	Domain string
	// URL is the page URL; it should not contain credentials.
	URL string
	// Strategy is the fetch strategy that served the stage, when known.
	Strategy string
	// Attempt is the 1-based delivery attempt of the job.
	Attempt int
	// Bytes carries the fetched body size for FETCH_DONE events.
	Bytes int64
	// Dur captures stage latency.
	Dur time.Duration
	// Note carries low-volume context, typically error text.
	Note string
}

// Validate performs coarse validation so malformed events are dropped at the
// hub boundary instead of poisoning sinks.
func (e Event) Validate() error {
	if e.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobRetry, StageJobError:
	case StageFetchDone:
		if e.Domain == "" {
			return errors.New("fetch done requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

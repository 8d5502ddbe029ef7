package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate signals that an active (queued or running) job already exists
// for the article.
var ErrDuplicate = errors.New("active job already exists for article")

// ErrRunning signals an operation that is invalid while the job is running.
var ErrRunning = errors.New("job is currently running")

// ErrNotRetryable signals a manual retry on a job that is not failed.
var ErrNotRetryable = errors.New("job is not in a failed state")

// Store is the durable job queue. Implementations must make ClaimDue safe
// under concurrent pollers: a due job is handed to exactly one caller.
type Store interface {
	// Create inserts a queued job, or returns ErrDuplicate when an active
	// job for the same article exists.
	Create(ctx context.Context, job Job) error

	// ClaimDue atomically moves up to limit due queued jobs to running,
	// increments their attempt counters, and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// MarkSucceeded finishes a job.
	MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed finishes a job permanently with the final error text.
	MarkFailed(ctx context.Context, id uuid.UUID, errText string, at time.Time) error

	// Reschedule re-queues a running job for a later attempt.
	Reschedule(ctx context.Context, id uuid.UUID, errText string, nextRun time.Time) error

	// Get loads one job or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Job, error)

	// List returns jobs filtered by optional status, newest first.
	List(ctx context.Context, status *Status, limit, offset int) ([]Job, error)

	// Retry re-queues a failed job for an immediate attempt, resetting its
	// attempt counter.
	Retry(ctx context.Context, id uuid.UUID, now time.Time) error

	// RetryAllFailed re-queues every failed job and reports how many.
	RetryAllFailed(ctx context.Context, now time.Time) (int, error)

	// Delete removes a job. Running jobs cannot be deleted.
	Delete(ctx context.Context, id uuid.UUID) error
}

// ResultStore persists successful extractions.
type ResultStore interface {
	SaveExtraction(ctx context.Context, rec ExtractionRecord) error
}

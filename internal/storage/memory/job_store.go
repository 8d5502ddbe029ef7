package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jerry-f/webweaver/internal/dispatch"
)

// JobStore is an in-memory dispatch.Store. ClaimDue hands each due job to
// exactly one caller, matching the Postgres implementation's semantics.
type JobStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]dispatch.Job
	staleClaim time.Duration
}

// DefaultStaleClaim matches the Postgres store's bound for re-claiming
// running jobs whose worker disappeared.
const DefaultStaleClaim = 10 * time.Minute

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]dispatch.Job), staleClaim: DefaultStaleClaim}
}

// SetStaleClaim overrides the staleness bound for re-claiming running jobs.
func (s *JobStore) SetStaleClaim(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.staleClaim = d
		s.mu.Unlock()
	}
}

// Create inserts a queued job, rejecting a second active job per article.
func (s *JobStore) Create(_ context.Context, job dispatch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.ArticleID == job.ArticleID &&
			(existing.Status == dispatch.StatusQueued || existing.Status == dispatch.StatusRunning) {
			return dispatch.ErrDuplicate
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// ClaimDue moves due queued jobs to running and bumps their attempt count.
/// Running jobs untouched past the staleness bound are re-claimed: their
// worker is gone and nothing else will ever finalize them.
func (s *JobStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := now.Add(-s.staleClaim)
	var due []dispatch.Job
	for _, job := range s.jobs {
		switch {
		case job.Status == dispatch.StatusQueued && !job.NextRunAt.After(now):
			due = append(due, job)
		case job.Status == dispatch.StatusRunning && !job.UpdatedAt.After(staleBefore):
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]dispatch.Job, 0, len(due))
	for _, job := range due {
		job.Status = dispatch.StatusRunning
		job.Attempts++
		job.UpdatedAt = now
		s.jobs[job.ID] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *JobStore) MarkSucceeded(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(job *dispatch.Job) error {
		job.Status = dispatch.StatusSucceeded
		job.LastError = ""
		job.UpdatedAt = at
		return nil
	})
}

func (s *JobStore) MarkFailed(_ context.Context, id uuid.UUID, errText string, at time.Time) error {
	return s.update(id, func(job *dispatch.Job) error {
		job.Status = dispatch.StatusFailed
		job.LastError = errText
		job.UpdatedAt = at
		return nil
	})
}

func (s *JobStore) Reschedule(_ context.Context, id uuid.UUID, errText string, nextRun time.Time) error {
	return s.update(id, func(job *dispatch.Job) error {
		job.Status = dispatch.StatusQueued
		job.LastError = errText
		job.NextRunAt = nextRun
		job.UpdatedAt = nextRun
		return nil
	})
}

func (s *JobStore) Get(_ context.Context, id uuid.UUID) (dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return dispatch.Job{}, dispatch.ErrNotFound
	}
	return job, nil
}

func (s *JobStore) List(_ context.Context, status *dispatch.Status, limit, offset int) ([]dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dispatch.Job
	for _, job := range s.jobs {
		if status == nil || job.Status == *status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Retry re-queues a failed job immediately with a fresh attempt budget.
func (s *JobStore) Retry(_ context.Context, id uuid.UUID, now time.Time) error {
	return s.update(id, func(job *dispatch.Job) error {
		if job.Status != dispatch.StatusFailed {
			return dispatch.ErrNotRetryable
		}
		job.Status = dispatch.StatusQueued
		job.Attempts = 0
		job.NextRunAt = now
		job.UpdatedAt = now
		return nil
	})
}

func (s *JobStore) RetryAllFailed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status != dispatch.StatusFailed {
			continue
		}
		job.Status = dispatch.StatusQueued
		job.Attempts = 0
		job.NextRunAt = now
		job.UpdatedAt = now
		s.jobs[id] = job
		n++
	}
	return n, nil
}

func (s *JobStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return dispatch.ErrNotFound
	}
	if job.Status == dispatch.StatusRunning {
		return dispatch.ErrRunning
	}
	delete(s.jobs, id)
	return nil
}

func (s *JobStore) update(id uuid.UUID, fn func(*dispatch.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return dispatch.ErrNotFound
	}
	if err := fn(&job); err != nil {
		return err
	}
	s.jobs[id] = job
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jerry-f/webweaver/internal/dispatch"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
)

// JobStore implements dispatch.Store on top of a content_jobs table. Claims
// use FOR UPDATE SKIP LOCKED so multiple dispatcher instances can poll the
// same queue without double-running jobs.
type JobStore struct {
	db         DB
	staleClaim time.Duration
}

// DefaultStaleClaim bounds how long a running row may sit untouched before
// ClaimDue treats its worker as dead and re-claims it.
const DefaultStaleClaim = 10 * time.Minute

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db, staleClaim: DefaultStaleClaim}
}

// SetStaleClaim overrides the staleness bound. It should comfortably exceed
// the dispatcher's per-job timeout.
func (s *JobStore) SetStaleClaim(d time.Duration) {
	if d > 0 {
		s.staleClaim = d
	}
}

const jobColumns = `id, article_id, url, domain, strategy, parse_mode, fetch_timeout_sec,
	status, attempts, max_attempts, last_error, next_run_at, created_at, updated_at`

// Create inserts a queued job. A partial unique index on article_id over
// active rows turns concurrent duplicates into ErrDuplicate.
func (s *JobStore) Create(ctx context.Context, job dispatch.Job) error {
	query := `
		INSERT INTO content_jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`
	_, err := s.db.Exec(ctx, query,
		job.ID, job.ArticleID, job.URL, job.Domain, string(job.Strategy), string(job.ParseMode),
		job.FetchTimeoutSec, string(job.Status), job.Attempts, job.MaxAttempts, job.LastError,
		job.NextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return dispatch.ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to limit due jobs for this worker. Running
// rows whose updated_at is older than the staleness bound are claimed too:
// their worker crashed mid-job and would otherwise orphan the row forever.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]dispatch.Job, error) {
	query := `
		WITH due AS (
			SELECT id FROM content_jobs
			WHERE (status = 'queued' AND next_run_at <= $1)
			   OR (status = 'running' AND updated_at <= $2)
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE content_jobs j
		SET status = 'running', attempts = j.attempts + 1, updated_at = $1
		FROM due
		WHERE j.id = due.id
		RETURNING ` + qualifyColumns("j") + `;`
	rows, err := s.db.Query(ctx, query, now, now.Add(-s.staleClaim), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *JobStore) MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE content_jobs
		SET status = 'succeeded', last_error = '', updated_at = $1
		WHERE id = $2;`
	return s.execOne(ctx, query, at, id)
}

func (s *JobStore) MarkFailed(ctx context.Context, id uuid.UUID, errText string, at time.Time) error {
	query := `
		UPDATE content_jobs
		SET status = 'failed', last_error = $1, updated_at = $2
		WHERE id = $3;`
	return s.execOne(ctx, query, errText, at, id)
}

func (s *JobStore) Reschedule(ctx context.Context, id uuid.UUID, errText string, nextRun time.Time) error {
	query := `
		UPDATE content_jobs
		SET status = 'queued', last_error = $1, next_run_at = $2, updated_at = $2
		WHERE id = $3;`
	return s.execOne(ctx, query, errText, nextRun, id)
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (dispatch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM content_jobs WHERE id = $1;`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Job{}, dispatch.ErrNotFound
		}
		return dispatch.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, status *dispatch.Status, limit, offset int) ([]dispatch.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM content_jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;`
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.db.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Retry re-queues a failed job with a fresh attempt budget.
func (s *JobStore) Retry(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE content_jobs
		SET status = 'queued', attempts = 0, next_run_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'failed';`
	tag, err := s.db.Exec(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return dispatch.ErrNotRetryable
	}
	return nil
}

func (s *JobStore) RetryAllFailed(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE content_jobs
		SET status = 'queued', attempts = 0, next_run_at = $1, updated_at = $1
		WHERE status = 'failed';`
	tag, err := s.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM content_jobs WHERE id = $1 AND status <> 'running';`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if job.Status == dispatch.StatusRunning {
			return dispatch.ErrRunning
		}
		return dispatch.ErrNotFound
	}
	return nil
}

func (s *JobStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]dispatch.Job, error) {
	var jobs []dispatch.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (dispatch.Job, error) {
	var job dispatch.Job
	var strategy, parseMode, status string
	err := row.Scan(
		&job.ID, &job.ArticleID, &job.URL, &job.Domain, &strategy, &parseMode,
		&job.FetchTimeoutSec, &status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.NextRunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return dispatch.Job{}, err
	}
	job.Strategy = fetch.StrategyKind(strategy)
	job.ParseMode = extract.ParseMode(parseMode)
	job.Status = dispatch.Status(status)
	return job, nil
}

func qualifyColumns(alias string) string {
	return alias + `.id, ` + alias + `.article_id, ` + alias + `.url, ` + alias + `.domain, ` +
		alias + `.strategy, ` + alias + `.parse_mode, ` + alias + `.fetch_timeout_sec, ` +
		alias + `.status, ` + alias + `.attempts, ` + alias + `.max_attempts, ` +
		alias + `.last_error, ` + alias + `.next_run_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

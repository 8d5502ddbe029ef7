package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerry-f/webweaver/internal/dispatch"
)

var jobCols = []string{
	"id", "article_id", "url", "domain", "strategy", "parse_mode", "fetch_timeout_sec",
	"status", "attempts", "max_attempts", "last_error", "next_run_at", "created_at", "updated_at",
}

func testJob(now time.Time) dispatch.Job {
	return dispatch.Job{
		ID:          uuid.New(),
		ArticleID:   "article-1",
		URL:         "https://example.com/story",
		Domain:      "example.com",
		Status:      dispatch.StatusQueued,
		MaxAttempts: 3,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobStoreCreate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	job := testJob(now)

	mock.ExpectExec("INSERT INTO content_jobs").
		WithArgs(job.ID, job.ArticleID, job.URL, job.Domain, "", "", 0,
			"queued", 0, 3, "", now, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewJobStore(mock)
	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	job := testJob(now)

	mock.ExpectExec("INSERT INTO content_jobs").
		WithArgs(job.ID, job.ArticleID, job.URL, job.Domain, "", "", 0,
			"queued", 0, 3, "", now, now, now).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	store := NewJobStore(mock)
	err = store.Create(context.Background(), job)
	assert.ErrorIs(t, err, dispatch.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreClaimDue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	mock.ExpectQuery("UPDATE content_jobs").
		WithArgs(now, now.Add(-10*time.Minute), 5).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			id, "article-1", "https://example.com/story", "example.com", "render", "enhanced", 0,
			"running", 1, 3, "", now, now, now,
		))

	store := NewJobStore(mock)
	jobs, err := store.ClaimDue(context.Background(), now, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, dispatch.StatusRunning, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, "render", string(jobs[0].Strategy))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreClaimDueReclaimsStaleRunning(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	// Rows stuck in running past the stale cutoff are claimed alongside
	// due queued rows, so a crashed worker's jobs get picked up again.
	mock.ExpectQuery(`status = 'running' AND updated_at`).
		WithArgs(now, now.Add(-4*time.Minute), 10).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			id, "article-9", "https://example.com/stuck", "example.com", "", "", 0,
			"running", 2, 3, "", now.Add(-time.Hour), now.Add(-time.Hour), now,
		))

	store := NewJobStore(mock)
	store.SetStaleClaim(4 * time.Minute)
	jobs, err := store.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, 2, jobs[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreMarkFailedMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	mock.ExpectExec("UPDATE content_jobs").
		WithArgs("boom", now, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewJobStore(mock)
	err = store.MarkFailed(context.Background(), id, "boom", now)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreRetryNotFailed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	mock.ExpectExec("UPDATE content_jobs").
		WithArgs(now, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT .+ FROM content_jobs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			id, "article-1", "https://example.com/story", "example.com", "", "", 0,
			"succeeded", 1, 3, "", now, now, now,
		))

	store := NewJobStore(mock)
	err = store.Retry(context.Background(), id, now)
	assert.ErrorIs(t, err, dispatch.ErrNotRetryable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreDeleteRunning(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	mock.ExpectExec("DELETE FROM content_jobs").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT .+ FROM content_jobs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			id, "article-1", "https://example.com/story", "example.com", "", "", 0,
			"running", 1, 3, "", now, now, now,
		))

	store := NewJobStore(mock)
	err = store.Delete(context.Background(), id)
	assert.ErrorIs(t, err, dispatch.ErrRunning)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreRetryAllFailed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE content_jobs").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	store := NewJobStore(mock)
	n, err := store.RetryAllFailed(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

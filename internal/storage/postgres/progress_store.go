package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jerry-f/webweaver/internal/progress"
)

// ProgressStore persists progress events and maintains per-domain fetch
// aggregates. It backs the store sink and the job history API.
type ProgressStore struct {
	db DB
}

func NewProgressStore(db DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// RecordEvents appends the batch to job_events and folds fetch completions
// into domain_stats.
func (s *ProgressStore) RecordEvents(ctx context.Context, events []progress.Event) error {
	type delta struct {
		fetches int64
		bytes   int64
		at      time.Time
	}
	stats := make(map[string]*delta)

	for _, evt := range events {
		query := `
			INSERT INTO job_events (job_id, article_id, stage, domain, url, strategy, attempt, bytes, dur_ms, note, ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`
		_, err := s.db.Exec(ctx, query,
			evt.JobID, evt.ArticleID, string(evt.Stage), evt.Domain, evt.URL,
			evt.Strategy, evt.Attempt, evt.Bytes, evt.Dur.Milliseconds(), evt.Note, evt.TS)
		if err != nil {
			return fmt.Errorf("insert job event: %w", err)
		}
		if evt.Stage == progress.StageFetchDone && evt.Domain != "" {
			d := stats[evt.Domain]
			if d == nil {
				d = &delta{}
				stats[evt.Domain] = d
			}
			d.fetches++
			d.bytes += evt.Bytes
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for domain, d := range stats {
		query := `
			INSERT INTO domain_stats (domain, fetches, bytes_total, last_fetch_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (domain) DO UPDATE SET
				fetches = domain_stats.fetches + EXCLUDED.fetches,
				bytes_total = domain_stats.bytes_total + EXCLUDED.bytes_total,
				last_fetch_at = GREATEST(domain_stats.last_fetch_at, EXCLUDED.last_fetch_at);`
		if _, err := s.db.Exec(ctx, query, domain, d.fetches, d.bytes, d.at); err != nil {
			return fmt.Errorf("upsert domain stats: %w", err)
		}
	}
	return nil
}

// JobEvent is one persisted progress row, shaped for API responses.
type JobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	ArticleID string    `json:"article_id,omitempty"`
	Stage     string    `json:"stage"`
	Domain    string    `json:"domain,omitempty"`
	URL       string    `json:"url,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Attempt   int       `json:"attempt"`
	Bytes     int64     `json:"bytes,omitempty"`
	DurMS     int64     `json:"dur_ms,omitempty"`
	Note      string    `json:"note,omitempty"`
	TS        time.Time `json:"ts"`
}

// ListJobEvents returns the event history for one job, oldest first.
func (s *ProgressStore) ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT job_id, article_id, stage, domain, url, strategy, attempt, bytes, dur_ms, note, ts
		FROM job_events
		WHERE job_id = $1
		ORDER BY ts
		LIMIT $2;`
	rows, err := s.db.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.JobID, &e.ArticleID, &e.Stage, &e.Domain, &e.URL,
			&e.Strategy, &e.Attempt, &e.Bytes, &e.DurMS, &e.Note, &e.TS); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jerry-f/webweaver/internal/dispatch"
)

// ErrExtractionNotFound signals that no extraction exists for the article.
var ErrExtractionNotFound = errors.New("extraction not found")

// ArticleStore persists extraction results, one row per article. Re-running
// a job overwrites the previous extraction.
type ArticleStore struct {
	db DB
}

func NewArticleStore(db DB) *ArticleStore {
	return &ArticleStore{db: db}
}

// SaveExtraction upserts the extraction keyed by article_id.
func (s *ArticleStore) SaveExtraction(ctx context.Context, rec dispatch.ExtractionRecord) error {
	if rec.ArticleID == "" {
		return fmt.Errorf("article id is required")
	}
	query := `
		INSERT INTO extractions (
			job_id, article_id, url, domain, title, byline, excerpt,
			content_html, text_length, selector, confidence, strategy,
			snapshot_uri, fetched_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (article_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			url = EXCLUDED.url,
			domain = EXCLUDED.domain,
			title = EXCLUDED.title,
			byline = EXCLUDED.byline,
			excerpt = EXCLUDED.excerpt,
			content_html = EXCLUDED.content_html,
			text_length = EXCLUDED.text_length,
			selector = EXCLUDED.selector,
			confidence = EXCLUDED.confidence,
			strategy = EXCLUDED.strategy,
			snapshot_uri = EXCLUDED.snapshot_uri,
			fetched_at = EXCLUDED.fetched_at;`
	_, err := s.db.Exec(ctx, query,
		rec.JobID, rec.ArticleID, rec.URL, rec.Domain, rec.Title, rec.Byline, rec.Excerpt,
		rec.ContentHTML, rec.TextLength, rec.Selector, rec.Confidence, rec.Strategy,
		rec.SnapshotURI, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

// GetByArticle loads the stored extraction for one article.
func (s *ArticleStore) GetByArticle(ctx context.Context, articleID string) (dispatch.ExtractionRecord, error) {
	query := `
		SELECT job_id, article_id, url, domain, title, byline, excerpt,
			content_html, text_length, selector, confidence, strategy,
			snapshot_uri, fetched_at
		FROM extractions WHERE article_id = $1;`
	var rec dispatch.ExtractionRecord
	var jobID uuid.UUID
	err := s.db.QueryRow(ctx, query, articleID).Scan(
		&jobID, &rec.ArticleID, &rec.URL, &rec.Domain, &rec.Title, &rec.Byline, &rec.Excerpt,
		&rec.ContentHTML, &rec.TextLength, &rec.Selector, &rec.Confidence, &rec.Strategy,
		&rec.SnapshotURI, &rec.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.ExtractionRecord{}, ErrExtractionNotFound
		}
		return dispatch.ExtractionRecord{}, fmt.Errorf("get extraction: %w", err)
	}
	rec.JobID = jobID
	return rec, nil
}

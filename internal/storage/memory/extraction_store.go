package memory

import (
	"context"
	"sync"

	"github.com/jerry-f/webweaver/internal/dispatch"
)

// ExtractionStore keeps extraction results in memory, newest write per
// article wins.
type ExtractionStore struct {
	mu      sync.RWMutex
	records map[string]dispatch.ExtractionRecord
}

func NewExtractionStore() *ExtractionStore {
	return &ExtractionStore{records: make(map[string]dispatch.ExtractionRecord)}
}

func (s *ExtractionStore) SaveExtraction(_ context.Context, rec dispatch.ExtractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ArticleID] = rec
	return nil
}

// GetByArticle returns the stored extraction for an article.
func (s *ExtractionStore) GetByArticle(articleID string) (dispatch.ExtractionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[articleID]
	return rec, ok
}

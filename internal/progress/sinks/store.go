package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/progress"
)

// EventRecorder persists progress event batches. The Postgres progress store
// satisfies this interface.
type EventRecorder interface {
	RecordEvents(ctx context.Context, events []progress.Event) error
}

// StoreSink writes progress events to a durable store so job history
// survives restarts and is queryable from the API.
type StoreSink struct {
	repo   EventRecorder
	logger *zap.Logger
}

func NewStoreSink(repo EventRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.RecordEvents(ctx, batch); err != nil {
		return fmt.Errorf("record progress events: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

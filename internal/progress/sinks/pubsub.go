package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/jerry-f/webweaver/internal/progress"
)

// Topic is the subset of *pubsub.Topic the sink depends on.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink publishes progress events to a Pub/Sub topic so downstream
// aggregator components can react to job completion without polling.
type PubSubSink struct {
	topic Topic
}

// NewPubSubSink wraps an existing topic handle. The caller owns the client.
func NewPubSubSink(topic Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

type eventMessage struct {
	JobID     string `json:"job_id"`
	ArticleID string `json:"article_id,omitempty"`
	Stage     string `json:"stage"`
	Domain    string `json:"domain,omitempty"`
	URL       string `json:"url,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	DurMS     int64  `json:"dur_ms,omitempty"`
	Note      string `json:"note,omitempty"`
	TS        string `json:"ts"`
}

// Consume publishes each event fire-and-forget; the client batches and
// retries in the background. Marshal failures are returned, publish results
// are not awaited.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		data, err := json.Marshal(eventMessage{
			JobID:     evt.JobID.String(),
			ArticleID: evt.ArticleID,
			Stage:     string(evt.Stage),
			Domain:    evt.Domain,
			URL:       evt.URL,
			Strategy:  evt.Strategy,
			Attempt:   evt.Attempt,
			Bytes:     evt.Bytes,
			DurMS:     evt.Dur.Milliseconds(),
			Note:      evt.Note,
			TS:        evt.TS.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"stage":  string(evt.Stage),
				"domain": evt.Domain,
			},
		})
	}
	return nil
}

// Close stops the topic's publish goroutines, flushing pending messages.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

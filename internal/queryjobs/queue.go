// Package queryjobs publishes and consumes async Jobs over Cloud Pub/Sub.
// It defines job types for message indexing, the retention sweep and
// unindexed-message re-indexing; the server publishes only retention-sweep
// jobs and consumes none. Grounded on the teacher's gcpclient
// package's direct-GCP-SDK-client idiom (client held on a struct, every
// call wrapped with a package-prefixed error).
package queryjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// JobType names the work a Job instructs a worker to perform.
type JobType string

const (
	JobIndexMessage     JobType = "index-message"
	JobReindexUnindexed JobType = "reindex-unindexed"
	JobRetentionSweep   JobType = "retention-sweep"
)

// Job is the envelope published to the topic and consumed by a worker.
type Job struct {
	Type      JobType `json:"type"`
	MessageID string  `json:"message_id,omitempty"`
	OlderThan string  `json:"older_than,omitempty"` // RFC3339, for retention-sweep/reindex jobs
}

// Queue publishes and consumes Jobs over a Pub/Sub topic/subscription pair.
type Queue struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
}

// Config names the topic/subscription this deployment uses.
type Config struct {
	ProjectID        string
	TopicID          string
	SubscriptionID   string
}

// New creates a Queue, publishing to TopicID and (if SubscriptionID is set)
// ready to Consume from it.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("queryjobs.New: client: %w", err)
	}
	q := &Queue{client: client, topic: client.Topic(cfg.TopicID)}
	if cfg.SubscriptionID != "" {
		q.subscription = client.Subscription(cfg.SubscriptionID)
	}
	return q, nil
}

// Close stops the publisher and releases the client.
func (q *Queue) Close() error {
	q.topic.Stop()
	return q.client.Close()
}

// Enqueue publishes a Job, waiting for the publish to be acknowledged by
// the broker. Best-effort callers (the retention sweep's job publish) log
// and continue on error rather than failing the work that triggered it.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queryjobs.Queue.Enqueue: marshal: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("queryjobs.Queue.Enqueue: publish: %w", err)
	}
	return nil
}

// Handler processes one Job. Returning an error nacks the message so
// Pub/Sub redelivers it.
type Handler func(ctx context.Context, job Job) error

// Consume blocks, dispatching each received message to handle until ctx is
// canceled. Grounded on the teacher's graceful-shutdown-via-context idiom
// in cmd/server/main.go, generalized from an HTTP server loop to a
// subscription receive loop.
func (q *Queue) Consume(ctx context.Context, handle Handler) error {
	if q.subscription == nil {
		return fmt.Errorf("queryjobs.Queue.Consume: no subscription configured")
	}
	return q.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			slog.Error("queryjobs: malformed message, dropping", "error", err)
			msg.Ack() // not retryable: redelivery will never parse either
			return
		}
		if err := handle(ctx, job); err != nil {
			slog.Error("queryjobs: job handler failed", "type", job.Type, "error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

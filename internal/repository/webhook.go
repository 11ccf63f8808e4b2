package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// WebhookRepo backs the idempotent event-dispatch contract of spec §4.7:
// a WebhookEvent row is inserted before the handler runs, and its
// processedAt is written in the same transaction as the handler's state
// mutations (step 5).
type WebhookRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookRepo creates a WebhookRepo.
func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// FindByExternalEventID returns the stored event, or nil if never seen.
func (r *WebhookRepo) FindByExternalEventID(ctx context.Context, externalEventID string) (*model.WebhookEvent, error) {
	e := &model.WebhookEvent{}
	err := r.pool.QueryRow(ctx, `
		SELECT external_event_id, type, received_at, processed_at
		FROM webhook_events WHERE external_event_id = $1
	`, externalEventID).Scan(&e.ExternalEventID, &e.Type, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.WebhookRepo.FindByExternalEventID: %w", err)
	}
	return e, nil
}

// Insert records a newly-seen event ahead of processing. A unique
// constraint on external_event_id makes a racing duplicate delivery return
// a conflict error, so only the delivery that inserted the row dispatches;
// the caller reports the error and the provider redelivers.
func (r *WebhookRepo) Insert(ctx context.Context, externalEventID, eventType string) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (external_event_id, type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_event_id) DO NOTHING
	`, externalEventID, eventType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("repository.WebhookRepo.Insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository.WebhookRepo.Insert: event %s already recorded", externalEventID)
	}
	return nil
}

// MarkProcessed writes processedAt inside tx, so it commits atomically with
// the handler's own state mutations (spec §4.7 step 5).
func (r *WebhookRepo) MarkProcessed(ctx context.Context, tx pgx.Tx, externalEventID string) error {
	_, err := pgxExecutor(tx, r.pool).Exec(ctx, `
		UPDATE webhook_events SET processed_at = $1 WHERE external_event_id = $2
	`, time.Now().UTC(), externalEventID)
	if err != nil {
		return fmt.Errorf("repository.WebhookRepo.MarkProcessed: %w", err)
	}
	return nil
}

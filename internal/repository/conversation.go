package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// ConversationRepo is the relational half of ChatPersistence, grounded on
// the teacher's ThreadRepo (GetOrCreateThread/SaveMessage, touch-updated_at)
// and SessionRepo (CRUD shape, pgx.ErrNoRows handling).
type ConversationRepo struct {
	pool *pgxpool.Pool
}

// NewConversationRepo creates a ConversationRepo.
func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

// GetBySessionID returns the conversation for sessionId, or nil if none exists.
func (r *ConversationRepo) GetBySessionID(ctx context.Context, sessionID string) (*model.Conversation, error) {
	c := &model.Conversation{}
	var owner, hint *string
	var meta []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, owner_username, collection_hint, metadata, created_at, updated_at
		FROM conversations WHERE session_id = $1
	`, sessionID).Scan(&c.ID, &c.SessionID, &owner, &hint, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.ConversationRepo.GetBySessionID: %w", err)
	}
	if owner != nil {
		c.OwnerUsername = *owner
	}
	if hint != nil {
		c.CollectionHint = *hint
	}
	_ = json.Unmarshal(meta, &c.Metadata)
	return c, nil
}

// Create inserts a new conversation row, optionally inside tx (nil uses the pool).
func (r *ConversationRepo) Create(ctx context.Context, tx pgx.Tx, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	meta, _ := json.Marshal(c.Metadata)
	_, err := pgxExecutor(tx, r.pool).Exec(ctx, `
		INSERT INTO conversations (id, session_id, owner_username, collection_hint, metadata, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $6)
	`, c.ID, c.SessionID, c.OwnerUsername, c.CollectionHint, meta, now)
	if err != nil {
		return fmt.Errorf("repository.ConversationRepo.Create: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// Touch bumps updated_at, mirroring the teacher's "touch thread" step in
// ThreadRepo.SaveMessage. Optionally runs inside tx.
func (r *ConversationRepo) Touch(ctx context.Context, tx pgx.Tx, conversationID string) error {
	_, err := pgxExecutor(tx, r.pool).Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("repository.ConversationRepo.Touch: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes conversations whose updated_at predates the
// retention horizon; messages cascade via foreign key (spec §4.5 Retention).
// Returns the ids of purged conversations so the caller can clean up the
// vector store.
func (r *ConversationRepo) PurgeOlderThan(ctx context.Context, horizon time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM conversations WHERE updated_at < $1 RETURNING id
	`, horizon)
	if err != nil {
		return nil, fmt.Errorf("repository.ConversationRepo.PurgeOlderThan: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository.ConversationRepo.PurgeOlderThan: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

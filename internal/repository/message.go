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

// MessageRepo handles Message persistence, grounded on the teacher's
// ThreadRepo.SaveMessage insert shape.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// FindByClientMsgID supports AppendMessage idempotency (spec §4.5): a
// duplicate client id within the same conversation returns the prior row.
func (r *MessageRepo) FindByClientMsgID(ctx context.Context, conversationID, clientMsgID string) (*model.Message, error) {
	if clientMsgID == "" {
		return nil, nil
	}
	return r.scanOne(ctx, `
		SELECT id, conversation_id, client_msg_id, role, content, owner_username, external_vec_id, metadata, created_at
		FROM messages WHERE conversation_id = $1 AND client_msg_id = $2
	`, conversationID, clientMsgID)
}

// Insert appends a message row. Callers are expected to have already
// resolved/created the Conversation in the same transaction boundary
// (see chat.Persistence.AppendMessage).
func (r *MessageRepo) Insert(ctx context.Context, tx pgx.Tx, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(m.Metadata)

	exec := pgxExecutor(tx, r.pool)
	_, err := exec.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, client_msg_id, role, content, owner_username, external_vec_id, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, m.ID, m.ConversationID, m.ClientMsgID, string(m.Role), m.Content, m.OwnerUsername, m.ExternalVecID, meta, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository.MessageRepo.Insert: %w", err)
	}
	return nil
}

// SetExternalVecID back-fills the vector-store point id once indexing
// succeeds (spec §4.5 step 3). Non-fatal if the message no longer exists.
func (r *MessageRepo) SetExternalVecID(ctx context.Context, messageID, vecID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE messages SET external_vec_id = $1 WHERE id = $2`, vecID, messageID)
	if err != nil {
		return fmt.Errorf("repository.MessageRepo.SetExternalVecID: %w", err)
	}
	return nil
}

// LoadHistory returns messages ordered by (created_at, id) ascending,
// cursor-paginated. cursor is opaque: "<rfc3339nano>|<id>"; empty starts
// from the beginning.
func (r *MessageRepo) LoadHistory(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if cursor == "" {
		rows, err = r.pool.Query(ctx, `
			SELECT id, conversation_id, client_msg_id, role, content, owner_username, external_vec_id, metadata, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at ASC, id ASC LIMIT $2
		`, conversationID, limit+1)
	} else {
		ts, id, perr := decodeCursor(cursor)
		if perr != nil {
			return nil, "", fmt.Errorf("repository.MessageRepo.LoadHistory: bad cursor: %w", perr)
		}
		rows, err = r.pool.Query(ctx, `
			SELECT id, conversation_id, client_msg_id, role, content, owner_username, external_vec_id, metadata, created_at
			FROM messages WHERE conversation_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC LIMIT $4
		`, conversationID, ts, id, limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("repository.MessageRepo.LoadHistory: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, serr := scanMessage(rows)
		if serr != nil {
			return nil, "", fmt.Errorf("repository.MessageRepo.LoadHistory: scan: %w", serr)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(msgs) > limit {
		last := msgs[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		msgs = msgs[:limit]
	}
	return msgs, nextCursor, nil
}

// UnindexedSince returns messages still missing external_vec_id, older than
// the given age — grounding for the reconciler named in spec §4.5 step 4.
func (r *MessageRepo) UnindexedSince(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, client_msg_id, role, content, owner_username, external_vec_id, metadata, created_at
		FROM messages WHERE external_vec_id IS NULL AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.MessageRepo.UnindexedSince: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, serr := scanMessage(rows)
		if serr != nil {
			return nil, fmt.Errorf("repository.MessageRepo.UnindexedSince: scan: %w", serr)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (r *MessageRepo) scanOne(ctx context.Context, query string, args ...any) (*model.Message, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	m, err := scanMessageRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.MessageRepo: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*model.Message, error) {
	m := &model.Message{}
	var clientID, owner, vecID *string
	var roleStr string
	var meta []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &clientID, &roleStr, &m.Content, &owner, &vecID, &meta, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = model.Role(roleStr)
	if clientID != nil {
		m.ClientMsgID = *clientID
	}
	if owner != nil {
		m.OwnerUsername = *owner
	}
	if vecID != nil {
		m.ExternalVecID = *vecID
	}
	_ = json.Unmarshal(meta, &m.Metadata)
	return m, nil
}

func scanMessage(rows pgx.Rows) (*model.Message, error) {
	return scanMessageRow(rows)
}

func encodeCursor(t time.Time, id string) string {
	return t.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	for i := len(cursor) - 1; i >= 0; i-- {
		if cursor[i] == '|' {
			ts, err := time.Parse(time.RFC3339Nano, cursor[:i])
			if err != nil {
				return time.Time{}, "", err
			}
			return ts, cursor[i+1:], nil
		}
	}
	return time.Time{}, "", fmt.Errorf("malformed cursor")
}

// pgxExecutor lets Insert run inside an explicit transaction (tx != nil) or
// directly against the pool (tx == nil), so ChatPersistence can wrap the
// Conversation+Message insert pair in one transaction per spec §4.5 step 2.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func pgxExecutor(tx pgx.Tx, pool *pgxpool.Pool) execer {
	if tx != nil {
		return tx
	}
	return pool
}

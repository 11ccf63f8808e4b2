// Package chat implements ChatPersistence: durable conversation storage plus
// asynchronous semantic indexing of each turn (spec §4.5). Grounded on the
// teacher's ThreadRepo/SessionRepo append-and-touch shape and handler/chat.go's
// fire-and-forget `go func() { bgCtx := context.Background(); ... }()`
// background-ingest pattern, generalized from "ingest to cortex" into
// "index to VectorStoreClient".
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/embedding"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
)

// chatCollection is the VectorStoreClient collection chat turns are indexed
// into, separate from the curated/document-upload passage collections.
const chatCollection = "chat-messages"

// indexTimeout bounds the background embed+upsert goroutine so a stalled
// embedding or vector-store call cannot leak indefinitely.
const indexTimeout = 30 * time.Second

// Scope selects SemanticSearch's visibility boundary (spec §4.5).
type Scope struct {
	SessionID string
	Owner     string
	Kind      ScopeKind
}

// ScopeKind names which boundary a Scope enforces.
type ScopeKind string

const (
	ScopeSession          ScopeKind = "session"
	ScopeOwner            ScopeKind = "owner"
	ScopeOwnerAndDocuments ScopeKind = "owner+documents"
)

// Persistence implements ChatPersistence.
type Persistence struct {
	pool          *pgxpool.Pool
	conversations *repository.ConversationRepo
	messages      *repository.MessageRepo
	engine        embedding.Engine
	store         vectorstore.Client
}

// New creates a Persistence.
func New(pool *pgxpool.Pool, conversations *repository.ConversationRepo, messages *repository.MessageRepo, engine embedding.Engine, store vectorstore.Client) *Persistence {
	return &Persistence{pool: pool, conversations: conversations, messages: messages, engine: engine, store: store}
}

// AppendMessage implements spec §4.5's algorithm: resolve-or-create the
// conversation and insert the message in one transaction (step 1-2), then
// fire off best-effort asynchronous vector indexing (step 3-4).
//
// A duplicate clientMsgId (read from meta["clientMsgId"]) within the same
// conversation returns the prior message unchanged, per the idempotency rule.
func (p *Persistence) AppendMessage(ctx context.Context, sessionID, owner string, role model.Role, content string, meta map[string]string) (*model.Message, error) {
	if sessionID == "" {
		return nil, apperror.New(apperror.KindBadInput, "sessionId is required")
	}
	if content == "" {
		return nil, apperror.New(apperror.KindBadInput, "content is required")
	}
	clientMsgID := meta["clientMsgId"]

	var result *model.Message
	var freshlyInserted bool
	err := repository.WithTx(ctx, p.pool, func(ctx context.Context, tx pgx.Tx) error {
		conv, err := p.conversations.GetBySessionID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("chat.Persistence.AppendMessage: load conversation: %w", err)
		}
		if conv == nil {
			conv = &model.Conversation{SessionID: sessionID, OwnerUsername: owner}
			if err := p.conversations.Create(ctx, tx, conv); err != nil {
				return fmt.Errorf("chat.Persistence.AppendMessage: create conversation: %w", err)
			}
		} else {
			if owner != "" && conv.OwnerUsername != "" && conv.OwnerUsername != owner {
				return apperror.New(apperror.KindForbidden, "sessionId belongs to a different owner")
			}
			if err := p.conversations.Touch(ctx, tx, conv.ID); err != nil {
				return fmt.Errorf("chat.Persistence.AppendMessage: touch conversation: %w", err)
			}
		}

		if clientMsgID != "" {
			prior, err := p.messages.FindByClientMsgID(ctx, conv.ID, clientMsgID)
			if err != nil {
				return fmt.Errorf("chat.Persistence.AppendMessage: idempotency lookup: %w", err)
			}
			if prior != nil {
				result = prior
				return nil
			}
		}

		m := &model.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			ClientMsgID:    clientMsgID,
			Role:           role,
			Content:        content,
			OwnerUsername:  owner,
			Metadata:       meta,
		}
		if err := p.messages.Insert(ctx, tx, m); err != nil {
			return fmt.Errorf("chat.Persistence.AppendMessage: insert message: %w", err)
		}
		result = m
		freshlyInserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	// An idempotent replay returns the prior message unchanged and does not
	// re-trigger indexing; only a freshly inserted row is indexed.
	if freshlyInserted {
		p.indexAsync(result, sessionID)
	}
	return result, nil
}

// indexAsync embeds and upserts the message in the background. Failure is
// logged and swallowed — spec §4.5 step 4: "non-fatal; the Message is still
// persisted."  A message left unindexed stays listed by
// MessageRepo.UnindexedSince; nothing in this service retries it.
func (p *Persistence) indexAsync(m *model.Message, sessionID string) {
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()

		vec, err := p.engine.DenseEmbed(bgCtx, m.Content)
		if err != nil {
			slog.Error("chat message embedding failed", "message_id", m.ID, "error", err)
			return
		}

		passage := model.Passage{
			ID:         m.ID,
			Text:       m.Content,
			Collection: chatCollection,
			DenseVec:   vec,
			Metadata: map[string]string{
				"messageId":      m.ID,
				"conversationId": m.ConversationID,
				"sessionId":      sessionID,
				"owner":          m.OwnerUsername,
				"role":           string(m.Role),
				"createdAt":      m.CreatedAt.Format(time.RFC3339Nano),
			},
		}
		if err := p.store.Upsert(bgCtx, chatCollection, []model.Passage{passage}); err != nil {
			slog.Error("chat message vector upsert failed", "message_id", m.ID, "error", err)
			return
		}
		if err := p.messages.SetExternalVecID(bgCtx, m.ID, m.ID); err != nil {
			slog.Error("chat message external_vec_id backfill failed", "message_id", m.ID, "error", err)
		}
	}()
}

// LoadHistory returns the conversation's messages in creation order,
// cursor-paginated, with the same owner check as AppendMessage.
func (p *Persistence) LoadHistory(ctx context.Context, sessionID, owner, cursor string, limit int) ([]model.Message, string, error) {
	conv, err := p.conversations.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("chat.Persistence.LoadHistory: %w", err)
	}
	if conv == nil {
		return nil, "", apperror.New(apperror.KindNotFound, "no conversation for sessionId")
	}
	if owner != "" && conv.OwnerUsername != "" && conv.OwnerUsername != owner {
		return nil, "", apperror.New(apperror.KindForbidden, "sessionId belongs to a different owner")
	}
	return p.messages.LoadHistory(ctx, conv.ID, cursor, limit)
}

// SemanticSearch ranks prior messages by similarity to query, scoped per
// Scope — filtering happens at the vector-store query level (not by
// discarding results after the fact), per spec §4.5's privacy rule.
func (p *Persistence) SemanticSearch(ctx context.Context, query string, scope Scope, topK int) ([]vectorstore.Candidate, error) {
	if topK <= 0 || topK > 50 {
		topK = 10
	}
	filter, err := scope.filter()
	if err != nil {
		return nil, err
	}

	vec, err := p.engine.DenseEmbed(ctx, query)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindEmbeddingUnavailable, "semantic search embedding failed", err)
	}
	cands, err := p.store.DenseSearch(ctx, chatCollection, vec, topK, filter)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindRetrievalUnavailable, "semantic search failed", err)
	}
	return cands, nil
}

func (s Scope) filter() (map[string]string, error) {
	switch s.Kind {
	case ScopeSession:
		if s.SessionID == "" {
			return nil, apperror.New(apperror.KindBadInput, "session scope requires a sessionId")
		}
		return map[string]string{"sessionId": s.SessionID}, nil
	case ScopeOwner, ScopeOwnerAndDocuments:
		if s.Owner == "" {
			return nil, apperror.New(apperror.KindBadInput, "owner scope requires an authenticated owner")
		}
		// "owner+documents" uses the same owner filter as "owner".
		// SemanticSearch queries only the chat-message collection, so
		// document-upload collections are not searched under either scope.
		return map[string]string{"owner": s.Owner}, nil
	default:
		return nil, apperror.New(apperror.KindBadInput, fmt.Sprintf("unknown scope %q", s.Kind))
	}
}

// PurgeExpired runs the retention sweep (spec §4.5 Retention): deletes
// conversations whose updatedAt predates horizon; messages cascade via FK,
// vector-store points are deleted by their conversationId payload field.
func (p *Persistence) PurgeExpired(ctx context.Context, horizon time.Time) (int, error) {
	ids, err := p.conversations.PurgeOlderThan(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("chat.Persistence.PurgeExpired: %w", err)
	}
	for _, id := range ids {
		// Best-effort: a conversation is already gone relationally even if
		// its vector-store cleanup fails; nothing retries the cleanup later.
		if err := p.store.DeleteByMetadata(ctx, chatCollection, map[string]string{"conversationId": id}); err != nil {
			slog.Error("chat vector purge failed", "conversation_id", id, "error", err)
		}
	}
	return len(ids), nil
}

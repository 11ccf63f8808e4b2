package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/chat"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
)

// historyWriteEndpoint and historyReadEndpoint gate the chat-history
// write/read endpoints at BASIC tier
// per the tier matrix's "history" column — distinct from /chat/search, which
// stays FREE since it performs no persistence.
var (
	historyWriteEndpoint = subscription.EndpointPolicy{Name: "chat.messages.append", MinTier: model.TierBasic}
	historyReadEndpoint  = subscription.EndpointPolicy{Name: "chat.messages.list", MinTier: model.TierBasic, FailOpen: true}
)

type appendMessageRequest struct {
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
}

type messageBody struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

// AppendMessage implements POST /chat/messages (spec §4.5, §6).
func AppendMessage(persistence *chat.Persistence, enforcer *subscription.Enforcer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req appendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "invalid request body"))
			return
		}
		if req.SessionID == "" || req.Content == "" {
			writeError(w, r, apperror.New(apperror.KindBadInput, "session_id and content are required"))
			return
		}
		role := model.Role(req.Role)
		switch role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			writeError(w, r, apperror.New(apperror.KindBadInput, "role must be one of USER, ASSISTANT, SYSTEM"))
			return
		}

		principal := middleware.PrincipalFromContext(r.Context())
		rateInfo, err := enforcer.CheckAccess(r.Context(), principal, historyWriteEndpoint)
		setRateLimitHeaders(w, rateInfo)
		if err != nil {
			writeError(w, r, err)
			return
		}

		owner := ""
		if principal != nil && !principal.IsAnonymous() {
			owner = principal.Username
		}

		msg, err := persistence.AppendMessage(r.Context(), req.SessionID, owner, role, req.Content, req.Metadata)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toMessageBody(msg, req.SessionID))
	}
}

// ListMessages implements GET /chat/conversations/{id}/messages (spec §6):
// cursor-paginated, wrapped in the collection envelope
// {data, next_cursor, has_more}.
func ListMessages(persistence *chat.Persistence, enforcer *subscription.Enforcer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if sessionID == "" {
			writeError(w, r, apperror.New(apperror.KindBadInput, "conversation id is required"))
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		principal := middleware.PrincipalFromContext(r.Context())
		rateInfo, err := enforcer.CheckAccess(r.Context(), principal, historyReadEndpoint)
		setRateLimitHeaders(w, rateInfo)
		if err != nil {
			writeError(w, r, err)
			return
		}

		owner := ""
		if principal != nil && !principal.IsAnonymous() {
			owner = principal.Username
		}

		messages, nextCursor, err := persistence.LoadHistory(r.Context(), sessionID, owner, cursor, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		bodies := make([]messageBody, 0, len(messages))
		for i := range messages {
			bodies = append(bodies, toMessageBody(&messages[i], sessionID))
		}
		writeJSON(w, http.StatusOK, collectionEnvelope{
			Data:       bodies,
			NextCursor: nullableCursor(nextCursor),
			HasMore:    nextCursor != "",
		})
	}
}

// scopeRequest carries POST /chat/search's scope object, including the
// session id a "session" scope needs to filter to one conversation.
type scopeRequest struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
}

type searchRequest struct {
	Query            string       `json:"query"`
	Scope            scopeRequest `json:"scope"`
	IncludeDocuments bool         `json:"include_documents"`
}

type searchResult struct {
	SourceRef string  `json:"source_ref"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"` // "chat" or "document"
}

// Search implements POST /chat/search (spec §4.5, §6).
func Search(persistence *chat.Persistence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "invalid request body"))
			return
		}
		if len(req.Query) == 0 || len(req.Query) > 500 {
			writeError(w, r, apperror.New(apperror.KindBadInput, "query must be 1..500 characters"))
			return
		}

		principal := middleware.PrincipalFromContext(r.Context())
		scope := chat.Scope{Kind: chat.ScopeKind(req.Scope.Kind)}
		switch scope.Kind {
		case chat.ScopeSession:
			if req.Scope.SessionID == "" {
				writeError(w, r, apperror.New(apperror.KindBadInput, "session scope requires scope.session_id"))
				return
			}
			scope.SessionID = req.Scope.SessionID
		case chat.ScopeOwner, chat.ScopeOwnerAndDocuments:
			if principal == nil || principal.IsAnonymous() {
				writeError(w, r, apperror.New(apperror.KindUnauthenticated, "owner-scoped search requires authentication"))
				return
			}
			scope.Owner = principal.Username
		default:
			writeError(w, r, apperror.New(apperror.KindBadInput, "scope must be one of session, owner, owner+documents"))
			return
		}
		if req.IncludeDocuments {
			scope.Kind = chat.ScopeOwnerAndDocuments
		}

		candidates, err := persistence.SemanticSearch(r.Context(), req.Query, scope, 10)
		if err != nil {
			writeError(w, r, err)
			return
		}

		results := make([]searchResult, 0, len(candidates))
		for _, c := range candidates {
			source := "document"
			if c.Passage.Collection == "" || c.Passage.Metadata["conversationId"] != "" {
				source = "chat"
			}
			results = append(results, searchResult{
				SourceRef: c.Passage.SourceRef,
				Text:      c.Passage.Text,
				Score:     c.Score,
				Source:    source,
			})
		}
		writeJSON(w, http.StatusOK, collectionEnvelope{Data: results, NextCursor: nil, HasMore: false})
	}
}

// collectionEnvelope is spec §6's standard paginated response shape.
type collectionEnvelope struct {
	Data       any     `json:"data"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

func nullableCursor(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}

func toMessageBody(m *model.Message, sessionID string) messageBody {
	return messageBody{
		ID:        m.ID,
		SessionID: sessionID,
		Role:      string(m.Role),
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

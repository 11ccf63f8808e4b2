// Package pipeline implements QueryPipeline: the per-request orchestrator
// composing AuthGuard, SubscriptionEnforcer, RetrievalOrchestrator,
// LLMClient, and ChatPersistence into the state machine of spec §4.6,
// generalized from the teacher's handler/chat.go SSE flow (cache+embed
// fan-out, status/chunk/done event shape, fire-and-forget persistence).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/chat"
	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/retrieval"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
)

// Stage names one node of the spec §4.6 state machine.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageAuthed            Stage = "AUTHED"
	StageAccessChecked     Stage = "ACCESS_CHECKED"
	StageRetrieved         Stage = "RETRIEVED"
	StageGenerating        Stage = "GENERATING"
	StageCompleted         Stage = "COMPLETED"
	StageCancelled         Stage = "CANCELLED"
	StageDeniedAccess      Stage = "DENIED_ACCESS"
	StageRetrievalDegraded Stage = "RETRIEVAL_DEGRADED"
)

// Request is one /query or /chat call.
type Request struct {
	RequestID   string
	Principal   *model.Principal
	SessionID   string // empty ⇒ no ChatPersistence turn is recorded
	Query       string
	Collections []string
	Options     retrieval.Options
	Stream      bool
}

// Event is one unit of pipeline progress, emitted through Run's callback.
// Streaming handlers translate these 1:1 into SSE frames; non-streaming
// handlers collect them and render the final Answer once Stage is
// StageCompleted.
type Event struct {
	Stage     Stage
	Chunk     string                    // non-empty only for Stage == StageGenerating
	Answer    string                    // set on StageCompleted
	Passages  []model.Ranked            // set on StageRetrieved/StageRetrievalDegraded
	Err       error                     // set on StageDeniedAccess/StageCancelled and hard failures
	RateLimit subscription.RateLimitInfo // set on StageAccessChecked/StageDeniedAccess, for X-RateLimit-* headers
}

// policy bundles the endpoint-specific knobs Run needs beyond the request
// itself: which EndpointPolicy gates CheckAccess, and whether a retrieval
// failure degrades (answer without context) or aborts the request.
type Policy struct {
	Endpoint             subscription.EndpointPolicy
	AllowDegradedRetrieval bool
	SystemPrompt         string
	LLMParams            llm.Params
}

// QueryPipeline implements the spec §4.6 orchestrator.
type QueryPipeline struct {
	enforcer    *subscription.Enforcer
	orchestrator *retrieval.Orchestrator
	llmClient   llm.Client
	persistence *chat.Persistence
}

// New creates a QueryPipeline.
func New(enforcer *subscription.Enforcer, orchestrator *retrieval.Orchestrator, llmClient llm.Client, persistence *chat.Persistence) *QueryPipeline {
	return &QueryPipeline{enforcer: enforcer, orchestrator: orchestrator, llmClient: llmClient, persistence: persistence}
}

// Run drives one request through the full state machine, invoking emit for
// every stage transition. It returns the terminal error, if any — nil for
// StageCompleted — plus the RateLimitInfo computed during the access check,
// for the caller to set X-RateLimit-* headers regardless of outcome.
// AuthGuard itself runs upstream (HTTP middleware); Run begins already
// holding a resolved Principal, so RECEIVED → AUTHED is a same-tick
// transition.
func (p *QueryPipeline) Run(ctx context.Context, req Request, policy Policy, emit func(Event)) (subscription.RateLimitInfo, error) {
	emit(Event{Stage: StageReceived})
	if req.Query == "" {
		err := apperror.New(apperror.KindBadInput, "query is required")
		emit(Event{Stage: StageDeniedAccess, Err: err})
		return subscription.RateLimitInfo{}, err
	}
	emit(Event{Stage: StageAuthed})

	rateInfo, err := p.enforcer.CheckAccess(ctx, req.Principal, policy.Endpoint)
	if err != nil {
		slog.Warn("query pipeline access denied", "request_id", req.RequestID, "principal", principalID(req.Principal), "error", err)
		emit(Event{Stage: StageDeniedAccess, Err: err, RateLimit: rateInfo})
		return rateInfo, err
	}
	emit(Event{Stage: StageAccessChecked, RateLimit: rateInfo})

	result, err := p.orchestrator.Retrieve(ctx, req.Query, req.Collections, req.Options)
	degraded := false
	if err != nil {
		if !policy.AllowDegradedRetrieval {
			emit(Event{Stage: StageDeniedAccess, Err: err})
			return rateInfo, err
		}
		degraded = true
		slog.Warn("query pipeline retrieval degraded", "request_id", req.RequestID, "error", err)
		emit(Event{Stage: StageRetrievalDegraded, Err: err})
		result = &retrieval.Result{}
	} else if result.PartialDegraded {
		degraded = true
		emit(Event{Stage: StageRetrievalDegraded, Passages: result.Passages})
	}
	if !degraded {
		emit(Event{Stage: StageRetrieved, Passages: result.Passages})
	}

	userPrompt := buildPrompt(req.Query, result.Passages)
	var answer strings.Builder
	startedAt := time.Now()

	if req.Stream {
		tokens, errs := p.llmClient.GenerateStream(ctx, policy.SystemPrompt, userPrompt, policy.LLMParams)
	streamLoop:
		for {
			select {
			case <-ctx.Done():
				emit(Event{Stage: StageCancelled, Err: ctx.Err()})
				p.finish(context.Background(), req, answer.String(), startedAt, true)
				return rateInfo, ctx.Err()
			case tok, ok := <-tokens:
				if !ok {
					break streamLoop
				}
				answer.WriteString(tok.Text)
				emit(Event{Stage: StageGenerating, Chunk: tok.Text})
				if tok.End != "" {
					break streamLoop
				}
			case err, ok := <-errs:
				if ok && err != nil {
					emit(Event{Stage: StageDeniedAccess, Err: err})
					p.finish(context.Background(), req, answer.String(), startedAt, false)
					return rateInfo, err
				}
			}
		}
	} else {
		completion, err := p.llmClient.Generate(ctx, policy.SystemPrompt, userPrompt, policy.LLMParams)
		if err != nil {
			if ctx.Err() != nil {
				emit(Event{Stage: StageCancelled, Err: ctx.Err()})
				p.finish(context.Background(), req, answer.String(), startedAt, true)
				return rateInfo, ctx.Err()
			}
			emit(Event{Stage: StageDeniedAccess, Err: err})
			p.finish(context.Background(), req, answer.String(), startedAt, false)
			return rateInfo, err
		}
		answer.WriteString(completion.Text)
		emit(Event{Stage: StageGenerating, Chunk: completion.Text})
	}

	final := answer.String()
	p.finish(ctx, req, final, startedAt, false)
	emit(Event{Stage: StageCompleted, Answer: final})
	return rateInfo, nil
}

// finish persists the assembled turn and records usage. Both are
// best-effort: a persistence or metering failure is logged, never
// propagated, matching ChatPersistence/TrackUsage's own contracts.
func (p *QueryPipeline) finish(ctx context.Context, req Request, answer string, startedAt time.Time, cancelled bool) {
	durationMs := time.Since(startedAt).Milliseconds()
	if req.SessionID != "" && p.persistence != nil && answer != "" {
		owner := ""
		if req.Principal != nil && !req.Principal.IsAnonymous() {
			owner = req.Principal.ID
		}
		if _, err := p.persistence.AppendMessage(ctx, req.SessionID, owner, model.RoleAssistant, answer, nil); err != nil {
			slog.Error("query pipeline failed to persist turn", "request_id", req.RequestID, "cancelled", cancelled, "error", err)
		}
	}
	p.enforcer.TrackUsage(ctx, req.Principal, endpointName(req), llm.EstimateTokens(answer), durationMs)
}

func endpointName(req Request) string {
	if req.Stream {
		return "chat"
	}
	return "query"
}

// buildPrompt assembles the retrieved passages into the user prompt the
// teacher's handler/chat.go calls "context injection" — numbered excerpts
// followed by the literal question.
func buildPrompt(query string, passages []model.Ranked) string {
	if len(passages) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, r := range passages {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, r.Passage.Text)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func principalID(p *model.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}

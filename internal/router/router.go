// Package router wires the HTTP surface of spec §6 onto chi, following the
// teacher's router/router.go shape: a Dependencies struct threading every
// concrete service into route registration, global middleware first, then a
// protected route group, then a 404 fallback.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/ragbox-backend/internal/auth"
	"github.com/connexus-ai/ragbox-backend/internal/chat"
	"github.com/connexus-ai/ragbox-backend/internal/handler"
	"github.com/connexus-ai/ragbox-backend/internal/ingest"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/pipeline"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
	"github.com/connexus-ai/ragbox-backend/internal/webhook"
)

// Dependencies holds every injected service the router binds to a route.
type Dependencies struct {
	DB          handler.DBPinger
	Version     string
	FrontendURL string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	Guard       *auth.Guard
	Enforcer    *subscription.Enforcer
	Persistence *chat.Persistence
	Ingest      *ingest.Pipeline
	QueryPipe   *pipeline.QueryPipeline
	Webhook     *webhook.Verifier

	SystemPrompt string

	// Rate limiters; nil disables that tier's limiting.
	QueryRateLimiter *middleware.RateLimiter
	ChatRateLimiter  *middleware.RateLimiter
}

// New creates and configures the Chi router.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes — no auth, no payments gate.
	r.Get("/health", handler.Health(deps.DB, deps.Version))
	r.Get("/health/ready", handler.Health(deps.DB, deps.Version))
	r.Get("/health/live", handler.Liveness())
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Payments webhook verifies its own HMAC signature; it carries no bearer
	// token and must not run through Authenticate.
	r.Post("/webhooks/payments", handler.Webhook(deps.Webhook))

	timeout30s := middleware.Timeout(30 * time.Second)

	// Query — allows anonymous access (spec §4.4 FREE tier applies). SSE
	// streaming is handled within the handler itself, so no timeout
	// middleware wraps it.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Guard, true))
		if deps.QueryRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.QueryRateLimiter))
		}
		r.Post("/query", handler.Query(handler.QueryDeps{
			Pipeline: deps.QueryPipe,
			Policy: pipeline.Policy{
				Endpoint:               subscription.EndpointPolicy{Name: "query", MinTier: model.TierFree, FailOpen: true},
				AllowDegradedRetrieval: true,
				SystemPrompt:           deps.SystemPrompt,
			},
		}))
	})

	// Chat, documents, search — also anonymous-eligible (session-scoped),
	// document upload requires a real principal (enforced in the handler).
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Guard, true))
		if deps.ChatRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.ChatRateLimiter))
		}
		r.With(timeout30s).Post("/chat/messages", handler.AppendMessage(deps.Persistence, deps.Enforcer))
		r.With(timeout30s).Get("/chat/conversations/{id}/messages", handler.ListMessages(deps.Persistence, deps.Enforcer))
		r.With(timeout30s).Post("/chat/search", handler.Search(deps.Persistence))
		r.With(middleware.Timeout(120 * time.Second)).Post("/documents", handler.Documents(deps.Ingest, deps.Enforcer))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "route not found"})
	})

	return r
}

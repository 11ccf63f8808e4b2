// Package webhook implements WebhookVerifier: HMAC signature verification
// and idempotent, at-most-once dispatch of payment-provider events (spec
// §4.7). Grounded on the teacher's handler/vonage.go ACK-then-process-async
// shape (generalized here into verify-then-transactionally-dispatch, since
// payment webhooks — unlike inbound SMS — must report failure so the
// provider retries) and middleware/auth.go's constant-time secret compare.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
)

// envelope is the provider-agnostic shape every event body is expected to
// carry: a unique id, a type string that selects a Handler, and an opaque
// data payload the Handler itself decodes.
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler processes one event's Data inside the same transaction that will
// mark the event processed. Returning an error aborts the transaction: the
// event stays unprocessed and the provider will redeliver it.
type Handler func(ctx context.Context, tx pgx.Tx, data json.RawMessage) (principalID string, err error)

// Verifier implements WebhookVerifier.
type Verifier struct {
	secret   []byte
	pool     *pgxpool.Pool
	events   *repository.WebhookRepo
	subs     *repository.SubscriptionRepo
	cache    *cache.Store
	handlers map[string]Handler
}

// New creates a Verifier. Register event-type handlers with On before
// calling Process.
func New(secret string, pool *pgxpool.Pool, events *repository.WebhookRepo, subs *repository.SubscriptionRepo, c *cache.Store) *Verifier {
	return &Verifier{secret: []byte(secret), pool: pool, events: events, subs: subs, cache: c, handlers: map[string]Handler{}}
}

// On registers the Handler for an event type (e.g. "subscription.updated").
func (v *Verifier) On(eventType string, h Handler) {
	v.handlers[eventType] = h
}

// VerifySignature checks an HMAC-SHA256 signature (hex-encoded) over the raw
// request body against the shared secret, constant-time.
func (v *Verifier) VerifySignature(body []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

// Process implements spec §4.7's algorithm end to end: verify, check
// idempotency, dispatch, and atomically mark processed.
func (v *Verifier) Process(ctx context.Context, body []byte, signatureHex string) error {
	if !v.VerifySignature(body, signatureHex) {
		return apperror.New(apperror.KindBadInput, "invalid webhook signature")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperror.Wrap(apperror.KindBadInput, "malformed webhook body", err)
	}
	if env.ID == "" || env.Type == "" {
		return apperror.New(apperror.KindBadInput, "webhook event missing id or type")
	}

	existing, err := v.events.FindByExternalEventID(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("webhook.Verifier.Process: lookup: %w", err)
	}
	if existing != nil && existing.ProcessedAt != nil {
		return nil // already processed: redelivery is a no-op 200, per spec step 4
	}

	if existing == nil {
		if err := v.events.Insert(ctx, env.ID, env.Type); err != nil {
			return fmt.Errorf("webhook.Verifier.Process: insert: %w", err)
		}
	}

	handler, ok := v.handlers[env.Type]
	if !ok {
		// Unknown event type: acknowledge without side effects rather than
		// forcing the provider into a permanent retry loop over a type this
		// deployment never subscribed to.
		return v.markProcessedOnly(ctx, env.ID)
	}

	var affectedPrincipal string
	err = repository.WithTx(ctx, v.pool, func(ctx context.Context, tx pgx.Tx) error {
		principalID, herr := handler(ctx, tx, env.Data)
		if herr != nil {
			return fmt.Errorf("webhook.Verifier.Process: handler %s: %w", env.Type, herr)
		}
		affectedPrincipal = principalID
		return v.events.MarkProcessed(ctx, tx, env.ID)
	})
	if err != nil {
		// Step 6: handler failure leaves processedAt unset; caller surfaces
		// a 5xx so the provider redelivers.
		return apperror.Wrap(apperror.KindInternal, "webhook handler failed", err)
	}

	if affectedPrincipal != "" && v.cache != nil {
		v.cache.InvalidatePrefix(ctx, cache.FamilySubscription, affectedPrincipal)
	}
	return nil
}

func (v *Verifier) markProcessedOnly(ctx context.Context, externalEventID string) error {
	return repository.WithTx(ctx, v.pool, func(ctx context.Context, tx pgx.Tx) error {
		return v.events.MarkProcessed(ctx, tx, externalEventID)
	})
}

// subscriptionEventData is the Data payload for subscription lifecycle
// events ("subscription.created", "subscription.updated",
// "subscription.deleted", and payment success/failure/refund/dispute
// events that also carry a tier/status transition).
type subscriptionEventData struct {
	PrincipalID            string `json:"principal_id"`
	Tier                   string `json:"tier"`
	Status                 string `json:"status"`
	PeriodStart            string `json:"period_start"`
	PeriodEnd              string `json:"period_end"`
	ExternalCustomerID     string `json:"external_customer_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
}

// SubscriptionLifecycleHandler builds the Handler for subscription
// create/update/delete events: decode, upsert the SubscriptionRecord
// (which also syncs the principal's tier/status), and report the affected
// principal for cache invalidation.
func SubscriptionLifecycleHandler(subs *repository.SubscriptionRepo) Handler {
	return func(ctx context.Context, tx pgx.Tx, data json.RawMessage) (string, error) {
		var d subscriptionEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return "", fmt.Errorf("webhook.SubscriptionLifecycleHandler: decode: %w", err)
		}
		if d.PrincipalID == "" {
			return "", fmt.Errorf("webhook.SubscriptionLifecycleHandler: missing principal_id")
		}

		rec := &model.SubscriptionRecord{
			PrincipalID:            d.PrincipalID,
			Tier:                   model.Tier(d.Tier),
			Status:                 model.Status(d.Status),
			ExternalCustomerID:     d.ExternalCustomerID,
			ExternalSubscriptionID: d.ExternalSubscriptionID,
		}
		if t, err := parseRFC3339(d.PeriodStart); err == nil {
			rec.PeriodStart = t
		}
		if t, err := parseRFC3339(d.PeriodEnd); err == nil {
			rec.PeriodEnd = t
		}

		if err := subs.Upsert(ctx, tx, rec); err != nil {
			return "", fmt.Errorf("webhook.SubscriptionLifecycleHandler: upsert: %w", err)
		}
		return d.PrincipalID, nil
	}
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339, s)
}

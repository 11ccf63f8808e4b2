package model

import "time"

// UsageRecord is an append-only accounting row for one request.
type UsageRecord struct {
	ID          string
	PrincipalID string
	Endpoint    string
	Method      string
	Tokens      int64
	DurationMs  int64
	// BillingPeriod is a "YYYY-MM" key used for quota summation.
	BillingPeriod string
	Tier          Tier
	Timestamp     time.Time
}

// SubscriptionRecord is mutated only by webhook processing and cached with
// a short TTL; RelationalStore is always the source of truth.
type SubscriptionRecord struct {
	PrincipalID            string
	Tier                   Tier
	Status                 Status
	PeriodStart            time.Time
	PeriodEnd              time.Time
	ExternalCustomerID     string
	ExternalSubscriptionID string
}

// WebhookEvent records idempotent processing of a provider event.
// Presence of ProcessedAt marks completion.
type WebhookEvent struct {
	ExternalEventID string
	Type            string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

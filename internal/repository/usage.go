package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// UsageRepo is the append-only UsageRecord store (spec §3), adapted from
// the teacher's counter-upsert UsageRepo into an insert-only ledger plus a
// derived period-sum query — §3's invariant requires the per-period token
// sum be monotone non-decreasing, which an append-only table guarantees
// trivially; a mutable counter does not.
type UsageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a UsageRepo.
func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

// Insert appends a UsageRecord. Best-effort: callers treat failure as
// non-fatal per spec §4.4 TrackUsage ("never raises to caller").
func (r *UsageRepo) Insert(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_records (id, principal_id, endpoint, method, tokens, duration_ms, billing_period, tier, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.PrincipalID, rec.Endpoint, rec.Method, rec.Tokens, rec.DurationMs,
		rec.BillingPeriod, string(rec.Tier), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("repository.UsageRepo.Insert: %w", err)
	}
	return nil
}

// SumTokensForPeriod returns the total tokens recorded for a principal in a
// billing period ("YYYY-MM"), used by SubscriptionEnforcer's per-period
// quota check (spec §4.4 step 6b).
func (r *UsageRepo) SumTokensForPeriod(ctx context.Context, principalID, billingPeriod string) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens), 0) FROM usage_records
		WHERE principal_id = $1 AND billing_period = $2
	`, principalID, billingPeriod).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("repository.UsageRepo.SumTokensForPeriod: %w", err)
	}
	return sum, nil
}

// CountRequestsToday returns how many requests a principal has made since
// the start of the current UTC day, for the req/day quota.
func (r *UsageRepo) CountRequestsToday(ctx context.Context, principalID string) (int64, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records WHERE principal_id = $1 AND timestamp >= $2
	`, principalID, dayStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.UsageRepo.CountRequestsToday: %w", err)
	}
	return count, nil
}

// UpsertTierFeatures persists a tier's feature-name list via a Postgres
// text[] array column, grounded on the teacher's content_gap.go use of
// lib/pq's pq.Array for array-typed parameters.
func (r *UsageRepo) UpsertTierFeatures(ctx context.Context, tier model.Tier, features []string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tier_features (tier, features) VALUES ($1, $2)
		ON CONFLICT (tier) DO UPDATE SET features = $2
	`, string(tier), pq.Array(features))
	if err != nil {
		return fmt.Errorf("repository.UsageRepo.UpsertTierFeatures: %w", err)
	}
	return nil
}

// TierFeatures returns the persisted feature list for a tier.
func (r *UsageRepo) TierFeatures(ctx context.Context, tier model.Tier) ([]string, error) {
	var features []string
	err := r.pool.QueryRow(ctx, `SELECT features FROM tier_features WHERE tier = $1`, string(tier)).
		Scan(pq.Array(&features))
	if err != nil {
		return nil, fmt.Errorf("repository.UsageRepo.TierFeatures: %w", err)
	}
	return features, nil
}

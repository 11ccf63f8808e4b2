package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// SubscriptionRepo provides RelationalStore access to SubscriptionRecord,
// the source of truth behind the subscription cache (spec §3 invariant:
// "Subscription cache is never authoritative").
type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepo creates a SubscriptionRepo.
func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// GetByPrincipal loads the subscription record for a principal, or nil if none.
func (r *SubscriptionRepo) GetByPrincipal(ctx context.Context, principalID string) (*model.SubscriptionRecord, error) {
	s := &model.SubscriptionRecord{PrincipalID: principalID}
	var tier, status string
	var extCust, extSub *string
	err := r.pool.QueryRow(ctx, `
		SELECT tier, status, period_start, period_end, external_customer_id, external_subscription_id
		FROM subscriptions WHERE principal_id = $1
	`, principalID).Scan(&tier, &status, &s.PeriodStart, &s.PeriodEnd, &extCust, &extSub)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.SubscriptionRepo.GetByPrincipal: %w", err)
	}
	s.Tier = model.Tier(tier)
	s.Status = model.Status(status)
	if extCust != nil {
		s.ExternalCustomerID = *extCust
	}
	if extSub != nil {
		s.ExternalSubscriptionID = *extSub
	}
	return s, nil
}

// Upsert writes a SubscriptionRecord, mutated only by webhook processing
// per spec §3.
func (r *SubscriptionRepo) Upsert(ctx context.Context, tx pgx.Tx, s *model.SubscriptionRecord) error {
	_, err := pgxExecutor(tx, r.pool).Exec(ctx, `
		INSERT INTO subscriptions (principal_id, tier, status, period_start, period_end, external_customer_id, external_subscription_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (principal_id) DO UPDATE SET
			tier = $2, status = $3, period_start = $4, period_end = $5,
			external_customer_id = NULLIF($6, ''), external_subscription_id = NULLIF($7, '')
	`, s.PrincipalID, string(s.Tier), string(s.Status), s.PeriodStart, s.PeriodEnd,
		s.ExternalCustomerID, s.ExternalSubscriptionID)
	if err != nil {
		return fmt.Errorf("repository.SubscriptionRepo.Upsert: %w", err)
	}
	// A tier/status change also updates the principal row, since Principal.Tier
	// is the field every access-control decision reads first.
	_, err = pgxExecutor(tx, r.pool).Exec(ctx, `UPDATE principals SET tier = $1, status = $2 WHERE id = $3`,
		string(s.Tier), string(s.Status), s.PrincipalID)
	if err != nil {
		return fmt.Errorf("repository.SubscriptionRepo.Upsert: sync principal: %w", err)
	}
	return nil
}

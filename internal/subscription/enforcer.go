package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
)

// EndpointPolicy describes the access requirements of one endpoint, looked
// up by the caller (typically router wiring) and passed into CheckAccess.
type EndpointPolicy struct {
	Name     string
	MinTier  model.Tier
	// FailOpen controls the subscription/rate-limit-read-failure path: true
	// for GET/read endpoints (default), false for billable write endpoints
	// per spec §4.4's failOpen config.
	FailOpen bool
}

// Config holds Enforcer-wide settings.
type Config struct {
	// PaymentsEnabled disables all access control when false (spec §4.4 step 1).
	PaymentsEnabled bool
	// GracePeriod is how long a PAST_DUE subscription remains usable past
	// its periodEnd. Defaults to 3 days if zero.
	GracePeriod time.Duration
}

// Enforcer is SubscriptionEnforcer (spec §4.4).
type Enforcer struct {
	subs   *repository.SubscriptionRepo
	usage  *repository.UsageRepo
	cache  *cache.Store
	config Config
}

// New creates an Enforcer.
func New(subs *repository.SubscriptionRepo, usage *repository.UsageRepo, c *cache.Store, config Config) *Enforcer {
	if config.GracePeriod == 0 {
		config.GracePeriod = 3 * 24 * time.Hour
	}
	return &Enforcer{subs: subs, usage: usage, cache: c, config: config}
}

// resolved is the tier/status/period an access decision is computed against.
type resolved struct {
	Tier      model.Tier
	Status    model.Status
	PeriodEnd time.Time
}

// RateLimitInfo carries the request's position against the per-minute quota,
// for the caller to surface as X-RateLimit-Limit/-Remaining/-Reset response
// headers (spec §6) on every rate-limited endpoint. Zero Limit means no
// quota figures are available: payments disabled, a lookup that failed
// open, or a denial decided before the per-minute check ran.
type RateLimitInfo struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// CheckAccess implements the spec §4.4 decision algorithm, returning nil for
// Allow or an *apperror.Error (Kind one of TierInsufficient, QuotaExceeded,
// SubscriptionInactive, ServiceUnavailable) for Deny. The RateLimitInfo
// return value is populated once the per-minute check has succeeded, on
// Allow and on a quota Deny alike; every earlier return leaves it zero.
func (e *Enforcer) CheckAccess(ctx context.Context, principal *model.Principal, endpoint EndpointPolicy) (RateLimitInfo, error) {
	if !e.config.PaymentsEnabled {
		return RateLimitInfo{}, nil
	}
	if principal == nil {
		principal = model.NewAnonymousPrincipal("unknown")
	}

	r, err := e.resolveSubscription(ctx, principal)
	if err != nil {
		if endpoint.FailOpen {
			slog.Warn("subscription resolution failed, failing open", "principal", principal.ID, "error", err)
			return RateLimitInfo{}, nil
		}
		return RateLimitInfo{}, apperror.Wrap(apperror.KindServiceUnavailable, "subscription lookup unavailable", err)
	}

	if !e.statusAllowed(r) {
		return RateLimitInfo{}, apperror.New(apperror.KindSubscriptionInactive, "subscription is not active")
	}

	if !r.Tier.AtLeast(endpoint.MinTier) {
		return RateLimitInfo{}, apperror.New(apperror.KindTierInsufficient, fmt.Sprintf("endpoint requires tier %s or higher", endpoint.MinTier))
	}

	limits := LimitsFor(r.Tier)

	retryAfter, count, resetAt, err := e.checkMinuteWindow(ctx, principal.ID, limits.RequestsPerMin)
	info := RateLimitInfo{Limit: limits.RequestsPerMin, Reset: resetAt}
	if err != nil {
		if !endpoint.FailOpen {
			return RateLimitInfo{}, apperror.Wrap(apperror.KindServiceUnavailable, "rate limit check unavailable", err)
		}
		slog.Warn("rate limit read failed, failing open", "principal", principal.ID, "error", err)
		info = RateLimitInfo{}
	} else {
		remaining := limits.RequestsPerMin - count
		if remaining < 0 {
			remaining = 0
		}
		info.Remaining = remaining
		if retryAfter > 0 {
			return info, apperror.New(apperror.KindQuotaExceeded, "per-minute request quota exceeded").WithRetryAfter(retryAfter)
		}
	}

	today, err := e.requestsToday(ctx, principal.ID)
	if err != nil {
		if !endpoint.FailOpen {
			return info, apperror.Wrap(apperror.KindServiceUnavailable, "usage lookup unavailable", err)
		}
		slog.Warn("req/day usage read failed, failing open", "principal", principal.ID, "error", err)
	} else if today >= limits.RequestsPerDay {
		return info, apperror.New(apperror.KindQuotaExceeded, "daily request quota exceeded")
	}

	periodTokens, err := e.periodTokens(ctx, principal.ID, billingPeriod(time.Now()))
	if err != nil {
		if !endpoint.FailOpen {
			return info, apperror.Wrap(apperror.KindServiceUnavailable, "usage lookup unavailable", err)
		}
		slog.Warn("usage period read failed, failing open", "principal", principal.ID, "error", err)
	} else if periodTokens >= limits.TokensPerPeriod {
		return info, apperror.New(apperror.KindQuotaExceeded, "monthly token quota exceeded")
	}

	return info, nil
}

// TrackUsage records a request's accounting row. Best-effort: never
// propagates failure to the caller, per spec §4.4.
func (e *Enforcer) TrackUsage(ctx context.Context, principal *model.Principal, endpoint string, tokens, durationMs int64) {
	if principal == nil || e.usage == nil {
		return
	}
	period := billingPeriod(time.Now())
	rec := &model.UsageRecord{
		PrincipalID:   principal.ID,
		Endpoint:      endpoint,
		Tokens:        tokens,
		DurationMs:    durationMs,
		BillingPeriod: period,
		Tier:          principal.Tier,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.usage.Insert(ctx, rec); err != nil {
		slog.Error("usage tracking failed", "principal", principal.ID, "endpoint", endpoint, "error", err)
		return
	}
	// Best-effort: bump the cached period sum and day count so a hot
	// principal's very next CheckAccess sees the increment without waiting
	// out the cache TTL.
	periodKey := principal.ID + ":" + period
	var cachedTokens int64
	if e.cache.Get(ctx, cache.FamilyUsagePeriod, periodKey, &cachedTokens) {
		e.cache.Set(ctx, cache.FamilyUsagePeriod, periodKey, cachedTokens+tokens)
	}
	dayKey := principal.ID + ":" + rec.Timestamp.Format("2006-01-02")
	var cachedDay int64
	if e.cache.Get(ctx, cache.FamilyUsageDay, dayKey, &cachedDay) {
		e.cache.Set(ctx, cache.FamilyUsageDay, dayKey, cachedDay+1)
	}
}

func (e *Enforcer) resolveSubscription(ctx context.Context, principal *model.Principal) (resolved, error) {
	if principal.IsAnonymous() {
		return resolved{Tier: model.TierFree, Status: model.StatusActive}, nil
	}

	var cached model.SubscriptionRecord
	if e.cache.Get(ctx, cache.FamilySubscription, principal.ID, &cached) {
		return resolved{Tier: cached.Tier, Status: cached.Status, PeriodEnd: cached.PeriodEnd}, nil
	}

	sub, err := e.subs.GetByPrincipal(ctx, principal.ID)
	if err != nil {
		return resolved{}, fmt.Errorf("subscription.Enforcer.resolveSubscription: %w", err)
	}
	if sub == nil {
		// No billing record: fall back to the principal's own tier/status,
		// set by account provisioning or a prior webhook sync.
		r := resolved{Tier: principal.Tier, Status: principal.Status}
		if r.Tier == "" {
			r.Tier = model.TierFree
		}
		if r.Status == "" {
			r.Status = model.StatusActive
		}
		return r, nil
	}

	e.cache.Set(ctx, cache.FamilySubscription, principal.ID, sub)
	return resolved{Tier: sub.Tier, Status: sub.Status, PeriodEnd: sub.PeriodEnd}, nil
}

func (e *Enforcer) statusAllowed(r resolved) bool {
	switch r.Status {
	case model.StatusActive, model.StatusTrialing:
		return true
	case model.StatusPastDue:
		if r.PeriodEnd.IsZero() {
			return false
		}
		return time.Now().Before(r.PeriodEnd.Add(e.config.GracePeriod))
	default:
		return false
	}
}

// checkMinuteWindow increments the fixed-window per-minute counter and
// returns (retryAfterSeconds, count, windowResetAt). retryAfterSeconds is
// positive only when the limit is exceeded; count and windowResetAt are
// always populated so CheckAccess can derive X-RateLimit-Remaining/-Reset
// even on the allowed path.
func (e *Enforcer) checkMinuteWindow(ctx context.Context, principalID string, limit int64) (int, int64, time.Time, error) {
	now := time.Now().UTC()
	bucket := now.Unix() / 60
	key := fmt.Sprintf("%s:%d", principalID, bucket)
	nextWindow := time.Unix((bucket+1)*60, 0)

	count, err := e.cache.Incr(ctx, cache.FamilyRateLimit, key, 70*time.Second)
	if err != nil {
		return 0, 0, nextWindow, err
	}
	if count <= limit {
		return 0, count, nextWindow, nil
	}
	retryAfter := int(nextWindow.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter, count, nextWindow, nil
}

// requestsToday returns the principal's request count since UTC midnight,
// read-through cached like periodTokens, backing the tier matrix's
// RequestsPerDay quota.
func (e *Enforcer) requestsToday(ctx context.Context, principalID string) (int64, error) {
	cacheKey := principalID + ":" + time.Now().UTC().Format("2006-01-02")
	var cached int64
	if e.cache.Get(ctx, cache.FamilyUsageDay, cacheKey, &cached) {
		return cached, nil
	}
	count, err := e.usage.CountRequestsToday(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("subscription.Enforcer.requestsToday: %w", err)
	}
	e.cache.Set(ctx, cache.FamilyUsageDay, cacheKey, count)
	return count, nil
}

// periodTokens returns the billing-period token sum, read-through cached.
func (e *Enforcer) periodTokens(ctx context.Context, principalID, period string) (int64, error) {
	cacheKey := principalID + ":" + period
	var cached int64
	if e.cache.Get(ctx, cache.FamilyUsagePeriod, cacheKey, &cached) {
		return cached, nil
	}
	sum, err := e.usage.SumTokensForPeriod(ctx, principalID, period)
	if err != nil {
		return 0, fmt.Errorf("subscription.Enforcer.periodTokens: %w", err)
	}
	e.cache.Set(ctx, cache.FamilyUsagePeriod, cacheKey, sum)
	return sum, nil
}

func billingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// brokenCacheStore returns a cache.Store pointed at a loopback port nothing
// listens on, so Incr fails fast with a connection error — used to exercise
// checkMinuteWindow's fail path without a live Redis instance.
func brokenCacheStore() *cache.Store {
	s, err := cache.New("redis://127.0.0.1:1/0", nil)
	if err != nil {
		panic(err)
	}
	return s
}

func testEnforcer(grace time.Duration) *Enforcer {
	return &Enforcer{config: Config{PaymentsEnabled: true, GracePeriod: grace}}
}

func TestStatusAllowed_ActiveAndTrialing(t *testing.T) {
	e := testEnforcer(3 * 24 * time.Hour)
	for _, s := range []model.Status{model.StatusActive, model.StatusTrialing} {
		if !e.statusAllowed(resolved{Status: s}) {
			t.Errorf("status %s should be allowed", s)
		}
	}
}

func TestStatusAllowed_Canceled(t *testing.T) {
	e := testEnforcer(3 * 24 * time.Hour)
	if e.statusAllowed(resolved{Status: model.StatusCanceled}) {
		t.Error("CANCELED should not be allowed")
	}
}

func TestStatusAllowed_PastDueWithinGrace(t *testing.T) {
	e := testEnforcer(3 * 24 * time.Hour)
	r := resolved{Status: model.StatusPastDue, PeriodEnd: time.Now().Add(-1 * 24 * time.Hour)}
	if !e.statusAllowed(r) {
		t.Error("PAST_DUE one day past periodEnd should be within a 3-day grace period")
	}
}

func TestStatusAllowed_PastDueBeyondGrace(t *testing.T) {
	e := testEnforcer(3 * 24 * time.Hour)
	r := resolved{Status: model.StatusPastDue, PeriodEnd: time.Now().Add(-4 * 24 * time.Hour)}
	if e.statusAllowed(r) {
		t.Error("PAST_DUE four days past periodEnd should be outside a 3-day grace period")
	}
}

func TestStatusAllowed_PastDueNoPeriodEnd(t *testing.T) {
	e := testEnforcer(3 * 24 * time.Hour)
	if e.statusAllowed(resolved{Status: model.StatusPastDue}) {
		t.Error("PAST_DUE with no periodEnd should not be allowed")
	}
}

func TestCheckAccess_PaymentsDisabledAlwaysAllows(t *testing.T) {
	e := &Enforcer{config: Config{PaymentsEnabled: false}}
	info, err := e.CheckAccess(context.Background(), nil, EndpointPolicy{Name: "test"})
	if err != nil {
		t.Errorf("expected Allow when payments disabled, got %v", err)
	}
	if info != (RateLimitInfo{}) {
		t.Errorf("expected zero-value RateLimitInfo when payments disabled, got %+v", info)
	}
}

func TestCheckMinuteWindow_PopulatesResetEvenOnError(t *testing.T) {
	e := &Enforcer{cache: brokenCacheStore()}
	retryAfter, count, resetAt, err := e.checkMinuteWindow(context.Background(), "p1", 10)
	if err == nil {
		t.Fatal("expected an error from a broken cache store")
	}
	if retryAfter != 0 || count != 0 {
		t.Errorf("expected zero retryAfter/count on error, got %d/%d", retryAfter, count)
	}
	if resetAt.IsZero() {
		t.Error("expected a non-zero window reset time even when Incr fails")
	}
}

func TestBillingPeriod(t *testing.T) {
	got := billingPeriod(time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC))
	if got != "2026-03" {
		t.Errorf("billingPeriod = %q, want %q", got, "2026-03")
	}
}

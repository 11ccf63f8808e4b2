package handler

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/subscription"
)

func TestSetRateLimitHeaders_ZeroLimitSetsNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	setRateLimitHeaders(rec, subscription.RateLimitInfo{})
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("expected no X-RateLimit-Limit header for a zero-value RateLimitInfo")
	}
}

func TestSetRateLimitHeaders_PopulatesAllThree(t *testing.T) {
	rec := httptest.NewRecorder()
	reset := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	setRateLimitHeaders(rec, subscription.RateLimitInfo{Limit: 60, Remaining: 42, Reset: reset})

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "42" {
		t.Errorf("X-RateLimit-Remaining = %q, want 42", got)
	}
	want := "1773748800" // reset.Unix()
	if got := rec.Header().Get("X-RateLimit-Reset"); got != want {
		t.Errorf("X-RateLimit-Reset = %q, want %q", got, want)
	}
}

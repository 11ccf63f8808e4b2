package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

func TestPrincipalFromContext_Empty(t *testing.T) {
	if p := PrincipalFromContext(context.Background()); p != nil {
		t.Errorf("expected nil principal, got %+v", p)
	}
}

func TestWithPrincipal_RoundTrips(t *testing.T) {
	want := &model.Principal{ID: "user-abc-123"}
	ctx := WithPrincipal(context.Background(), want)
	got := PrincipalFromContext(ctx)
	if got != want {
		t.Errorf("PrincipalFromContext() = %+v, want %+v", got, want)
	}
}

func TestAnonymousFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		forwarded string
		remote   string
		want     string
	}{
		{"prefers forwarded header", "203.0.113.7", "10.0.0.1:1234", "203.0.113.7"},
		{"falls back to remote addr", "", "10.0.0.1:1234", "10.0.0.1:1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := anonymousFingerprint(r); got != tt.want {
				t.Errorf("anonymousFingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/auth"
	"github.com/connexus-ai/ragbox-backend/internal/chat"
	"github.com/connexus-ai/ragbox-backend/internal/ingest"
	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/pipeline"
	"github.com/connexus-ai/ragbox-backend/internal/retrieval"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
	"github.com/connexus-ai/ragbox-backend/internal/webhook"
)

type mockDB struct{ err error }

func (m *mockDB) Ping(ctx context.Context) error { return m.err }

// fakeVerifier implements auth.TokenVerifier without ever touching a
// principals repository — every route test below relies on the anonymous
// fallback or a rejected token, never a resolved non-anonymous principal.
type fakeVerifier struct{ err error }

func (f fakeVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "user-1", nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (fakeEmbedder) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	return map[uint32]float32{1: 0.5}, nil
}
func (fakeEmbedder) Dims() int { return 2 }

type fakeStore struct{}

func (fakeStore) DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return nil, nil
}
func (fakeStore) SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return nil, nil
}
func (fakeStore) Upsert(ctx context.Context, collection string, passages []model.Passage) error {
	return nil
}
func (fakeStore) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error {
	return nil
}
func (fakeStore) EnsureCollection(ctx context.Context, collection string, dims int) error { return nil }
func (fakeStore) Close() error                                                           { return nil }

type fakeLLM struct{}

func (fakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (*llm.Completion, error) {
	return &llm.Completion{Text: "a philosophical answer"}, nil
}
func (fakeLLM) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (<-chan llm.Token, <-chan error) {
	tokens := make(chan llm.Token, 1)
	errs := make(chan error, 1)
	tokens <- llm.Token{Text: "answer", End: llm.StreamEndNormal}
	close(tokens)
	close(errs)
	return tokens, errs
}
func (fakeLLM) Close() error { return nil }

// newTestDeps builds a Dependencies whose every component is either a
// lightweight fake or nil-safe for the code paths these tests exercise:
// anonymous auth, payments-disabled access checks, and public routes never
// reach a live repository or external service.
func newTestDeps(verifierErr error) *Dependencies {
	guard := auth.New(fakeVerifier{err: verifierErr}, nil, "")
	enforcer := subscription.New(nil, nil, nil, subscription.Config{PaymentsEnabled: false})
	orchestrator := retrieval.New(fakeEmbedder{}, fakeStore{}, nil, fakeLLM{})
	queryPipe := pipeline.New(enforcer, orchestrator, fakeLLM{}, nil)
	verifier := webhook.New("test-secret", nil, nil, nil, nil)

	return &Dependencies{
		DB:          &mockDB{},
		Version:     "0.1.0",
		FrontendURL: "http://localhost:3000",
		Guard:       guard,
		Enforcer:    enforcer,
		Persistence: &chat.Persistence{},
		Ingest:      &ingest.Pipeline{},
		QueryPipe:   queryPipe,
		Webhook:     verifier,
	}
}

func TestHealth_IsPublic(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHealthLive_IsPublic(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthReady_DBDown(t *testing.T) {
	deps := newTestDeps(nil)
	deps.DB = &mockDB{err: context.DeadlineExceeded}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestQuery_AllowsAnonymous(t *testing.T) {
	r := New(newTestDeps(nil))

	body := `{"query":"What is the categorical imperative?","collection":"kant"}`
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["response"] != "a philosophical answer" {
		t.Errorf("response = %v", resp["response"])
	}
}

func TestQuery_InvalidCollectionRejected(t *testing.T) {
	r := New(newTestDeps(nil))

	body := `{"query":"valid query","collection":"!!bad!!"}`
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDocuments_RejectsAnonymous(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodPost, "/documents", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestDocuments_RejectsInvalidToken(t *testing.T) {
	r := New(newTestDeps(context.DeadlineExceeded))

	req := httptest.NewRequest(http.MethodPost, "/documents", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"id":"evt_1","type":"subscription.updated"}`))
	req.Header.Set("X-Signature", "not-a-real-signature")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_RequiresSignatureHeader(t *testing.T) {
	r := New(newTestDeps(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/retrieval"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (fakeEmbedder) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	return map[uint32]float32{1: 0.3}, nil
}
func (fakeEmbedder) Dims() int { return 2 }

type fakeStore struct {
	candidates []vectorstore.Candidate
	searchErr  error
}

func (f *fakeStore) DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return f.candidates, f.searchErr
}
func (f *fakeStore) SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return f.candidates, f.searchErr
}
func (f *fakeStore) Upsert(ctx context.Context, collection string, passages []model.Passage) error {
	return nil
}
func (f *fakeStore) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error {
	return nil
}
func (f *fakeStore) EnsureCollection(ctx context.Context, collection string, dims int) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

type fakeLLM struct {
	text      string
	err       error
	streamErr error
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.text}, nil
}
func (f *fakeLLM) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (<-chan llm.Token, <-chan error) {
	tokens := make(chan llm.Token, 4)
	errs := make(chan error, 1)
	if f.streamErr != nil {
		errs <- f.streamErr
		close(tokens)
		close(errs)
		return tokens, errs
	}
	for _, w := range []string{"Hello", " ", "World"} {
		tokens <- llm.Token{Text: w}
	}
	tokens <- llm.Token{Text: "", End: llm.StreamEndNormal}
	close(tokens)
	close(errs)
	return tokens, errs
}
func (f *fakeLLM) Close() error { return nil }

func testPipeline(t *testing.T, paymentsEnabled bool, candidates []vectorstore.Candidate, lm *fakeLLM) *QueryPipeline {
	t.Helper()
	enforcer := subscription.New(nil, nil, nil, subscription.Config{PaymentsEnabled: paymentsEnabled})
	orch := retrieval.New(fakeEmbedder{}, &fakeStore{candidates: candidates}, nil, lm)
	return New(enforcer, orch, lm, nil)
}

func TestQueryPipeline_DeniedAccess_TierInsufficient(t *testing.T) {
	p := testPipeline(t, true, nil, &fakeLLM{text: "answer"})
	var stages []Stage
	req := Request{
		RequestID:   "req1",
		Principal:   model.NewAnonymousPrincipal("fingerprint"),
		Query:       "What is the categorical imperative?",
		Collections: []string{"kant"},
	}
	policy := Policy{Endpoint: subscription.EndpointPolicy{MinTier: model.TierBasic}}

	_, err := p.Run(context.Background(), req, policy, func(e Event) { stages = append(stages, e.Stage) })
	if err == nil {
		t.Fatal("expected access denial error")
	}
	if stages[len(stages)-1] != StageDeniedAccess {
		t.Errorf("last stage = %v, want DENIED_ACCESS", stages[len(stages)-1])
	}
}

func TestQueryPipeline_EmptyQueryDenied(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{})
	req := Request{Principal: model.NewAnonymousPrincipal("f")}
	var got Event
	_, err := p.Run(context.Background(), req, Policy{}, func(e Event) { got = e })
	if err == nil {
		t.Fatal("expected error for empty query")
	}
	if got.Stage != StageDeniedAccess {
		t.Errorf("stage = %v, want DENIED_ACCESS", got.Stage)
	}
}

func TestQueryPipeline_CompletesNonStreaming(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{text: "Synthetic a priori judgments are possible."})
	req := Request{
		RequestID:   "req2",
		Principal:   model.NewAnonymousPrincipal("f"),
		Query:       "Are synthetic a priori judgments possible?",
		Collections: []string{"kant"},
	}
	var stages []Stage
	var finalAnswer string
	_, err := p.Run(context.Background(), req, Policy{}, func(e Event) {
		stages = append(stages, e.Stage)
		if e.Stage == StageCompleted {
			finalAnswer = e.Answer
		}
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if finalAnswer != "Synthetic a priori judgments are possible." {
		t.Errorf("answer = %q", finalAnswer)
	}
	want := []Stage{StageReceived, StageAuthed, StageAccessChecked, StageRetrieved, StageGenerating, StageCompleted}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i, s := range want {
		if stages[i] != s {
			t.Errorf("stage[%d] = %v, want %v", i, stages[i], s)
		}
	}
}

func TestQueryPipeline_CompletesStreaming(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{})
	req := Request{
		Principal:   model.NewAnonymousPrincipal("f"),
		Query:       "What is the thing-in-itself?",
		Collections: []string{"kant"},
		Stream:      true,
	}
	var chunks []string
	var final string
	_, err := p.Run(context.Background(), req, Policy{}, func(e Event) {
		if e.Stage == StageGenerating {
			chunks = append(chunks, e.Chunk)
		}
		if e.Stage == StageCompleted {
			final = e.Answer
		}
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if final != "Hello World" {
		t.Errorf("final answer = %q, want %q", final, "Hello World")
	}
	if len(chunks) == 0 {
		t.Error("expected streamed chunks")
	}
}

func TestQueryPipeline_RetrievalDegradedContinues(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{text: "best-effort answer"})
	p.orchestrator = retrieval.New(fakeEmbedder{}, &fakeStore{searchErr: errors.New("vector store unreachable")}, nil, &fakeLLM{})
	req := Request{
		Principal:   model.NewAnonymousPrincipal("f"),
		Query:       "What did Kant argue about causality?",
		Collections: []string{"kant"},
	}
	policy := Policy{AllowDegradedRetrieval: true}
	var sawDegraded bool
	_, err := p.Run(context.Background(), req, policy, func(e Event) {
		if e.Stage == StageRetrievalDegraded {
			sawDegraded = true
		}
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !sawDegraded {
		t.Error("expected a RETRIEVAL_DEGRADED event")
	}
}

func TestQueryPipeline_LLMFailureStillRecordsUsage(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{err: errors.New("llm timeout")})
	req := Request{
		RequestID:   "req3",
		Principal:   model.NewAnonymousPrincipal("f"),
		Query:       "What did Kant argue about causality?",
		Collections: []string{"kant"},
	}
	var stages []Stage
	_, err := p.Run(context.Background(), req, Policy{}, func(e Event) {
		stages = append(stages, e.Stage)
	})
	if err == nil {
		t.Fatal("expected an error from the failing LLM client")
	}
	if stages[len(stages)-1] != StageDeniedAccess {
		t.Errorf("last stage = %v, want DENIED_ACCESS", stages[len(stages)-1])
	}
	// finish/TrackUsage must run even on a non-cancellation LLM failure
	// (spec §8 scenario 3) — a nil usage repo means TrackUsage is a no-op,
	// so the only observable guarantee here is that Run doesn't panic
	// reaching it with an empty answer.
}

func TestQueryPipeline_RetrievalFailureAbortsWithoutDegradePolicy(t *testing.T) {
	p := testPipeline(t, false, nil, &fakeLLM{})
	p.orchestrator = retrieval.New(fakeEmbedder{}, &fakeStore{searchErr: errors.New("vector store unreachable")}, nil, &fakeLLM{})
	req := Request{
		Principal:   model.NewAnonymousPrincipal("f"),
		Query:       "What did Kant argue about causality?",
		Collections: []string{"kant"},
	}
	_, err := p.Run(context.Background(), req, Policy{AllowDegradedRetrieval: false}, func(Event) {})
	if err == nil {
		t.Fatal("expected retrieval failure to abort the request")
	}
}

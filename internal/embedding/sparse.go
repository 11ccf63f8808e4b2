package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// Sparse produces SPLADE-style sparse vectors by calling a model server's
// raw-logits endpoint and pooling locally. Unlike dense.go, this has no
// teacher or pack precedent to adapt — no example repo ships a learned
// lexical-expansion client — so it is built fresh in the same doEmbed/
// timeout/retry shape the rest of this package uses, with the pooling math
// spec §4.2 names (log(1 + ReLU(logits)), max-pooled per token).
type Sparse struct {
	httpClient *http.Client
	endpoint   string // model server URL returning raw per-token logits
	maxRetries int
}

// SparseConfig configures a Sparse embedder.
type SparseConfig struct {
	Endpoint   string
	MaxRetries int
	HTTPClient *http.Client
}

// NewSparse creates a Sparse embedder. Startup optimization (graph fusion,
// kernel compilation) is the model server's concern, not this client's;
// per spec §4.2 its failure must silently fall back to the uncompiled
// path, which requires no client-side handling since the endpoint contract
// is unchanged either way.
func NewSparse(cfg SparseConfig) *Sparse {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Sparse{httpClient: cfg.HTTPClient, endpoint: cfg.Endpoint, maxRetries: cfg.MaxRetries}
}

type sparseRequest struct {
	Text string `json:"text"`
}

type sparseLogitsResponse struct {
	// TokenLogits[token_position][vocab_id] = raw logit, one row per input
	// token position, pooled here rather than server-side.
	TokenLogits [][]float32 `json:"token_logits"`
	Error       string      `json:"error,omitempty"`
}

// SparseEmbed calls the model server and returns the non-zero token→weight
// map after log(1 + ReLU(logits)) max-pooled per token across positions.
func (s *Sparse) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	policy := retryPolicy{maxRetries: s.maxRetries, total: totalTimeout(ctx, 10*time.Second)}
	logits, err := withRetry(ctx, policy, func(attemptCtx context.Context) ([][]float32, error) {
		return s.doEmbed(attemptCtx, text)
	})
	if err != nil {
		if _, ok := apperror.As(err); ok {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.KindEmbeddingUnavailable, "sparse embedding call failed", err)
	}
	return poolSparse(logits), nil
}

// DenseEmbed is unsupported: Sparse only implements the sparse half of
// Engine. A composite engine wires VertexDense.DenseEmbed alongside it.
func (s *Sparse) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, apperror.New(apperror.KindInternal, "embedding.Sparse: DenseEmbed not supported, use a composite Engine")
}

// Dims returns 0: sparse vectors have no fixed dense dimensionality.
func (s *Sparse) Dims() int { return 0 }

func (s *Sparse) doEmbed(ctx context.Context, text string) ([][]float32, error) {
	body, err := json.Marshal(sparseRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("embedding.Sparse.doEmbed: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding.Sparse.doEmbed: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding.Sparse.doEmbed: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding.Sparse.doEmbed: read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, apperror.New(apperror.KindEmbeddingUnavailable, fmt.Sprintf("sparse model server status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.KindBadInput, fmt.Sprintf("sparse model server status %d: %s", resp.StatusCode, respBody))
	}

	var sr sparseLogitsResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("embedding.Sparse.doEmbed: decode: %w", err)
	}
	if sr.Error != "" {
		return nil, apperror.New(apperror.KindEmbeddingUnavailable, sr.Error)
	}
	return sr.TokenLogits, nil
}

// poolSparse implements log(1 + ReLU(logits)) max-pooled per vocabulary id
// across token positions, retaining only non-zero weights (spec §4.2).
func poolSparse(tokenLogits [][]float32) map[uint32]float32 {
	weights := make(map[uint32]float32)
	for _, position := range tokenLogits {
		for vocabID, logit := range position {
			relu := logit
			if relu < 0 {
				relu = 0
			}
			w := float32(math.Log1p(float64(relu)))
			if w <= 0 {
				continue
			}
			id := uint32(vocabID)
			if cur, ok := weights[id]; !ok || w > cur {
				weights[id] = w
			}
		}
	}
	return weights
}

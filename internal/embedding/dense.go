package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// VertexDense produces dense embeddings via the Vertex AI text-embeddings
// REST endpoint, adapted from the teacher's gcpclient embedding adapter:
// same endpoint-URL-builder and task-type split (RETRIEVAL_DOCUMENT vs
// RETRIEVAL_QUERY), now under the single bounded-retry contract.
type VertexDense struct {
	httpClient *http.Client
	project    string
	location   string
	model      string
	dims       int
	maxRetries int
}

// VertexDenseConfig configures a VertexDense embedder.
type VertexDenseConfig struct {
	Project    string
	Location   string
	Model      string // e.g. "text-embedding-004"
	Dims       int    // e.g. 768
	MaxRetries int
}

// NewVertexDense creates a VertexDense embedder using application-default
// credentials, matching the teacher's credential resolution.
func NewVertexDense(ctx context.Context, cfg VertexDenseConfig) (*VertexDense, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedding.NewVertexDense: default credentials: %w", err)
	}
	return &VertexDense{
		httpClient: httpClient,
		project:    cfg.Project,
		location:   cfg.Location,
		model:      cfg.Model,
		dims:       cfg.Dims,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Dims reports the configured embedding dimensionality.
func (v *VertexDense) Dims() int { return v.dims }

type embedInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embedRequest struct {
	Instances []embedInstance `json:"instances"`
}

type embedResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DenseEmbed embeds text as a retrieval query vector. Document-side
// embedding (task type RETRIEVAL_DOCUMENT) is exposed via DenseEmbedDocument
// for the ingestion pipeline.
func (v *VertexDense) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return v.embed(ctx, text, "RETRIEVAL_QUERY")
}

// DenseEmbedDocument embeds text for indexing (task type RETRIEVAL_DOCUMENT).
func (v *VertexDense) DenseEmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return v.embed(ctx, text, "RETRIEVAL_DOCUMENT")
}

func (v *VertexDense) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	policy := retryPolicy{maxRetries: v.maxRetries, total: totalTimeout(ctx, 10*time.Second)}
	vec, err := withRetry(ctx, policy, func(attemptCtx context.Context) ([]float32, error) {
		return v.doEmbed(attemptCtx, text, taskType)
	})
	if err != nil {
		if _, ok := apperror.As(err); ok {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.KindEmbeddingUnavailable, "dense embedding call failed", err)
	}
	return vec, nil
}

func (v *VertexDense) doEmbed(ctx context.Context, text, taskType string) ([]float32, error) {
	url := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		v.location, v.project, v.location, v.model,
	)
	body, err := json.Marshal(embedRequest{Instances: []embedInstance{{Content: text, TaskType: taskType}}})
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, apperror.New(apperror.KindEmbeddingUnavailable, fmt.Sprintf("vertex embeddings status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.KindBadInput, fmt.Sprintf("vertex embeddings status %d: %s", resp.StatusCode, respBody))
	}

	var er embedResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: decode: %w", err)
	}
	if er.Error != nil {
		return nil, fmt.Errorf("embedding.VertexDense.doEmbed: api error %d: %s", er.Error.Code, er.Error.Message)
	}
	if len(er.Predictions) == 0 {
		return nil, apperror.New(apperror.KindEmbeddingUnavailable, "no predictions in embedding response")
	}
	return er.Predictions[0].Embeddings.Values, nil
}

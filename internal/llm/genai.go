package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// VertexClient is the primary LLMClient backend: Vertex AI Gemini, adapted
// from the teacher's GenAIAdapter. Regional locations use the Go SDK;
// location "global" uses the REST API directly, since the SDK does not
// support the global endpoint.
type VertexClient struct {
	client     *genai.Client // nil when using global endpoint
	httpClient *http.Client  // used for global endpoint REST calls
	project    string
	location   string
	limiter    *ModelLimiter
	maxRetries int
}

// VertexConfig configures a VertexClient.
type VertexConfig struct {
	Project    string
	Location   string
	MaxRetries int           // default 2, per spec §4.2/§4.3
	Limiter    *ModelLimiter // optional
}

// NewVertexClient creates a VertexClient.
func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Location == "global" {
		httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("llm.NewVertexClient: default credentials: %w", err)
		}
		return &VertexClient{
			httpClient: httpClient,
			project:    cfg.Project,
			location:   cfg.Location,
			limiter:    cfg.Limiter,
			maxRetries: cfg.MaxRetries,
		}, nil
	}

	client, err := genai.NewClient(ctx, cfg.Project, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("llm.NewVertexClient: %w", err)
	}
	return &VertexClient{
		client:     client,
		project:    cfg.Project,
		location:   cfg.Location,
		limiter:    cfg.Limiter,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Close closes the underlying SDK client, if any.
func (a *VertexClient) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// Generate implements Client. Total timeout comes from ctx's deadline if
// set, else defaultTotalTimeout; per-attempt timeout follows the §4.2/§4.3
// contract (total / (max_retries + 1)).
func (a *VertexClient) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Completion, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, params.Model); err != nil {
			return nil, apperror.Wrap(apperror.KindLLMUnavailable, "rate limiter wait failed", err)
		}
	}

	policy := retryPolicy{maxRetries: a.maxRetries, total: totalTimeout(ctx)}
	text, err := withRetry(ctx, policy, func(attemptCtx context.Context) (string, error) {
		if a.httpClient != nil {
			return a.generateREST(attemptCtx, systemPrompt, userPrompt, params)
		}
		return a.generateSDK(attemptCtx, systemPrompt, userPrompt, params)
	})
	if err != nil {
		return nil, classifyLLMError(err)
	}

	return &Completion{
		Text:             text,
		PromptTokens:     EstimateTokens(systemPrompt + userPrompt),
		CompletionTokens: EstimateTokens(text),
		TokensEstimated:  true,
	}, nil
}

func (a *VertexClient) generateSDK(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	model := a.client.GenerativeModel(params.Model)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	temp := float32(params.Temperature)
	model.Temperature = &temp
	if params.MaxTokens > 0 {
		maxTok := int32(params.MaxTokens)
		model.MaxOutputTokens = &maxTok
	}
	model.StopSequences = params.StopSequences

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateSDK: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", apperror.New(apperror.KindLLMResponseInvalid, "empty response from model")
	}

	var parts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, ""), nil
}

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenerateRequest struct {
	Contents          []restContent         `json:"contents"`
	SystemInstruction *restContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *restGenerationConfig `json:"generationConfig,omitempty"`
}

type restGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type restGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *VertexClient) buildRequest(systemPrompt, userPrompt string, params Params) restGenerateRequest {
	req := restGenerateRequest{
		Contents: []restContent{{Role: "user", Parts: []restPart{{Text: userPrompt}}}},
		GenerationConfig: &restGenerationConfig{
			Temperature:   &params.Temperature,
			StopSequences: params.StopSequences,
		},
	}
	if params.MaxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = &params.MaxTokens
	}
	if systemPrompt != "" {
		req.SystemInstruction = &restContent{Role: "user", Parts: []restPart{{Text: systemPrompt}}}
	}
	return req
}

func (a *VertexClient) generateREST(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
		a.project, params.Model,
	)
	body, err := json.Marshal(a.buildRequest(systemPrompt, userPrompt, params))
	if err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", apperror.New(apperror.KindLLMRateLimited, "vertex ai rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm.VertexClient.generateREST: status %d: %s", resp.StatusCode, respBody)
	}

	var genResp restGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: decode: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("llm.VertexClient.generateREST: api error %d: %s", genResp.Error.Code, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", apperror.New(apperror.KindLLMResponseInvalid, "empty response from model")
	}

	var parts []string
	for _, p := range genResp.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", apperror.New(apperror.KindLLMResponseInvalid, "no text in response")
	}
	return strings.Join(parts, ""), nil
}

// GenerateStream implements Client. It yields tokens on a channel and
// closes it within a bounded delay of ctx cancellation.
func (a *VertexClient) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, params Params) (<-chan Token, <-chan error) {
	tokenCh := make(chan Token, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokenCh)
		defer close(errCh)

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx, params.Model); err != nil {
				errCh <- apperror.Wrap(apperror.KindLLMUnavailable, "rate limiter wait failed", err)
				return
			}
		}

		var err error
		if a.httpClient != nil {
			err = a.streamREST(ctx, systemPrompt, userPrompt, params, tokenCh)
		} else {
			err = a.streamSDK(ctx, systemPrompt, userPrompt, params, tokenCh)
		}

		reason := StreamEndNormal
		if ctx.Err() == context.Canceled {
			reason = StreamEndCancelled
		} else if ctx.Err() == context.DeadlineExceeded {
			reason = StreamEndTimeout
		}
		tokenCh <- Token{End: reason}
		if err != nil {
			errCh <- classifyLLMError(err)
		}
	}()

	return tokenCh, errCh
}

func (a *VertexClient) streamSDK(ctx context.Context, systemPrompt, userPrompt string, params Params, tokenCh chan<- Token) error {
	model := a.client.GenerativeModel(params.Model)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	iter := model.GenerateContentStream(ctx, genai.Text(userPrompt))
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("llm.VertexClient.streamSDK: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					tokenCh <- Token{Text: string(t)}
				}
			}
		}
	}
}

func (a *VertexClient) streamREST(ctx context.Context, systemPrompt, userPrompt string, params Params, tokenCh chan<- Token) error {
	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:streamGenerateContent?alt=sse",
		a.project, params.Model,
	)
	body, err := json.Marshal(a.buildRequest(systemPrompt, userPrompt, params))
	if err != nil {
		return fmt.Errorf("llm.VertexClient.streamREST: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llm.VertexClient.streamREST: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm.VertexClient.streamREST: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm.VertexClient.streamREST: status %d: %s", resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk restGenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					tokenCh <- Token{Text: part.Text}
				}
			}
		}
	}
	return scanner.Err()
}

// totalTimeout derives the §4.2/§4.3 "total" budget from ctx's deadline,
// falling back to a conservative default when the caller set none.
func totalTimeout(ctx context.Context) time.Duration {
	const defaultTotal = 30 * time.Second
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultTotal
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return defaultTotal
	}
	return remaining
}

func classifyLLMError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindLLMTimeout, "llm call timed out", err)
	}
	return apperror.Wrap(apperror.KindLLMUnavailable, "llm call failed", err)
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// BYOLLMClient talks to any OpenAI-chat-completions-compatible endpoint,
// grounded on the teacher's GenAIAdapter shape: a dual blocking/streaming
// surface over raw HTTP, SSE-scanned for the stream path. Lets an operator
// point the pipeline at a self-hosted or third-party model without a
// GCP-specific SDK.
type BYOLLMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *ModelLimiter
	maxRetries int
}

// BYOLLMConfig configures a BYOLLMClient.
type BYOLLMConfig struct {
	BaseURL    string // e.g. "https://api.openai.com/v1"
	APIKey     string
	MaxRetries int
	Limiter    *ModelLimiter
	HTTPClient *http.Client
}

// NewBYOLLMClient creates a BYOLLMClient.
func NewBYOLLMClient(cfg BYOLLMConfig) *BYOLLMClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &BYOLLMClient{
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		limiter:    cfg.Limiter,
		maxRetries: cfg.MaxRetries,
	}
}

// Close is a no-op: the http.Client is not owned exclusively by this client.
func (c *BYOLLMClient) Close() error { return nil }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Delta   chatMessage `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *BYOLLMClient) buildRequest(systemPrompt, userPrompt string, params Params, stream bool) chatRequest {
	var msgs []chatMessage
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: userPrompt})
	return chatRequest{
		Model:       params.Model,
		Messages:    msgs,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stop:        params.StopSequences,
		Stream:      stream,
	}
}

// Generate implements Client against /chat/completions.
func (c *BYOLLMClient) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, params.Model); err != nil {
			return nil, apperror.Wrap(apperror.KindLLMUnavailable, "rate limiter wait failed", err)
		}
	}

	policy := retryPolicy{maxRetries: c.maxRetries, total: totalTimeout(ctx)}
	resp, err := withRetry(ctx, policy, func(attemptCtx context.Context) (*chatResponse, error) {
		return c.doChat(attemptCtx, c.buildRequest(systemPrompt, userPrompt, params, false))
	})
	if err != nil {
		return nil, classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperror.New(apperror.KindLLMResponseInvalid, "no choices in response")
	}

	text := resp.Choices[0].Message.Content
	completion := &Completion{Text: text}
	if resp.Usage != nil {
		completion.PromptTokens = resp.Usage.PromptTokens
		completion.CompletionTokens = resp.Usage.CompletionTokens
	} else {
		completion.PromptTokens = EstimateTokens(systemPrompt + userPrompt)
		completion.CompletionTokens = EstimateTokens(text)
		completion.TokensEstimated = true
	}
	return completion, nil
}

func (c *BYOLLMClient) doChat(ctx context.Context, reqBody chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm.BYOLLMClient.doChat: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm.BYOLLMClient.doChat: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm.BYOLLMClient.doChat: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm.BYOLLMClient.doChat: read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperror.New(apperror.KindLLMRateLimited, "byollm endpoint rate limited")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, apperror.New(apperror.KindLLMUnavailable, fmt.Sprintf("byollm endpoint status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.KindLLMResponseInvalid, fmt.Sprintf("byollm endpoint status %d: %s", resp.StatusCode, respBody))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, apperror.Wrap(apperror.KindLLMResponseInvalid, "decode response", err)
	}
	if chat.Error != nil {
		return nil, apperror.New(apperror.KindLLMResponseInvalid, chat.Error.Message)
	}
	return &chat, nil
}

// GenerateStream implements Client by scanning the endpoint's SSE stream.
func (c *BYOLLMClient) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, params Params) (<-chan Token, <-chan error) {
	tokenCh := make(chan Token, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokenCh)
		defer close(errCh)

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, params.Model); err != nil {
				errCh <- apperror.Wrap(apperror.KindLLMUnavailable, "rate limiter wait failed", err)
				return
			}
		}

		err := c.streamChat(ctx, c.buildRequest(systemPrompt, userPrompt, params, true), tokenCh)

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

func (c *BYOLLMClient) streamChat(ctx context.Context, reqBody chatRequest, tokenCh chan<- Token) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("llm.BYOLLMClient.streamChat: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llm.BYOLLMClient.streamChat: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm.BYOLLMClient.streamChat: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm.BYOLLMClient.streamChat: status %d: %s", resp.StatusCode, respBody)
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
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				tokenCh <- Token{Text: choice.Delta.Content}
			}
		}
	}
	return scanner.Err()
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// retryPolicy bounds one logical call's wall clock to total by dividing it
// across attempts up front, replacing the teacher's fixed [500,1000,2000]ms
// backoff schedule: a single layer computes the per-attempt timeout instead
// of a timeout wrapper stacked on top of a separately-scheduled retry loop
// (spec §4.3, §9 design note).
type retryPolicy struct {
	maxRetries int
	total      time.Duration
}

func (p retryPolicy) attempts() int {
	if p.maxRetries < 0 {
		return 1
	}
	return p.maxRetries + 1
}

// perAttemptTimeout is total / (max_retries + 1), per spec §4.2/§4.3.
func (p retryPolicy) perAttemptTimeout() time.Duration {
	n := p.attempts()
	if n <= 0 {
		n = 1
	}
	return p.total / time.Duration(n)
}

// withRetry runs fn up to p.attempts() times, each under its own
// context.WithTimeout(perAttemptTimeout). It only retries transient
// failures (context deadline, network errors, LLMUnavailable,
// LLMRateLimited); deterministic failures (BadInput, LLMResponseInvalid)
// return immediately.
func withRetry[T any](ctx context.Context, p retryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	perAttempt := p.perAttemptTimeout()

	for attempt := 0; attempt < p.attempts(); attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		result, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("llm: call cancelled: %w", ctx.Err())
		}
		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("llm: exhausted %d attempts: %w", p.attempts(), lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperror.KindLLMTimeout, apperror.KindLLMUnavailable, apperror.KindLLMRateLimited,
			apperror.KindEmbeddingTimeout, apperror.KindEmbeddingUnavailable:
			return true
		default:
			return false
		}
	}
	// Unclassified errors are treated as transient transport failures,
	// matching the teacher's retry-everything-but-4xx default.
	return true
}

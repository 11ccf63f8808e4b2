package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
)

// retryPolicy bounds a call to total wall-clock by dividing it across
// attempts up front: per-attempt timeout = total / (max_retries + 1),
// replacing the teacher's fixed [500,1000,2000]ms backoff schedule
// (spec §4.2, §9 design note — one layer computes the schedule, not a
// timeout wrapper stacked on a separately-scheduled retry loop).
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

func (p retryPolicy) perAttemptTimeout() time.Duration {
	n := p.attempts()
	if n <= 0 {
		n = 1
	}
	return p.total / time.Duration(n)
}

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
			return zero, fmt.Errorf("embedding: call cancelled: %w", ctx.Err())
		}
		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("embedding: exhausted %d attempts: %w", p.attempts(), lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperror.KindEmbeddingTimeout, apperror.KindEmbeddingUnavailable:
			return true
		default:
			return false
		}
	}
	return true
}

func totalTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fallback
	}
	return remaining
}

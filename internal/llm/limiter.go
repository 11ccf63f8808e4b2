package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ModelLimiter admits LLM calls per model name, keeping a caller from
// saturating a single upstream model's quota while other models still have
// headroom. Grounded on the per-visitor rate.Limiter map pattern used for
// HTTP rate limiting in the corpus, repurposed here as an admission gate
// in front of Client.Generate/GenerateStream rather than an HTTP middleware.
type ModelLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewModelLimiter creates a ModelLimiter allowing rps requests/sec per
// model, with burst allowance burst.
func NewModelLimiter(rps float64, burst int) *ModelLimiter {
	return &ModelLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (m *ModelLimiter) forModel(model string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[model]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.rps), m.burst)
		m.limiters[model] = l
	}
	return l
}

// Wait blocks until model has capacity or ctx is done.
func (m *ModelLimiter) Wait(ctx context.Context, model string) error {
	if err := m.forModel(model).Wait(ctx); err != nil {
		return fmt.Errorf("llm: rate limit wait for model %s: %w", model, err)
	}
	return nil
}

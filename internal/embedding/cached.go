package embedding

import (
	"context"

	"github.com/connexus-ai/ragbox-backend/internal/cache"
)

// Cached wraps an Engine with CacheStore lookups keyed by
// (modelId, normalizedQueryText), per spec §4.1's caching section. Cache
// writes and reads are best-effort; a cache failure is invisible here since
// cache.Store itself degrades to a miss rather than erroring.
type Cached struct {
	inner   Engine
	store   *cache.Store
	modelID string
}

// NewCached wraps inner with store, namespacing keys under modelID so
// switching models never serves a stale vector from a different model.
func NewCached(inner Engine, store *cache.Store, modelID string) *Cached {
	return &Cached{inner: inner, store: store, modelID: modelID}
}

func (c *Cached) key(text string) string {
	return c.modelID + ":" + cache.NormalizedQueryHash(text)
}

func (c *Cached) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	var cached []float32
	if c.store.Get(ctx, cache.FamilyDenseEmbedding, c.key(text), &cached) {
		return cached, nil
	}
	vec, err := c.inner.DenseEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store.Set(ctx, cache.FamilyDenseEmbedding, c.key(text), vec)
	return vec, nil
}

func (c *Cached) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	var cached map[uint32]float32
	if c.store.Get(ctx, cache.FamilySparseEmbedding, c.key(text), &cached) {
		return cached, nil
	}
	vec, err := c.inner.SparseEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store.Set(ctx, cache.FamilySparseEmbedding, c.key(text), vec)
	return vec, nil
}

func (c *Cached) Dims() int {
	return c.inner.Dims()
}

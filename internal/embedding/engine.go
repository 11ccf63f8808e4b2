// Package embedding implements EmbeddingEngine: dense and sparse (SPLADE)
// vector production for text, with per-operation bounded timeout/retry
// (spec §4.2).
package embedding

import "context"

// Engine is the EmbeddingEngine surface.
type Engine interface {
	// DenseEmbed returns a dense embedding vector for text.
	DenseEmbed(ctx context.Context, text string) ([]float32, error)
	// SparseEmbed returns a SPLADE-style token→weight map for text.
	SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error)
	// Dims reports the dense vector dimensionality this engine produces.
	Dims() int
}

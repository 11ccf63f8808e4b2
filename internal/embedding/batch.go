package embedding

import (
	"context"
	"fmt"
)

// maxBatchSize caps the number of texts embedded per upstream call,
// matching the teacher's service/embedder.go batching loop.
const maxBatchSize = 32

// BatchDenseEmbed embeds texts in chunks of at most maxBatchSize, calling
// engine.DenseEmbed once per text (Vertex's REST predict endpoint takes one
// instance per task-type call here; chunking exists to bound how many
// texts a single ingestion call processes per batch, not the wire format).
func BatchDenseEmbed(ctx context.Context, engine denseEmbedder, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for i, text := range texts[start:end] {
			vec, err := engine.DenseEmbed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embedding.BatchDenseEmbed: text %d: %w", start+i, err)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}

// BatchSparseEmbed is the sparse-modality counterpart of BatchDenseEmbed.
func BatchSparseEmbed(ctx context.Context, engine sparseEmbedder, texts []string) ([]map[uint32]float32, error) {
	out := make([]map[uint32]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for i, text := range texts[start:end] {
			vec, err := engine.SparseEmbed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embedding.BatchSparseEmbed: text %d: %w", start+i, err)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}

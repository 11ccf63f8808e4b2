package embedding

import "context"

// denseEmbedder is satisfied by VertexDense.
type denseEmbedder interface {
	DenseEmbed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// sparseEmbedder is satisfied by Sparse.
type sparseEmbedder interface {
	SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error)
}

// Composite wires a dense backend and a sparse backend together into one
// Engine, since each vendor exposes its modality through a separate
// endpoint (spec §4.1 step 2 treats dense/sparse as independently-callable
// and independently-failable).
type Composite struct {
	dense  denseEmbedder
	sparse sparseEmbedder
}

// NewComposite creates a Composite Engine.
func NewComposite(dense denseEmbedder, sparse sparseEmbedder) *Composite {
	return &Composite{dense: dense, sparse: sparse}
}

func (c *Composite) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return c.dense.DenseEmbed(ctx, text)
}

func (c *Composite) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	return c.sparse.SparseEmbed(ctx, text)
}

func (c *Composite) Dims() int {
	return c.dense.Dims()
}

package model

// SparseVector is a SPLADE-style token id → weight map. Only non-zero
// weights are retained.
type SparseVector map[uint32]float32

// Passage is one indexed unit of a Collection: curated (philosopher-named)
// or user-owned (keyed by an uploading principal).
type Passage struct {
	ID        string
	Text      string
	SourceRef string
	Collection string
	DenseVec  []float32
	SparseVec SparseVector
	Metadata  map[string]string
}

// Ranked is a scored retrieval result, per RetrievalOrchestrator.Retrieve.
type Ranked struct {
	Passage  Passage
	Score    float64
	Modality string // "dense", "sparse", or "hybrid"
}

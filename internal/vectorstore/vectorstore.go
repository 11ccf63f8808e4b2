// Package vectorstore implements VectorStoreClient: hybrid (sparse+dense)
// similarity search and point CRUD over named collections (spec §3/§4.1).
package vectorstore

import (
	"context"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// Candidate is one ranked hit from a single-modality query, before fusion.
type Candidate struct {
	Passage model.Passage
	Score   float64
}

// Client is the hybrid vector store surface RetrievalOrchestrator drives.
// Two implementations exist: Qdrant (primary) and a pgvector fallback
// (PGFallback) for deployments without a Qdrant cluster.
type Client interface {
	// DenseSearch returns up to limit nearest neighbors by dense vector,
	// restricted to points whose metadata matches every (k, v) pair in
	// filter (AND semantics; nil/empty means unrestricted). Filtering at
	// the vector-store query level, not by discarding results afterward,
	// is required by ChatPersistence's session/owner scoping (spec §4.5
	// Privacy: "filter at the vector-store query level, not post-filter").
	DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]Candidate, error)
	// SparseSearch returns up to limit nearest neighbors by SPLADE sparse
	// vector, with the same metadata-filter semantics as DenseSearch.
	SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]Candidate, error)
	// Upsert writes or replaces passages in collection.
	Upsert(ctx context.Context, collection string, passages []model.Passage) error
	// DeleteByMetadata removes all points in collection matching a metadata
	// field equality filter (e.g. {"owner": "alice"} for document teardown).
	DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error
	// EnsureCollection creates collection if absent, sized for dims.
	EnsureCollection(ctx context.Context, collection string, dims int) error
	// Close releases underlying connections.
	Close() error
}

package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// PGFallback is the VectorStoreClient used when no Qdrant endpoint is
// configured (spec §9 OQ-free deployment mode), grounded on the teacher's
// pgvector similarity search (repository/chunk.go) and BM25-over-Postgres
// full-text search (repository/bm25.go). Sparse search has no SPLADE index
// to query; it scores passages by weighted token-id overlap against their
// sparse_token_ids array (see SparseSearch).
type PGFallback struct {
	pool *pgxpool.Pool
}

// NewPGFallback creates a PGFallback client.
func NewPGFallback(pool *pgxpool.Pool) *PGFallback {
	return &PGFallback{pool: pool}
}

// Close is a no-op: the pool is owned by the caller.
func (f *PGFallback) Close() error { return nil }

// EnsureCollection is a no-op: passages.collection is a column, not a
// a separately-provisioned resource, under the pgvector fallback.
func (f *PGFallback) EnsureCollection(ctx context.Context, collection string, dims int) error {
	return nil
}

// DenseSearch runs a pgvector cosine-distance nearest-neighbor query scoped
// to collection, additionally restricted by filter (AND-of-equality over
// the metadata jsonb column) when non-empty — the query-level scoping
// ChatPersistence's session/owner privacy rule requires.
func (f *PGFallback) DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]Candidate, error) {
	args := []any{pgvector.NewVector(vec), collection}
	conds, args := metadataConds(filter, args)
	query := fmt.Sprintf(`
		SELECT id, text, source_ref, metadata, 1 - (dense_vec <=> $1) AS score
		FROM passages
		WHERE collection = $2 AND dense_vec IS NOT NULL%s
		ORDER BY dense_vec <=> $1
		LIMIT $%d
	`, conds, len(args)+1)
	args = append(args, limit)

	rows, err := f.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.PGFallback.DenseSearch: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows, collection)
}

// SparseSearch scores passages by weighted token overlap against the
// GIN-indexed sparse_token_ids array, approximating SPLADE retrieval
// without a true sparse ANN index: score = Σ query weight for every token
// id the passage also carries. filter applies the same metadata scoping as
// DenseSearch.
func (f *PGFallback) SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]Candidate, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	tokenIDs := make([]int32, 0, len(vec))
	weights := make([]float32, 0, len(vec))
	for id, w := range vec {
		tokenIDs = append(tokenIDs, int32(id))
		weights = append(weights, w)
	}

	args := []any{tokenIDs, weights, collection}
	conds, args := metadataConds(filter, args)
	query := fmt.Sprintf(`
		SELECT p.id, p.text, p.source_ref, p.metadata, SUM(q.weight) AS score
		FROM passages p
		JOIN unnest($1::int[], $2::real[]) AS q(token_id, weight)
			ON q.token_id = ANY(p.sparse_token_ids)
		WHERE p.collection = $3%s
		GROUP BY p.id, p.text, p.source_ref, p.metadata
		ORDER BY score DESC
		LIMIT $%d
	`, conds, len(args)+1)
	args = append(args, limit)

	rows, err := f.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.PGFallback.SparseSearch: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows, collection)
}

// metadataConds appends an " AND metadata ->> $n = $n+1 AND ..." clause (one
// pair per filter entry) to args, returning the clause text and the
// extended args slice. Returns ("", args) unchanged when filter is empty.
func metadataConds(filter map[string]string, args []any) (string, []any) {
	if len(filter) == 0 {
		return "", args
	}
	var b strings.Builder
	for k, v := range filter {
		args = append(args, k, v)
		fmt.Fprintf(&b, " AND metadata ->> $%d = $%d", len(args)-1, len(args))
	}
	return b.String(), args
}

// Upsert writes passages into the passages table, including a materialized
// sparse_token_ids array for the GIN-indexed overlap query used by SparseSearch.
func (f *PGFallback) Upsert(ctx context.Context, collection string, passages []model.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, p := range passages {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		meta, _ := json.Marshal(p.Metadata)
		tokenIDs := make([]int32, 0, len(p.SparseVec))
		for id := range p.SparseVec {
			tokenIDs = append(tokenIDs, int32(id))
		}

		var dense *pgvector.Vector
		if len(p.DenseVec) > 0 {
			v := pgvector.NewVector(p.DenseVec)
			dense = &v
		}

		batch.queue(`
			INSERT INTO passages (id, text, source_ref, collection, dense_vec, sparse_token_ids, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				text = $2, source_ref = $3, collection = $4, dense_vec = $5, sparse_token_ids = $6, metadata = $7
		`, p.ID, p.Text, p.SourceRef, collection, dense, tokenIDs, meta)
	}
	return batch.send(ctx, f.pool)
}

// DeleteByMetadata removes passages in collection whose metadata matches
// every (k, v) pair in filter.
func (f *PGFallback) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("vectorstore.PGFallback.DeleteByMetadata: empty filter refused")
	}
	var conds []string
	args := []any{collection}
	for k, v := range filter {
		args = append(args, k, v)
		conds = append(conds, fmt.Sprintf("metadata ->> $%d = $%d", len(args)-1, len(args)))
	}
	query := fmt.Sprintf(`DELETE FROM passages WHERE collection = $1 AND %s`, strings.Join(conds, " AND "))
	if _, err := f.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("vectorstore.PGFallback.DeleteByMetadata: %w", err)
	}
	return nil
}


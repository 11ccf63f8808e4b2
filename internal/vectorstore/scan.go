package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

func scanCandidates(rows pgx.Rows, collection string) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var id, text, sourceRef string
		var meta []byte
		var score float64
		if err := rows.Scan(&id, &text, &sourceRef, &meta, &score); err != nil {
			return nil, fmt.Errorf("vectorstore: scan candidate: %w", err)
		}
		p := model.Passage{ID: id, Text: text, SourceRef: sourceRef, Collection: collection}
		_ = json.Unmarshal(meta, &p.Metadata)
		out = append(out, Candidate{Passage: p, Score: score})
	}
	return out, rows.Err()
}

// pgxBatch is a minimal queue-then-send wrapper over pgx.Batch, used by
// PGFallback.Upsert to write many passages in one round trip.
type pgxBatch struct {
	batch pgx.Batch
	n     int
}

func (b *pgxBatch) queue(sql string, args ...any) {
	b.batch.Queue(sql, args...)
	b.n++
}

func (b *pgxBatch) send(ctx context.Context, pool *pgxpool.Pool) error {
	if b.n == 0 {
		return nil
	}
	br := pool.SendBatch(ctx, &b.batch)
	defer br.Close()
	for i := 0; i < b.n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("vectorstore: batch exec %d/%d: %w", i+1, b.n, err)
		}
	}
	return nil
}

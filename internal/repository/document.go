package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// DocumentRepo handles Document and DocumentChunk persistence for the
// document-upload ingestion pipeline (spec §6 POST /documents), grounded on
// ConversationRepo/MessageRepo's tx-or-pool dispatch shape.
type DocumentRepo struct {
	pool *pgxpool.Pool
}

// NewDocumentRepo creates a DocumentRepo.
func NewDocumentRepo(pool *pgxpool.Pool) *DocumentRepo {
	return &DocumentRepo{pool: pool}
}

// Create inserts a Document row in IndexPending status.
func (r *DocumentRepo) Create(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.IndexStatus == "" {
		d.IndexStatus = model.IndexPending
	}
	if d.DeletionStatus == "" {
		d.DeletionStatus = model.DeletionActive
	}
	meta := d.Metadata
	if meta == nil {
		meta = json.RawMessage("{}")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, owner_username, filename, mime_type, size_bytes, storage_uri,
			extracted_chars, index_status, deletion_status, chunk_count, checksum, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $13)
	`, d.ID, d.OwnerUsername, d.Filename, d.MimeType, d.SizeBytes, d.StorageURI,
		d.ExtractedChars, string(d.IndexStatus), string(d.DeletionStatus), d.ChunkCount, d.Checksum, []byte(meta), now)
	if err != nil {
		return fmt.Errorf("repository.DocumentRepo.Create: %w", err)
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return nil
}

// UpdateStatus transitions a document's IndexStatus, optionally recording
// extractedChars/chunkCount once ingestion finishes a stage.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, documentID string, status model.IndexStatus, extractedChars, chunkCount int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET index_status = $1, extracted_chars = $2, chunk_count = $3, updated_at = $4
		WHERE id = $5
	`, string(status), extractedChars, chunkCount, time.Now().UTC(), documentID)
	if err != nil {
		return fmt.Errorf("repository.DocumentRepo.UpdateStatus: %w", err)
	}
	return nil
}

// Get returns a document by id, or nil if none exists or it was hard-deleted.
func (r *DocumentRepo) Get(ctx context.Context, id string) (*model.Document, error) {
	d := &model.Document{}
	var storageURI, checksum *string
	var meta []byte
	var deletedAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_username, filename, mime_type, size_bytes, storage_uri, extracted_chars,
			index_status, deletion_status, chunk_count, checksum, metadata, deleted_at, created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&d.ID, &d.OwnerUsername, &d.Filename, &d.MimeType, &d.SizeBytes, &storageURI, &d.ExtractedChars,
		&d.IndexStatus, &d.DeletionStatus, &d.ChunkCount, &checksum, &meta, &deletedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.DocumentRepo.Get: %w", err)
	}
	if storageURI != nil {
		d.StorageURI = *storageURI
	}
	if checksum != nil {
		d.Checksum = *checksum
	}
	d.Metadata = meta
	d.DeletedAt = deletedAt
	return d, nil
}

// InsertChunks bulk-inserts the chunks produced for a document. Embedding
// vectors are written to the vector store separately (Pipeline.Process);
// this table exists so chunk content/hash survive independently of the
// vector store for re-indexing and the reconciler.
func (r *DocumentRepo) InsertChunks(ctx context.Context, tx pgx.Tx, chunks []model.DocumentChunk) error {
	exec := pgxExecutor(tx, r.pool)
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		_, err := exec.Exec(ctx, `
			INSERT INTO document_chunks (id, document_id, chunk_index, content, content_hash, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.ContentHash, c.TokenCount, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("repository.DocumentRepo.InsertChunks: %w", err)
		}
	}
	return nil
}

// SoftDelete marks a document (and its vector-store/object-storage teardown
// is the caller's responsibility, matching ConversationRepo.PurgeOlderThan's
// split between relational and vector-store cleanup).
func (r *DocumentRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET deletion_status = $1, deleted_at = $2, updated_at = $2 WHERE id = $3
	`, string(model.DeletionSoftDeleted), now, id)
	if err != nil {
		return fmt.Errorf("repository.DocumentRepo.SoftDelete: %w", err)
	}
	return nil
}

// ListUnindexed returns up to limit documents stuck in Pending/Processing
// for longer than staleAfter, for the reconciler job (spec §4.5 step 4).
func (r *DocumentRepo) ListUnindexed(ctx context.Context, staleAfter time.Duration, limit int) ([]model.Document, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_username, filename, mime_type, size_bytes, storage_uri, extracted_chars,
			index_status, deletion_status, chunk_count, checksum, metadata, deleted_at, created_at, updated_at
		FROM documents
		WHERE index_status IN ($1, $2) AND updated_at < $3 AND deletion_status = $4
		ORDER BY updated_at ASC
		LIMIT $5
	`, string(model.IndexPending), string(model.IndexProcessing), cutoff, string(model.DeletionActive), limit)
	if err != nil {
		return nil, fmt.Errorf("repository.DocumentRepo.ListUnindexed: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var storageURI, checksum *string
		var meta []byte
		var deletedAt *time.Time
		if err := rows.Scan(&d.ID, &d.OwnerUsername, &d.Filename, &d.MimeType, &d.SizeBytes, &storageURI, &d.ExtractedChars,
			&d.IndexStatus, &d.DeletionStatus, &d.ChunkCount, &checksum, &meta, &deletedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository.DocumentRepo.ListUnindexed: scan: %w", err)
		}
		if storageURI != nil {
			d.StorageURI = *storageURI
		}
		if checksum != nil {
			d.Checksum = *checksum
		}
		d.Metadata = meta
		d.DeletedAt = deletedAt
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

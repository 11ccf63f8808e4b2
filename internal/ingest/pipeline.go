package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/embedding"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
)

var (
	processingMu sync.Mutex
	processing   = make(map[string]bool)
)

// CollectionForOwner returns the vector-store collection name backing a
// principal's uploaded documents, one collection per owner so DenseSearch/
// SparseSearch filtering never has to cross owners.
func CollectionForOwner(ownerUsername string) string {
	return "docs:" + ownerUsername
}

// textExtractor is the subset of Parser the pipeline drives, narrowed to
// an interface so Process can be unit-tested without Document AI.
type textExtractor interface {
	Extract(ctx context.Context, gcsURI string) (*ParseResult, error)
}

// textChunker is the subset of Chunker the pipeline drives.
type textChunker interface {
	Chunk(ctx context.Context, text string) ([]Chunk, error)
}

// documentStore is the subset of repository.DocumentRepo the pipeline
// drives, narrowed to an interface for the same reason.
type documentStore interface {
	Create(ctx context.Context, d *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	UpdateStatus(ctx context.Context, documentID string, status model.IndexStatus, extractedChars, chunkCount int) error
	InsertChunks(ctx context.Context, tx pgx.Tx, chunks []model.DocumentChunk) error
	SoftDelete(ctx context.Context, id string) error
}

// Pipeline orchestrates the document-upload ingestion path (spec §6
// POST /documents, supplemental): parse → chunk → embed → upsert →
// persist, adapted from the teacher's PipelineService's 7-step sequence
// with its PII-scan step dropped (out of scope here) and its audit step
// folded into structured logging.
type Pipeline struct {
	docs     documentStore
	parser   textExtractor
	chunker  textChunker
	embedder embedding.Engine
	store    vectorstore.Client
	uploader ObjectUploader
	pool     *pgxpool.Pool
	bucket   string
}

// NewPipeline creates a Pipeline.
func NewPipeline(docs *repository.DocumentRepo, parser *Parser, chunker *Chunker, embedder embedding.Engine, store vectorstore.Client, uploader ObjectUploader, pool *pgxpool.Pool, bucket string) *Pipeline {
	return &Pipeline{
		docs:     docs,
		parser:   parser,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		uploader: uploader,
		pool:     pool,
		bucket:   bucket,
	}
}

// Accept uploads raw file bytes to object storage and records a pending
// Document row. It returns immediately; the caller is expected to run
// Process asynchronously to perform extraction/chunking/embedding.
func (p *Pipeline) Accept(ctx context.Context, ownerUsername, filename, mimeType string, data []byte) (*model.Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: empty file")
	}
	if len(data) > model.MaxFileSizeBytes {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: file exceeds %d bytes", model.MaxFileSizeBytes)
	}
	if !model.AllowedMimeTypes[mimeType] {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: unsupported mime type %q", mimeType)
	}
	if p.uploader == nil {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: object storage not configured")
	}

	doc := &model.Document{
		OwnerUsername: ownerUsername,
		Filename:      filename,
		MimeType:      mimeType,
		SizeBytes:     len(data),
		IndexStatus:   model.IndexPending,
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: %w", err)
	}

	object := fmt.Sprintf("uploads/%s/%s/%s", ownerUsername, doc.ID, filename)
	if err := p.uploader.Upload(ctx, p.bucket, object, data, mimeType); err != nil {
		_ = p.docs.UpdateStatus(ctx, doc.ID, model.IndexFailed, 0, 0)
		return nil, fmt.Errorf("ingest.Pipeline.Accept: upload: %w", err)
	}
	doc.StorageURI = fmt.Sprintf("gs://%s/%s", p.bucket, object)

	hash := sha256.Sum256(data)
	doc.Checksum = hex.EncodeToString(hash[:])
	if _, err := p.pool.Exec(ctx, `UPDATE documents SET storage_uri = $1, checksum = $2, updated_at = $3 WHERE id = $4`,
		doc.StorageURI, doc.Checksum, time.Now().UTC(), doc.ID); err != nil {
		return nil, fmt.Errorf("ingest.Pipeline.Accept: record storage uri: %w", err)
	}

	return doc, nil
}

// Process runs the extract/chunk/embed/upsert sequence for a document
// already accepted via Accept. It is designed to be called from a
// goroutine spawned by the handler once Accept returns.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	processingMu.Lock()
	if processing[documentID] {
		processingMu.Unlock()
		return fmt.Errorf("ingest.Pipeline.Process: document %s already processing", documentID)
	}
	processing[documentID] = true
	processingMu.Unlock()
	defer func() {
		processingMu.Lock()
		delete(processing, documentID)
		processingMu.Unlock()
	}()

	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ingest.Pipeline.Process: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("ingest.Pipeline.Process: document %s not found", documentID)
	}
	slog.Info("ingest pipeline starting", "document_id", documentID, "filename", doc.Filename)

	if err := p.docs.UpdateStatus(ctx, documentID, model.IndexProcessing, 0, 0); err != nil {
		return fmt.Errorf("ingest.Pipeline.Process: set processing: %w", err)
	}

	// Step 1: extract text.
	parsed, err := p.parser.Extract(ctx, doc.StorageURI)
	if err != nil {
		p.fail(ctx, documentID, "extract_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: extract: %w", err)
	}
	slog.Info("ingest pipeline extracted text", "document_id", documentID, "chars", len(parsed.Text), "pages", parsed.Pages)

	// Step 2: chunk.
	chunks, err := p.chunker.Chunk(ctx, parsed.Text)
	if err != nil {
		p.fail(ctx, documentID, "chunk_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: chunk: %w", err)
	}
	slog.Info("ingest pipeline chunked", "document_id", documentID, "chunk_count", len(chunks))

	if len(chunks) == 0 {
		p.fail(ctx, documentID, "no_chunks", fmt.Errorf("no chunks produced from extracted text"))
		return fmt.Errorf("ingest.Pipeline.Process: no chunks for document %s", documentID)
	}

	// Step 3: embed and upsert into the owner's collection.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	denseVecs, err := embedding.BatchDenseEmbed(ctx, p.embedder, texts)
	if err != nil {
		p.fail(ctx, documentID, "embed_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: dense embed: %w", err)
	}
	sparseVecs, err := embedding.BatchSparseEmbed(ctx, p.embedder, texts)
	if err != nil {
		p.fail(ctx, documentID, "embed_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: sparse embed: %w", err)
	}

	collection := CollectionForOwner(doc.OwnerUsername)
	if err := p.store.EnsureCollection(ctx, collection, p.embedder.Dims()); err != nil {
		p.fail(ctx, documentID, "embed_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: ensure collection: %w", err)
	}

	docModelChunks := make([]model.DocumentChunk, len(chunks))
	passages := make([]model.Passage, len(chunks))
	for i, c := range chunks {
		docModelChunks[i] = model.DocumentChunk{
			DocumentID:  documentID,
			ChunkIndex:  c.Index,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
			Embedding:   denseVecs[i],
		}
		passages[i] = model.Passage{
			ID:         fmt.Sprintf("%s:%d", documentID, c.Index),
			Text:       c.Content,
			SourceRef:  doc.Filename,
			Collection: collection,
			DenseVec:   denseVecs[i],
			SparseVec:  sparseVecs[i],
			Metadata: map[string]string{
				"owner":       doc.OwnerUsername,
				"documentId":  documentID,
				"chunkIndex":  fmt.Sprintf("%d", c.Index),
				"section":     c.SectionTitle,
			},
		}
	}
	if err := p.store.Upsert(ctx, collection, passages); err != nil {
		p.fail(ctx, documentID, "embed_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: upsert: %w", err)
	}

	// Step 4: persist chunk rows relationally (content survives independent
	// of the vector store for re-indexing and the reconciler).
	if err := p.docs.InsertChunks(ctx, nil, docModelChunks); err != nil {
		p.fail(ctx, documentID, "persist_chunks_failed", err)
		return fmt.Errorf("ingest.Pipeline.Process: insert chunks: %w", err)
	}

	if err := p.docs.UpdateStatus(ctx, documentID, model.IndexIndexed, len(parsed.Text), len(chunks)); err != nil {
		return fmt.Errorf("ingest.Pipeline.Process: set indexed: %w", err)
	}

	slog.Info("ingest pipeline completed", "document_id", documentID, "chunk_count", len(chunks), "extracted_chars", len(parsed.Text))
	return nil
}

// ExtractedChars returns the character count of a just-processed document's
// extracted text, for usage-tracking by the caller (subscription.Enforcer
// bills uploads on actual extracted characters, not the raw file size).
func (p *Pipeline) ExtractedChars(ctx context.Context, documentID string) (int, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("ingest.Pipeline.ExtractedChars: %w", err)
	}
	if doc == nil {
		return 0, fmt.Errorf("ingest.Pipeline.ExtractedChars: document %s not found", documentID)
	}
	return doc.ExtractedChars, nil
}

func (p *Pipeline) fail(ctx context.Context, documentID, stage string, origErr error) {
	slog.Error("ingest pipeline failed", "document_id", documentID, "stage", stage, "error", origErr)
	_ = p.docs.UpdateStatus(ctx, documentID, model.IndexFailed, 0, 0)
}

// Delete tears down a document's vector-store points and soft-deletes its
// relational row. The uploaded object in storage is not deleted.
func (p *Pipeline) Delete(ctx context.Context, documentID, ownerUsername string) error {
	collection := CollectionForOwner(ownerUsername)
	if err := p.store.DeleteByMetadata(ctx, collection, map[string]string{"documentId": documentID}); err != nil {
		return fmt.Errorf("ingest.Pipeline.Delete: vector store: %w", err)
	}
	if err := p.docs.SoftDelete(ctx, documentID); err != nil {
		return fmt.Errorf("ingest.Pipeline.Delete: %w", err)
	}
	return nil
}

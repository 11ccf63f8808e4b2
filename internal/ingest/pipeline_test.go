package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
)

type pipelineMockDocs struct {
	doc        *model.Document
	getErr     error
	statuses   []model.IndexStatus
	chunks     []model.DocumentChunk
	insertErr  error
	softDelete bool
}

func (m *pipelineMockDocs) Create(ctx context.Context, d *model.Document) error { return nil }
func (m *pipelineMockDocs) Get(ctx context.Context, id string) (*model.Document, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.doc, nil
}
func (m *pipelineMockDocs) UpdateStatus(ctx context.Context, documentID string, status model.IndexStatus, extractedChars, chunkCount int) error {
	m.statuses = append(m.statuses, status)
	return nil
}
func (m *pipelineMockDocs) InsertChunks(ctx context.Context, tx pgx.Tx, chunks []model.DocumentChunk) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.chunks = chunks
	return nil
}
func (m *pipelineMockDocs) SoftDelete(ctx context.Context, id string) error {
	m.softDelete = true
	return nil
}

type pipelineMockParser struct {
	result *ParseResult
	err    error
}

func (m *pipelineMockParser) Extract(ctx context.Context, gcsURI string) (*ParseResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type pipelineMockChunker struct {
	chunks []Chunk
	err    error
}

func (m *pipelineMockChunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.chunks, nil
}

type pipelineMockEmbedder struct {
	dims int
}

func (m *pipelineMockEmbedder) DenseEmbed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (m *pipelineMockEmbedder) SparseEmbed(ctx context.Context, text string) (map[uint32]float32, error) {
	return map[uint32]float32{1: 0.5}, nil
}
func (m *pipelineMockEmbedder) Dims() int { return m.dims }

type pipelineMockStore struct {
	upserted   []model.Passage
	upsertErr  error
	deleted    map[string]string
	deleteErr  error
	ensureErr  error
}

func (m *pipelineMockStore) DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return nil, nil
}
func (m *pipelineMockStore) SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]vectorstore.Candidate, error) {
	return nil, nil
}
func (m *pipelineMockStore) Upsert(ctx context.Context, collection string, passages []model.Passage) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = passages
	return nil
}
func (m *pipelineMockStore) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = filter
	return nil
}
func (m *pipelineMockStore) EnsureCollection(ctx context.Context, collection string, dims int) error {
	return m.ensureErr
}
func (m *pipelineMockStore) Close() error { return nil }

func newTestPipeline(docs documentStore, parser textExtractor, chunker textChunker, store vectorstore.Client) *Pipeline {
	return &Pipeline{
		docs:     docs,
		parser:   parser,
		chunker:  chunker,
		embedder: &pipelineMockEmbedder{dims: 2},
		store:    store,
		bucket:   "test-bucket",
	}
}

func TestPipeline_Process_Success(t *testing.T) {
	docs := &pipelineMockDocs{doc: &model.Document{ID: "doc1", OwnerUsername: "kant", Filename: "critique.pdf", StorageURI: "gs://test-bucket/uploads/kant/doc1/critique.pdf"}}
	parser := &pipelineMockParser{result: &ParseResult{Text: "Space and time are pure forms of sensible intuition.", Pages: 1}}
	chunker := &pipelineMockChunker{chunks: []Chunk{
		{Content: "Space and time are pure forms.", ContentHash: "h1", TokenCount: 10, Index: 0},
		{Content: "of sensible intuition.", ContentHash: "h2", TokenCount: 5, Index: 1},
	}}
	store := &pipelineMockStore{}
	p := newTestPipeline(docs, parser, chunker, store)

	if err := p.Process(context.Background(), "doc1"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(docs.chunks) != 2 {
		t.Errorf("expected 2 persisted chunks, got %d", len(docs.chunks))
	}
	if len(store.upserted) != 2 {
		t.Errorf("expected 2 upserted passages, got %d", len(store.upserted))
	}
	if store.upserted[0].Collection != "docs:kant" {
		t.Errorf("collection = %q, want docs:kant", store.upserted[0].Collection)
	}
	last := docs.statuses[len(docs.statuses)-1]
	if last != model.IndexIndexed {
		t.Errorf("final status = %v, want Indexed", last)
	}
}

func TestPipeline_Process_ExtractFailureMarksFailed(t *testing.T) {
	docs := &pipelineMockDocs{doc: &model.Document{ID: "doc1", OwnerUsername: "kant", StorageURI: "gs://bucket/x"}}
	parser := &pipelineMockParser{err: errors.New("document ai unavailable")}
	chunker := &pipelineMockChunker{}
	store := &pipelineMockStore{}
	p := newTestPipeline(docs, parser, chunker, store)

	if err := p.Process(context.Background(), "doc1"); err == nil {
		t.Fatal("expected error")
	}
	last := docs.statuses[len(docs.statuses)-1]
	if last != model.IndexFailed {
		t.Errorf("final status = %v, want Failed", last)
	}
}

func TestPipeline_Process_NoChunksFails(t *testing.T) {
	docs := &pipelineMockDocs{doc: &model.Document{ID: "doc1", OwnerUsername: "kant", StorageURI: "gs://bucket/x"}}
	parser := &pipelineMockParser{result: &ParseResult{Text: "x"}}
	chunker := &pipelineMockChunker{chunks: nil}
	store := &pipelineMockStore{}
	p := newTestPipeline(docs, parser, chunker, store)

	if err := p.Process(context.Background(), "doc1"); err == nil {
		t.Fatal("expected error for zero chunks")
	}
}

func TestPipeline_Process_DocumentNotFound(t *testing.T) {
	docs := &pipelineMockDocs{doc: nil}
	p := newTestPipeline(docs, &pipelineMockParser{}, &pipelineMockChunker{}, &pipelineMockStore{})

	if err := p.Process(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestPipeline_Process_ConcurrentGuard(t *testing.T) {
	documentID := "doc-guard"
	processingMu.Lock()
	processing[documentID] = true
	processingMu.Unlock()
	defer func() {
		processingMu.Lock()
		delete(processing, documentID)
		processingMu.Unlock()
	}()

	p := newTestPipeline(&pipelineMockDocs{}, &pipelineMockParser{}, &pipelineMockChunker{}, &pipelineMockStore{})
	err := p.Process(context.Background(), documentID)
	if err == nil {
		t.Fatal("expected already-processing error")
	}
}

func TestPipeline_Delete(t *testing.T) {
	docs := &pipelineMockDocs{}
	store := &pipelineMockStore{}
	p := newTestPipeline(docs, &pipelineMockParser{}, &pipelineMockChunker{}, store)

	if err := p.Delete(context.Background(), "doc1", "kant"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if !docs.softDelete {
		t.Error("expected SoftDelete to be called")
	}
	if store.deleted["documentId"] != "doc1" {
		t.Errorf("expected delete filter on documentId, got %v", store.deleted)
	}
}

func TestCollectionForOwner(t *testing.T) {
	if got := CollectionForOwner("kant"); got != "docs:kant" {
		t.Errorf("CollectionForOwner() = %q, want docs:kant", got)
	}
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ParseResult holds the extracted text and metadata from a document.
type ParseResult struct {
	Text     string
	Pages    int
	Entities []Entity
}

// Entity is a detected entity in the document (e.g. date, person, amount).
type Entity struct {
	Type       string
	Content    string
	Confidence float64
}

// DocumentAIClient abstracts Document AI operations for testability.
// gcpclient.DocumentAIAdapter implements this against the real API.
type DocumentAIClient interface {
	ProcessDocument(ctx context.Context, processor string, gcsURI string, mimeType string) (*DocumentAIResponse, error)
}

// DocumentAIResponse is the parsed result from Document AI.
type DocumentAIResponse struct {
	Text     string
	Pages    int
	Entities []Entity
}

// ObjectDownloader abstracts downloading an object from Cloud Storage.
// gcpclient.StorageAdapter implements this.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, object string) ([]byte, error)
}

// Parser extracts text from uploaded documents for the chunking stage,
// routing by file extension: .docx via native ZIP+XML, plain-text formats
// via direct download, everything else (PDF, images) through Document AI
// with a direct-download fallback if Document AI fails or returns nothing.
// Adapted from the teacher's ParserService, generalized off the
// teacher-specific "legal contract" framing onto arbitrary uploaded texts.
type Parser struct {
	client     DocumentAIClient
	processor  string // projects/{project}/locations/{loc}/processors/{id}
	downloader ObjectDownloader
}

// NewParser creates a Parser. downloader may be nil, disabling .docx and
// text-format extraction (PDF/image extraction via Document AI still works).
func NewParser(client DocumentAIClient, processor string, downloader ObjectDownloader) *Parser {
	return &Parser{client: client, processor: processor, downloader: downloader}
}

// Extract processes a document stored at gcsURI and returns its text, page
// count, and any entities Document AI detected.
func (p *Parser) Extract(ctx context.Context, gcsURI string) (*ParseResult, error) {
	if gcsURI == "" {
		return nil, fmt.Errorf("ingest.Parser.Extract: gcsURI is empty")
	}

	ext := strings.ToLower(filepath.Ext(gcsURI))

	if ext == ".docx" {
		return p.extractDocx(ctx, gcsURI)
	}
	if isTextBasedFormat(ext) {
		return p.extractText(ctx, gcsURI)
	}

	mimeType := detectMimeType(gcsURI)
	if p.client == nil {
		return p.extractFallback(ctx, gcsURI, fmt.Errorf("document ai not configured"))
	}
	resp, err := p.client.ProcessDocument(ctx, p.processor, gcsURI, mimeType)
	if err != nil {
		slog.Warn("document ai extraction failed, attempting direct download fallback",
			"gcs_uri", gcsURI, "mime_type", mimeType, "error", err)
		return p.extractFallback(ctx, gcsURI, err)
	}
	if resp.Text == "" {
		slog.Warn("document ai returned empty text, attempting direct download fallback",
			"gcs_uri", gcsURI, "mime_type", mimeType)
		return p.extractFallback(ctx, gcsURI, fmt.Errorf("document ai returned empty text"))
	}
	return &ParseResult{Text: resp.Text, Pages: resp.Pages, Entities: resp.Entities}, nil
}

func isTextBasedFormat(ext string) bool {
	switch ext {
	case ".txt", ".md", ".csv", ".json", ".log", ".xml", ".yaml", ".yml", ".html", ".htm":
		return true
	}
	return false
}

func (p *Parser) extractText(ctx context.Context, gcsURI string) (*ParseResult, error) {
	if p.downloader == nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: text extraction requires ObjectDownloader (not configured)")
	}
	bucket, object, err := parseGCSURI(gcsURI)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: %w", err)
	}

	data, err := p.downloader.Download(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: download text file: %w", err)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("ingest.Parser.Extract: text file is empty")
	}
	return &ParseResult{Text: text, Pages: 1}, nil
}

// extractFallback attempts direct GCS download when Document AI fails. Only
// succeeds if the downloaded content is valid UTF-8 text, not binary.
func (p *Parser) extractFallback(ctx context.Context, gcsURI string, origErr error) (*ParseResult, error) {
	if p.downloader == nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: document ai failed and no fallback available: %w", origErr)
	}
	bucket, object, err := parseGCSURI(gcsURI)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: document ai failed: %w", origErr)
	}
	data, err := p.downloader.Download(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: document ai failed and fallback download failed: %w", origErr)
	}
	text := string(data)
	if !isLikelyText(text) {
		return nil, fmt.Errorf("ingest.Parser.Extract: document ai failed for binary file (fallback cannot parse): %w", origErr)
	}
	return &ParseResult{Text: text, Pages: 1}, nil
}

// isLikelyText checks whether content is readable text rather than binary data.
func isLikelyText(s string) bool {
	if len(s) == 0 {
		return false
	}
	sample := s
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if !utf8.ValidString(sample) {
		return false
	}
	nonPrintable, total := 0, 0
	for _, r := range sample {
		total++
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			nonPrintable++
		}
	}
	if total == 0 {
		return false
	}
	return float64(nonPrintable)/float64(total) < 0.05
}

func (p *Parser) extractDocx(ctx context.Context, gcsURI string) (*ParseResult, error) {
	if p.downloader == nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: .docx extraction requires ObjectDownloader (not configured)")
	}
	bucket, object, err := parseGCSURI(gcsURI)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: %w", err)
	}
	data, err := p.downloader.Download(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: download docx: %w", err)
	}
	text, err := extractDocxText(data)
	if err != nil {
		return nil, fmt.Errorf("ingest.Parser.Extract: parse docx: %w", err)
	}
	return &ParseResult{Text: text, Pages: 1}, nil
}

// parseGCSURI splits "gs://bucket/path/to/object" into bucket and object.
func parseGCSURI(uri string) (bucket, object string, err error) {
	if uri == "" {
		return "", "", fmt.Errorf("empty GCS URI")
	}
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI %q: must start with gs://", uri)
	}
	trimmed := strings.TrimPrefix(uri, "gs://")
	idx := strings.Index(trimmed, "/")
	if idx <= 0 {
		return "", "", fmt.Errorf("invalid GCS URI %q: missing object path", uri)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

// detectMimeType infers the MIME type from a GCS URI's file extension.
func detectMimeType(gcsURI string) string {
	switch strings.ToLower(filepath.Ext(gcsURI)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

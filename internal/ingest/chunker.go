// Package ingest implements the document-upload pipeline: extract text,
// chunk it, embed the chunks, and index them into a user-owned collection
// (spec §6 POST /documents, supplemental per SPEC_FULL's ingestion
// expansion). Chunker is adapted from the teacher's
// service.ChunkerService — paragraph-merge-then-split chunking with
// sentence-boundary-aware overflow and word-count overlap — generalized
// to return ingest.Chunk instead of a type the teacher's now-removed
// pipeline.go owned.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
)

// Chunk is one chunked segment of a document, pre-embedding.
type Chunk struct {
	Content      string
	ContentHash  string
	TokenCount   int
	Index        int
	SectionTitle string
	PageNumber   int
}

// Chunker splits document text into overlapping chunks sized for the
// embedding model's context window.
type Chunker struct {
	chunkSize  int     // target tokens per chunk (default 768)
	overlapPct float64 // overlap between adjacent chunks (default 0.20)
}

// NewChunker creates a Chunker with the given parameters, defaulting
// non-positive/out-of-range values the same way the teacher's constructor did.
func NewChunker(chunkSize int, overlapPct float64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 768
	}
	if overlapPct <= 0 || overlapPct >= 1 {
		overlapPct = 0.20
	}
	return &Chunker{chunkSize: chunkSize, overlapPct: overlapPct}
}

// Chunk splits text into overlapping chunks.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("ingest.Chunker.Chunk: text is empty")
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("ingest.Chunker.Chunk: no content after splitting")
	}

	segments := c.buildSegments(paragraphs)
	overlapped := c.applyOverlap(segments)

	chunks := make([]Chunk, 0, len(overlapped))
	for _, seg := range overlapped {
		content := strings.TrimSpace(seg.content)
		if content == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:      content,
			ContentHash:  sha256Hash(content),
			TokenCount:   estimateTokens(content),
			SectionTitle: seg.sectionTitle,
			PageNumber:   seg.pageNumber,
		})
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

type segment struct {
	content      string
	sectionTitle string
	pageNumber   int
}

// buildSegments merges small paragraphs and splits large ones to fit chunkSize.
func (c *Chunker) buildSegments(paragraphs []string) []segment {
	var segments []segment
	var current strings.Builder
	currentSection := ""
	currentPage := 1
	pageBreakCount := 0

	for _, para := range paragraphs {
		if strings.Contains(para, "\f") {
			pageBreakCount++
		}
		if title := extractSectionTitle(para); title != "" {
			currentSection = title
		}

		paraTokens := estimateTokens(para)
		currentTokens := estimateTokens(current.String())

		if currentTokens > 0 && currentTokens+paraTokens > c.chunkSize {
			segments = append(segments, segment{
				content:      current.String(),
				sectionTitle: currentSection,
				pageNumber:   currentPage,
			})
			current.Reset()
			currentPage = 1 + pageBreakCount
		}

		if paraTokens > c.chunkSize {
			if current.Len() > 0 {
				segments = append(segments, segment{
					content:      current.String(),
					sectionTitle: currentSection,
					pageNumber:   currentPage,
				})
				current.Reset()
			}
			for _, sub := range splitLargeParagraph(para, c.chunkSize) {
				segments = append(segments, segment{
					content:      sub,
					sectionTitle: currentSection,
					pageNumber:   1 + pageBreakCount,
				})
			}
			currentPage = 1 + pageBreakCount
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		segments = append(segments, segment{
			content:      current.String(),
			sectionTitle: currentSection,
			pageNumber:   1 + pageBreakCount,
		})
	}
	return segments
}

// applyOverlap duplicates the last overlapPct of each chunk as prefix of the next.
func (c *Chunker) applyOverlap(segments []segment) []segment {
	if len(segments) <= 1 {
		return segments
	}
	result := make([]segment, len(segments))
	result[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		prevContent := segments[i-1].content
		overlapWords := int(math.Ceil(float64(wordCount(prevContent)) * c.overlapPct))
		tail := lastNWords(prevContent, overlapWords)

		if tail != "" {
			result[i] = segment{
				content:      tail + "\n\n" + segments[i].content,
				sectionTitle: segments[i].sectionTitle,
				pageNumber:   segments[i].pageNumber,
			}
		} else {
			result[i] = segments[i]
		}
	}
	return result
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var result []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// splitLargeParagraph splits a paragraph that exceeds chunkSize into
// sentence-boundary-aware sub-chunks.
func splitLargeParagraph(para string, chunkSize int) []string {
	sentences := splitSentences(para)
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		sentTokens := estimateTokens(sent)
		currentTokens := estimateTokens(current.String())

		if currentTokens > 0 && currentTokens+sentTokens > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 && len(para) > 0 {
		chunks = splitByWords(para, chunkSize)
	}
	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

// splitByWords splits text into chunks of approximately chunkSize tokens by word count.
func splitByWords(text string, chunkSize int) []string {
	words := strings.Fields(text)
	wordsPerChunk := int(float64(chunkSize) / 1.3)
	if wordsPerChunk <= 0 {
		wordsPerChunk = 1
	}
	var chunks []string
	for i := 0; i < len(words); i += wordsPerChunk {
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// extractSectionTitle detects markdown-style headers (# Title, ## Section, etc.)
func extractSectionTitle(para string) string {
	trimmed := strings.TrimSpace(para)
	if strings.HasPrefix(trimmed, "#") {
		if title := strings.TrimLeft(trimmed, "# "); title != "" {
			return title
		}
	}
	return ""
}

// estimateTokens approximates token count as words * 1.3.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func lastNWords(text string, n int) string {
	words := strings.Fields(text)
	if n >= len(words) {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}

func sha256Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}

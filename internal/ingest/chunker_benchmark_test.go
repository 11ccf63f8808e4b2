package ingest

import (
	"context"
	"strings"
	"testing"
)

// generateLongText creates realistic philosophical-treatise text of
// approximately pageCount pages (~3000 chars per page).
func generateLongText(pageCount int) string {
	paragraph := "It is therefore necessary to inquire into the nature of the faculty by which the mind " +
		"apprehends first principles, for without such an inquiry no account of knowledge can proceed on " +
		"firm ground. The understanding, considered in itself, furnishes only the form under which " +
		"experience becomes intelligible, while the matter of experience is given from without. Reason, " +
		"in its speculative employment, seeks the unconditioned ground of all conditioned series, and in " +
		"this pursuit it is led beyond the bounds of possible experience into questions it can neither " +
		"answer nor abandon. The task of critique is accordingly to determine the extent and limits of " +
		"this employment, that the understanding may be secured in its legitimate use and restrained in " +
		"its illegitimate pretensions.\n\n"
	repeats := pageCount * 5
	var sb strings.Builder
	sb.Grow(len(paragraph) * repeats)
	for i := 0; i < repeats; i++ {
		sb.WriteString(paragraph)
	}
	return sb.String()
}

func BenchmarkChunker_SmallDoc(b *testing.B) {
	text := generateLongText(1) // ~1 page
	c := NewChunker(768, 0.20)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Chunk(ctx, text)
	}
}

func BenchmarkChunker_LargeDoc(b *testing.B) {
	text := generateLongText(100) // ~100 pages
	c := NewChunker(768, 0.20)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Chunk(ctx, text)
	}
}

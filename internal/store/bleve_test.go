package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/enrich"
)

func testChunk(id, docID, text string, index int) *ChunkRecord {
	return &ChunkRecord{
		ChunkID:    id,
		DocumentID: docID,
		Index:      index,
		Text:       text,
		Analysis:   &enrich.Analysis{Title: "title-" + id},
	}
}

func newTestLexical(t *testing.T) *BleveLexical {
	t.Helper()
	lex, err := NewBleveLexical("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lex.Close() })
	return lex
}

func TestBleveIndexAndSearch(t *testing.T) {
	lex := newTestLexical(t)
	ctx := context.Background()

	err := lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("c1", "doc-a", "goroutines and channels in go", 0),
		testChunk("c2", "doc-a", "python list comprehensions", 1),
	})
	require.NoError(t, err)

	hits, err := lex.Search(ctx, "goroutines", 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.Equal(t, "doc-a", hits[0].DocumentID)
	assert.Equal(t, "bm25", hits[0].Source)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestBleveOverwriteReplacesIndex(t *testing.T) {
	lex := newTestLexical(t)
	ctx := context.Background()

	require.NoError(t, lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("c1", "doc-a", "original body about kafka", 0),
	}))
	require.NoError(t, lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("c2", "doc-a", "replacement body about kafka", 0),
	}))

	hits, err := lex.Search(ctx, "kafka", 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c2", hits[0].ChunkID)
}

func TestBleveOverwriteIsScopedPerDocument(t *testing.T) {
	lex := newTestLexical(t)
	ctx := context.Background()

	require.NoError(t, lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("a1", "doc-a", "shared keyword nebula", 0),
	}))
	require.NoError(t, lex.IndexChunks(ctx, "doc-b", []*ChunkRecord{
		testChunk("b1", "doc-b", "shared keyword nebula", 0),
	}))
	// Re-indexing doc-a must not disturb doc-b.
	require.NoError(t, lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("a2", "doc-a", "shared keyword nebula", 0),
	}))

	hits, err := lex.Search(ctx, "nebula", 10, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	assert.ElementsMatch(t, []string{"a2", "b1"}, ids)
}

func TestBleveDeleteIndex(t *testing.T) {
	lex := newTestLexical(t)
	ctx := context.Background()

	require.NoError(t, lex.IndexChunks(ctx, "doc-a", []*ChunkRecord{
		testChunk("c1", "doc-a", "content to remove", 0),
	}))
	require.NoError(t, lex.DeleteIndex(ctx, "doc-a"))

	hits, err := lex.Search(ctx, "remove", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Deleting an absent index is a no-op.
	require.NoError(t, lex.DeleteIndex(ctx, "doc-missing"))
}

func TestBleveEmptyQueryReturnsNothing(t *testing.T) {
	lex := newTestLexical(t)
	hits, err := lex.Search(context.Background(), "   ", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveHealthAfterClose(t *testing.T) {
	lex, err := NewBleveLexical("")
	require.NoError(t, err)
	require.NoError(t, lex.Health(context.Background()))
	require.NoError(t, lex.Close())
	assert.Error(t, lex.Health(context.Background()))
}

func TestSanitizeIndexName(t *testing.T) {
	assert.Equal(t, "my_report_pdf", SanitizeIndexName("My Report.PDF"))
	assert.Equal(t, "a-b_c", SanitizeIndexName("a-b/c"))
	assert.Equal(t, "default", SanitizeIndexName("///"))
}

package enrich

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/errors"
)

// fakeModel scripts Complete and Embed responses per call.
type fakeModel struct {
	completions []string
	completeErr error
	embedding   []float32
	embedErr    error
	dims        int

	completeCalls int
	embedInputs   []string
	lastSystem    string
}

func (f *fakeModel) Complete(_ context.Context, system, _ string, _ int) (string, error) {
	f.lastSystem = system
	if f.completeErr != nil {
		return "", f.completeErr
	}
	idx := f.completeCalls
	f.completeCalls++
	if idx >= len(f.completions) {
		idx = len(f.completions) - 1
	}
	return f.completions[idx], nil
}

func (f *fakeModel) Embed(_ context.Context, input string) ([]float32, error) {
	f.embedInputs = append(f.embedInputs, input)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *fakeModel) Dimensions() int { return f.dims }

func goodAnalysisJSON() string {
	return `{
		"title": "Go Concurrency",
		"summary": "Covers goroutines and channels.",
		"category": "programming",
		"content_type": "article",
		"technical_level": "advanced",
		"sentiment": "neutral",
		"emotions": ["curiosity"],
		"tags": ["go", "concurrency"],
		"key_concepts": ["goroutine"],
		"main_topics": ["concurrency"],
		"key_entities": {"people": ["Rob Pike"], "organizations": [], "locations": []}
	}`
}

func vectorOf(dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = 0.5
	}
	return v
}

func TestEnrichChunkFullPath(t *testing.T) {
	model := &fakeModel{
		completions: []string{goodAnalysisJSON(), "This chunk introduces goroutines early in the document."},
		embedding:   vectorOf(8),
		dims:        8,
	}
	e := New(model, Options{ContextualEmbeddings: true})

	out, err := e.EnrichChunk(context.Background(), "full document text", "chunk about goroutines")
	require.NoError(t, err)

	assert.Equal(t, "Go Concurrency", out.Analysis.Title)
	assert.Equal(t, "advanced", out.Analysis.TechnicalLevel)
	assert.Equal(t, []string{"Rob Pike"}, out.Analysis.KeyEntities.People)
	assert.Equal(t, "This chunk introduces goroutines early in the document.", out.ContextualSummary)
	assert.True(t, out.UsesContextualEmbedding)
	assert.Len(t, out.Embedding, 8)

	// Embedding input carries the context prefix.
	require.Len(t, model.embedInputs, 1)
	assert.True(t, strings.HasPrefix(model.embedInputs[0], "This chunk introduces"))
	assert.Contains(t, model.embedInputs[0], "chunk about goroutines")
}

func TestEnrichChunkContextDisabled(t *testing.T) {
	model := &fakeModel{
		completions: []string{goodAnalysisJSON()},
		embedding:   vectorOf(4),
		dims:        4,
	}
	e := New(model, Options{ContextualEmbeddings: false})

	out, err := e.EnrichChunk(context.Background(), "doc", "chunk")
	require.NoError(t, err)
	assert.Empty(t, out.ContextualSummary)
	assert.False(t, out.UsesContextualEmbedding)
	assert.Equal(t, 1, model.completeCalls)
	assert.Equal(t, "chunk", model.embedInputs[0])
}

func TestAnalyzeRetriesUnparseableThenSucceeds(t *testing.T) {
	model := &fakeModel{
		completions: []string{"not json at all", goodAnalysisJSON()},
		dims:        4,
	}
	e := New(model, Options{})

	a, err := e.Analyze(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Equal(t, "Go Concurrency", a.Title)
	assert.Equal(t, 2, model.completeCalls)
}

func TestAnalyzeExhaustedWrapsSentinel(t *testing.T) {
	model := &fakeModel{
		completeErr: errors.New(errors.KindUpstreamUnavailable, "model down"),
		dims:        4,
	}
	e := New(model, Options{})

	_, err := e.Analyze(context.Background(), "chunk")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrAnalysisFailed))
}

func TestAnalyzeNonRetryableFailsFast(t *testing.T) {
	model := &fakeModel{
		completeErr: errors.New(errors.KindAuthRequired, "bad key"),
		dims:        4,
	}
	e := New(model, Options{})

	_, err := e.Analyze(context.Background(), "chunk")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrAnalysisFailed))
}

func TestAnalyzeStripsCodeFence(t *testing.T) {
	model := &fakeModel{
		completions: []string{"```json\n" + goodAnalysisJSON() + "\n```"},
		dims:        4,
	}
	e := New(model, Options{})

	a, err := e.Analyze(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Equal(t, "Go Concurrency", a.Title)
}

func TestAnalyzeClampsUnknownEnums(t *testing.T) {
	model := &fakeModel{
		completions: []string{`{"title":"t","content_type":"podcast","technical_level":"wizard","sentiment":"ecstatic"}`},
		dims:        4,
	}
	e := New(model, Options{})

	a, err := e.Analyze(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Equal(t, "other", a.ContentType)
	assert.Equal(t, "intermediate", a.TechnicalLevel)
	assert.Equal(t, "neutral", a.Sentiment)
	assert.Empty(t, a.Tags)
	assert.NotNil(t, a.KeyEntities.People)
}

func TestContextualizeFailureIsSoft(t *testing.T) {
	model := &fakeModel{
		completeErr: errors.New(errors.KindUpstreamUnavailable, "down"),
		dims:        4,
	}
	e := New(model, Options{ContextualEmbeddings: true})

	summary := e.Contextualize(context.Background(), "doc", "chunk")
	assert.Empty(t, summary)
}

func TestContextualizeTruncatesDocumentPreview(t *testing.T) {
	model := &fakeModel{completions: []string{"summary"}, dims: 4}
	e := New(model, Options{ContextualEmbeddings: true})

	long := strings.Repeat("d", DocumentPreviewLimit+5000)
	got := e.Contextualize(context.Background(), long, "chunk")
	assert.Equal(t, "summary", got)
}

func TestTruncatePreviewKeepsRunesWhole(t *testing.T) {
	// Three-byte runes never divide the limit evenly, so a byte slice at
	// the limit would land mid-rune.
	long := strings.Repeat("日", DocumentPreviewLimit)
	got := TruncatePreview(long, DocumentPreviewLimit)

	assert.LessOrEqual(t, len(got), DocumentPreviewLimit)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, DocumentPreviewLimit-DocumentPreviewLimit%3, len(got))
}

func TestTruncatePreviewShortInputUntouched(t *testing.T) {
	assert.Equal(t, "short", TruncatePreview("short", DocumentPreviewLimit))
	assert.Equal(t, "abc", TruncatePreview("abc", 3))
}

func TestBuildEmbedInputHardCutRespectsRuneBoundary(t *testing.T) {
	input := strings.Repeat("語", EmbedInputLimit)
	got := BuildEmbedInput("", input)

	assert.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, utf8.ValidString(strings.TrimSuffix(got, "...")))
}

func TestEmbedRejectsWrongDimensions(t *testing.T) {
	model := &fakeModel{embedding: vectorOf(3), dims: 8}
	e := New(model, Options{})

	_, err := e.Embed(context.Background(), "", "chunk")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrEmbeddingFailed))
}

func TestEmbedRejectsNonFiniteValues(t *testing.T) {
	bad := vectorOf(4)
	bad[2] = float32(nan())
	model := &fakeModel{embedding: bad, dims: 4}
	e := New(model, Options{})

	_, err := e.Embed(context.Background(), "", "chunk")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrEmbeddingFailed))
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestBuildEmbedInputShortPassthrough(t *testing.T) {
	got := BuildEmbedInput("ctx", "chunk text")
	assert.Equal(t, "ctx\n\nchunk text", got)

	got = BuildEmbedInput("", "chunk text")
	assert.Equal(t, "chunk text", got)
}

func TestBuildEmbedInputTruncatesAtWordBoundary(t *testing.T) {
	// Words of 10 chars each; a space falls inside the final 20% window.
	word := strings.Repeat("x", 9) + " "
	input := strings.Repeat(word, EmbedInputLimit/10+10)

	got := BuildEmbedInput("", input)
	assert.LessOrEqual(t, len(got), EmbedInputLimit+3)
	assert.True(t, strings.HasSuffix(got, "..."))
	// Cut lands on the last space before the limit, leaving a whole word:
	// a hard cut at the limit would end two characters into a word.
	trimmed := strings.TrimSuffix(got, "...")
	assert.Equal(t, 9, len(trimmed)%10)
}

func TestBuildEmbedInputHardCutWithoutSpaces(t *testing.T) {
	input := strings.Repeat("a", EmbedInputLimit*2)
	got := BuildEmbedInput("", input)
	assert.Equal(t, EmbedInputLimit+3, len(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

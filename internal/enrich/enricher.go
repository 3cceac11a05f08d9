package enrich

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrEmbeddingFailed marks a chunk whose embedding could not be produced
// or failed validation.
var ErrEmbeddingFailed = stderrors.New("chunk embedding failed")

// DocumentPreviewLimit caps how much of the document the contextualizer sees.
const DocumentPreviewLimit = 8000

// EmbedInputLimit caps the embedding input length, in characters.
const EmbedInputLimit = 8192

// TruncatePreview caps s at limit bytes, backing up so a multi-byte
// UTF-8 sequence is never split mid-rune.
func TruncatePreview(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// contextMaxTokens caps the contextual summary length.
const contextMaxTokens = 100

const contextSystemPrompt = `You situate a chunk of text within its parent document for retrieval. Reply with 1-2 short sentences describing what this chunk covers and where it sits in the document. Reply with the sentences only.`

// LanguageModel is the slice of the LLM client the enricher needs.
type LanguageModel interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	Embed(ctx context.Context, input string) ([]float32, error)
	Dimensions() int
}

// Enrichment is the full per-chunk result.
type Enrichment struct {
	Analysis          *Analysis
	ContextualSummary string
	Embedding         []float32

	// UsesContextualEmbedding records whether the embedding input included
	// the contextual summary.
	UsesContextualEmbedding bool
}

// Options configures an Enricher.
type Options struct {
	// ContextualEmbeddings toggles the contextual summary stage.
	ContextualEmbeddings bool
}

// Enricher runs the enrichment stages for one chunk at a time. It is
// stateless and safe for concurrent use.
type Enricher struct {
	model LanguageModel
	opts  Options
}

// New creates an Enricher on the given model.
func New(model LanguageModel, opts Options) *Enricher {
	return &Enricher{model: model, opts: opts}
}

// EnrichChunk runs analyze, contextualize, and embed for one chunk.
// docPreview is the head of the cleaned document; chunkText the chunk body.
func (e *Enricher) EnrichChunk(ctx context.Context, docPreview, chunkText string) (*Enrichment, error) {
	analysis, err := e.Analyze(ctx, chunkText)
	if err != nil {
		return nil, err
	}

	var summary string
	if e.opts.ContextualEmbeddings {
		summary = e.Contextualize(ctx, docPreview, chunkText)
	}

	embedding, err := e.Embed(ctx, summary, chunkText)
	if err != nil {
		return nil, err
	}

	return &Enrichment{
		Analysis:                analysis,
		ContextualSummary:       summary,
		Embedding:               embedding,
		UsesContextualEmbedding: summary != "",
	}, nil
}

// Contextualize produces the 1-2 sentence situating summary. Any failure
// is soft: the chunk proceeds without context.
func (e *Enricher) Contextualize(ctx context.Context, docPreview, chunkText string) string {
	docPreview = TruncatePreview(docPreview, DocumentPreviewLimit)

	user := fmt.Sprintf("<document>\n%s\n</document>\n\n<chunk>\n%s\n</chunk>", docPreview, chunkText)
	out, err := e.model.Complete(ctx, contextSystemPrompt, user, contextMaxTokens)
	if err != nil {
		slog.Warn("contextualization failed, continuing without context",
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(out)
}

// Embed builds the embedding input from context and chunk text, calls the
// model, and validates the vector.
func (e *Enricher) Embed(ctx context.Context, contextSummary, chunkText string) ([]float32, error) {
	input := BuildEmbedInput(contextSummary, chunkText)

	vec, err := e.model.Embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if len(vec) != e.model.Dimensions() {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d",
			ErrEmbeddingFailed, len(vec), e.model.Dimensions())
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite value at dimension %d", ErrEmbeddingFailed, i)
		}
	}
	return vec, nil
}

// BuildEmbedInput joins context and chunk text and truncates to
// EmbedInputLimit, preferring a word boundary in the final 20% of the
// window. Truncated inputs end with "...".
func BuildEmbedInput(contextSummary, chunkText string) string {
	input := chunkText
	if contextSummary != "" {
		input = contextSummary + "\n\n" + chunkText
	}
	if len(input) <= EmbedInputLimit {
		return input
	}

	window := TruncatePreview(input, EmbedInputLimit)
	if cut := strings.LastIndexByte(window, ' '); cut >= EmbedInputLimit*4/5 {
		window = window[:cut]
	}
	return window + "..."
}

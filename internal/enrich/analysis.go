// Package enrich runs the per-chunk AI stages: structured analysis, an
// optional contextual summary, and the embedding. Analysis and embedding
// failures are hard (the chunk fails); contextualization is soft (the
// chunk proceeds without context).
package enrich

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ragline/ragline/internal/errors"
)

// ErrAnalysisFailed marks a chunk whose analysis could not be completed
// within the retry budget.
var ErrAnalysisFailed = stderrors.New("chunk analysis failed")

// Entities holds the named entities extracted from a chunk.
type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
}

// Analysis is the structured result of the LLM chunk analysis.
type Analysis struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Category       string   `json:"category"`
	ContentType    string   `json:"content_type"`
	TechnicalLevel string   `json:"technical_level"`
	Sentiment      string   `json:"sentiment"`
	Emotions       []string `json:"emotions"`
	Tags           []string `json:"tags"`
	KeyConcepts    []string `json:"key_concepts"`
	MainTopics     []string `json:"main_topics"`
	KeyEntities    Entities `json:"key_entities"`
}

// Valid enum values, first entry is the default when clamping.
var (
	contentTypes    = []string{"other", "article", "blog", "academic", "news", "reference"}
	technicalLevels = []string{"intermediate", "beginner", "advanced"}
	sentiments      = []string{"neutral", "positive", "negative", "mixed"}
)

const analysisSystemPrompt = `You analyze one chunk of a larger document. Respond with a single JSON object and nothing else, using exactly these fields:
{
  "title": "short title for this chunk",
  "summary": "2-3 sentence summary",
  "category": "subject area",
  "content_type": "article|blog|academic|news|reference|other",
  "technical_level": "beginner|intermediate|advanced",
  "sentiment": "positive|negative|neutral|mixed",
  "emotions": ["detected emotions"],
  "tags": ["short topical tags"],
  "key_concepts": ["core concepts"],
  "main_topics": ["main topics"],
  "key_entities": {"people": [], "organizations": [], "locations": []}
}`

// analyzeRetry is the analysis retry budget: 3 attempts, 1s * 2^k + jitter.
var analyzeRetry = errors.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Jitter:       true,
}

// Analyze runs the structured chunk analysis with retries.
func (e *Enricher) Analyze(ctx context.Context, chunkText string) (*Analysis, error) {
	out, err := errors.RetryWithResult(ctx, analyzeRetry, func() (*Analysis, error) {
		raw, err := e.model.Complete(ctx, analysisSystemPrompt, chunkText, 0)
		if err != nil {
			return nil, err
		}
		analysis, err := parseAnalysis(raw)
		if err != nil {
			// A malformed response is worth one more attempt.
			return nil, errors.Wrap(errors.KindUpstreamUnavailable, "unparseable analysis", err)
		}
		return analysis, nil
	})
	if err != nil {
		if errors.IsCancelled(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	return out, nil
}

// parseAnalysis decodes the model output, tolerating code fences and
// loosely typed fields, then normalizes enums and arrays.
func parseAnalysis(raw string) (*Analysis, error) {
	cleaned := stripCodeFence(raw)

	var loose map[string]any
	if err := json.Unmarshal([]byte(cleaned), &loose); err != nil {
		return nil, fmt.Errorf("decode analysis JSON: %w", err)
	}

	a := &Analysis{
		Title:          asString(loose["title"]),
		Summary:        asString(loose["summary"]),
		Category:       asString(loose["category"]),
		ContentType:    clampEnum(asString(loose["content_type"]), contentTypes),
		TechnicalLevel: clampEnum(asString(loose["technical_level"]), technicalLevels),
		Sentiment:      clampEnum(asString(loose["sentiment"]), sentiments),
		Emotions:       asStringSlice(loose["emotions"]),
		Tags:           asStringSlice(loose["tags"]),
		KeyConcepts:    asStringSlice(loose["key_concepts"]),
		MainTopics:     asStringSlice(loose["main_topics"]),
		KeyEntities:    asEntities(loose["key_entities"]),
	}
	return a, nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// asStringSlice coerces arrays, bare strings, and garbage into []string.
func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return []string{}
}

func asEntities(v any) Entities {
	m, ok := v.(map[string]any)
	if !ok {
		return Entities{People: []string{}, Organizations: []string{}, Locations: []string{}}
	}
	return Entities{
		People:        asStringSlice(m["people"]),
		Organizations: asStringSlice(m["organizations"]),
		Locations:     asStringSlice(m["locations"]),
	}
}

// clampEnum returns value when it is in the valid set, else the set's
// default (first entry).
func clampEnum(value string, valid []string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range valid {
		if v == candidate {
			return candidate
		}
	}
	return valid[0]
}

package retrieve

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/store"
)

// SearchType selects which backends answer a query.
type SearchType string

const (
	TypeHybrid SearchType = "hybrid"
	TypeVector SearchType = "vector"
	TypeBM25   SearchType = "bm25"
)

// Default query limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// overfetchFactor widens each backend's candidate pool before fusion.
const overfetchFactor = 2

// Options tunes one search call.
type Options struct {
	Type      SearchType
	Limit     int
	Threshold float64
}

// Result is a search answer. Degraded reports that one backend failed
// and the hits come from the other alone.
type Result struct {
	Hits     []store.SearchHit `json:"hits"`
	Type     SearchType        `json:"type"`
	Degraded bool              `json:"degraded"`
}

// Retriever runs hybrid search over the vector and lexical stores.
type Retriever struct {
	embedder Embedder
	vector   store.Vector
	lexical  store.Lexical
	log      *slog.Logger
}

// New builds a retriever. The embedder is wrapped with the LRU cache.
func New(embedder Embedder, vector store.Vector, lexical store.Lexical, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{
		embedder: NewCachedEmbedder(embedder, DefaultCacheSize),
		vector:   vector,
		lexical:  lexical,
		log:      log,
	}
}

// Search answers one query. Hybrid queries run both backends in parallel
// and fuse with RRF; a single backend failure degrades the result, both
// failing is an error.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.InvalidInput("query must not be empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	searchType := opts.Type
	if searchType == "" {
		searchType = TypeHybrid
	}

	fetch := limit * overfetchFactor

	switch searchType {
	case TypeVector:
		hits, err := r.vectorSearch(ctx, query, fetch, opts.Threshold)
		if err != nil {
			return nil, err
		}
		return &Result{Hits: truncate(tagSource(hits, "vector"), limit), Type: TypeVector}, nil
	case TypeBM25:
		hits, err := r.lexical.Search(ctx, query, fetch, opts.Threshold)
		if err != nil {
			return nil, err
		}
		return &Result{Hits: truncate(tagSource(hits, "bm25"), limit), Type: TypeBM25}, nil
	case TypeHybrid:
		return r.hybrid(ctx, query, limit, fetch, opts.Threshold)
	default:
		return nil, errors.Newf(errors.KindInvalidInput, "unknown search type %q", searchType)
	}
}

func (r *Retriever) hybrid(ctx context.Context, query string, limit, fetch int, threshold float64) (*Result, error) {
	var (
		wg      sync.WaitGroup
		vecHits []store.SearchHit
		lexHits []store.SearchHit
		vecErr  error
		lexErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vecHits, vecErr = r.vectorSearch(ctx, query, fetch, threshold)
	}()
	go func() {
		defer wg.Done()
		lexHits, lexErr = r.lexical.Search(ctx, query, fetch, threshold)
	}()
	wg.Wait()

	if vecErr != nil && lexErr != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable,
			"both search backends failed", stderrors.Join(vecErr, lexErr))
	}

	degraded := false
	if vecErr != nil {
		r.log.Warn("vector search failed, degrading to lexical only",
			slog.String("error", vecErr.Error()))
		degraded = true
		vecHits = nil
	}
	if lexErr != nil {
		r.log.Warn("lexical search failed, degrading to vector only",
			slog.String("error", lexErr.Error()))
		degraded = true
		lexHits = nil
	}

	hits := rrfFuse(vecHits, lexHits, DefaultRRFConstant)
	return &Result{
		Hits:     truncate(hits, limit),
		Type:     TypeHybrid,
		Degraded: degraded,
	}, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, fetch int, threshold float64) ([]store.SearchHit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.vector.Search(ctx, vec, fetch, float32(threshold))
}

func tagSource(hits []store.SearchHit, source string) []store.SearchHit {
	for i := range hits {
		hits[i].Source = source
	}
	return hits
}

func truncate(hits []store.SearchHit, limit int) []store.SearchHit {
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

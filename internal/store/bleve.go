package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ragline/ragline/internal/errors"
)

// BleveLexical is the embedded fallback for the external BM25 service.
// One bleve index holds every logical per-document index; the logical name
// is a keyword field so overwrite and delete stay per document.
type BleveLexical struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type bleveChunk struct {
	Text       string `json:"text"`
	Title      string `json:"title"`
	DocumentID string `json:"document_id"`
	IndexName  string `json:"index_name"`
}

// NewBleveLexical opens or creates the index. Empty path means in-memory.
func NewBleveLexical(path string) (*BleveLexical, error) {
	m, err := lexicalMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}
	return &BleveLexical{index: idx}, nil
}

func lexicalMapping() (*mapping.IndexMappingImpl, error) {
	docMapping := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	docMapping.AddFieldMappingsAt("text", text)
	docMapping.AddFieldMappingsAt("title", text)

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("document_id", exact)
	docMapping.AddFieldMappingsAt("index_name", exact)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m, nil
}

// IndexChunks replaces the logical index contents with the given chunks.
func (b *BleveLexical) IndexChunks(ctx context.Context, indexName string, chunks []*ChunkRecord) error {
	name := SanitizeIndexName(indexName)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.KindInternal, "lexical index is closed")
	}

	// Overwrite semantics: drop previous entries of this logical index.
	existing, err := b.idsForIndexLocked(ctx, name)
	if err != nil {
		return err
	}

	batch := b.index.NewBatch()
	for _, id := range existing {
		batch.Delete(id)
	}
	for _, c := range chunks {
		doc := bleveChunk{
			Text:       c.Text,
			DocumentID: c.DocumentID,
			IndexName:  name,
		}
		if c.Analysis != nil {
			doc.Title = c.Analysis.Title
		}
		if err := batch.Index(c.ChunkID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ChunkID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute index batch: %w", err)
	}
	return nil
}

// Search runs a BM25-scored match query across all logical indexes.
func (b *BleveLexical) Search(ctx context.Context, query string, limit int, threshold float64) ([]SearchHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New(errors.KindInternal, "lexical index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []SearchHit{}, nil
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("text")
	req := bleve.NewSearchRequest(match)
	req.Size = limit
	req.Fields = []string{"title", "document_id"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, h := range result.Hits {
		if h.Score < threshold {
			continue
		}
		hit := SearchHit{
			ChunkID: h.ID,
			Score:   h.Score,
			Source:  "bm25",
		}
		if title, ok := h.Fields["title"].(string); ok {
			hit.Title = title
		}
		if docID, ok := h.Fields["document_id"].(string); ok {
			hit.DocumentID = docID
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteIndex removes every chunk of one logical index.
func (b *BleveLexical) DeleteIndex(ctx context.Context, indexName string) error {
	name := SanitizeIndexName(indexName)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.KindInternal, "lexical index is closed")
	}

	ids, err := b.idsForIndexLocked(ctx, name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("delete index %s: %w", name, err)
	}
	return nil
}

// Health reports whether the index is open.
func (b *BleveLexical) Health(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.KindUpstreamUnavailable, "lexical index is closed")
	}
	return nil
}

// Close closes the underlying index.
func (b *BleveLexical) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// idsForIndexLocked lists chunk ids of one logical index. Caller holds a
// write or read lock.
func (b *BleveLexical) idsForIndexLocked(ctx context.Context, name string) ([]string, error) {
	term := bleve.NewTermQuery(name)
	term.SetField("index_name")

	count, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(term)
	req.Size = int(count) + 1

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list index %s: %w", name, err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

var _ Lexical = (*BleveLexical)(nil)

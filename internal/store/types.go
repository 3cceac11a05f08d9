// Package store holds the three storage adapters behind one contract: the
// relational store (documents, chunks, full-text search), the vector store
// (similarity search), and the lexical BM25 index. Embedded fallbacks exist
// for the vector and lexical adapters so the pipeline can run without the
// external services.
package store

import (
	"context"
	"time"

	"github.com/ragline/ragline/internal/enrich"
)

// DocumentStatus is the document lifecycle state.
type DocumentStatus string

const (
	DocumentQueued    DocumentStatus = "queued"
	DocumentFetching  DocumentStatus = "fetching"
	DocumentChunking  DocumentStatus = "chunking"
	DocumentEnriching DocumentStatus = "enriching"
	DocumentStoring   DocumentStatus = "storing"
	DocumentCompleted DocumentStatus = "completed"
	DocumentFailed    DocumentStatus = "failed"
	DocumentCancelled DocumentStatus = "cancelled"
)

// ChunkStatus tracks a chunk through enrichment and storage.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkAnalyzed  ChunkStatus = "analyzed"
	ChunkEmbedded  ChunkStatus = "embedded"
	ChunkStored    ChunkStatus = "stored"
	ChunkFailed    ChunkStatus = "failed"
	ChunkCancelled ChunkStatus = "cancelled"
)

// EmbeddingStatus records the vector-store outcome separately from the
// relational outcome.
type EmbeddingStatus string

const (
	EmbeddingPending EmbeddingStatus = "pending"
	EmbeddingStored  EmbeddingStatus = "stored"
	EmbeddingFailed  EmbeddingStatus = "failed"
)

// DocumentRecord is one ingested document.
type DocumentRecord struct {
	ID           string         `json:"id"`
	URL          string         `json:"url,omitempty"`
	Title        string         `json:"title"`
	Summary      string         `json:"summary,omitempty"`
	SourceType   string         `json:"source_type"` // url | file
	UploadOrigin string         `json:"upload_origin,omitempty"`
	DocumentType string         `json:"document_type,omitempty"`
	Status       DocumentStatus `json:"status"`
	TotalChunks  int            `json:"total_chunks"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// ChunkRecord is one chunk row with its enrichment attached.
type ChunkRecord struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`

	Method       string `json:"method,omitempty"`
	BoundaryType string `json:"boundary_type,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	SectionLevel int    `json:"section_level,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	URL          string `json:"url,omitempty"`

	Status          ChunkStatus     `json:"status"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`

	Analysis                *enrich.Analysis `json:"analysis,omitempty"`
	ContextualSummary       string           `json:"contextual_summary,omitempty"`
	UsesContextualEmbedding bool             `json:"uses_contextual_embedding"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchHit is one retrieval result from any backend.
type SearchHit struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Text       string         `json:"text,omitempty"`
	Title      string         `json:"title,omitempty"`
	Source     string         `json:"source"` // vector | bm25 | sql
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ListOptions controls document listing.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string // created_time | updated_at | title
	SortOrder string // asc | desc
	Query     string // optional title/url filter
}

// Relational is the mandatory store: document and chunk rows plus the
// full-text baseline.
type Relational interface {
	UpsertDocument(ctx context.Context, doc *DocumentRecord) error
	UpsertChunk(ctx context.Context, chunk *ChunkRecord) error
	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	ListDocuments(ctx context.Context, opts ListOptions) ([]*DocumentRecord, int, error)
	ListChunks(ctx context.Context, documentID string, limit, offset int) ([]*ChunkRecord, error)
	SetDocumentStatus(ctx context.Context, id string, status DocumentStatus, totalChunks int) error
	SetChunkStatus(ctx context.Context, chunkID string, status ChunkStatus, embeddingStatus EmbeddingStatus) error
	CountStoredChunks(ctx context.Context, documentID string) (int, error)
	DeleteDocument(ctx context.Context, id string) error
	SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error)
	Close()
}

// Vector stores one point per chunk keyed by chunk id.
type Vector interface {
	EnsureReady(ctx context.Context) error
	UpsertChunk(ctx context.Context, chunk *ChunkRecord, vector []float32) error
	Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchHit, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// Lexical is the BM25 index, one logical index per document.
type Lexical interface {
	IndexChunks(ctx context.Context, indexName string, chunks []*ChunkRecord) error
	Search(ctx context.Context, query string, limit int, threshold float64) ([]SearchHit, error)
	DeleteIndex(ctx context.Context, indexName string) error
	Health(ctx context.Context) error
}

// vectorPayload builds the point payload: analysis projection plus chunk
// identity fields.
func vectorPayload(chunk *ChunkRecord) map[string]any {
	payload := map[string]any{
		"document_id":               chunk.DocumentID,
		"index":                     chunk.Index,
		"url":                       chunk.URL,
		"uses_contextual_embedding": chunk.UsesContextualEmbedding,
	}
	if a := chunk.Analysis; a != nil {
		payload["title"] = a.Title
		payload["summary"] = a.Summary
		payload["category"] = a.Category
		payload["content_type"] = a.ContentType
		payload["technical_level"] = a.TechnicalLevel
		payload["sentiment"] = a.Sentiment
		payload["tags"] = a.Tags
		payload["key_concepts"] = a.KeyConcepts
		payload["main_topics"] = a.MainTopics
	}
	return payload
}

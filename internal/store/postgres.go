package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/enrich"
	"github.com/ragline/ragline/internal/errors"
)

// CallTimeout bounds each store call.
const CallTimeout = 10 * time.Second

// processedContentSchema holds documents and chunks in one table.
// Document rows reuse the document id as their chunk_id so upserts share
// one conflict target.
const processedContentSchema = `
CREATE TABLE IF NOT EXISTS processed_content (
	id                         BIGSERIAL PRIMARY KEY,
	chunk_id                   TEXT NOT NULL UNIQUE,
	record_type                TEXT NOT NULL,
	parent_document_id         TEXT,
	url                        TEXT,
	title                      TEXT,
	summary                    TEXT,
	chunk_text                 TEXT,
	chunk_index                INTEGER,
	span_start                 INTEGER,
	span_end                   INTEGER,
	processing_status          TEXT NOT NULL DEFAULT 'pending',
	embedding_status           TEXT NOT NULL DEFAULT 'pending',
	uses_contextual_embedding  BOOLEAN NOT NULL DEFAULT FALSE,
	contextual_summary         TEXT,
	sentiment                  TEXT,
	emotions                   TEXT[],
	category                   TEXT,
	content_type               TEXT,
	technical_level            TEXT,
	tags                       TEXT[],
	key_concepts               TEXT[],
	main_topics                TEXT[],
	key_entities               JSONB,
	document_type              TEXT,
	chunking_method            TEXT,
	boundaries_respected       TEXT[],
	section_title              TEXT,
	section_level              INTEGER,
	source_type                TEXT,
	upload_origin              TEXT,
	total_chunks               INTEGER,
	completed_at               TIMESTAMPTZ,
	created_time               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pc_parent ON processed_content (parent_document_id);
CREATE INDEX IF NOT EXISTS idx_pc_type ON processed_content (record_type);
CREATE INDEX IF NOT EXISTS idx_pc_fts ON processed_content
	USING GIN (to_tsvector('english', coalesce(title,'') || ' ' || coalesce(chunk_text,'')));
`

// PostgresStore is the relational adapter over a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and runs the schema migration.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatalDatabase, "parse database url", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatalDatabase, "connect to database", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool; the caller owns migration
// and pool lifecycle.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, processedContentSchema); err != nil {
		return classifyPg("migrate processed_content", err)
	}
	return nil
}

// Pool exposes the underlying pool for the queue and session tables, which
// share the same database.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// UpsertDocument writes or refreshes the document row.
func (s *PostgresStore) UpsertDocument(ctx context.Context, doc *DocumentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_content
			(chunk_id, record_type, url, title, summary, source_type, upload_origin,
			 document_type, processing_status, total_chunks, completed_at, updated_at)
		VALUES ($1, 'document', $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (chunk_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			document_type = EXCLUDED.document_type,
			processing_status = EXCLUDED.processing_status,
			total_chunks = EXCLUDED.total_chunks,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()`,
		doc.ID, doc.URL, doc.Title, doc.Summary, doc.SourceType, doc.UploadOrigin,
		doc.DocumentType, string(doc.Status), doc.TotalChunks, doc.CompletedAt)
	if err != nil {
		return classifyPg("upsert document", err)
	}
	return nil
}

// UpsertChunk writes or refreshes one chunk row with its enrichment.
func (s *PostgresStore) UpsertChunk(ctx context.Context, chunk *ChunkRecord) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	a := chunk.Analysis
	if a == nil {
		a = &enrich.Analysis{}
	}
	entities, err := json.Marshal(a.KeyEntities)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode key entities", err)
	}

	var boundaries []string
	if chunk.BoundaryType != "" {
		boundaries = []string{chunk.BoundaryType}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO processed_content
			(chunk_id, record_type, parent_document_id, url, title, summary, chunk_text,
			 chunk_index, span_start, span_end, processing_status, embedding_status,
			 uses_contextual_embedding, contextual_summary, sentiment, emotions, category,
			 content_type, technical_level, tags, key_concepts, main_topics, key_entities,
			 document_type, chunking_method, boundaries_respected, section_title,
			 section_level, updated_at)
		VALUES ($1, 'chunk', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, now())
		ON CONFLICT (chunk_id) DO UPDATE SET
			chunk_text = EXCLUDED.chunk_text,
			chunk_index = EXCLUDED.chunk_index,
			span_start = EXCLUDED.span_start,
			span_end = EXCLUDED.span_end,
			processing_status = EXCLUDED.processing_status,
			embedding_status = EXCLUDED.embedding_status,
			uses_contextual_embedding = EXCLUDED.uses_contextual_embedding,
			contextual_summary = EXCLUDED.contextual_summary,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			sentiment = EXCLUDED.sentiment,
			emotions = EXCLUDED.emotions,
			category = EXCLUDED.category,
			content_type = EXCLUDED.content_type,
			technical_level = EXCLUDED.technical_level,
			tags = EXCLUDED.tags,
			key_concepts = EXCLUDED.key_concepts,
			main_topics = EXCLUDED.main_topics,
			key_entities = EXCLUDED.key_entities,
			chunking_method = EXCLUDED.chunking_method,
			boundaries_respected = EXCLUDED.boundaries_respected,
			section_title = EXCLUDED.section_title,
			section_level = EXCLUDED.section_level,
			updated_at = now()`,
		chunk.ChunkID, chunk.DocumentID, chunk.URL, a.Title, a.Summary, chunk.Text,
		chunk.Index, chunk.Start, chunk.End, string(chunk.Status), string(chunk.EmbeddingStatus),
		chunk.UsesContextualEmbedding, chunk.ContextualSummary, a.Sentiment, a.Emotions,
		a.Category, a.ContentType, a.TechnicalLevel, a.Tags, a.KeyConcepts, a.MainTopics,
		entities, chunk.DocumentType, chunk.Method, boundaries, chunk.SectionTitle,
		chunk.SectionLevel)
	if err != nil {
		return classifyPg("upsert chunk", err)
	}
	return nil
}

// GetDocument loads one document row.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT chunk_id, coalesce(url,''), coalesce(title,''), coalesce(summary,''),
			coalesce(source_type,''), coalesce(upload_origin,''), coalesce(document_type,''),
			processing_status, coalesce(total_chunks,0), created_time, updated_at, completed_at
		FROM processed_content
		WHERE chunk_id = $1 AND record_type = 'document'`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Newf(errors.KindNotFound, "document %s not found", id)
		}
		return nil, classifyPg("get document", err)
	}
	return doc, nil
}

// ListDocuments returns a page of documents plus the total count.
func (s *PostgresStore) ListDocuments(ctx context.Context, opts ListOptions) ([]*DocumentRecord, int, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	sortBy := map[string]string{
		"created_time": "created_time",
		"updated_at":   "updated_at",
		"title":        "title",
	}[opts.SortBy]
	if sortBy == "" {
		sortBy = "created_time"
	}
	order := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		order = "ASC"
	}

	where := "record_type = 'document'"
	args := []any{}
	if opts.Query != "" {
		args = append(args, "%"+opts.Query+"%")
		where += fmt.Sprintf(" AND (title ILIKE $%d OR url ILIKE $%d)", len(args), len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM processed_content WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, classifyPg("count documents", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id, coalesce(url,''), coalesce(title,''), coalesce(summary,''),
			coalesce(source_type,''), coalesce(upload_origin,''), coalesce(document_type,''),
			processing_status, coalesce(total_chunks,0), created_time, updated_at, completed_at
		FROM processed_content
		WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d`, where, sortBy, order, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, classifyPg("list documents", err)
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, classifyPg("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// ListChunks returns a page of chunk rows for one document, in index order.
func (s *PostgresStore) ListChunks(ctx context.Context, documentID string, limit, offset int) ([]*ChunkRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, parent_document_id, coalesce(url,''), coalesce(chunk_text,''),
			coalesce(chunk_index,0), coalesce(span_start,0), coalesce(span_end,0),
			processing_status, embedding_status, uses_contextual_embedding,
			coalesce(contextual_summary,''), coalesce(title,''), coalesce(summary,''),
			coalesce(category,''), coalesce(content_type,''), coalesce(technical_level,''),
			coalesce(sentiment,''), coalesce(emotions,'{}'), coalesce(tags,'{}'),
			coalesce(key_concepts,'{}'), coalesce(main_topics,'{}'), key_entities,
			coalesce(document_type,''), coalesce(chunking_method,''),
			coalesce(boundaries_respected,'{}'), coalesce(section_title,''),
			coalesce(section_level,0), created_time, updated_at
		FROM processed_content
		WHERE record_type = 'chunk' AND parent_document_id = $1
		ORDER BY chunk_index ASC
		LIMIT $2 OFFSET $3`, documentID, limit, offset)
	if err != nil {
		return nil, classifyPg("list chunks", err)
	}
	defer rows.Close()

	var chunks []*ChunkRecord
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, classifyPg("scan chunk", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// SetDocumentStatus updates status and, when positive, total chunks.
func (s *PostgresStore) SetDocumentStatus(ctx context.Context, id string, status DocumentStatus, totalChunks int) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	completed := "completed_at"
	if status == DocumentCompleted || status == DocumentFailed || status == DocumentCancelled {
		completed = "now()"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE processed_content
		SET processing_status = $2,
			total_chunks = CASE WHEN $3 > 0 THEN $3 ELSE total_chunks END,
			completed_at = %s,
			updated_at = now()
		WHERE chunk_id = $1 AND record_type = 'document'`, completed),
		id, string(status), totalChunks)
	if err != nil {
		return classifyPg("set document status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.KindNotFound, "document %s not found", id)
	}
	return nil
}

// SetChunkStatus updates the chunk and embedding statuses.
func (s *PostgresStore) SetChunkStatus(ctx context.Context, chunkID string, status ChunkStatus, embeddingStatus EmbeddingStatus) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE processed_content
		SET processing_status = $2, embedding_status = $3, updated_at = now()
		WHERE chunk_id = $1 AND record_type = 'chunk'`,
		chunkID, string(status), string(embeddingStatus))
	if err != nil {
		return classifyPg("set chunk status", err)
	}
	return nil
}

// CountStoredChunks counts chunk rows in status stored for one document.
func (s *PostgresStore) CountStoredChunks(ctx context.Context, documentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM processed_content
		WHERE record_type = 'chunk' AND parent_document_id = $1 AND processing_status = $2`,
		documentID, string(ChunkStored)).Scan(&n)
	if err != nil {
		return 0, classifyPg("count stored chunks", err)
	}
	return n, nil
}

// DeleteDocument removes the document row and all of its chunk rows.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processed_content
		WHERE chunk_id = $1 OR parent_document_id = $1`, id)
	if err != nil {
		return classifyPg("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.KindNotFound, "document %s not found", id)
	}
	return nil
}

// SearchText is the full-text baseline over chunk rows, rank ordered.
func (s *PostgresStore) SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, coalesce(parent_document_id,''), coalesce(title,''),
			coalesce(chunk_text,''),
			ts_rank(to_tsvector('english', coalesce(title,'') || ' ' || coalesce(chunk_text,'')),
				plainto_tsquery('english', $1)) AS rank
		FROM processed_content
		WHERE record_type = 'chunk'
			AND to_tsvector('english', coalesce(title,'') || ' ' || coalesce(chunk_text,''))
				@@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, classifyPg("full-text search", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Title, &h.Text, &h.Score); err != nil {
			return nil, classifyPg("scan search hit", err)
		}
		h.Source = "sql"
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func scanDocument(row pgx.Row) (*DocumentRecord, error) {
	var doc DocumentRecord
	var status string
	if err := row.Scan(&doc.ID, &doc.URL, &doc.Title, &doc.Summary, &doc.SourceType,
		&doc.UploadOrigin, &doc.DocumentType, &status, &doc.TotalChunks,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.CompletedAt); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	return &doc, nil
}

func scanChunk(row pgx.Row) (*ChunkRecord, error) {
	var c ChunkRecord
	var status, embStatus string
	var a enrich.Analysis
	var entitiesRaw []byte
	var boundaries []string

	if err := row.Scan(&c.ChunkID, &c.DocumentID, &c.URL, &c.Text, &c.Index, &c.Start,
		&c.End, &status, &embStatus, &c.UsesContextualEmbedding, &c.ContextualSummary,
		&a.Title, &a.Summary, &a.Category, &a.ContentType, &a.TechnicalLevel,
		&a.Sentiment, &a.Emotions, &a.Tags, &a.KeyConcepts, &a.MainTopics,
		&entitiesRaw, &c.DocumentType, &c.Method, &boundaries, &c.SectionTitle,
		&c.SectionLevel, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = ChunkStatus(status)
	c.EmbeddingStatus = EmbeddingStatus(embStatus)
	if len(entitiesRaw) > 0 {
		_ = json.Unmarshal(entitiesRaw, &a.KeyEntities)
	}
	if len(boundaries) > 0 {
		c.BoundaryType = boundaries[0]
	}
	c.Analysis = &a
	return &c, nil
}

// classifyPg maps pgx errors onto the taxonomy: connection-class and
// serialization failures are transient, constraint and syntax failures are
// fatal.
func classifyPg(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.KindCancelled, op+" aborted", err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			strings.HasPrefix(code, "53"), // insufficient resources
			code == "40001", code == "40P01", code == "57P03":
			return errors.Wrap(errors.KindTransientDatabase, op+" failed", err)
		default:
			return errors.Wrap(errors.KindFatalDatabase, op+" failed", err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return errors.Wrap(errors.KindTransientDatabase, op+" failed", err)
	}
	// Network-level failures without a SQLSTATE.
	return errors.Wrap(errors.KindTransientDatabase, op+" failed", err)
}

var _ Relational = (*PostgresStore)(nil)

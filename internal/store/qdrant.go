package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ragline/ragline/internal/errors"
)

// QdrantConfig configures the Qdrant HTTP adapter.
type QdrantConfig struct {
	BaseURL    string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// QdrantStore talks to Qdrant over its HTTP API. One point per chunk,
// point id = chunk id.
type QdrantStore struct {
	cfg    QdrantConfig
	client *http.Client

	mu    sync.Mutex
	ready bool
}

// NewQdrantStore creates the adapter. EnsureReady creates the collection
// lazily on first use.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	if cfg.Collection == "" {
		cfg.Collection = "content_chunks"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = CallTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &QdrantStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// EnsureReady creates the collection if it does not exist yet.
// Idempotent and cheap after the first success.
func (q *QdrantStore) EnsureReady(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return nil
	}

	status, _, err := q.do(ctx, http.MethodGet, "/collections/"+q.cfg.Collection, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		q.ready = true
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.cfg.Dimensions,
			"distance": "Cosine",
		},
	}
	status, raw, err := q.do(ctx, http.MethodPut, "/collections/"+q.cfg.Collection, body)
	if err != nil {
		return err
	}
	// 409 means another writer created it first.
	if status != http.StatusOK && status != http.StatusConflict {
		return errors.Newf(errors.KindUpstreamUnavailable,
			"create collection %s: status %d: %s", q.cfg.Collection, status, truncateBody(raw))
	}
	q.ready = true
	return nil
}

// UpsertChunk writes one point. Qdrant upserts by point id, so retries
// converge.
func (q *QdrantStore) UpsertChunk(ctx context.Context, chunk *ChunkRecord, vector []float32) error {
	if err := q.EnsureReady(ctx); err != nil {
		return err
	}
	if len(vector) != q.cfg.Dimensions {
		return errors.Newf(errors.KindInvalidInput,
			"vector has %d dimensions, collection expects %d", len(vector), q.cfg.Dimensions)
	}

	body := map[string]any{
		"points": []map[string]any{{
			"id":      chunk.ChunkID,
			"vector":  vector,
			"payload": vectorPayload(chunk),
		}},
	}
	status, raw, err := q.do(ctx, http.MethodPut,
		"/collections/"+q.cfg.Collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.KindUpstreamUnavailable,
			"upsert point %s: status %d: %s", chunk.ChunkID, status, truncateBody(raw))
	}
	return nil
}

// Search returns up to limit points above the similarity threshold.
func (q *QdrantStore) Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchHit, error) {
	if err := q.EnsureReady(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}
	status, raw, err := q.do(ctx, http.MethodPost,
		"/collections/"+q.cfg.Collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Newf(errors.KindUpstreamUnavailable,
			"vector search: status %d: %s", status, truncateBody(raw))
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "decode search response", err)
	}

	hits := make([]SearchHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := SearchHit{
			ChunkID:  fmt.Sprintf("%v", r.ID),
			Score:    r.Score,
			Source:   "vector",
			Metadata: r.Payload,
		}
		if docID, ok := r.Payload["document_id"].(string); ok {
			hit.DocumentID = docID
		}
		if title, ok := r.Payload["title"].(string); ok {
			hit.Title = title
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteDocument removes all points whose payload references the document.
func (q *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	if err := q.EnsureReady(ctx); err != nil {
		return err
	}

	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{{
				"key":   "document_id",
				"match": map[string]any{"value": documentID},
			}},
		},
	}
	status, raw, err := q.do(ctx, http.MethodPost,
		"/collections/"+q.cfg.Collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.KindUpstreamUnavailable,
			"delete points for document %s: status %d: %s", documentID, status, truncateBody(raw))
	}
	return nil
}

// do sends one JSON request and returns status plus raw body.
func (q *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(errors.KindInternal, "encode request", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.cfg.BaseURL+path, buf)
	if err != nil {
		return 0, nil, errors.Wrap(errors.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.cfg.APIKey != "" {
		req.Header.Set("api-key", q.cfg.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(errors.KindCancelled, "vector store call aborted", ctx.Err())
		}
		return 0, nil, errors.Wrap(errors.KindUpstreamUnavailable, "vector store unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(errors.KindUpstreamUnavailable, "read response", err)
	}
	return resp.StatusCode, raw, nil
}

func truncateBody(raw []byte) string {
	const max = 256
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Vector = (*QdrantStore)(nil)

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ragline/ragline/internal/errors"
)

// RemoteBM25Config configures the lexical sidecar adapter.
type RemoteBM25Config struct {
	BaseURL string
	Timeout time.Duration
}

// RemoteBM25 talks to the external BM25 service. Indexing overwrites the
// named index per document.
type RemoteBM25 struct {
	cfg    RemoteBM25Config
	client *http.Client
}

// NewRemoteBM25 creates the adapter.
func NewRemoteBM25(cfg RemoteBM25Config) *RemoteBM25 {
	if cfg.Timeout <= 0 {
		cfg.Timeout = CallTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RemoteBM25{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

var indexNameUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeIndexName lowers the name and replaces anything outside
// [a-z0-9_-] with underscores.
func SanitizeIndexName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = indexNameUnsafe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default"
	}
	return name
}

// IndexChunks posts the chunks into one named index, replacing its
// previous contents.
func (b *RemoteBM25) IndexChunks(ctx context.Context, indexName string, chunks []*ChunkRecord) error {
	type entry struct {
		ID       string         `json:"id"`
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	entries := make([]entry, 0, len(chunks))
	for _, c := range chunks {
		entries = append(entries, entry{
			ID:       c.ChunkID,
			Text:     c.Text,
			Metadata: vectorPayload(c),
		})
	}

	body := map[string]any{
		"chunks":  entries,
		"options": map[string]any{"overwrite": true},
	}
	status, raw, err := b.do(ctx, http.MethodPost, "/index/"+SanitizeIndexName(indexName), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return errors.Newf(errors.KindUpstreamUnavailable,
			"index %s: status %d: %s", indexName, status, truncateBody(raw))
	}
	return nil
}

// Search queries across all indexes.
func (b *RemoteBM25) Search(ctx context.Context, query string, limit int, threshold float64) ([]SearchHit, error) {
	body := map[string]any{
		"query":     query,
		"limit":     limit,
		"threshold": threshold,
	}
	status, raw, err := b.do(ctx, http.MethodPost, "/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Newf(errors.KindUpstreamUnavailable,
			"lexical search: status %d: %s", status, truncateBody(raw))
	}

	var resp struct {
		Results []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "decode search response", err)
	}

	hits := make([]SearchHit, 0, len(resp.Results))
	for _, r := range resp.Results {
		hit := SearchHit{
			ChunkID:  r.ID,
			Score:    r.Score,
			Source:   "bm25",
			Metadata: r.Metadata,
		}
		if docID, ok := r.Metadata["document_id"].(string); ok {
			hit.DocumentID = docID
		}
		if title, ok := r.Metadata["title"].(string); ok {
			hit.Title = title
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteIndex removes one per-document index.
func (b *RemoteBM25) DeleteIndex(ctx context.Context, indexName string) error {
	status, raw, err := b.do(ctx, http.MethodDelete, "/index/"+SanitizeIndexName(indexName), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return errors.Newf(errors.KindUpstreamUnavailable,
			"delete index %s: status %d: %s", indexName, status, truncateBody(raw))
	}
	return nil
}

// Health probes the sidecar.
func (b *RemoteBM25) Health(ctx context.Context) error {
	status, _, err := b.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.KindUpstreamUnavailable, "lexical service unhealthy: status %d", status)
	}
	return nil
}

func (b *RemoteBM25) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(errors.KindInternal, "encode request", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, buf)
	if err != nil {
		return 0, nil, errors.Wrap(errors.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(errors.KindCancelled, "lexical store call aborted", ctx.Err())
		}
		return 0, nil, errors.Wrap(errors.KindUpstreamUnavailable, "lexical service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(errors.KindUpstreamUnavailable, "read response", err)
	}
	return resp.StatusCode, raw, nil
}

var _ Lexical = (*RemoteBM25)(nil)

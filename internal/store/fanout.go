package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ragline/ragline/internal/errors"
)

// MinVectorSuccessRatio is the vector-store floor for document completion.
const MinVectorSuccessRatio = 0.9

// relationalRetryDelays backs the per-chunk relational retry.
var relationalRetryDelays = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond}

// ChunkWrite reports the per-backend outcome for one chunk.
type ChunkWrite struct {
	VectorOK bool
}

// Fanout coordinates the triple write. The relational write is mandatory;
// vector failures are logged and recorded, never fatal per chunk.
type Fanout struct {
	relational Relational
	vector     Vector
	lexical    Lexical
	log        *slog.Logger
}

// NewFanout wires the three adapters.
func NewFanout(relational Relational, vector Vector, lexical Lexical, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{relational: relational, vector: vector, lexical: lexical, log: log}
}

// Relational exposes the mandatory store for read paths.
func (f *Fanout) Relational() Relational { return f.relational }

// Vector exposes the vector adapter for the retriever.
func (f *Fanout) Vector() Vector { return f.vector }

// Lexical exposes the lexical adapter for the retriever.
func (f *Fanout) Lexical() Lexical { return f.lexical }

// WriteChunk writes one enriched chunk. The chunk arrives with its final
// status already set; a failed relational write is returned to the caller,
// a failed vector write only flips the embedding status.
func (f *Fanout) WriteChunk(ctx context.Context, chunk *ChunkRecord, vector []float32) (ChunkWrite, error) {
	var out ChunkWrite

	if len(vector) > 0 {
		if err := f.vector.UpsertChunk(ctx, chunk, vector); err != nil {
			f.log.Warn("vector write failed, continuing",
				slog.String("chunk_id", chunk.ChunkID),
				slog.String("document_id", chunk.DocumentID),
				slog.String("error", err.Error()))
			chunk.EmbeddingStatus = EmbeddingFailed
		} else {
			out.VectorOK = true
			chunk.EmbeddingStatus = EmbeddingStored
		}
	} else {
		chunk.EmbeddingStatus = EmbeddingFailed
	}

	if err := f.writeRelational(ctx, chunk); err != nil {
		return out, err
	}
	return out, nil
}

// writeRelational retries transient failures twice with short backoff.
func (f *Fanout) writeRelational(ctx context.Context, chunk *ChunkRecord) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = f.relational.UpsertChunk(ctx, chunk)
		if err == nil {
			return nil
		}
		if attempt >= len(relationalRetryDelays) || !errors.IsRetryable(err) {
			break
		}
		f.log.Warn("relational write failed, retrying",
			slog.String("chunk_id", chunk.ChunkID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		timer := time.NewTimer(relationalRetryDelays[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.KindCancelled, "relational write aborted", ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// IndexDocument posts the document's chunks to the lexical index.
// Failure is reported so the completion policy can account for it.
func (f *Fanout) IndexDocument(ctx context.Context, indexName string, chunks []*ChunkRecord) error {
	if err := f.lexical.IndexChunks(ctx, indexName, chunks); err != nil {
		f.log.Warn("lexical indexing failed",
			slog.String("index", indexName),
			slog.Int("chunks", len(chunks)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// DeleteDocument cascades an admin deletion across all three stores.
// Relational deletion must succeed; the others are best effort.
func (f *Fanout) DeleteDocument(ctx context.Context, documentID, indexName string) error {
	if err := f.relational.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := f.vector.DeleteDocument(ctx, documentID); err != nil {
		f.log.Warn("vector deletion failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
	}
	if err := f.lexical.DeleteIndex(ctx, indexName); err != nil {
		f.log.Warn("lexical deletion failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
	}
	return nil
}

// CompletionOK applies the document completion policy: every chunk in the
// relational store, at least 90% of vectors written, and a lexical index
// present.
func CompletionOK(totalChunks, relationalOK, vectorOK int, lexicalOK bool) bool {
	if totalChunks == 0 || relationalOK < totalChunks {
		return false
	}
	if float64(vectorOK) < MinVectorSuccessRatio*float64(totalChunks) {
		return false
	}
	return lexicalOK
}

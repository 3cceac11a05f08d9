// Package pipeline drives one document end to end: fetch, chunk, enrich
// with bounded parallelism, fan out to the three stores, and publish
// progress. The orchestrator owns every document and session state
// transition for the jobs it runs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragline/ragline/internal/chunker"
	"github.com/ragline/ragline/internal/enrich"
	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
)

// MaxFailureRatio is the per-document budget of chunk-local failures.
const MaxFailureRatio = 0.10

// softTimeoutFloor and softTimeoutPerChunk bound one job's wall time:
// max(floor, perChunk * total_chunks).
const (
	softTimeoutFloor    = 5 * time.Minute
	softTimeoutPerChunk = 2 * time.Second
)

// progressThrottle limits progress events to one per interval or per
// chunkStep chunks, whichever fires first.
const (
	progressInterval  = 250 * time.Millisecond
	progressChunkStep = 5
)

// Content is fetched, extracted document text ready for chunking.
type Content struct {
	Title string
	Text  string
	URL   string
}

// Fetcher resolves a job's payload into document text.
type Fetcher interface {
	Fetch(ctx context.Context, job *queue.Job) (*Content, error)
}

// Sessions is the slice of the session registry the pipeline drives.
type Sessions interface {
	MarkProcessing(ctx context.Context, sessionID string) error
	AttachDocument(ctx context.Context, sessionID, documentID string) error
	Progress(ctx context.Context, sessionID string, processed, total int) error
	Finish(ctx context.Context, sessionID string, status session.Status, reason string) error
	CancelRequested(ctx context.Context, sessionID string) (bool, error)
}

// Defaults are the process-wide options a job payload can override.
type Defaults struct {
	ChunkSize            int
	Overlap              int
	EnableAdaptive       bool
	EnableIntelligent    bool
	ContextualEmbeddings bool
	Parallelism          int
}

// Orchestrator implements worker.Runner.
type Orchestrator struct {
	fetcher  Fetcher
	model    enrich.LanguageModel
	stores   *store.Fanout
	sessions Sessions
	bus      *progress.Bus
	defaults Defaults
	log      *slog.Logger
}

// New wires the orchestrator's collaborators.
func New(fetcher Fetcher, model enrich.LanguageModel, stores *store.Fanout,
	sessions Sessions, bus *progress.Bus, defaults Defaults, log *slog.Logger) *Orchestrator {
	if defaults.Parallelism <= 0 {
		defaults.Parallelism = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		fetcher:  fetcher,
		model:    model,
		stores:   stores,
		sessions: sessions,
		bus:      bus,
		defaults: defaults,
		log:      log,
	}
}

// DocumentID derives the stable document id for a job, so a retried job
// converges onto the same document row.
func DocumentID(jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("document:"+jobID)).String()
}

// ChunkID derives the stable chunk id for a position in a document. A
// re-run of the same job re-chunks identical content, so keying chunks by
// document and index makes every store write an upsert onto the first
// run's rows instead of an insert beside them.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte("chunk:"+documentID+":"+strconv.Itoa(index))).String()
}

// Run processes one claimed job. The returned error's kind decides the
// queue transition: nil completes, Cancelled cancels, anything else
// retries or parks the job.
func (o *Orchestrator) Run(ctx context.Context, job *queue.Job) error {
	log := o.log.With(
		slog.String("job_id", job.ID),
		slog.String("session_id", job.SessionID))

	if err := o.sessions.MarkProcessing(ctx, job.SessionID); err != nil {
		return err
	}

	docID := DocumentID(job.ID)
	doc := &store.DocumentRecord{
		ID:         docID,
		URL:        job.Payload.URL,
		Title:      job.Payload.Filename,
		SourceType: string(job.Type),
		Status:     store.DocumentFetching,
	}
	if err := o.stores.Relational().UpsertDocument(ctx, doc); err != nil {
		return err
	}
	if err := o.sessions.AttachDocument(ctx, job.SessionID, docID); err != nil {
		return err
	}
	o.publish(job, progress.KindStarted, map[string]any{"document_id": docID})

	// Checkpoint before fetch.
	if cancelled, err := o.checkpoint(ctx, job); err != nil || cancelled {
		return o.unwind(ctx, job, docID, err)
	}

	content, err := o.fetcher.Fetch(ctx, job)
	if err != nil {
		return o.fail(ctx, job, docID, "fetch_failed", err)
	}
	if content.Title != "" {
		doc.Title = content.Title
	}
	doc.URL = firstNonEmpty(content.URL, doc.URL)

	// Checkpoint before chunking.
	if cancelled, err := o.checkpoint(ctx, job); err != nil || cancelled {
		return o.unwind(ctx, job, docID, err)
	}

	doc.Status = store.DocumentChunking
	if err := o.stores.Relational().UpsertDocument(ctx, doc); err != nil {
		return err
	}

	opts := o.chunkOptions(job.Payload.Options)
	result, err := chunker.Split(content.Text, opts)
	if err != nil {
		reason := "chunking_failed"
		if errors.KindOf(err) == errors.KindInvalidInput {
			reason = "no_content"
		}
		return o.fail(ctx, job, docID, reason, err)
	}
	if len(result.Chunks) == 0 {
		return o.fail(ctx, job, docID, "no_content",
			errors.New(errors.KindInvalidInput, "document produced no chunks"))
	}

	// Replace the chunker's throwaway ids with stable ones.
	for i := range result.Chunks {
		result.Chunks[i].ID = ChunkID(docID, result.Chunks[i].Index)
	}

	total := len(result.Chunks)
	doc.DocumentType = string(result.DocumentType)
	doc.TotalChunks = total
	doc.Status = store.DocumentEnriching
	if err := o.stores.Relational().UpsertDocument(ctx, doc); err != nil {
		return err
	}
	_ = o.sessions.Progress(ctx, job.SessionID, 0, total)
	o.publish(job, progress.KindChunkCreated, map[string]any{
		"document_id":  docID,
		"total_chunks": total,
	})

	// Checkpoint before enrichment.
	if cancelled, err := o.checkpoint(ctx, job); err != nil || cancelled {
		return o.unwind(ctx, job, docID, err)
	}

	// The soft timeout scales with document size.
	softTimeout := softTimeoutFloor
	if scaled := time.Duration(total) * softTimeoutPerChunk; scaled > softTimeout {
		softTimeout = scaled
	}
	runCtx, cancelRun := context.WithTimeout(ctx, softTimeout)
	defer cancelRun()

	tally, err := o.enrichAndStore(runCtx, job, doc, content, result)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return o.fail(ctx, job, docID, "job_timeout",
				errors.Wrap(errors.KindJobTimeout, "job exceeded its soft timeout", runCtx.Err()))
		}
		if errors.IsCancelled(err) {
			return o.unwind(ctx, job, docID, nil)
		}
		return o.fail(ctx, job, docID, "storage_failed", err)
	}

	// Lexical indexing happens once per document, over the stored chunks.
	// The index name is derived from the document id rather than the
	// filename: two uploads named report.pdf must not share an index, and
	// the id-derived name lets delete and search recompute the same key
	// without consulting the filename.
	doc.Status = store.DocumentStoring
	if err := o.stores.Relational().UpsertDocument(ctx, doc); err != nil {
		return err
	}
	lexicalOK := o.stores.IndexDocument(ctx, store.SanitizeIndexName(doc.ID), tally.stored) == nil

	return o.finalize(ctx, job, doc, total, tally, lexicalOK, log)
}

// tally accumulates per-chunk outcomes.
type runTally struct {
	mu         sync.Mutex
	relational int
	vector     int
	failed     int
	stored     []*store.ChunkRecord
}

// enrichAndStore drives the chunks through enrichment and the store
// fan-out with bounded parallelism.
func (o *Orchestrator) enrichAndStore(ctx context.Context, job *queue.Job,
	doc *store.DocumentRecord, content *Content, result *chunker.Result) (*runTally, error) {

	contextual := o.defaults.ContextualEmbeddings
	if job.Payload.Options.ContextualEmbeddings != nil {
		contextual = *job.Payload.Options.ContextualEmbeddings
	}
	enricher := enrich.New(o.model, enrich.Options{ContextualEmbeddings: contextual})

	preview := enrich.TruncatePreview(result.CleanedText, enrich.DocumentPreviewLimit)

	tally := &runTally{}
	throttle := newProgressThrottle()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.defaults.Parallelism)

	var stopErr error
	for _, c := range result.Chunks {
		// Checkpoint between chunks.
		if cancelled, err := o.checkpoint(gctx, job); err != nil {
			stopErr = err
			break
		} else if cancelled {
			stopErr = errors.Cancelled("cancellation requested")
			break
		}

		chunk := c
		g.Go(func() error {
			return o.processChunk(gctx, job, doc, enricher, preview, chunk, tally, throttle)
		})
	}

	// In-flight chunks must settle before the tally is read.
	if err := g.Wait(); err != nil {
		return tally, err
	}
	return tally, stopErr
}

// processChunk enriches and stores one chunk. Chunk-local failures are
// absorbed into the tally; only cancellation and relational exhaustion
// propagate.
func (o *Orchestrator) processChunk(ctx context.Context, job *queue.Job,
	doc *store.DocumentRecord, enricher *enrich.Enricher, preview string,
	c chunker.Chunk, tally *runTally, throttle *progressThrottle) error {

	record := &store.ChunkRecord{
		ChunkID:      c.ID,
		DocumentID:   doc.ID,
		Index:        c.Index,
		Start:        c.Start,
		End:          c.End,
		Text:         c.Text,
		Method:       string(c.Method),
		BoundaryType: string(c.BoundaryType),
		SectionTitle: c.SectionTitle,
		SectionLevel: c.SectionLevel,
		DocumentType: doc.DocumentType,
		URL:          doc.URL,
		Status:       store.ChunkPending,
	}

	enrichment, err := enricher.EnrichChunk(ctx, preview, c.Text)
	if err != nil {
		if errors.IsCancelled(err) {
			return err
		}
		o.log.Warn("chunk enrichment failed",
			slog.String("chunk_id", c.ID),
			slog.Int("index", c.Index),
			slog.String("error", err.Error()))
		record.Status = store.ChunkFailed
		record.EmbeddingStatus = store.EmbeddingFailed
		// The failed chunk row is still written for observability.
		if _, werr := o.stores.WriteChunk(ctx, record, nil); werr != nil {
			return werr
		}
		tally.mu.Lock()
		tally.relational++
		tally.failed++
		processed := tally.relational
		tally.mu.Unlock()
		o.emitProgress(ctx, job, doc, processed, throttle)
		return nil
	}

	record.Analysis = enrichment.Analysis
	record.ContextualSummary = enrichment.ContextualSummary
	record.UsesContextualEmbedding = enrichment.UsesContextualEmbedding
	o.publish(job, progress.KindChunkAnalyzed, chunkPayload(doc.ID, c))
	o.publish(job, progress.KindChunkEmbedded, chunkPayload(doc.ID, c))

	record.Status = store.ChunkStored
	out, err := o.stores.WriteChunk(ctx, record, enrichment.Embedding)
	if err != nil {
		return err
	}
	o.publish(job, progress.KindChunkStored, chunkPayload(doc.ID, c))

	tally.mu.Lock()
	tally.relational++
	if out.VectorOK {
		tally.vector++
	}
	tally.stored = append(tally.stored, record)
	processed := tally.relational
	tally.mu.Unlock()
	o.emitProgress(ctx, job, doc, processed, throttle)
	return nil
}

// finalize applies the completion policy and publishes the terminal event.
func (o *Orchestrator) finalize(ctx context.Context, job *queue.Job,
	doc *store.DocumentRecord, total int, tally *runTally, lexicalOK bool, log *slog.Logger) error {

	tally.mu.Lock()
	relational, vector, failed := tally.relational, tally.vector, tally.failed
	tally.mu.Unlock()

	_ = o.sessions.Progress(ctx, job.SessionID, relational, total)

	failureRatio := float64(failed) / float64(total)
	storedOK := relational - failed
	completed := failureRatio <= MaxFailureRatio &&
		storedOK > 0 &&
		store.CompletionOK(total, relational, vector, lexicalOK)

	if !completed {
		reason := "enrichment_failures"
		switch {
		case failureRatio > MaxFailureRatio || storedOK == 0:
			reason = "enrichment_failures"
		case !lexicalOK:
			reason = "lexical_index_missing"
		case float64(vector) < store.MinVectorSuccessRatio*float64(total):
			reason = "vector_store_failures"
		}
		return o.fail(ctx, job, doc.ID, reason,
			errors.Newf(errors.KindInternal,
				"document finished below completion policy: %d/%d failed, vector %d/%d, lexical %t",
				failed, total, vector, total, lexicalOK))
	}

	doc.Status = store.DocumentCompleted
	if err := o.stores.Relational().UpsertDocument(ctx, doc); err != nil {
		return err
	}
	if err := o.sessions.Finish(ctx, job.SessionID, session.StatusCompleted, ""); err != nil {
		return err
	}
	o.publish(job, progress.KindCompleted, map[string]any{
		"document_id":      doc.ID,
		"total_chunks":     total,
		"failed_chunks":    failed,
		"vector_succeeded": vector,
	})
	log.Info("document completed",
		slog.String("document_id", doc.ID),
		slog.Int("total_chunks", total),
		slog.Int("failed_chunks", failed))
	return nil
}

// fail marks the document and session failed and publishes the terminal
// event. The original error is returned for the queue transition.
func (o *Orchestrator) fail(ctx context.Context, job *queue.Job, docID, reason string, cause error) error {
	// State transitions must outlive a cancelled or expired job context.
	ctx = context.WithoutCancel(ctx)

	if err := o.stores.Relational().SetDocumentStatus(ctx, docID, store.DocumentFailed, 0); err != nil {
		o.log.Warn("failed to mark document failed",
			slog.String("document_id", docID),
			slog.String("error", err.Error()))
	}
	if err := o.sessions.Finish(ctx, job.SessionID, session.StatusFailed, reason); err != nil {
		o.log.Warn("failed to finish session",
			slog.String("session_id", job.SessionID),
			slog.String("error", err.Error()))
	}
	o.publish(job, progress.KindFailed, map[string]any{
		"document_id": docID,
		"reason":      reason,
		"error":       cause.Error(),
	})
	return cause
}

// unwind handles a cancellation observed at a checkpoint: document and
// session flip to cancelled, one terminal event flushes, and a Cancelled
// error tells the worker to settle the job.
func (o *Orchestrator) unwind(ctx context.Context, job *queue.Job, docID string, checkErr error) error {
	if checkErr != nil && !errors.IsCancelled(checkErr) {
		return checkErr
	}
	ctx = context.WithoutCancel(ctx)

	if err := o.stores.Relational().SetDocumentStatus(ctx, docID, store.DocumentCancelled, 0); err != nil {
		o.log.Warn("failed to mark document cancelled",
			slog.String("document_id", docID),
			slog.String("error", err.Error()))
	}
	if err := o.sessions.Finish(ctx, job.SessionID, session.StatusCancelled, ""); err != nil {
		o.log.Warn("failed to finish session",
			slog.String("session_id", job.SessionID),
			slog.String("error", err.Error()))
	}
	o.publish(job, progress.KindCancelled, map[string]any{"document_id": docID})
	return errors.Cancelled("processing cancelled")
}

// checkpoint reports whether the job should stop: true for a user
// cancellation request, an error for context cancellation.
func (o *Orchestrator) checkpoint(ctx context.Context, job *queue.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(errors.KindCancelled, "processing aborted", err)
	}
	flagged, err := o.sessions.CancelRequested(ctx, job.SessionID)
	if err != nil {
		// A flag read failure must not kill the document.
		o.log.Warn("cancel flag read failed",
			slog.String("session_id", job.SessionID),
			slog.String("error", err.Error()))
		return false, nil
	}
	return flagged, nil
}

func (o *Orchestrator) chunkOptions(opts queue.ProcessOptions) chunker.Options {
	out := chunker.Options{
		ChunkSize:         o.defaults.ChunkSize,
		Overlap:           o.defaults.Overlap,
		EnableAdaptive:    o.defaults.EnableAdaptive,
		EnableIntelligent: o.defaults.EnableIntelligent,
	}
	if opts.ChunkSize > 0 {
		out.ChunkSize = opts.ChunkSize
	}
	if opts.Overlap > 0 {
		out.Overlap = opts.Overlap
	}
	if opts.EnableIntelligent != nil {
		out.EnableIntelligent = *opts.EnableIntelligent
	}
	if opts.DocumentType != "" {
		out.DocumentType = chunker.DocumentType(opts.DocumentType)
	}
	return out
}

// emitProgress publishes a throttled progress event and refreshes the
// session counters alongside it.
func (o *Orchestrator) emitProgress(ctx context.Context, job *queue.Job,
	doc *store.DocumentRecord, processed int, throttle *progressThrottle) {
	if !throttle.allow(processed) {
		return
	}
	_ = o.sessions.Progress(context.WithoutCancel(ctx), job.SessionID, processed, doc.TotalChunks)
	o.publish(job, progress.KindProgress, map[string]any{
		"document_id":      doc.ID,
		"processed_chunks": processed,
		"total_chunks":     doc.TotalChunks,
	})
}

func (o *Orchestrator) publish(job *queue.Job, kind progress.Kind, payload map[string]any) {
	o.bus.Publish(progress.Event{
		SessionID: job.SessionID,
		JobID:     job.ID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func chunkPayload(docID string, c chunker.Chunk) map[string]any {
	return map[string]any{
		"document_id": docID,
		"chunk_id":    c.ID,
		"index":       c.Index,
	}
}

// progressThrottle admits an update every interval or every chunkStep
// chunks, whichever comes first.
type progressThrottle struct {
	mu       sync.Mutex
	lastTime time.Time
	lastSent int
}

func newProgressThrottle() *progressThrottle {
	return &progressThrottle{}
}

func (t *progressThrottle) allow(processed int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if processed-t.lastSent >= progressChunkStep || now.Sub(t.lastTime) >= progressInterval {
		t.lastSent = processed
		t.lastTime = now
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// String identifies the orchestrator in logs.
func (o *Orchestrator) String() string {
	return fmt.Sprintf("pipeline(parallelism=%d)", o.defaults.Parallelism)
}

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
)

const testDims = 4

// fakeFetcher returns scripted content.
type fakeFetcher struct {
	content *Content
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *queue.Job) (*Content, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

// fakeModel answers every analysis prompt with a fixed JSON blob and
// fails chunks that carry the failure marker.
type fakeModel struct{}

func (fakeModel) Complete(_ context.Context, _, user string, _ int) (string, error) {
	if strings.Contains(user, "FAILME") {
		return "", errors.New(errors.KindInvalidInput, "model rejected input")
	}
	return `{"title":"Fake Title","summary":"A summary.","content_type":"documentation","main_topics":["testing"]}`, nil
}

func (fakeModel) Embed(_ context.Context, _ string) ([]float32, error) {
	v := make([]float32, testDims)
	v[0] = 1
	return v, nil
}

func (fakeModel) Dimensions() int { return testDims }

// fakeSessions records registry transitions.
type fakeSessions struct {
	mu            sync.Mutex
	processing    bool
	documentID    string
	progressCalls int
	lastProcessed int
	lastTotal     int
	finishStatus  session.Status
	finishReason  string
	cancelFlag    bool
}

func (f *fakeSessions) MarkProcessing(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = true
	return nil
}

func (f *fakeSessions) AttachDocument(_ context.Context, _, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documentID = documentID
	return nil
}

func (f *fakeSessions) Progress(_ context.Context, _ string, processed, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressCalls++
	f.lastProcessed = processed
	f.lastTotal = total
	return nil
}

func (f *fakeSessions) Finish(_ context.Context, _ string, status session.Status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishStatus.Terminal() {
		return nil
	}
	f.finishStatus = status
	f.finishReason = reason
	return nil
}

func (f *fakeSessions) CancelRequested(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelFlag, nil
}

// fakeRelational keeps documents and chunks in maps.
type fakeRelational struct {
	mu     sync.Mutex
	docs   map[string]*store.DocumentRecord
	chunks map[string]*store.ChunkRecord
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		docs:   make(map[string]*store.DocumentRecord),
		chunks: make(map[string]*store.ChunkRecord),
	}
}

func (f *fakeRelational) UpsertDocument(_ context.Context, doc *store.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeRelational) UpsertChunk(_ context.Context, chunk *store.ChunkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *chunk
	f.chunks[chunk.ChunkID] = &cp
	return nil
}

func (f *fakeRelational) GetDocument(_ context.Context, id string) (*store.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "document %s not found", id)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeRelational) ListDocuments(_ context.Context, _ store.ListOptions) ([]*store.DocumentRecord, int, error) {
	return nil, 0, nil
}

func (f *fakeRelational) ListChunks(_ context.Context, _ string, _, _ int) ([]*store.ChunkRecord, error) {
	return nil, nil
}

func (f *fakeRelational) SetDocumentStatus(_ context.Context, id string, status store.DocumentStatus, totalChunks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		if totalChunks > 0 {
			doc.TotalChunks = totalChunks
		}
	}
	return nil
}

func (f *fakeRelational) SetChunkStatus(_ context.Context, chunkID string, status store.ChunkStatus, embeddingStatus store.EmbeddingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.chunks[chunkID]; ok {
		c.Status = status
		c.EmbeddingStatus = embeddingStatus
	}
	return nil
}

func (f *fakeRelational) CountStoredChunks(_ context.Context, documentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chunks {
		if c.DocumentID == documentID && c.Status == store.ChunkStored {
			n++
		}
	}
	return n, nil
}

func (f *fakeRelational) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeRelational) SearchText(_ context.Context, _ string, _ int) ([]store.SearchHit, error) {
	return nil, nil
}

func (f *fakeRelational) Close() {}

func (f *fakeRelational) document(t *testing.T, id string) *store.DocumentRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	require.True(t, ok, "document %s missing", id)
	cp := *doc
	return &cp
}

func (f *fakeRelational) chunkList() []*store.ChunkRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.ChunkRecord, 0, len(f.chunks))
	for _, c := range f.chunks {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// fakeVector records upserts and can be forced to fail.
type fakeVector struct {
	mu      sync.Mutex
	fail    bool
	upserts int
}

func (f *fakeVector) EnsureReady(_ context.Context) error { return nil }

func (f *fakeVector) UpsertChunk(_ context.Context, _ *store.ChunkRecord, _ []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New(errors.KindUpstreamUnavailable, "vector store down")
	}
	f.upserts++
	return nil
}

func (f *fakeVector) Search(_ context.Context, _ []float32, _ int, _ float32) ([]store.SearchHit, error) {
	return nil, nil
}

func (f *fakeVector) DeleteDocument(_ context.Context, _ string) error { return nil }

// fakeLexical records the index call.
type fakeLexical struct {
	mu      sync.Mutex
	fail    bool
	indexed map[string]int
}

func (f *fakeLexical) IndexChunks(_ context.Context, indexName string, chunks []*store.ChunkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New(errors.KindUpstreamUnavailable, "bm25 service down")
	}
	if f.indexed == nil {
		f.indexed = make(map[string]int)
	}
	f.indexed[indexName] = len(chunks)
	return nil
}

func (f *fakeLexical) Search(_ context.Context, _ string, _ int, _ float64) ([]store.SearchHit, error) {
	return nil, nil
}

func (f *fakeLexical) DeleteIndex(_ context.Context, _ string) error { return nil }
func (f *fakeLexical) Health(_ context.Context) error                { return nil }

// harness bundles the orchestrator with its fakes.
type harness struct {
	orch     *Orchestrator
	fetcher  *fakeFetcher
	sessions *fakeSessions
	rel      *fakeRelational
	vec      *fakeVector
	lex      *fakeLexical
	bus      *progress.Bus
	sub      *progress.Subscriber
}

func newHarness(t *testing.T, content *Content) *harness {
	t.Helper()
	h := &harness{
		fetcher:  &fakeFetcher{content: content},
		sessions: &fakeSessions{},
		rel:      newFakeRelational(),
		vec:      &fakeVector{},
		lex:      &fakeLexical{},
		bus:      progress.NewBus(),
	}
	t.Cleanup(h.bus.Close)
	h.sub = h.bus.SubscribeAll()

	stores := store.NewFanout(h.rel, h.vec, h.lex, nil)
	h.orch = New(h.fetcher, fakeModel{}, stores, h.sessions, h.bus, Defaults{
		ChunkSize:   2000,
		Parallelism: 2,
	}, nil)
	return h
}

func (h *harness) events() []progress.Event {
	var out []progress.Event
	for {
		select {
		case ev := <-h.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(events []progress.Event) []progress.Kind {
	kinds := make([]progress.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func testDocJob(id string) *queue.Job {
	return &queue.Job{
		ID:        id,
		SessionID: "s-" + id,
		Type:      queue.JobTypeURL,
		Payload:   queue.Payload{URL: "https://example.com/guide"},
		Status:    queue.JobClaimed,
	}
}

func docText() string {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("Retrieval pipelines split long documents into chunks before ")
		b.WriteString("enrichment so every piece fits the embedding window.\n\n")
	}
	return b.String()
}

func TestDocumentIDStable(t *testing.T) {
	assert.Equal(t, DocumentID("job-1"), DocumentID("job-1"))
	assert.NotEqual(t, DocumentID("job-1"), DocumentID("job-2"))
}

func TestChunkIDStable(t *testing.T) {
	assert.Equal(t, ChunkID("doc-1", 0), ChunkID("doc-1", 0))
	assert.NotEqual(t, ChunkID("doc-1", 0), ChunkID("doc-1", 1))
	assert.NotEqual(t, ChunkID("doc-1", 0), ChunkID("doc-2", 0))
}

func TestRerunConvergesOnSameChunkRows(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText(), URL: "https://example.com/guide"})
	job := testDocJob("job-rerun")

	require.NoError(t, h.orch.Run(context.Background(), job))
	first := h.rel.chunkList()
	require.NotEmpty(t, first)

	// A retried job must upsert onto the first run's rows, not beside them.
	require.NoError(t, h.orch.Run(context.Background(), job))
	second := h.rel.chunkList()
	require.Len(t, second, len(first))

	ids := make(map[string]bool, len(first))
	for _, c := range first {
		ids[c.ChunkID] = true
	}
	for _, c := range second {
		assert.True(t, ids[c.ChunkID], "chunk id %s changed across runs", c.ChunkID)
		assert.Equal(t, ChunkID(DocumentID(job.ID), c.Index), c.ChunkID)
	}
}

func TestRunCompletesDocument(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText(), URL: "https://example.com/guide"})
	job := testDocJob("job-ok")

	require.NoError(t, h.orch.Run(context.Background(), job))

	doc := h.rel.document(t, DocumentID(job.ID))
	assert.Equal(t, store.DocumentCompleted, doc.Status)
	assert.Equal(t, "Guide", doc.Title)
	assert.Positive(t, doc.TotalChunks)

	chunks := h.rel.chunkList()
	require.Len(t, chunks, doc.TotalChunks)
	for _, c := range chunks {
		assert.Equal(t, store.ChunkStored, c.Status)
		assert.Equal(t, store.EmbeddingStored, c.EmbeddingStatus)
		require.NotNil(t, c.Analysis)
		assert.Equal(t, "Fake Title", c.Analysis.Title)
	}

	assert.True(t, h.sessions.processing)
	assert.Equal(t, DocumentID(job.ID), h.sessions.documentID)
	assert.Equal(t, session.StatusCompleted, h.sessions.finishStatus)

	h.lex.mu.Lock()
	assert.Len(t, h.lex.indexed, 1)
	h.lex.mu.Unlock()

	kinds := eventKinds(h.events())
	require.NotEmpty(t, kinds)
	assert.Equal(t, progress.KindStarted, kinds[0])
	assert.Contains(t, kinds, progress.KindChunkCreated)
	assert.Contains(t, kinds, progress.KindChunkStored)
	assert.Equal(t, progress.KindCompleted, kinds[len(kinds)-1])
}

func TestRunFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = errors.New(errors.KindUpstreamUnavailable, "origin returned 503")
	job := testDocJob("job-fetch")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.KindOf(err))

	assert.Equal(t, session.StatusFailed, h.sessions.finishStatus)
	assert.Equal(t, "fetch_failed", h.sessions.finishReason)
	assert.Equal(t, store.DocumentFailed, h.rel.document(t, DocumentID(job.ID)).Status)

	kinds := eventKinds(h.events())
	assert.Equal(t, progress.KindFailed, kinds[len(kinds)-1])
}

func TestRunEmptyDocument(t *testing.T) {
	h := newHarness(t, &Content{Title: "Empty", Text: "   \n\n  "})
	job := testDocJob("job-empty")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	assert.Equal(t, "no_content", h.sessions.finishReason)
	assert.Equal(t, session.StatusFailed, h.sessions.finishStatus)
}

func TestRunHonorsCancelBeforeFetch(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText()})
	h.sessions.cancelFlag = true
	job := testDocJob("job-cancel")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Zero(t, h.fetcher.calls)

	assert.Equal(t, session.StatusCancelled, h.sessions.finishStatus)
	assert.Equal(t, store.DocumentCancelled, h.rel.document(t, DocumentID(job.ID)).Status)

	kinds := eventKinds(h.events())
	assert.Equal(t, progress.KindCancelled, kinds[len(kinds)-1])
}

func TestRunFailsWhenVectorStoreDown(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText()})
	h.vec.fail = true
	job := testDocJob("job-vec")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, session.StatusFailed, h.sessions.finishStatus)
	assert.Equal(t, "vector_store_failures", h.sessions.finishReason)

	// Relational rows still landed, with the embedding marked failed.
	for _, c := range h.rel.chunkList() {
		assert.Equal(t, store.EmbeddingFailed, c.EmbeddingStatus)
	}
}

func TestRunFailsWhenEnrichmentFails(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: "FAILME " + strings.Repeat("broken chunk text here. ", 30)})
	job := testDocJob("job-enrich")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, "enrichment_failures", h.sessions.finishReason)

	// The failed chunk row is still recorded for observability.
	chunks := h.rel.chunkList()
	require.NotEmpty(t, chunks)
	assert.Equal(t, store.ChunkFailed, chunks[0].Status)
}

func TestRunFailsWhenLexicalIndexMissing(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText()})
	h.lex.fail = true
	job := testDocJob("job-lex")

	err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, "lexical_index_missing", h.sessions.finishReason)
}

func TestFinalizeFailureBudget(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText()})
	job := testDocJob("job-budget")
	doc := &store.DocumentRecord{ID: DocumentID(job.ID), Status: store.DocumentStoring, TotalChunks: 20}
	require.NoError(t, h.rel.UpsertDocument(context.Background(), doc))

	// 2/20 failed is exactly the 10% budget.
	tally := &runTally{relational: 20, vector: 19, failed: 2}
	require.NoError(t, h.orch.finalize(context.Background(), job, doc, 20, tally, true, h.orch.log))
	assert.Equal(t, store.DocumentCompleted, h.rel.document(t, doc.ID).Status)
}

func TestFinalizeOverFailureBudget(t *testing.T) {
	h := newHarness(t, &Content{Title: "Guide", Text: docText()})
	job := testDocJob("job-budget2")
	doc := &store.DocumentRecord{ID: DocumentID(job.ID), Status: store.DocumentStoring, TotalChunks: 20}
	require.NoError(t, h.rel.UpsertDocument(context.Background(), doc))

	tally := &runTally{relational: 20, vector: 20, failed: 3}
	err := h.orch.finalize(context.Background(), job, doc, 20, tally, true, h.orch.log)
	require.Error(t, err)
	assert.Equal(t, "enrichment_failures", h.sessions.finishReason)
	assert.Equal(t, store.DocumentFailed, h.rel.document(t, doc.ID).Status)
}

func TestChunkOptionsMerge(t *testing.T) {
	o := New(nil, fakeModel{}, nil, nil, nil, Defaults{ChunkSize: 2000, Overlap: 200}, nil)

	intelligent := true
	opts := o.chunkOptions(queue.ProcessOptions{
		ChunkSize:         500,
		EnableIntelligent: &intelligent,
		DocumentType:      "documentation",
	})
	assert.Equal(t, 500, opts.ChunkSize)
	assert.Equal(t, 200, opts.Overlap)
	assert.True(t, opts.EnableIntelligent)
	assert.Equal(t, "documentation", string(opts.DocumentType))
}

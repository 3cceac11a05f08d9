package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/retrieve"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/telemetry"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*queue.Job
	enqueued []*queue.Job
	nextID   int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*queue.Job)}
}

func (f *fakeJobs) Enqueue(_ context.Context, jobType queue.JobType, payload queue.Payload, priority int) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := &queue.Job{
		ID:        "job-" + string(rune('0'+f.nextID)),
		SessionID: "sess-" + string(rune('0'+f.nextID)),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		Status:    queue.JobQueued,
	}
	f.jobs[job.ID] = job
	f.enqueued = append(f.enqueued, job)
	return job.ID, job.SessionID, nil
}

func (f *fakeJobs) Get(_ context.Context, jobID string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "job %s not found", jobID)
	}
	return job, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) (queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return "", errors.Newf(errors.KindNotFound, "job %s not found", jobID)
	}
	job.Status = queue.JobCancelled
	return queue.JobCancelled, nil
}

func (f *fakeJobs) CancelBySession(_ context.Context, sessionID string) (queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.SessionID == sessionID {
			job.Status = queue.JobCancelled
			return queue.JobCancelled, nil
		}
	}
	return "", errors.Newf(errors.KindNotFound, "session %s not found", sessionID)
}

func (f *fakeJobs) ListActive(_ context.Context) ([]*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*queue.Job
	for _, job := range f.jobs {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeJobs) lastEnqueued() *queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.enqueued) == 0 {
		return nil
	}
	return f.enqueued[len(f.enqueued)-1]
}

type fakeSessions struct{}

func (fakeSessions) Get(_ context.Context, sessionID string) (*session.Session, error) {
	return &session.Session{ID: sessionID, Status: session.StatusQueued}, nil
}

func (fakeSessions) Active(_ context.Context) ([]*session.Session, error) {
	return []*session.Session{{ID: "sess-1", Status: session.StatusProcessing}}, nil
}

type fakeDocs struct {
	docs map[string]*store.DocumentRecord
}

func (f *fakeDocs) UpsertDocument(_ context.Context, _ *store.DocumentRecord) error { return nil }
func (f *fakeDocs) UpsertChunk(_ context.Context, _ *store.ChunkRecord) error       { return nil }

func (f *fakeDocs) GetDocument(_ context.Context, id string) (*store.DocumentRecord, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "document %s not found", id)
	}
	return doc, nil
}

func (f *fakeDocs) ListDocuments(_ context.Context, _ store.ListOptions) ([]*store.DocumentRecord, int, error) {
	out := make([]*store.DocumentRecord, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, len(out), nil
}

func (f *fakeDocs) ListChunks(_ context.Context, documentID string, _, _ int) ([]*store.ChunkRecord, error) {
	return []*store.ChunkRecord{{ChunkID: "c1", DocumentID: documentID, Text: "chunk text"}}, nil
}

func (f *fakeDocs) SetDocumentStatus(_ context.Context, _ string, _ store.DocumentStatus, _ int) error {
	return nil
}

func (f *fakeDocs) SetChunkStatus(_ context.Context, _ string, _ store.ChunkStatus, _ store.EmbeddingStatus) error {
	return nil
}

func (f *fakeDocs) CountStoredChunks(_ context.Context, _ string) (int, error) { return 0, nil }
func (f *fakeDocs) DeleteDocument(_ context.Context, id string) error {
	delete(f.docs, id)
	return nil
}
func (f *fakeDocs) SearchText(_ context.Context, _ string, _ int) ([]store.SearchHit, error) {
	return nil, nil
}
func (f *fakeDocs) Close() {}

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) DeleteDocument(_ context.Context, documentID, _ string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakeSearch struct {
	result *retrieve.Result
	err    error
}

func (f *fakeSearch) Search(_ context.Context, query string, opts retrieve.Options) (*retrieve.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.InvalidInput("query must not be empty")
	}
	if f.err != nil || f.result == nil {
		return f.result, f.err
	}
	out := *f.result
	if opts.Type != "" {
		out.Type = opts.Type
	}
	return &out, nil
}

type harness struct {
	srv     *Server
	jobs    *fakeJobs
	docs    *fakeDocs
	deleter *fakeDeleter
	bus     *progress.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs: newFakeJobs(),
		docs: &fakeDocs{docs: map[string]*store.DocumentRecord{
			"doc-1": {ID: "doc-1", Title: "Stored Doc", Status: store.DocumentCompleted},
		}},
		deleter: &fakeDeleter{},
		bus:     progress.NewBus(),
	}
	t.Cleanup(h.bus.Close)

	h.srv = New(config.ServerConfig{
		Addr:           ":0",
		MaxUploadBytes: 1 << 20,
		UploadDir:      t.TempDir(),
	}, Deps{
		Jobs:       h.jobs,
		Sessions:   fakeSessions{},
		Relational: h.docs,
		Deleter:    h.deleter,
		Search: &fakeSearch{result: &retrieve.Result{
			Hits: []store.SearchHit{{ChunkID: "c1", Score: 1.0, Source: "hybrid"}},
			Type: retrieve.TypeHybrid,
		}},
		Bus:    h.bus,
		PingDB: func(context.Context) error { return nil },
	})
	return h
}

func doJSON(t *testing.T, h *harness, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestProcessURLEnqueues(t *testing.T) {
	h := newHarness(t)
	w := doJSON(t, h, http.MethodPost, "/process-url", jsonBody{
		"url":      "https://example.com/doc",
		"priority": 5,
		"options":  jsonBody{"chunkSize": 500, "overlap": 50},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["job_id"])
	assert.NotEmpty(t, resp["session_id"])

	job := h.jobs.lastEnqueued()
	require.NotNil(t, job)
	assert.Equal(t, queue.JobTypeURL, job.Type)
	assert.Equal(t, "https://example.com/doc", job.Payload.URL)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 500, job.Payload.Options.ChunkSize)
}

func TestProcessURLRejectsBadOptions(t *testing.T) {
	h := newHarness(t)

	cases := []jsonBody{
		{"url": "https://example.com", "options": jsonBody{"chunkSize": 50}},
		{"url": "https://example.com", "options": jsonBody{"chunkSize": 9000}},
		{"url": "https://example.com", "options": jsonBody{"overlap": 3000}},
		{"url": "https://example.com", "options": jsonBody{"documentType": "spreadsheet"}},
		{},
	}
	for i, body := range cases {
		w := doJSON(t, h, http.MethodPost, "/process-url", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "case %d", i)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"], "case %d", i)
		errObj, ok := resp["error"].(map[string]any)
		require.True(t, ok, "case %d", i)
		assert.Equal(t, "invalid_input", errObj["kind"], "case %d", i)
	}
	assert.Nil(t, h.jobs.lastEnqueued(), "invalid requests must not enqueue")
}

func TestProcessFileSpoolsUpload(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("uploaded document body"))
	require.NoError(t, mw.WriteField("chunkSize", "400"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/process-file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	job := h.jobs.lastEnqueued()
	require.NotNil(t, job)
	assert.Equal(t, queue.JobTypeFile, job.Type)
	assert.Equal(t, "notes.txt", job.Payload.Filename)
	assert.Equal(t, 400, job.Payload.Options.ChunkSize)
	require.NotEmpty(t, job.Payload.BytesRef)

	spooled, err := os.ReadFile(filepath.Join(h.srv.cfg.UploadDir, job.Payload.BytesRef))
	require.NoError(t, err)
	assert.Equal(t, "uploaded document body", string(spooled))
}

func TestProcessURLStreamEmitsSSE(t *testing.T) {
	h := newHarness(t)

	// The stream subscribes before the job exists, so a single event
	// published right after enqueue must not be lost.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			if job := h.jobs.lastEnqueued(); job != nil {
				h.bus.Publish(progress.Event{
					SessionID: job.SessionID,
					JobID:     job.ID,
					Kind:      progress.KindStarted,
					Timestamp: time.Now().UTC(),
				})
				h.bus.Publish(progress.Event{
					SessionID: job.SessionID,
					JobID:     job.ID,
					Kind:      progress.KindCompleted,
					Payload:   map[string]any{"document_id": "doc-9"},
					Timestamp: time.Now().UTC(),
				})
				return
			}
		}
	}()

	w := doJSON(t, h, http.MethodPost, "/process-url-stream", jsonBody{"url": "https://example.com/doc"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	var kinds []string
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		kinds = append(kinds, ev.Event)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "queued", kinds[0])
	assert.Contains(t, kinds, "started")
	assert.Equal(t, "completed", kinds[len(kinds)-1])
}

func TestJobStatus(t *testing.T) {
	h := newHarness(t)
	doJSON(t, h, http.MethodPost, "/process-url", jsonBody{"url": "https://example.com/doc"})
	job := h.jobs.lastEnqueued()
	require.NotNil(t, job)

	w := doJSON(t, h, http.MethodGet, "/job-status/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), job.SessionID)
}

func TestJobStatusNotFound(t *testing.T) {
	h := newHarness(t)
	w := doJSON(t, h, http.MethodGet, "/job-status/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	doJSON(t, h, http.MethodPost, "/process-url", jsonBody{"url": "https://example.com/doc"})
	job := h.jobs.lastEnqueued()

	w := doJSON(t, h, http.MethodPost, "/cancel-job/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cancelled")
}

func TestStopProcessing(t *testing.T) {
	h := newHarness(t)
	doJSON(t, h, http.MethodPost, "/process-url", jsonBody{"url": "https://example.com/doc"})
	job := h.jobs.lastEnqueued()

	w := doJSON(t, h, http.MethodPost, "/stop-processing/"+job.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInProgress(t *testing.T) {
	h := newHarness(t)
	doJSON(t, h, http.MethodPost, "/process-url", jsonBody{"url": "https://example.com/doc"})

	w := doJSON(t, h, http.MethodGet, "/in-progress", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs     []map[string]any `json:"jobs"`
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
	assert.Len(t, resp.Sessions, 1)
}

func TestDocumentEndpoints(t *testing.T) {
	h := newHarness(t)

	w := doJSON(t, h, http.MethodGet, "/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Stored Doc")

	w = doJSON(t, h, http.MethodGet, "/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/documents/doc-1/chunks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chunk text")

	w = doJSON(t, h, http.MethodGet, "/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDocumentCascades(t *testing.T) {
	h := newHarness(t)
	w := doJSON(t, h, http.MethodDelete, "/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"doc-1"}, h.deleter.deleted)

	w = doJSON(t, h, http.MethodDelete, "/documents/doc-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchEndpoint(t *testing.T) {
	h := newHarness(t)
	w := doJSON(t, h, http.MethodGet, "/search?q=chunking&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"hybrid"`)

	w = doJSON(t, h, http.MethodGet, "/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	doJSON(t, h, http.MethodGet, "/search?q=chunking+strategies", nil)
	doJSON(t, h, http.MethodGet, "/search?q=chunking+overlap&type=vector", nil)

	w := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.SearchTypeCounts["hybrid"])
	assert.Equal(t, int64(1), snap.SearchTypeCounts["vector"])
	require.NotEmpty(t, snap.TopTerms)
	assert.Equal(t, "chunking", snap.TopTerms[0].Term)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	w := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

// jsonBody is shorthand for request bodies.
type jsonBody = map[string]any

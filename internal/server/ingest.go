package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/chunker"
	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
)

// DefaultPriority is the enqueue priority when the caller sends none.
// Lower values claim first.
const DefaultPriority = 100

// requestOptions is the caller-facing processing option set.
type requestOptions struct {
	ChunkSize            int    `json:"chunkSize" form:"chunkSize"`
	Overlap              int    `json:"overlap" form:"overlap"`
	ContextualEmbeddings *bool  `json:"enableContextualEmbeddings" form:"enableContextualEmbeddings"`
	EnableIntelligent    *bool  `json:"enableIntelligent" form:"enableIntelligent"`
	DocumentType         string `json:"documentType" form:"documentType"`
}

var documentTypes = map[string]bool{
	string(chunker.DocTypeAcademicPaper):  true,
	string(chunker.DocTypeBookOrManual):   true,
	string(chunker.DocTypeDocumentation):  true,
	string(chunker.DocTypeLegalDocument):  true,
	string(chunker.DocTypeGeneralArticle): true,
}

// validate rejects out-of-range options at the boundary, before anything
// is enqueued.
func (o requestOptions) validate() error {
	if o.ChunkSize != 0 && (o.ChunkSize < chunker.MinChunkSize || o.ChunkSize > chunker.MaxChunkSize) {
		return errors.Newf(errors.KindInvalidInput,
			"chunkSize %d outside [%d, %d]", o.ChunkSize, chunker.MinChunkSize, chunker.MaxChunkSize).
			WithHint(fmt.Sprintf("use a chunkSize between %d and %d, or omit it for the default",
				chunker.MinChunkSize, chunker.MaxChunkSize))
	}
	if o.Overlap < 0 {
		return errors.Newf(errors.KindInvalidInput, "overlap %d is negative", o.Overlap)
	}
	effective := o.ChunkSize
	if effective == 0 {
		effective = 2000
	}
	if o.Overlap >= effective {
		return errors.Newf(errors.KindInvalidInput,
			"overlap %d must be smaller than chunk size %d", o.Overlap, effective)
	}
	if o.DocumentType != "" && !documentTypes[o.DocumentType] {
		return errors.Newf(errors.KindInvalidInput, "unknown documentType %q", o.DocumentType).
			WithHint("one of: academic_paper, book_or_manual, documentation, legal_document, general_article")
	}
	return nil
}

func (o requestOptions) toProcessOptions() queue.ProcessOptions {
	return queue.ProcessOptions{
		ChunkSize:            o.ChunkSize,
		Overlap:              o.Overlap,
		ContextualEmbeddings: o.ContextualEmbeddings,
		EnableIntelligent:    o.EnableIntelligent,
		DocumentType:         o.DocumentType,
	}
}

type processURLRequest struct {
	URL      string         `json:"url" binding:"required"`
	Priority int            `json:"priority"`
	Options  requestOptions `json:"options"`
}

func (s *Server) handleProcessURL(c *gin.Context) {
	jobID, sessionID, aborted := s.enqueueURL(c)
	if aborted {
		return
	}
	ok(c, http.StatusAccepted, gin.H{"job_id": jobID, "session_id": sessionID})
}

func (s *Server) handleProcessFile(c *gin.Context) {
	jobID, sessionID, aborted := s.enqueueFile(c)
	if aborted {
		return
	}
	ok(c, http.StatusAccepted, gin.H{"job_id": jobID, "session_id": sessionID})
}

func (s *Server) handleProcessURLStream(c *gin.Context) {
	// Subscribe before enqueueing: the session id is not known yet, and a
	// worker may publish before a per-session subscription could attach.
	sub := s.bus.SubscribeAll()
	defer sub.Close()

	jobID, sessionID, aborted := s.enqueueURL(c)
	if aborted {
		return
	}
	s.streamSession(c, sub, jobID, sessionID)
}

func (s *Server) handleProcessFileStream(c *gin.Context) {
	sub := s.bus.SubscribeAll()
	defer sub.Close()

	jobID, sessionID, aborted := s.enqueueFile(c)
	if aborted {
		return
	}
	s.streamSession(c, sub, jobID, sessionID)
}

// enqueueURL validates a URL request and enqueues the job. The bool
// reports that the request was already aborted with an error response.
func (s *Server) enqueueURL(c *gin.Context) (jobID, sessionID string, aborted bool) {
	var req processURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, errors.Wrap(errors.KindInvalidInput, "invalid request body", err))
		return "", "", true
	}
	if err := req.Options.validate(); err != nil {
		s.abortError(c, err)
		return "", "", true
	}
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}

	jobID, sessionID, err := s.jobs.Enqueue(c.Request.Context(), queue.JobTypeURL, queue.Payload{
		URL:     req.URL,
		Options: req.Options.toProcessOptions(),
	}, priority)
	if err != nil {
		s.abortError(c, err)
		return "", "", true
	}
	return jobID, sessionID, false
}

// enqueueFile spools the multipart upload and enqueues the file job.
func (s *Server) enqueueFile(c *gin.Context) (jobID, sessionID string, aborted bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		s.abortError(c, errors.Wrap(errors.KindInvalidInput, "multipart field 'file' required", err))
		return "", "", true
	}
	defer file.Close()

	opts, err := formOptions(c)
	if err != nil {
		s.abortError(c, err)
		return "", "", true
	}
	if err := opts.validate(); err != nil {
		s.abortError(c, err)
		return "", "", true
	}

	ref, err := s.spoolUpload(file, header)
	if err != nil {
		s.abortError(c, err)
		return "", "", true
	}

	priority, _ := strconv.Atoi(c.PostForm("priority"))
	if priority <= 0 {
		priority = DefaultPriority
	}

	jobID, sessionID, err = s.jobs.Enqueue(c.Request.Context(), queue.JobTypeFile, queue.Payload{
		Filename: header.Filename,
		Mime:     header.Header.Get("Content-Type"),
		BytesRef: ref,
		Options:  opts.toProcessOptions(),
	}, priority)
	if err != nil {
		s.abortError(c, err)
		return "", "", true
	}
	return jobID, sessionID, false
}

// formOptions reads processing options from multipart form fields, with an
// optional 'options' JSON field taking precedence.
func formOptions(c *gin.Context) (requestOptions, error) {
	var opts requestOptions
	if raw := c.PostForm("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return opts, errors.Wrap(errors.KindInvalidInput, "invalid options JSON", err)
		}
		return opts, nil
	}
	if v := c.PostForm("chunkSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.Newf(errors.KindInvalidInput, "chunkSize %q is not a number", v)
		}
		opts.ChunkSize = n
	}
	if v := c.PostForm("overlap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.Newf(errors.KindInvalidInput, "overlap %q is not a number", v)
		}
		opts.Overlap = n
	}
	if v := c.PostForm("enableContextualEmbeddings"); v != "" {
		b := v == "true" || v == "1"
		opts.ContextualEmbeddings = &b
	}
	if v := c.PostForm("enableIntelligent"); v != "" {
		b := v == "true" || v == "1"
		opts.EnableIntelligent = &b
	}
	opts.DocumentType = c.PostForm("documentType")
	return opts, nil
}

// spoolUpload writes the upload into the spool directory under a fresh
// name and returns the reference stored in the job payload.
func (s *Server) spoolUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", errors.Wrap(errors.KindInternal, "create upload dir", err)
	}
	ref := uuid.NewString() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, ref))
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "spool upload", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return "", errors.Wrap(errors.KindInternal, "write upload", err)
	}
	return ref, nil
}

// streamSession forwards the session's progress events as SSE until the
// terminal event or client disconnect. sub is a wildcard subscription
// opened before the job existed; events are filtered to the session here.
func (s *Server) streamSession(c *gin.Context, sub *progress.Subscriber, jobID, sessionID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	// The queued event is synthesized here; worker events follow on the bus.
	s.writeEvent(c, progress.Event{
		SessionID: sessionID,
		JobID:     jobID,
		Kind:      progress.KindQueued,
		Payload:   map[string]any{"job_id": jobID, "session_id": sessionID},
		Timestamp: time.Now().UTC(),
	})

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.SessionID != sessionID && ev.Kind != progress.KindHeartbeat {
				continue
			}
			s.writeEvent(c, ev)
			if ev.Kind.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(c *gin.Context, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/retrieve"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/telemetry"
)

func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	sess, err := s.sessions.Get(c.Request.Context(), job.SessionID)
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"job":     jobJSON(job),
		"session": sessionJSON(sess),
	})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	status, err := s.jobs.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"status": string(status)})
}

func (s *Server) handleStopProcessing(c *gin.Context) {
	status, err := s.jobs.CancelBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"status": string(status)})
}

func (s *Server) handleInProgress(c *gin.Context) {
	jobs, err := s.jobs.ListActive(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	sessions, err := s.sessions.Active(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}

	jobList := make([]gin.H, len(jobs))
	for i, job := range jobs {
		jobList[i] = jobJSON(job)
	}
	sessionList := make([]gin.H, len(sessions))
	for i, sess := range sessions {
		sessionList[i] = sessionJSON(sess)
	}
	ok(c, http.StatusOK, gin.H{"jobs": jobList, "sessions": sessionList})
}

func (s *Server) handleListDocuments(c *gin.Context) {
	opts := store.ListOptions{
		Limit:     intQuery(c, "limit", 20),
		Offset:    intQuery(c, "offset", 0),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
		Query:     c.Query("q"),
	}
	docs, total, err := s.relational.ListDocuments(c.Request.Context(), opts)
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"documents": docs, "total": total})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.relational.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"document": doc})
}

func (s *Server) handleListChunks(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.relational.GetDocument(c.Request.Context(), id); err != nil {
		s.abortError(c, err)
		return
	}
	chunks, err := s.relational.ListChunks(c.Request.Context(), id,
		intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"chunks": chunks})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.relational.GetDocument(c.Request.Context(), id); err != nil {
		s.abortError(c, err)
		return
	}
	if err := s.deleter.DeleteDocument(c.Request.Context(), id, store.SanitizeIndexName(id)); err != nil {
		s.abortError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	threshold, _ := strconv.ParseFloat(c.DefaultQuery("threshold", "0"), 64)

	start := time.Now()
	result, err := s.search.Search(c.Request.Context(), query, retrieve.Options{
		Type:      retrieve.SearchType(c.DefaultQuery("type", "hybrid")),
		Limit:     intQuery(c, "limit", retrieve.DefaultLimit),
		Threshold: threshold,
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	s.metrics.Record(telemetry.QueryEvent{
		Query:       query,
		SearchType:  string(result.Type),
		ResultCount: len(result.Hits),
		Degraded:    result.Degraded,
		Latency:     time.Since(start),
	})
	ok(c, http.StatusOK, gin.H{
		"hits":     result.Hits,
		"type":     string(result.Type),
		"degraded": result.Degraded,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if s.pingDB != nil {
		if err := s.pingDB(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if s.lexical != nil {
		if err := s.lexical.Health(c.Request.Context()); err != nil {
			checks["lexical"] = err.Error()
			healthy = false
		} else {
			checks["lexical"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func jobJSON(job *queue.Job) gin.H {
	out := gin.H{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"type":       string(job.Type),
		"status":     string(job.Status),
		"priority":   job.Priority,
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.CompletedAt != nil {
		out["completed_at"] = job.CompletedAt
	}
	return out
}

func sessionJSON(sess *session.Session) gin.H {
	out := gin.H{
		"session_id":       sess.ID,
		"job_id":           sess.JobID,
		"status":           string(sess.Status),
		"processed_chunks": sess.ProcessedChunks,
		"total_chunks":     sess.TotalChunks,
		"cancel_requested": sess.CancelRequested,
		"created_at":       sess.CreatedAt,
		"updated_at":       sess.UpdatedAt,
	}
	if sess.DocumentID != "" {
		out["document_id"] = sess.DocumentID
	}
	if sess.URL != "" {
		out["url"] = sess.URL
	}
	if sess.Error != "" {
		out["error"] = sess.Error
	}
	return out
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

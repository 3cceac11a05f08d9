// Package server is the HTTP surface: ingestion endpoints that enqueue
// jobs, SSE streams over the progress bus, and retrieval endpoints over
// the stores.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/retrieve"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/telemetry"
)

// JobService is the slice of the job queue the handlers drive.
type JobService interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload queue.Payload, priority int) (jobID, sessionID string, err error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Cancel(ctx context.Context, jobID string) (queue.JobStatus, error)
	CancelBySession(ctx context.Context, sessionID string) (queue.JobStatus, error)
	ListActive(ctx context.Context) ([]*queue.Job, error)
}

// SessionService reads session state for status endpoints.
type SessionService interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Active(ctx context.Context) ([]*session.Session, error)
}

// Searcher answers search queries.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieve.Options) (*retrieve.Result, error)
}

// Deleter cascades a document deletion across the stores.
type Deleter interface {
	DeleteDocument(ctx context.Context, documentID, indexName string) error
}

// Server owns the gin engine and its collaborators.
type Server struct {
	cfg        config.ServerConfig
	jobs       JobService
	sessions   SessionService
	relational store.Relational
	deleter    Deleter
	search     Searcher
	bus        *progress.Bus
	pingDB     func(ctx context.Context) error
	lexical    store.Lexical
	metrics    *telemetry.QueryMetrics
	log        *slog.Logger
	engine     *gin.Engine
}

// Deps bundles the server's collaborators.
type Deps struct {
	Jobs       JobService
	Sessions   SessionService
	Relational store.Relational
	Deleter    Deleter
	Search     Searcher
	Bus        *progress.Bus
	PingDB     func(ctx context.Context) error
	Lexical    store.Lexical
	Log        *slog.Logger
}

// New builds the server and registers every route.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		jobs:       deps.Jobs,
		sessions:   deps.Sessions,
		relational: deps.Relational,
		deleter:    deps.Deleter,
		search:     deps.Search,
		bus:        deps.Bus,
		pingDB:     deps.PingDB,
		lexical:    deps.Lexical,
		metrics:    telemetry.NewQueryMetrics(),
		log:        deps.Log,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	engine.POST("/process-url", s.handleProcessURL)
	engine.POST("/process-file", s.handleProcessFile)
	engine.POST("/process-url-stream", s.handleProcessURLStream)
	engine.POST("/process-file-stream", s.handleProcessFileStream)
	engine.GET("/job-status/:job_id", s.handleJobStatus)
	engine.POST("/cancel-job/:job_id", s.handleCancelJob)
	engine.POST("/stop-processing/:session_id", s.handleStopProcessing)
	engine.GET("/in-progress", s.handleInProgress)

	engine.GET("/documents", s.handleListDocuments)
	engine.GET("/documents/:id", s.handleGetDocument)
	engine.GET("/documents/:id/chunks", s.handleListChunks)
	engine.DELETE("/documents/:id", s.handleDeleteDocument)
	engine.GET("/search", s.handleSearch)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/health", s.handleHealth)

	s.engine = engine
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("http server listening", slog.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// abortError writes the envelope with the status mapped from the error kind.
func (s *Server) abortError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	body := errorBody{Kind: string(kind), Message: err.Error()}

	var e *errors.Error
	if stderrors.As(err, &e) && e.Hint != "" {
		body.Hint = e.Hint
	}

	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{
		"success":   false,
		"error":     body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func ok(c *gin.Context, status int, payload gin.H) {
	payload["success"] = true
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	c.JSON(status, payload)
}

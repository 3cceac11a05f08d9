// Package session is the durable registry of in-flight ingestions. Every
// running job owns exactly one session row; the row carries progress,
// heartbeat, and the cancellation flag, and survives process restarts so
// the sweeper can reap work orphaned by a crash.
package session

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/errors"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the session has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ReasonHeartbeatTimeout marks sessions reaped by the sweeper.
const ReasonHeartbeatTimeout = "heartbeat_timeout"

// Session is one registry row.
type Session struct {
	ID              string
	JobID           string
	DocumentID      string
	URL             string
	Status          Status
	ProcessedChunks int
	TotalChunks     int
	LastHeartbeat   *time.Time
	CancelRequested bool
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const uploadSessionsSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	session_id        TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL,
	document_id       TEXT,
	url               TEXT,
	status            TEXT NOT NULL DEFAULT 'queued',
	processed_chunks  INTEGER NOT NULL DEFAULT 0,
	total_chunks      INTEGER NOT NULL DEFAULT 0,
	last_heartbeat    TIMESTAMPTZ,
	cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
	error             TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON upload_sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_job ON upload_sessions (job_id);
`

// Registry reads and writes session rows. Safe for concurrent use.
type Registry struct {
	pool             *pgxpool.Pool
	heartbeatTimeout time.Duration
	sessionTimeout   time.Duration
	log              *slog.Logger
}

// NewRegistry runs the migration and returns the registry. heartbeatTimeout
// is the staleness threshold the sweeper reaps at; sessionTimeout is the
// hard cap on total processing time.
func NewRegistry(ctx context.Context, pool *pgxpool.Pool, heartbeatTimeout, sessionTimeout time.Duration, log *slog.Logger) (*Registry, error) {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 8 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	if _, err := pool.Exec(ctx, uploadSessionsSchema); err != nil {
		return nil, errors.Wrap(errors.KindFatalDatabase, "migrate upload_sessions", err)
	}
	return &Registry{pool: pool, heartbeatTimeout: heartbeatTimeout, sessionTimeout: sessionTimeout, log: log}, nil
}

const sessionColumns = `session_id, job_id, coalesce(document_id,''), coalesce(url,''),
	status, processed_chunks, total_chunks, last_heartbeat, cancel_requested,
	coalesce(error,''), created_at, updated_at`

// Get loads one session.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE session_id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Newf(errors.KindNotFound, "session %s not found", sessionID)
		}
		return nil, errors.Wrap(errors.KindTransientDatabase, "get session", err)
	}
	return s, nil
}

// MarkProcessing transitions the session to processing with a fresh
// heartbeat. Called once when a worker picks the job up.
func (r *Registry) MarkProcessing(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET status = 'processing', last_heartbeat = now(), updated_at = now()
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "mark session processing", err)
	}
	return nil
}

// AttachDocument records the document created for this session.
func (r *Registry) AttachDocument(ctx context.Context, sessionID, documentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions SET document_id = $2, updated_at = now()
		WHERE session_id = $1`, sessionID, documentID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "attach document", err)
	}
	return nil
}

// Progress updates the chunk counters and refreshes the heartbeat.
func (r *Registry) Progress(ctx context.Context, sessionID string, processed, total int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET processed_chunks = $2, total_chunks = $3,
			last_heartbeat = now(), updated_at = now()
		WHERE session_id = $1`, sessionID, processed, total)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "update progress", err)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions SET last_heartbeat = now(), updated_at = now()
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "heartbeat session", err)
	}
	return nil
}

// Finish moves the session to a terminal state. Terminal rows are never
// overwritten, so duplicate finishes after worker retries are harmless.
func (r *Registry) Finish(ctx context.Context, sessionID string, status Status, reason string) error {
	if !status.Terminal() {
		return errors.Newf(errors.KindInternal, "finish called with non-terminal status %s", status)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET status = $2, error = NULLIF($3, ''), updated_at = now()
		WHERE session_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		sessionID, string(status), reason)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "finish session", err)
	}
	return nil
}

// RequestCancel sets the cancellation flag; the pipeline observes it at
// its next checkpoint.
func (r *Registry) RequestCancel(ctx context.Context, sessionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions SET cancel_requested = TRUE, updated_at = now()
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "request cancel", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.KindNotFound, "session %s not found", sessionID)
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (r *Registry) CancelRequested(ctx context.Context, sessionID string) (bool, error) {
	var flag bool
	err := r.pool.QueryRow(ctx, `
		SELECT cancel_requested FROM upload_sessions WHERE session_id = $1`,
		sessionID).Scan(&flag)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return false, errors.Newf(errors.KindNotFound, "session %s not found", sessionID)
		}
		return false, errors.Wrap(errors.KindTransientDatabase, "read cancel flag", err)
	}
	return flag, nil
}

// Active lists queued and processing sessions, newest first.
func (r *Registry) Active(ctx context.Context) ([]*Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status IN ('queued', 'processing')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransientDatabase, "list active sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindTransientDatabase, "scan session", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SweepStuck fails processing sessions whose heartbeat is older than the
// heartbeat timeout, plus any session past the hard session-timeout cap
// regardless of heartbeat. Run at startup and then periodically.
func (r *Registry) SweepStuck(ctx context.Context) (int, error) {
	heartbeatCutoff := time.Now().Add(-r.heartbeatTimeout)
	hardCutoff := time.Now().Add(-r.sessionTimeout)
	tag, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET status = 'failed', error = $3, updated_at = now()
		WHERE status = 'processing'
			AND (coalesce(last_heartbeat, created_at) < $1 OR created_at < $2)`,
		heartbeatCutoff, hardCutoff, ReasonHeartbeatTimeout)
	if err != nil {
		return 0, errors.Wrap(errors.KindTransientDatabase, "sweep stuck sessions", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		r.log.Warn("stuck sessions failed", slog.Int("count", n))
	}
	return n, nil
}

// StartSweeper runs SweepStuck on the interval until the context ends.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.SweepStuck(ctx); err != nil && !errors.IsCancelled(err) {
					r.log.Error("session sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var status string
	if err := row.Scan(&s.ID, &s.JobID, &s.DocumentID, &s.URL, &status,
		&s.ProcessedChunks, &s.TotalChunks, &s.LastHeartbeat, &s.CancelRequested,
		&s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

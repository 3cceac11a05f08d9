// Package queue is the durable background job queue: one Postgres table,
// priority FIFO ordering, atomic claims via row locks that skip locked
// rows, bounded retries with exponential backoff, and a startup sweep that
// converges the queue after a crash.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/errors"
)

// JobType distinguishes URL fetches from uploaded files.
type JobType string

const (
	JobTypeURL  JobType = "url"
	JobTypeFile JobType = "file"
)

// JobStatus is the queue lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// ProcessOptions are the per-request options merged over process defaults
// at the HTTP boundary.
type ProcessOptions struct {
	ChunkSize            int    `json:"chunk_size,omitempty"`
	Overlap              int    `json:"overlap,omitempty"`
	ContextualEmbeddings *bool  `json:"contextual_embeddings,omitempty"`
	EnableIntelligent    *bool  `json:"enable_intelligent,omitempty"`
	DocumentType         string `json:"document_type,omitempty"`
}

// Payload carries the job input: a URL or a spooled upload.
type Payload struct {
	URL      string         `json:"url,omitempty"`
	Filename string         `json:"filename,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	BytesRef string         `json:"bytes_ref,omitempty"`
	Options  ProcessOptions `json:"options"`
}

// Job is one queue row.
type Job struct {
	ID          string
	SessionID   string
	Type        JobType
	Payload     Payload
	Priority    int
	Status      JobStatus
	Attempts    int
	NextRetryAt time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

const backgroundJobsSchema = `
CREATE TABLE IF NOT EXISTS background_jobs (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL UNIQUE,
	type           TEXT NOT NULL,
	payload        JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	priority       INTEGER NOT NULL DEFAULT 100,
	attempts       INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_by     TEXT,
	error          TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON background_jobs (priority, created_at) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_jobs_session ON background_jobs (session_id);
`

// retryBackoff is the requeue schedule: min(5min, 1s*2^k) plus jitter.
var retryBackoff = errors.RetryConfig{
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Minute,
	Jitter:       true,
}

// Queue is safe for concurrent use by all workers.
type Queue struct {
	pool        *pgxpool.Pool
	maxAttempts int
	log         *slog.Logger
}

// New creates the queue over a shared pool and runs its migration.
func New(ctx context.Context, pool *pgxpool.Pool, maxAttempts int, log *slog.Logger) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{pool: pool, maxAttempts: maxAttempts, log: log}
	if _, err := pool.Exec(ctx, backgroundJobsSchema); err != nil {
		return nil, errors.Wrap(errors.KindFatalDatabase, "migrate background_jobs", err)
	}
	return q, nil
}

// Enqueue creates the job and its session row in one transaction.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload Payload, priority int) (jobID, sessionID string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", errors.Wrap(errors.KindInternal, "encode payload", err)
	}

	jobID = uuid.NewString()
	sessionID = uuid.NewString()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return "", "", errors.Wrap(errors.KindTransientDatabase, "begin enqueue", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, `
		INSERT INTO upload_sessions (session_id, job_id, status, url)
		VALUES ($1, $2, 'queued', $3)`,
		sessionID, jobID, payload.URL); err != nil {
		return "", "", errors.Wrap(errors.KindTransientDatabase, "create session", err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO background_jobs (id, session_id, type, payload, priority)
		VALUES ($1, $2, $3, $4, $5)`,
		jobID, sessionID, string(jobType), raw, priority); err != nil {
		return "", "", errors.Wrap(errors.KindTransientDatabase, "create job", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return "", "", errors.Wrap(errors.KindTransientDatabase, "commit enqueue", err)
	}

	q.log.Info("job enqueued",
		slog.String("job_id", jobID),
		slog.String("session_id", sessionID),
		slog.String("type", string(jobType)),
		slog.Int("priority", priority))
	return jobID, sessionID, nil
}

const jobColumns = `id, session_id, type, payload, status, priority, attempts,
	next_retry_at, coalesce(error,''), created_at, updated_at, completed_at`

// Claim atomically takes the next due job, or returns nil when the queue
// is empty. SKIP LOCKED lets workers claim concurrently without blocking.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE background_jobs
		SET status = 'claimed', claimed_by = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = 'queued' AND next_retry_at <= now()
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID)

	job, err := scanJob(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindTransientDatabase, "claim job", err)
	}
	return job, nil
}

// MarkRunning transitions a claimed job to running and stamps the session.
func (q *Queue) MarkRunning(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs SET status = 'running', updated_at = now()
		WHERE id = $1 AND status = 'claimed'`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "mark job running", err)
	}
	return q.Heartbeat(ctx, jobID)
}

// Heartbeat refreshes the session heartbeat for a job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE upload_sessions SET last_heartbeat = now(), updated_at = now()
		WHERE job_id = $1`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "heartbeat", err)
	}
	return nil
}

// Complete marks the job succeeded. Replaying a completed job id is a
// no-op, which makes worker retries after a lost ack safe.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'succeeded', error = NULL, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('claimed', 'running', 'succeeded')`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "complete job", err)
	}
	return nil
}

// Fail requeues the job with backoff until the attempt budget is spent,
// then parks it in failed.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "begin fail", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts FROM background_jobs
		WHERE id = $1 AND status IN ('claimed', 'running')
		FOR UPDATE`, jobID).Scan(&attempts)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			// Already terminal or requeued by the sweeper.
			return nil
		}
		return errors.Wrap(errors.KindTransientDatabase, "load job for fail", err)
	}

	next := attempts + 1
	if next < q.maxAttempts {
		delay := retryBackoff.Backoff(attempts, cause)
		_, err = tx.Exec(ctx, `
			UPDATE background_jobs
			SET status = 'queued', attempts = $2, error = $3,
				next_retry_at = now() + make_interval(secs => $4), claimed_by = NULL, updated_at = now()
			WHERE id = $1`,
			jobID, next, msg, delay.Seconds())
		if err == nil {
			q.log.Warn("job requeued",
				slog.String("job_id", jobID),
				slog.Int("attempt", next),
				slog.Duration("retry_in", delay),
				slog.String("error", msg))
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE background_jobs
			SET status = 'failed', attempts = $2, error = $3,
				completed_at = now(), updated_at = now()
			WHERE id = $1`,
			jobID, next, msg)
		if err == nil {
			q.log.Error("job failed permanently",
				slog.String("job_id", jobID),
				slog.Int("attempts", next),
				slog.String("error", msg))
		}
	}
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "fail job", err)
	}
	return tx.Commit(ctx)
}

// MarkCancelled finalizes a claimed or running job after its pipeline
// unwound from a cancellation request.
func (q *Queue) MarkCancelled(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('claimed', 'running')`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "mark job cancelled", err)
	}
	return nil
}

// Release puts a claimed or running job back in the queue without burning
// an attempt. Used on graceful shutdown so interrupted work is retried
// immediately by the next process.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'queued', claimed_by = NULL, next_retry_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('claimed', 'running')`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindTransientDatabase, "release job", err)
	}
	return nil
}

// Cancel cancels a job. Pending jobs flip to cancelled immediately;
// running jobs get their session cancel flag set and unwind at the next
// pipeline checkpoint. Returns the job status after the call.
func (q *Queue) Cancel(ctx context.Context, jobID string) (JobStatus, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'claimed')`, jobID)
	if err != nil {
		return "", errors.Wrap(errors.KindTransientDatabase, "cancel job", err)
	}
	if tag.RowsAffected() > 0 {
		return JobCancelled, nil
	}

	var status string
	err = q.pool.QueryRow(ctx,
		`SELECT status FROM background_jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", errors.Newf(errors.KindNotFound, "job %s not found", jobID)
		}
		return "", errors.Wrap(errors.KindTransientDatabase, "load job", err)
	}

	if JobStatus(status) == JobRunning {
		if _, err := q.pool.Exec(ctx, `
			UPDATE upload_sessions SET cancel_requested = TRUE, updated_at = now()
			WHERE job_id = $1`, jobID); err != nil {
			return "", errors.Wrap(errors.KindTransientDatabase, "request cancellation", err)
		}
	}
	return JobStatus(status), nil
}

// CancelBySession cancels the job owning a session.
func (q *Queue) CancelBySession(ctx context.Context, sessionID string) (JobStatus, error) {
	var jobID string
	err := q.pool.QueryRow(ctx,
		`SELECT id FROM background_jobs WHERE session_id = $1`, sessionID).Scan(&jobID)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", errors.Newf(errors.KindNotFound, "session %s not found", sessionID)
		}
		return "", errors.Wrap(errors.KindTransientDatabase, "load session job", err)
	}
	return q.Cancel(ctx, jobID)
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Newf(errors.KindNotFound, "job %s not found", jobID)
		}
		return nil, errors.Wrap(errors.KindTransientDatabase, "get job", err)
	}
	return job, nil
}

// ListActive returns queued, claimed, and running jobs in claim order.
func (q *Queue) ListActive(ctx context.Context) ([]*Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE status IN ('queued', 'claimed', 'running')
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransientDatabase, "list active jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindTransientDatabase, "scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SweepStale requeues claimed and running jobs whose session heartbeat is
// older than the threshold; jobs out of attempts go to failed. Run at
// startup and periodically.
func (q *Queue) SweepStale(ctx context.Context, heartbeatTimeout time.Duration) (requeued, failed int, err error) {
	cutoff := time.Now().Add(-heartbeatTimeout)

	tagRequeue, err := q.pool.Exec(ctx, `
		UPDATE background_jobs j
		SET status = 'queued', attempts = j.attempts + 1, claimed_by = NULL,
			error = 'heartbeat_timeout', next_retry_at = now(), updated_at = now()
		FROM upload_sessions s
		WHERE s.job_id = j.id
			AND j.status IN ('claimed', 'running')
			AND coalesce(s.last_heartbeat, j.updated_at) < $1
			AND j.attempts + 1 < $2`, cutoff, q.maxAttempts)
	if err != nil {
		return 0, 0, errors.Wrap(errors.KindTransientDatabase, "sweep requeue", err)
	}

	// Attempts exhausted: fail the job and finish its session in one
	// statement, so no permanently failed job leaves a processing session
	// behind for the registry sweeper to find.
	err = q.pool.QueryRow(ctx, `
		WITH failed_jobs AS (
			UPDATE background_jobs j
			SET status = 'failed', attempts = j.attempts + 1,
				error = 'heartbeat_timeout', completed_at = now(), updated_at = now()
			FROM upload_sessions s
			WHERE s.job_id = j.id
				AND j.status IN ('claimed', 'running')
				AND coalesce(s.last_heartbeat, j.updated_at) < $1
				AND j.attempts + 1 >= $2
			RETURNING j.id
		), finished_sessions AS (
			UPDATE upload_sessions
			SET status = 'failed', error = 'heartbeat_timeout', updated_at = now()
			WHERE job_id IN (SELECT id FROM failed_jobs)
				AND status NOT IN ('completed', 'failed', 'cancelled')
			RETURNING session_id
		)
		SELECT count(*) FROM failed_jobs`, cutoff, q.maxAttempts).Scan(&failed)
	if err != nil {
		return 0, 0, errors.Wrap(errors.KindTransientDatabase, "sweep fail", err)
	}

	requeued = int(tagRequeue.RowsAffected())
	if requeued > 0 || failed > 0 {
		q.log.Info("stale jobs swept",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed))
	}
	return requeued, failed, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var typ, status string
	var raw []byte
	if err := row.Scan(&j.ID, &j.SessionID, &typ, &raw, &status, &j.Priority,
		&j.Attempts, &j.NextRetryAt, &j.Error, &j.CreatedAt, &j.UpdatedAt,
		&j.CompletedAt); err != nil {
		return nil, err
	}
	j.Type = JobType(typ)
	j.Status = JobStatus(status)
	if err := json.Unmarshal(raw, &j.Payload); err != nil {
		return nil, err
	}
	return &j, nil
}

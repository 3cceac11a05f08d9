// Package worker runs the bounded pool of queue consumers. Each worker
// loops claim, run, settle; heartbeats keep the session alive while the
// orchestrator works, and a drain request stops claiming without dropping
// in-flight jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/queue"
)

// Runner executes one claimed job; the pipeline orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job *queue.Job) error
}

// JobQueue is the slice of the queue the pool drives.
type JobQueue interface {
	Claim(ctx context.Context, workerID string) (*queue.Job, error)
	MarkRunning(ctx context.Context, jobID string) error
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) error
	MarkCancelled(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}

// Options configures the pool.
type Options struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Pool owns the worker goroutines.
type Pool struct {
	queue  JobQueue
	runner Runner
	opts   Options
	log    *slog.Logger

	wg       sync.WaitGroup
	draining chan struct{}
	once     sync.Once
}

// New creates a pool. Defaults: 4 workers, 1s poll, 30s heartbeat.
func New(q JobQueue, runner Runner, opts Options, log *slog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:    q,
		runner:   runner,
		opts:     opts,
		log:      log,
		draining: make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx drains the pool: claiming
// stops, in-flight jobs run to their next checkpoint and are released
// back to the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	go func() {
		<-ctx.Done()
		p.Drain()
	}()
}

// Drain stops claiming new jobs. Idempotent.
func (p *Pool) Drain() {
	p.once.Do(func() { close(p.draining) })
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.log.With(slog.String("worker", workerID))
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		select {
		case <-p.draining:
			return
		default:
		}

		job, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			if errors.IsCancelled(err) {
				return
			}
			log.Error("claim failed", slog.String("error", err.Error()))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, log, job)
	}
}

// sleep waits one poll interval with jitter, or returns early on drain.
func (p *Pool) sleep(ctx context.Context) {
	d := p.opts.PollInterval + time.Duration(rand.Int63n(int64(p.opts.PollInterval)/2+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.draining:
	case <-timer.C:
	}
}

// process runs one job and settles its terminal queue transition.
func (p *Pool) process(ctx context.Context, log *slog.Logger, job *queue.Job) {
	log = log.With(slog.String("job_id", job.ID), slog.String("session_id", job.SessionID))

	// Settlement must survive a cancelled worker context.
	settleCtx := context.WithoutCancel(ctx)

	if err := p.queue.MarkRunning(ctx, job.ID); err != nil {
		log.Error("mark running failed", slog.String("error", err.Error()))
		_ = p.queue.Release(settleCtx, job.ID)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go p.heartbeatLoop(runCtx, job.ID, hbDone)

	start := time.Now()
	err := p.run(runCtx, job)
	cancel()
	<-hbDone

	switch {
	case err == nil:
		if cErr := p.queue.Complete(settleCtx, job.ID); cErr != nil {
			log.Error("complete failed", slog.String("error", cErr.Error()))
		}
		log.Info("job succeeded", slog.Duration("elapsed", time.Since(start)))
	case errors.IsCancelled(err) && (p.isDraining() || ctx.Err() != nil):
		// Shutdown, not user intent: hand the job back untouched.
		if rErr := p.queue.Release(settleCtx, job.ID); rErr != nil {
			log.Error("release failed", slog.String("error", rErr.Error()))
		}
		log.Info("job released for shutdown")
	case errors.IsCancelled(err):
		if cErr := p.queue.MarkCancelled(settleCtx, job.ID); cErr != nil {
			log.Error("mark cancelled failed", slog.String("error", cErr.Error()))
		}
		log.Info("job cancelled", slog.Duration("elapsed", time.Since(start)))
	default:
		if fErr := p.queue.Fail(settleCtx, job.ID, err); fErr != nil {
			log.Error("fail transition failed", slog.String("error", fErr.Error()))
		}
		log.Warn("job attempt failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
	}
}

// run invokes the orchestrator, converting panics into ordinary failures
// so one bad document cannot take the worker down.
func (p *Pool) run(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = errors.Newf(errors.KindInternal, "job panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, job)
}

// heartbeatLoop refreshes the session heartbeat until the job context ends.
func (p *Pool) heartbeatLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID); err != nil && !errors.IsCancelled(err) {
				p.log.Warn("heartbeat failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Pool) isDraining() bool {
	select {
	case <-p.draining:
		return true
	default:
		return false
	}
}

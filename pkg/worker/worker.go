// Package worker runs the claim/execute/finalize loop against a job queue:
// panic isolation, a heartbeat goroutine racing cancellation, and
// finalize-with-retry against transient storage errors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopymail/core/pkg/queue"
)

// Retryable wraps an executor error that should be retried with backoff.
type Retryable struct{ Msg string }

func (e Retryable) Error() string { return e.Msg }

// Fatal wraps an executor error that should terminate the job immediately.
type Fatal struct{ Msg string }

func (e Fatal) Error() string { return e.Msg }

// JobContext is scoped to a single claimed job and exposes step recording
// and heartbeating to the executor.
type JobContext interface {
	StartStep(ctx context.Context, name string) (string, error)
	FinishStep(ctx context.Context, stepID string, result []byte) error
	Heartbeat(ctx context.Context) error
}

// JobExecutor is the pluggable unit of work the runtime invokes for each
// claimed job. A returned error that is not Retryable or Fatal is treated as
// Retryable, matching a permissive "plain error means try again" default.
// The returned result, if any, is recorded on successful completion.
type JobExecutor interface {
	Execute(ctx context.Context, job *queue.Job, jctx JobContext) ([]byte, error)
}

// ResultOffloader moves oversized job results to external storage, leaving
// a pointer behind instead of the full payload in the jobs row.
type ResultOffloader interface {
	ShouldOffload(resultSize int) bool
	Put(ctx context.Context, jobID string, result []byte) (string, error)
}

// Config tunes the worker loop's pacing.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	// Blobstore, if set, offloads results above its configured threshold to
	// object storage instead of storing them inline.
	Blobstore ResultOffloader
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Run runs the claim/execute/finalize loop until ctx is canceled, then waits
// up to Config.DrainTimeout for the in-flight job (if any) to finalize.
func Run(ctx context.Context, q *queue.Queue, executor JobExecutor, cfg Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := q.ClaimNext(ctx)
		if err != nil {
			log.Warn("claim_next failed, will retry", zap.Error(err))
			if !sleepOrDone(ctx, cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		handleJob(ctx, q, executor, job, cfg, log)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type finalizeAction struct {
	complete bool
	message  string
	retry    bool
	result   []byte
}

// handleJob runs one claimed job to completion. Execution and finalize share
// workCtx, a context rooted independently of ctx so that a shutdown signal
// on ctx does not abort the job outright: watchShutdown only force-cancels
// workCtx once cfg.DrainTimeout has elapsed with the job still running. The
// heartbeat and the job itself get separate child contexts off workCtx, so
// stopping the heartbeat early never affects the job and vice versa.
func handleJob(ctx context.Context, q *queue.Queue, executor JobExecutor, job *queue.Job, cfg Config, log *zap.Logger) {
	jobLog := log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	workDone := make(chan struct{})
	defer close(workDone)
	go watchShutdown(ctx, workDone, cancelWork, cfg.DrainTimeout)

	jobCtx, stopJob := context.WithCancel(workCtx)
	defer stopJob()

	hbCtx, stopHeartbeat := context.WithCancel(workCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		runHeartbeat(hbCtx, q, job.ID, cfg.HeartbeatInterval, jobLog)
	}()

	action := executeWithRecovery(jobCtx, executor, job, &jobContext{q: q, jobID: job.ID, log: jobLog})

	stopHeartbeat()
	hbWG.Wait()
	stopJob()

	finalizeWithRetry(workCtx, q, job.ID, action, cfg, jobLog)
}

// watchShutdown cancels work once shutdownCtx is done and drainTimeout has
// elapsed without the job finishing on its own (signaled by done closing).
// This is what bounds Config.DrainTimeout in practice: shutdown stops the
// claim loop immediately, but an in-flight job keeps its own context alive
// until it finishes or the drain window runs out.
func watchShutdown(shutdownCtx context.Context, done <-chan struct{}, cancelWork context.CancelFunc, drainTimeout time.Duration) {
	select {
	case <-done:
		return
	case <-shutdownCtx.Done():
	}

	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		cancelWork()
	}
}

func completeJob(ctx context.Context, q *queue.Queue, jobID string, result []byte, blobstore ResultOffloader) error {
	if result == nil || blobstore == nil || !blobstore.ShouldOffload(len(result)) {
		return q.Complete(ctx, jobID, result)
	}
	uri, err := blobstore.Put(ctx, jobID, result)
	if err != nil {
		return fmt.Errorf("worker: offload result: %w", err)
	}
	return q.CompleteWithBlobRef(ctx, jobID, uri)
}

func runHeartbeat(ctx context.Context, q *queue.Queue, jobID string, interval time.Duration, log *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := q.Heartbeat(ctx, jobID); err != nil && !errors.Is(err, queue.ErrNotRunning) {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func executeWithRecovery(ctx context.Context, executor JobExecutor, job *queue.Job, jctx JobContext) (action finalizeAction) {
	defer func() {
		if r := recover(); r != nil {
			action = finalizeAction{complete: false, message: fmt.Sprintf("panic: %v", r), retry: true}
		}
	}()

	result, err := executor.Execute(ctx, job, jctx)
	switch {
	case err == nil:
		return finalizeAction{complete: true, result: result}
	default:
		var retryable Retryable
		var fatal Fatal
		switch {
		case errors.As(err, &fatal):
			return finalizeAction{complete: false, message: fatal.Msg, retry: false}
		case errors.As(err, &retryable):
			return finalizeAction{complete: false, message: retryable.Msg, retry: true}
		default:
			return finalizeAction{complete: false, message: err.Error(), retry: true}
		}
	}
}

// finalizeWithRetry re-fetches the job, honors a concurrent cancel, and
// retries Complete/Fail against transient storage errors with a bounded
// backoff derived from the heartbeat interval. ErrNotRunning is treated as
// success: the row has already moved (completed by a sweeper-driven replay,
// or canceled).
func finalizeWithRetry(ctx context.Context, q *queue.Queue, jobID string, action finalizeAction, cfg Config, log *zap.Logger) {
	backoff := cfg.HeartbeatInterval / 2
	if backoff < 10*time.Millisecond {
		backoff = 10 * time.Millisecond
	}
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}

	for {
		current, err := q.FetchJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				return
			}
			if !retryOrAbort(ctx, backoff, log, err) {
				return
			}
			continue
		}
		if current.State == queue.JobStateCanceled {
			return
		}

		if action.complete {
			err = completeJob(ctx, q, jobID, action.result, cfg.Blobstore)
		} else {
			err = q.Fail(ctx, jobID, action.message, action.retry, nil)
		}
		if err == nil || errors.Is(err, queue.ErrNotRunning) || errors.Is(err, queue.ErrJobNotFound) {
			return
		}

		if !retryOrAbort(ctx, backoff, log, err) {
			return
		}
	}
}

func retryOrAbort(ctx context.Context, backoff time.Duration, log *zap.Logger, err error) bool {
	log.Warn("finalize failed, retrying", zap.Error(err))
	if ctx.Err() != nil {
		return false
	}
	return sleepOrDone(ctx, backoff)
}

// jobContext is the concrete JobContext handed to executors.
type jobContext struct {
	q     *queue.Queue
	jobID string
	log   *zap.Logger
}

func (j *jobContext) StartStep(ctx context.Context, name string) (string, error) {
	return j.q.StartStep(ctx, j.jobID, name)
}

func (j *jobContext) FinishStep(ctx context.Context, stepID string, result []byte) error {
	return j.q.FinishStep(ctx, stepID, result)
}

func (j *jobContext) Heartbeat(ctx context.Context) error {
	return j.q.Heartbeat(ctx, j.jobID)
}

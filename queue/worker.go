package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued
	// on startup to prevent overwhelming the system after a crash
	MaxOrphanedJobsToRecover = 1000

	// stopTimeout bounds how long Stop waits for in-flight jobs
	stopTimeout = 30 * time.Second
)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new jobs
	JobTimeout   time.Duration `json:"job_timeout"`   // Wall-clock limit per job execution
	BackoffBase  time.Duration `json:"backoff_base"`  // First retry delay, doubles per attempt
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 1 * time.Second,
		JobTimeout:   30 * time.Second,
		BackoffBase:  DefaultBackoffBase,
	}
}

// WorkerPool manages a pool of workers that process queue jobs.
//
// Coordination happens entirely through the jobs table: multiple pools on
// the same database never double-deliver a job because dequeueing is an
// atomic conditional claim.
type WorkerPool struct {
	queue     *Queue
	registry  *Registry
	config    WorkerPoolConfig
	parentCtx context.Context // Parent context from which worker context is derived
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	mu        sync.Mutex
	active    int // Workers currently executing a job
}

// NewWorkerPool creates a worker pool with the given handler registry.
// Callers must register handlers before calling Start().
func NewWorkerPool(ctx context.Context, q *Queue, registry *Registry, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	return &WorkerPool{
		queue:     q,
		registry:  registry,
		config:    cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    log.Named("worker"),
	}
}

// Start begins processing jobs with the worker pool.
// Jobs orphaned in running state by a previous crash are re-queued first.
func (wp *WorkerPool) Start() {
	// If the pool was stopped before, derive a fresh context from the parent
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}

	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
		// Continue starting workers even if recovery fails
	}

	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Infow("Worker pool started",
		"workers", wp.config.Workers,
		"poll_interval", wp.config.PollInterval,
		"job_timeout", wp.config.JobTimeout)
}

// Stop gracefully stops the worker pool, waiting up to stopTimeout for
// in-flight jobs to finish.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(stopTimeout):
		wp.logger.Warnw("Worker pool stop timeout, workers may still be finishing", "timeout", stopTimeout)
	}
}

// Queue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry for registering job handlers.
func (wp *WorkerPool) Registry() *Registry {
	return wp.registry
}

// ActiveWorkers returns the number of workers currently executing a job.
func (wp *WorkerPool) ActiveWorkers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.active
}

// recoverOrphanedJobs finds jobs stuck in running state and re-queues them.
// This handles ungraceful shutdowns (crash, kill -9, power loss). The
// attempt already counted against the job stands, so a job that crashes the
// process repeatedly still hits its attempt ceiling.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	orphaned, err := wp.queue.store.ListRunningJobs(wp.ctx, MaxOrphanedJobsToRecover)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Infow("Recovering jobs orphaned by previous shutdown", "count", len(orphaned))

	for _, job := range orphaned {
		job.Requeue()
		if err := wp.queue.UpdateJob(wp.ctx, job); err != nil {
			wp.logger.Warnw("Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		wp.logger.Debugw("Recovered orphaned job", "job_id", job.ID, "handler", job.HandlerName)
	}
	return nil
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				// Check if error is due to shutdown
				select {
				case <-wp.ctx.Done():
					return
				default:
					if stderrors.Is(err, sql.ErrConnDone) {
						// Database closed during shutdown - exit silently
						return
					}
					errorCount++
					wp.logger.Errorw("Worker error processing job",
						"worker_id", id,
						"error", err,
						"consecutive_errors", errorCount)

					// Apply exponential backoff after multiple consecutive errors
					if errorCount >= maxConsecutiveErrors {
						wp.logger.Warnw("Worker backing off due to consecutive errors",
							"worker_id", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						time.Sleep(backoffDuration)
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// processNextJob claims the next due job and runs it through its handler,
// applying the retry policy on failure. Returns an error only for
// infrastructure problems; handler failures are absorbed into job state.
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil // Graceful shutdown - don't claim new jobs
	default:
	}

	job, err := wp.queue.Dequeue(wp.ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // Nothing due
	}

	wp.mu.Lock()
	wp.active++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(
		"job_id", job.ID,
		"handler", job.HandlerName,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts)

	// The wall-clock timeout is the only defense against a stuck external
	// call holding a claimed run indefinitely.
	jobCtx, cancelJob := context.WithTimeout(wp.ctx, wp.config.JobTimeout)
	execErr := wp.registry.Dispatch(jobCtx, job)
	cancelJob()

	if execErr == nil {
		log.Infow("Job completed")
		return wp.queue.CompleteJob(wp.ctx, job.ID)
	}

	// Shutdown mid-execution: put the job back untouched
	select {
	case <-wp.ctx.Done():
		log.Infow("Job interrupted by shutdown, re-queuing")
		job.Requeue()
		if updateErr := wp.queue.UpdateJob(context.Background(), job); updateErr != nil {
			wp.logger.Errorw("Failed to re-queue interrupted job", "job_id", job.ID, "error", updateErr)
		}
		return nil
	default:
	}

	if job.Retryable() {
		log.Warnw("Job attempt failed, retry scheduled", "error", execErr)
		return wp.queue.RetryJob(wp.ctx, job, wp.config.BackoffBase, execErr)
	}

	log.Errorw("Job permanently failed, attempt ceiling reached", "error", execErr)
	if err := wp.queue.FailJob(wp.ctx, job.ID, execErr); err != nil {
		return err
	}

	// Give the handler a chance to propagate the failure to its domain
	// state (e.g. mark the ledger run failed so a later sweep retries it).
	if hook, ok := wp.registry.Get(job.HandlerName).(FailureHook); ok {
		hook.OnPermanentFailure(wp.ctx, job, execErr)
	}
	return nil
}

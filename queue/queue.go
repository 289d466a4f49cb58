package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/spendsweep/spendsweep/errors"
)

const (
	// MaxJobsLimit is the maximum number of jobs considered by bulk queries
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the durable job queue. All coordination between concurrent
// producers and workers is pushed into the storage layer; the mutex only
// guards the in-process subscriber list.
type Queue struct {
	store       *Store
	maxAttempts int
	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		maxAttempts: DefaultMaxAttempts,
		subscribers: make([]chan *Job, 0),
	}
}

// SetMaxAttempts overrides the attempt ceiling stamped onto jobs at enqueue
// time. Values below one are ignored.
func (q *Queue) SetMaxAttempts(n int) {
	if n > 0 {
		q.maxAttempts = n
	}
}

// Enqueue adds a new job to the queue. If an active job already exists for
// the same (source, handler) pair, the duplicate is dropped and the existing
// job is returned - repeated sweeps must not pile up identical work.
//
// The queue's attempt ceiling is stamped onto the job here so the recorded
// value keeps governing retries after a restart, even if the configured
// ceiling changes.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	job.MaxAttempts = q.maxAttempts

	if job.Source != "" {
		existing, err := q.store.FindActiveBySourceAndHandler(ctx, job.Source, job.HandlerName)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check for duplicate job")
		}
		if existing != nil {
			return existing, nil
		}
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return nil, err
	}

	q.notifySubscribers(job)
	return job, nil
}

// Dequeue atomically claims the next due queued job and marks it running.
// Returns nil when nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	job, err := q.store.ClaimNextDue(ctx, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil, nil // No jobs available
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// UpdateJob updates a job's state
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed
func (q *Queue) CompleteJob(ctx context.Context, id string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}

	job.Complete()

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to complete job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// FailJob marks a job as permanently failed with an error
func (q *Queue) FailJob(ctx context.Context, id string, jobErr error) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s as failed", id)
	}

	job.Fail(jobErr)

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Job error: %s", jobErr.Error()))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// RetryJob re-queues a job after a failed attempt with exponential backoff.
func (q *Queue) RetryJob(ctx context.Context, job *Job, base time.Duration, cause error) error {
	job.ScheduleRetry(base, cause)

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to schedule job retry")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Attempt: %d/%d", job.Attempts, job.MaxAttempts))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// ListActiveJobs returns all active (queued, running) jobs
func (q *Queue) ListActiveJobs(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.ListActiveJobs(ctx, limit)
}

// Cleanup removes old completed/failed jobs
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(ctx, olderThan)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}

// Stats holds per-status job counts.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	for _, status := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed} {
		jobs, err := q.store.ListJobs(ctx, &status, MaxJobsLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s jobs", status)
		}

		count := len(jobs)
		switch status {
		case JobStatusQueued:
			stats.Queued = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}

	return stats, nil
}

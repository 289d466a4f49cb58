// Package queue provides durable, retryable asynchronous job processing.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/spendsweep/spendsweep/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is the attempt ceiling applied when a job is enqueued
// without an explicit override.
const DefaultMaxAttempts = 3

// DefaultBackoffBase is the delay before the first retry; it doubles on each
// subsequent attempt.
const DefaultBackoffBase = 1 * time.Second

// Job is one durable queue entry.
//
// Delivery is at-least-once: a job may be delivered and partially executed
// more than once after a crash, so handlers must be idempotent with respect
// to their side effects or check ledger state before acting.
//
// The queue infrastructure is domain-agnostic: HandlerName identifies which
// registered handler executes the job, and Payload carries handler-specific
// JSON the infrastructure never inspects.
type Job struct {
	ID            string          `json:"id"`
	HandlerName   string          `json:"handler_name"` // "review.transactions", "mail.send"
	Payload       json.RawMessage `json:"payload,omitempty"`
	Source        string          `json:"source"` // For deduplication and logging
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"` // Earliest time the job may be delivered
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewJob creates a new queued job with a typed payload.
//
// Example:
//
//	payload, _ := json.Marshal(review.TransactionPayload{RunID: run.ID, UserID: user.ID})
//	job, _ := queue.NewJob("review.transactions", user.ID, payload)
func NewJob(handlerName string, source string, payload json.RawMessage) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}

	now := time.Now().UTC()
	return &Job{
		ID:            uuid.NewString(),
		HandlerName:   handlerName,
		Payload:       payload,
		Source:        source,
		Status:        JobStatusQueued,
		Attempts:      0,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Complete marks the job as completed
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as permanently failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Retryable reports whether the job has attempts remaining.
func (j *Job) Retryable() bool {
	return j.Attempts < j.MaxAttempts
}

// ScheduleRetry re-queues the job with exponential backoff: base delay
// doubled for each completed attempt (1s, 2s, 4s, ...). The failure reason
// is retained so operators can see why retries are happening.
func (j *Job) ScheduleRetry(base time.Duration, cause error) {
	now := time.Now().UTC()
	delay := base << (j.Attempts - 1)
	j.Status = JobStatusQueued
	j.Error = cause.Error()
	j.NextAttemptAt = now.Add(delay)
	j.UpdatedAt = now
}

// Requeue puts an interrupted job back on the queue without consuming an
// attempt slot beyond the one already counted. Used on graceful shutdown.
func (j *Job) Requeue() {
	now := time.Now().UTC()
	j.Status = JobStatusQueued
	j.NextAttemptAt = now
	j.UpdatedAt = now
}

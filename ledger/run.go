// Package ledger tracks analysis runs: one attempt-counted unit of work per
// (user, period), with storage-enforced single-writer claiming.
package ledger

import "time"

// Status represents the current state of an analysis run
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
// Only completed is terminal; failed runs remain claimable.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Claims (→ processing) are allowed from pending and failed only;
// completed and failed are reachable from processing only.
func (s Status) CanTransitionTo(next Status) bool {
	switch next {
	case StatusProcessing:
		return s == StatusPending || s == StatusFailed
	case StatusCompleted, StatusFailed:
		return s == StatusProcessing
	default:
		return false
	}
}

// Run is one attempt-tracked unit of analysis work for a single user over a
// single period. Runs are mutated only through Store operations; the struct
// itself is a read-only snapshot.
type Run struct {
	ID           string
	UserID       string
	Period       Period
	Status       Status
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

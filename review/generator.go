// Package review generates and persists AI-assisted spending reviews.
package review

import (
	"context"
	"sync"
	"time"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
)

// Input is the structured request handed to the content generator.
// Prompt assembly is the generator's concern, not the pipeline's.
type Input struct {
	UserID            string
	Period            ledger.Period
	Kind              string // "transactions" or "expenses"
	Model             string
	LastRecurSyncDate *time.Time
}

// Item is one derived line of a transaction review.
type Item struct {
	Merchant    string `json:"merchant"`
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note"`
}

// Output is the generator's structured result.
type Output struct {
	Summary string
	Items   []Item
}

// Generator is the opaque content-generation collaborator (LLM client).
// Calls may be slow - tens of seconds - and must be bounded by the caller's
// context deadline. Failures and timeouts surface as job failures and are
// retried by the queue.
type Generator interface {
	GenerateReview(ctx context.Context, input Input) (*Output, error)
}

// RateLimiter enforces max generator calls per sliding one-minute window.
// The zero limit disables limiting.
type RateLimiter struct {
	maxCallsPerMinute int
	window            time.Duration
	mu                sync.Mutex
	callTimes         []time.Time
	timeNow           func() time.Time // Injectable for testing
}

// NewRateLimiter creates a rate limiter with real time
func NewRateLimiter(maxCallsPerMinute int) *RateLimiter {
	return NewRateLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewRateLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewRateLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *RateLimiter {
	return &RateLimiter{
		maxCallsPerMinute: maxCallsPerMinute,
		window:            60 * time.Second,
		callTimes:         make([]time.Time, 0, max(maxCallsPerMinute, 1)),
		timeNow:           timeNow,
	}
}

// Allow checks if a call is allowed under the rate limit and records it.
// Returns an error if the limit is exceeded.
func (r *RateLimiter) Allow() error {
	if r.maxCallsPerMinute <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	cutoff := now.Add(-r.window)

	// Drop calls that have slid out of the window
	kept := r.callTimes[:0]
	for _, t := range r.callTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.callTimes = kept

	if len(r.callTimes) >= r.maxCallsPerMinute {
		return errors.Newf("generator rate limit exceeded: %d calls in the last minute (max %d)",
			len(r.callTimes), r.maxCallsPerMinute)
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// Stats returns calls made in the current window and calls remaining.
func (r *RateLimiter) Stats() (callsInWindow int, callsRemaining int) {
	if r.maxCallsPerMinute <= 0 {
		return 0, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.timeNow().Add(-r.window)
	count := 0
	for _, t := range r.callTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return count, max(r.maxCallsPerMinute-count, 0)
}

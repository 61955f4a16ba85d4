// Package ratelimit gates named operation categories with persisted token
// buckets, so the limit holds across separate process invocations.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Bucket is the persisted state of one category.
// Invariant: 0 <= Tokens <= Capacity.
type Bucket struct {
	Category     string    `json:"category"`
	Capacity     float64   `json:"capacity"`
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// newBucket starts full.
func newBucket(category string, capacity float64, now time.Time) Bucket {
	return Bucket{Category: category, Capacity: capacity, Tokens: capacity, LastRefillAt: now}
}

// refill adds elapsed*capacity/window tokens, capped at capacity. A capacity
// change in configuration clamps the stored tokens. Clock steps backwards
// add nothing.
func (b Bucket) refill(now time.Time, capacity float64, window time.Duration) Bucket {
	b.Capacity = capacity
	elapsed := now.Sub(b.LastRefillAt)
	if elapsed > 0 {
		b.Tokens += elapsed.Seconds() * capacity / window.Seconds()
		b.LastRefillAt = now
	}
	b.Tokens = clamp(b.Tokens, 0, b.Capacity)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	// ErrRateLimited is wrapped by *RateLimitError.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownCategory is returned by the configured-limit helpers.
	ErrUnknownCategory = errors.New("unknown rate limit category")
)

// RateLimitError is returned when a category has no token available. Callers
// back off for WaitHint.
type RateLimitError struct {
	Category string
	WaitHint time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: retry in %s", e.Category, e.WaitHint)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Reason is the machine-readable failure reason.
func (e *RateLimitError) Reason() string { return "RATE_LIMITED" }

// Decision is the outcome of one Check.
type Decision struct {
	Category  string        `json:"category"`
	Allowed   bool          `json:"allowed"`
	Remaining float64       `json:"remaining"`
	WaitHint  time.Duration `json:"wait_hint,omitempty"`
}

// Err returns nil when allowed, otherwise a *RateLimitError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Category: d.Category, WaitHint: d.WaitHint}
}

// Reason is the machine-readable outcome.
func (d Decision) Reason() string {
	if d.Allowed {
		return "ALLOWED"
	}
	return "RATE_LIMITED"
}

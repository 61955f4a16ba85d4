// Package lock provides named, host-wide advisory locks for task groups.
//
// Each key maps to a lock file under a directory; exclusion comes from
// flock(2), so every process on the host that uses the same directory is
// excluded. Ownership is mirrored into a Registry of LockRecords which keeps
// an append-style audit trail: one row per lock instance, whose status is
// updated exactly once when the instance ends.
//
// Invariant: at most one ACTIVE record exists per lock key.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a LockRecord.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusReleased      Status = "RELEASED"
	StatusTimeout       Status = "TIMEOUT"
	StatusForceReleased Status = "FORCE_RELEASED"
	StatusOrphanCleaned Status = "ORPHAN_CLEANED"
)

// Record is one lock instance.
type Record struct {
	ID         string     `json:"id"`
	LockID     string     `json:"lock_id"`
	GroupID    string     `json:"group_id"`
	OwnerPID   int        `json:"owner_pid"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	Status     Status     `json:"status"`
}

// Age returns how long the record has been held as of now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}

var (
	// ErrLockTimeout is returned (wrapped in *TimeoutError) when a lock could
	// not be obtained before its deadline.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrAlreadyHeld is returned when the same Manager acquires a key twice.
	ErrAlreadyHeld = errors.New("lock already held by this process")
	// ErrOrphanLock labels records reclaimed because their owner died.
	ErrOrphanLock = errors.New("orphan lock")
	// ErrEmptyKey is returned for an empty group id.
	ErrEmptyKey = errors.New("lock key is empty")
)

// TimeoutError reports a lock acquisition that ran out of time.
type TimeoutError struct {
	GroupID string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: group %q not acquired within %s", e.GroupID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }

// Reason is the machine-readable failure reason.
func (e *TimeoutError) Reason() string { return "LOCK_TIMEOUT" }

// IsTimeout reports whether err is a lock acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

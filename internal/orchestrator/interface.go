package orchestrator

import (
	"context"
	"time"

	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/conflict"
)

//go:generate mockgen -destination=mocks/mock_lockmanager.go -package=mocks github.com/mattjoyce/convoy/internal/orchestrator LockManager

// LockManager defines the lock operations used by the orchestrator.
type LockManager interface {
	Acquire(ctx context.Context, groupID string, timeout time.Duration) error
	Release(ctx context.Context, groupID string) error
}

// ConflictDetector defines the pre-flight check used by the orchestrator.
type ConflictDetector interface {
	DetectConflicts(ctx context.Context, phase string, groups []config.Group) (conflict.Result, error)
}

// LoadProbe returns the host load ratio (1-minute load average / CPUs).
type LoadProbe func() (float64, error)

package reaper

import (
	"context"

	"github.com/mattjoyce/convoy/internal/lock"
)

//go:generate mockgen -destination=mocks/mock_scanner.go -package=mocks github.com/mattjoyce/convoy/internal/reaper Scanner

// Scanner defines the lock scan used by the reaper.
type Scanner interface {
	ScanForDeadlocks(ctx context.Context) (lock.ScanReport, error)
}

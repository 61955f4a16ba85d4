package api

import (
	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/orchestrator"
	"github.com/mattjoyce/convoy/internal/ratelimit"
	"github.com/mattjoyce/convoy/internal/reaper"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	ActiveLocks   int            `json:"active_locks"`
	Reaper        *reaper.Status `json:"reaper,omitempty"`
}

// LocksResponse is returned by GET /locks.
type LocksResponse struct {
	Locks []lock.Record `json:"locks"`
}

// ExecutionsResponse is returned by GET /executions.
type ExecutionsResponse struct {
	Executions []orchestrator.ExecutionRecord `json:"executions"`
}

// AuditResponse is returned by GET /audit.
type AuditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

// BucketsResponse is returned by GET /ratelimits.
type BucketsResponse struct {
	Buckets []ratelimit.Bucket `json:"buckets"`
}

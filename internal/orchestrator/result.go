package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/convoy/internal/conflict"
)

// GroupResult is the outcome of one group.
type GroupResult struct {
	GroupID   string    `json:"group_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Err       error     `json:"-"`
}

// Result is the outcome of one phase execution. Groups are in input order.
type Result struct {
	ExecutionID     string              `json:"execution_id,omitempty"`
	Phase           string              `json:"phase"`
	Mode            Mode                `json:"mode"`
	Downgraded      bool                `json:"downgraded"`
	DowngradeReason string              `json:"downgrade_reason,omitempty"`
	Conflicts       []conflict.Conflict `json:"conflicts,omitempty"`
	Groups          []GroupResult       `json:"groups"`
	StartedAt       time.Time           `json:"started_at"`
	EndedAt         time.Time           `json:"ended_at"`
}

// Failed returns the groups that did not succeed.
func (r Result) Failed() []GroupResult {
	var out []GroupResult
	for _, g := range r.Groups {
		if g.Status != StatusSuccess {
			out = append(out, g)
		}
	}
	return out
}

// Err returns a *PartialFailureError when any group failed.
func (r Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	pe := &PartialFailureError{ExecutionID: r.ExecutionID, Phase: r.Phase, Total: len(r.Groups)}
	for _, g := range failed {
		pe.Failed = append(pe.Failed, g.GroupID)
		if g.Err != nil {
			pe.Errs = append(pe.Errs, g.Err)
		}
	}
	return pe
}

// Reason is the machine-readable outcome.
func (r Result) Reason() string {
	if len(r.Failed()) == 0 {
		return "SUCCESS"
	}
	return "PARTIAL_FAILURE"
}

// PartialFailureError reports the groups that failed in an execution.
type PartialFailureError struct {
	ExecutionID string
	Phase       string
	Failed      []string
	Total       int
	Errs        []error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d groups failed in phase %q: %s",
		len(e.Failed), e.Total, e.Phase, strings.Join(e.Failed, ", "))
}

func (e *PartialFailureError) Unwrap() []error { return e.Errs }

func (e *PartialFailureError) Reason() string { return "PARTIAL_FAILURE" }

// ProcessError describes a group process that failed, timed out, or could
// not be started.
type ProcessError struct {
	GroupID  string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("group %q: %s", e.GroupID, e.reason())
}

func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessFailure}
	}
	return []error{ErrProcessFailure, e.Err}
}

func (e *ProcessError) Reason() string {
	if e.TimedOut {
		return "TIMEOUT"
	}
	return "PROCESS_FAILURE"
}

func (e *ProcessError) reason() string {
	msg := fmt.Sprintf("exit status %d", e.ExitCode)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if tail := stderrTail(e.Stderr, stderrReasonBytes); tail != "" {
		msg += ": " + tail
	}
	return msg
}

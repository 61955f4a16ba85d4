// Package orchestrator runs the task groups of a phase, in parallel when the
// conflict detector and host load allow it and serially otherwise.
//
// Every group runs under its own lock and leaves a STARTED row followed by
// exactly one terminal row in the execution log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/conflict"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/log"
)

// Mode is how a phase's groups are executed.
type Mode string

const (
	ModeDirect   Mode = "DIRECT"
	ModeSerial   Mode = "SERIAL"
	ModeParallel Mode = "PARALLEL"
)

var (
	// ErrParallelRequired is returned when parallel execution was demanded
	// but the plan would have downgraded to serial.
	ErrParallelRequired = errors.New("parallel execution required but not safe")
	// ErrAborted is returned when a conflict matched a rule with action abort.
	ErrAborted = errors.New("execution aborted by conflict rule")
	// ErrProcessFailure is wrapped by ProcessError.
	ErrProcessFailure = errors.New("group process failed")
)

// stderrReasonBytes caps how much stderr tail is folded into a failure reason.
const stderrReasonBytes = 512

// Options configures an Orchestrator. Locks and Detector are required.
type Options struct {
	Locks    LockManager
	Detector ConflictDetector
	Runner   Runner
	Store    ExecutionStore
	Audit    audit.Sink
	Logger   *slog.Logger

	// LoadThreshold forces serial execution when the host load ratio exceeds
	// it. Zero disables the check.
	LoadThreshold float64
	Load          LoadProbe
	// MaxParallel bounds concurrent groups. Zero means one goroutine per group.
	MaxParallel int
	LockTimeout time.Duration
	Now         func() time.Time
}

// RunOptions are per-call execution switches.
type RunOptions struct {
	// RequireParallel turns any downgrade to serial into ErrParallelRequired.
	RequireParallel bool
}

// Orchestrator plans and runs phases.
type Orchestrator struct {
	locks         LockManager
	detector      ConflictDetector
	runner        Runner
	store         ExecutionStore
	audit         audit.Sink
	logger        *slog.Logger
	loadThreshold float64
	load          LoadProbe
	maxParallel   int
	lockTimeout   time.Duration
	now           func() time.Time
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock manager is nil")
	}
	if opts.Detector == nil {
		return nil, fmt.Errorf("conflict detector is nil")
	}
	if opts.LoadThreshold < 0 {
		return nil, config.Invalidf("load_threshold must be >= 0")
	}
	if opts.MaxParallel < 0 {
		return nil, config.Invalidf("max_parallel must be >= 0")
	}
	o := &Orchestrator{
		locks:         opts.Locks,
		detector:      opts.Detector,
		runner:        opts.Runner,
		store:         opts.Store,
		audit:         opts.Audit,
		logger:        opts.Logger,
		loadThreshold: opts.LoadThreshold,
		load:          opts.Load,
		maxParallel:   opts.MaxParallel,
		lockTimeout:   opts.LockTimeout,
		now:           opts.Now,
	}
	if o.logger == nil {
		o.logger = log.WithComponent("orchestrator")
	}
	if o.runner == nil {
		o.runner = &ProcessRunner{Logger: o.logger}
	}
	if o.store == nil {
		o.store = NewMemoryExecutionStore()
	}
	if o.audit == nil {
		o.audit = audit.Nop{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o, nil
}

// Decision explains a chosen Mode.
type Decision struct {
	Mode      Mode                `json:"mode"`
	Reason    string              `json:"reason"`
	Conflicts []conflict.Conflict `json:"conflicts,omitempty"`
	Load      float64             `json:"load,omitempty"`
}

// DecideExecutionMode picks DIRECT for a single group, SERIAL when groups
// conflict or the host is over the load threshold, PARALLEL otherwise.
func (o *Orchestrator) DecideExecutionMode(ctx context.Context, phase string, groups []config.Group) (Decision, error) {
	if err := checkGroups(groups); err != nil {
		return Decision{}, err
	}
	if len(groups) == 1 {
		return Decision{Mode: ModeDirect, Reason: "single group"}, nil
	}

	res, err := o.detector.DetectConflicts(ctx, phase, groups)
	if err != nil {
		return Decision{}, err
	}
	if !res.OK() {
		return Decision{
			Mode:      ModeSerial,
			Reason:    fmt.Sprintf("%d conflict(s) detected", len(res.Conflicts)),
			Conflicts: res.Conflicts,
		}, nil
	}

	if o.loadThreshold > 0 && o.load != nil {
		ratio, err := o.load()
		switch {
		case err != nil:
			o.logger.Debug("host load unavailable; ignoring threshold", "error", err)
		case ratio > o.loadThreshold:
			return Decision{
				Mode:   ModeSerial,
				Reason: fmt.Sprintf("host load %.2f above threshold %.2f", ratio, o.loadThreshold),
				Load:   ratio,
			}, nil
		default:
			return Decision{Mode: ModeParallel, Reason: "no conflicts", Load: ratio}, nil
		}
	}
	return Decision{Mode: ModeParallel, Reason: "no conflicts"}, nil
}

// ExecuteParallelGroups runs groups concurrently after a conflict pre-check.
// Conflicts downgrade the run to serial, unless opts.RequireParallel is set
// (ErrParallelRequired) or a matched rule says abort (ErrAborted); in both of
// those cases no group runs.
func (o *Orchestrator) ExecuteParallelGroups(ctx context.Context, phase string, groups []config.Group, opts RunOptions) (Result, error) {
	if err := checkGroups(groups); err != nil {
		return Result{}, err
	}
	res, err := o.detector.DetectConflicts(ctx, phase, groups)
	if err != nil {
		return Result{}, err
	}
	if res.OK() {
		return o.runParallel(ctx, phase, groups), nil
	}
	d := Decision{
		Mode:      ModeSerial,
		Reason:    fmt.Sprintf("%d conflict(s) detected", len(res.Conflicts)),
		Conflicts: res.Conflicts,
	}
	return o.downgrade(ctx, phase, groups, d, opts)
}

// ExecuteSerialGroups runs groups one at a time in input order. Each group
// completes (lock, run, release) before the next starts.
func (o *Orchestrator) ExecuteSerialGroups(ctx context.Context, phase string, groups []config.Group) (Result, error) {
	if err := checkGroups(groups); err != nil {
		return Result{}, err
	}
	return o.runSerial(ctx, phase, groups, ModeSerial), nil
}

// ExecuteWithStrategy decides the mode and dispatches to it.
func (o *Orchestrator) ExecuteWithStrategy(ctx context.Context, phase string, groups []config.Group, opts RunOptions) (Result, error) {
	d, err := o.DecideExecutionMode(ctx, phase, groups)
	if err != nil {
		return Result{}, err
	}
	o.logger.Info("execution mode decided", "phase", phase, "mode", d.Mode, "reason", d.Reason, "groups", len(groups))

	switch d.Mode {
	case ModeDirect:
		return o.runSerial(ctx, phase, groups, ModeDirect), nil
	case ModeParallel:
		return o.runParallel(ctx, phase, groups), nil
	default:
		return o.downgrade(ctx, phase, groups, d, opts)
	}
}

// downgrade handles a plan that cannot run in parallel.
func (o *Orchestrator) downgrade(ctx context.Context, phase string, groups []config.Group, d Decision, opts RunOptions) (Result, error) {
	refused := Result{Phase: phase, Mode: d.Mode, DowngradeReason: d.Reason, Conflicts: d.Conflicts}

	res := conflict.Result{Phase: phase, Conflicts: d.Conflicts}
	if c, ok := res.Aborting(); ok {
		o.logger.Error("conflict rule aborted execution",
			"phase", phase, "rule", c.Rule.Name, "group_a", c.GroupA, "group_b", c.GroupB)
		o.record(ctx, audit.Entry{
			Kind:  audit.KindAborted,
			Phase: phase,
			Fields: map[string]any{
				"rule":     c.Rule.Name,
				"severity": string(c.Rule.Severity),
				"group_a":  c.GroupA,
				"group_b":  c.GroupB,
				"path_a":   c.PathA,
				"path_b":   c.PathB,
				"type":     string(c.Type),
			},
		})
		return refused, fmt.Errorf("%w: rule %q matched %s (%s) vs %s (%s)",
			ErrAborted, c.Rule.Name, c.GroupA, c.PathA, c.GroupB, c.PathB)
	}

	if opts.RequireParallel {
		o.logger.Error("parallel execution refused", "phase", phase, "reason", d.Reason)
		o.record(ctx, audit.Entry{
			Kind:   audit.KindParallelRefused,
			Phase:  phase,
			Fields: map[string]any{"reason": d.Reason, "conflicts": len(d.Conflicts)},
		})
		return refused, fmt.Errorf("%w: %s", ErrParallelRequired, d.Reason)
	}

	if len(d.Conflicts) == 0 {
		o.record(ctx, audit.Entry{
			Kind:   audit.KindDowngrade,
			Phase:  phase,
			Fields: map[string]any{"reason": d.Reason, "load": d.Load},
		})
	}
	for _, c := range d.Conflicts {
		o.record(ctx, audit.Entry{
			Kind:  audit.KindDowngrade,
			Phase: phase,
			Fields: map[string]any{
				"group_a": c.GroupA,
				"group_b": c.GroupB,
				"type":    string(c.Type),
				"rule":    c.Rule.Name,
				"action":  string(c.Rule.Action),
			},
		})
	}
	o.logger.Warn("downgrading to serial execution", "phase", phase, "reason", d.Reason)

	out := o.runSerial(ctx, phase, groups, ModeSerial)
	out.Downgraded = true
	out.DowngradeReason = d.Reason
	out.Conflicts = d.Conflicts
	return out, nil
}

func (o *Orchestrator) runSerial(ctx context.Context, phase string, groups []config.Group, mode Mode) Result {
	out := o.newResult(phase, mode)
	out.Groups = make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			now := o.now()
			out.Groups = append(out.Groups, GroupResult{
				GroupID:   g.ID,
				Status:    StatusFailed,
				Reason:    "not started: " + err.Error(),
				StartedAt: now,
				EndedAt:   now,
				Err:       err,
			})
			continue
		}
		out.Groups = append(out.Groups, o.runGroup(ctx, out.ExecutionID, phase, g))
	}
	out.EndedAt = o.now()
	o.logCompletion(out)
	return out
}

// runParallel joins every group; one failure never cancels the others.
func (o *Orchestrator) runParallel(ctx context.Context, phase string, groups []config.Group) Result {
	out := o.newResult(phase, ModeParallel)
	out.Groups = make([]GroupResult, len(groups))

	n := o.maxParallel
	if n <= 0 || n > len(groups) {
		n = len(groups)
	}
	p := pool.New().WithMaxGoroutines(n)
	for i, g := range groups {
		p.Go(func() {
			out.Groups[i] = o.runGroup(ctx, out.ExecutionID, phase, g)
		})
	}
	p.Wait()

	out.EndedAt = o.now()
	o.logCompletion(out)
	return out
}

func (o *Orchestrator) newResult(phase string, mode Mode) Result {
	return Result{
		ExecutionID: uuid.NewString(),
		Phase:       phase,
		Mode:        mode,
		StartedAt:   o.now(),
	}
}

// runGroup holds the group's lock for the lifetime of its process.
func (o *Orchestrator) runGroup(ctx context.Context, executionID, phase string, g config.Group) GroupResult {
	logger := o.logger.With("phase", phase, "group_id", g.ID, "execution_id", executionID)
	gr := GroupResult{GroupID: g.ID, StartedAt: o.now()}

	if err := o.locks.Acquire(ctx, g.ID, o.lockTimeout); err != nil {
		gr.Status = StatusFailed
		gr.Err = err
		if errors.Is(err, lock.ErrLockTimeout) {
			gr.Reason = "lock timeout: " + err.Error()
		} else {
			gr.Reason = "lock error: " + err.Error()
		}
		logger.Warn("group not started", "reason", gr.Reason)
		o.append(ctx, executionID, phase, gr, StatusStarted)
		gr.EndedAt = o.now()
		o.finishGroup(ctx, executionID, phase, gr)
		return gr
	}
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), g.ID); err != nil {
			logger.Error("failed to release group lock", "error", err)
		}
	}()

	o.append(ctx, executionID, phase, gr, StatusStarted)
	logger.Info("group started")

	var run RunResult
	var pc panics.Catcher
	pc.Try(func() {
		run = o.runner.Run(ctx, Job{Phase: phase, ExecutionID: executionID, Group: g})
	})
	if r := pc.Recovered(); r != nil {
		logger.Error("runner panicked", "panic", r.Value, "stack", string(r.Stack))
		run = RunResult{ExitCode: -1, Err: fmt.Errorf("runner panic: %v", r.Value)}
	}

	gr.EndedAt = o.now()
	gr.Stderr = run.Stderr
	code := run.ExitCode
	gr.ExitCode = &code

	switch {
	case run.Err == nil && run.ExitCode == 0:
		gr.Status = StatusSuccess
	default:
		gr.Status = StatusFailed
		perr := &ProcessError{GroupID: g.ID, ExitCode: run.ExitCode, Stderr: run.Stderr, TimedOut: run.TimedOut, Err: run.Err}
		gr.Err = perr
		gr.Reason = perr.reason()
	}
	o.finishGroup(ctx, executionID, phase, gr)
	return gr
}

func (o *Orchestrator) finishGroup(ctx context.Context, executionID, phase string, gr GroupResult) {
	o.append(ctx, executionID, phase, gr, gr.Status)

	logger := o.logger.With("phase", phase, "group_id", gr.GroupID, "execution_id", executionID)
	if gr.Status == StatusSuccess {
		logger.Info("group completed", "duration", gr.EndedAt.Sub(gr.StartedAt).String())
	} else {
		logger.Warn("group failed", "reason", gr.Reason)
	}

	fields := map[string]any{
		"execution_id": executionID,
		"status":       string(gr.Status),
		"duration":     gr.EndedAt.Sub(gr.StartedAt).String(),
	}
	if gr.Reason != "" {
		fields["reason"] = gr.Reason
	}
	if gr.ExitCode != nil {
		fields["exit_code"] = *gr.ExitCode
	}
	o.record(ctx, audit.Entry{Kind: audit.KindExecution, Phase: phase, GroupID: gr.GroupID, Fields: fields})
}

func (o *Orchestrator) append(ctx context.Context, executionID, phase string, gr GroupResult, status Status) {
	rec := ExecutionRecord{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Phase:       phase,
		GroupID:     gr.GroupID,
		Status:      status,
		StartedAt:   gr.StartedAt,
		RecordedAt:  o.now(),
	}
	if status != StatusStarted {
		rec.Reason = gr.Reason
		rec.ExitCode = gr.ExitCode
		ended := gr.EndedAt
		rec.EndedAt = &ended
	}
	if err := o.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("failed to append execution record", "group_id", gr.GroupID, "status", status, "error", err)
	}
}

func (o *Orchestrator) logCompletion(r Result) {
	failed := r.Failed()
	logger := o.logger.With("phase", r.Phase, "execution_id", r.ExecutionID, "mode", r.Mode)
	if len(failed) == 0 {
		logger.Info("phase completed", "groups", len(r.Groups), "duration", r.EndedAt.Sub(r.StartedAt).String())
		return
	}
	logger.Warn("phase completed with failures", "groups", len(r.Groups), "failed", len(failed))
}

func (o *Orchestrator) record(ctx context.Context, e audit.Entry) {
	if err := o.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Error("failed to write audit entry", "kind", e.Kind, "error", err)
	}
}

// checkGroups rejects plans that cannot start: no groups, missing or
// duplicate ids.
func checkGroups(groups []config.Group) error {
	if len(groups) == 0 {
		return config.Invalidf("no groups to execute")
	}
	var bad []string
	seen := make(map[string]bool, len(groups))
	for i, g := range groups {
		switch {
		case g.ID == "":
			bad = append(bad, fmt.Sprintf("groups[%d]: id is required", i))
		case seen[g.ID]:
			bad = append(bad, fmt.Sprintf("group %q: duplicate id", g.ID))
		}
		seen[g.ID] = true
	}
	if len(bad) > 0 {
		return &config.ConfigurationError{Problems: bad}
	}
	return nil
}

// stderrTail returns the last n bytes of s, trimmed.
func stderrTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

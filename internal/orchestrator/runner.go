package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/convoy/internal/config"
)

const (
	// maxStderrBytes caps the stderr tail kept from a group process.
	maxStderrBytes = 64 * 1024

	// DefaultKillGrace is the time we wait after SIGTERM before sending SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// DefaultGroupTimeout bounds a group process that declares no timeout.
	DefaultGroupTimeout = 30 * time.Minute
)

// Job is one group process to run.
type Job struct {
	Phase       string
	ExecutionID string
	Group       config.Group
}

// RunResult is what a Runner observed. Err is set when the process could not
// be started or waited on; a non-zero exit is reported through ExitCode only.
type RunResult struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

// Runner executes a group's command and waits for it.
type Runner interface {
	Run(ctx context.Context, job Job) RunResult
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) RunResult

func (f RunnerFunc) Run(ctx context.Context, job Job) RunResult { return f(ctx, job) }

// ProcessRunner spawns each group command in its own process group.
type ProcessRunner struct {
	// Timeout applies when the group sets none.
	Timeout   time.Duration
	KillGrace time.Duration
	// Stdout receives group stdout. Nil discards it. Concurrent groups
	// share it; writes are serialized.
	Stdout io.Writer
	Logger *slog.Logger

	outMu sync.Mutex
}

// Run starts the command and enforces the timeout itself: on expiry (or ctx
// cancellation) the whole process group gets SIGTERM, then SIGKILL after the
// grace period.
func (r *ProcessRunner) Run(ctx context.Context, job Job) RunResult {
	g := job.Group
	if len(g.Command) == 0 {
		return RunResult{ExitCode: -1, Err: fmt.Errorf("group %q has no command", g.ID)}
	}
	logger := r.logger().With("phase", job.Phase, "group_id", g.ID, "execution_id", job.ExecutionID)

	timeout := g.Timeout.Std()
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is escalated by hand below.
	cmd := exec.Command(g.Command[0], g.Command[1:]...)
	cmd.Dir = g.Dir
	cmd.Env = jobEnv(job)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stderr := &tailBuffer{max: maxStderrBytes}
	cmd.Stdout = io.Discard
	if r.Stdout != nil {
		cmd.Stdout = &lockedWriter{mu: &r.outMu, w: r.Stdout}
	}
	cmd.Stderr = stderr

	logger.Debug("spawning group process", "command", g.Command, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1, Err: fmt.Errorf("start process: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause string
	select {
	case err := <-waitErr:
		return finish(logger, err, stderr.String(), false)
	case <-timeoutTimer.C:
		cause = "timeout"
	case <-ctx.Done():
		cause = "cancelled"
	}

	logger.Warn("group process "+cause+", sending SIGTERM", "pid", cmd.Process.Pid)
	if err := signalGroup(cmd.Process.Pid, unix.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	var err error
	select {
	case err = <-waitErr:
		logger.Info("group process exited after SIGTERM")
	case <-graceTimer.C:
		logger.Warn("group process did not exit after SIGTERM, sending SIGKILL")
		if kerr := signalGroup(cmd.Process.Pid, unix.SIGKILL); kerr != nil {
			logger.Error("failed to send SIGKILL", "error", kerr)
		}
		err = <-waitErr
	}

	res := finish(logger, err, stderr.String(), true)
	if res.Err == nil {
		if cause == "timeout" {
			res.Err = fmt.Errorf("group %q exceeded timeout %s: %w", g.ID, timeout, context.DeadlineExceeded)
		} else {
			res.Err = fmt.Errorf("group %q: %w", g.ID, context.Cause(ctx))
		}
	}
	return res
}

func (r *ProcessRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With("component", "runner")
}

func finish(logger *slog.Logger, err error, stderr string, timedOut bool) RunResult {
	res := RunResult{Stderr: stderr, TimedOut: timedOut}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if !timedOut {
			logger.Warn("group process exited with non-zero status", "exit_code", res.ExitCode)
		}
		return res
	}
	res.ExitCode = -1
	res.Err = fmt.Errorf("wait for process: %w", err)
	return res
}

// signalGroup signals the process group led by pid, falling back to the
// process itself if the group is already gone.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return unix.Kill(pid, sig)
	}
	return nil
}

// lockedWriter serializes writes from the stdout copiers of concurrent
// processes.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func jobEnv(job Job) []string {
	env := os.Environ()
	keys := make([]string, 0, len(job.Group.Env))
	for k := range job.Group.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+job.Group.Env[k])
	}
	return append(env,
		"CONVOY_PHASE="+job.Phase,
		"CONVOY_GROUP_ID="+job.Group.ID,
		"CONVOY_EXECUTION_ID="+job.ExecutionID,
	)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/conflict"
	"github.com/mattjoyce/convoy/internal/orchestrator"
)

// Exit codes beyond 0 (success) and 1 (failure).
const (
	exitConfig    = 2
	exitConflicts = 3
	exitRefused   = 4
	exitAborted   = 5
)

// exitCodeFor maps coordination errors onto exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	case errors.Is(err, orchestrator.ErrParallelRequired):
		return exitRefused
	case errors.Is(err, orchestrator.ErrAborted):
		return exitAborted
	}
	return 1
}

type detectOutput struct {
	conflict.Result
	Reason string `json:"reason"`
}

func (a *app) newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <phase>",
		Short: "Report path conflicts between the groups of a phase",
		Long:  "Compares every pair of groups in the phase. Exits 3 when any conflict is found.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()

			groups, err := s.phaseGroups(args[0])
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			res, err := s.detector.DetectConflicts(cmd.Context(), args[0], groups)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}

			if a.jsonOut() {
				if err := a.printJSON(detectOutput{Result: res, Reason: res.Reason()}); err != nil {
					return err
				}
			} else {
				renderConflicts(a, res.Conflicts)
				for _, smell := range res.Smells {
					fmt.Fprintf(a.stdout, "%s %s\n", warnStyle.Render("WARN"), smell)
				}
			}
			if !res.OK() {
				return withExitCode(exitConflicts, nil)
			}
			return nil
		},
	}
}

func renderConflicts(a *app, conflicts []conflict.Conflict) {
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			c.GroupA, c.PathA, c.GroupB, c.PathB, string(c.Type),
			c.Rule.Name, string(c.Rule.Severity), string(c.Rule.Action),
		})
	}
	renderTable(a.stdout, "No conflicts.",
		[]string{"GROUP A", "PATH A", "GROUP B", "PATH B", "OVERLAP", "RULE", "SEVERITY", "ACTION"}, rows)
}

func (a *app) newRecommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <phase>",
		Short: "Print the execution mode convoy would choose for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()

			groups, err := s.phaseGroups(args[0])
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			d, err := s.orch.DecideExecutionMode(cmd.Context(), args[0], groups)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			if a.jsonOut() {
				return a.printJSON(d)
			}
			fmt.Fprintf(a.stdout, "%s: %s\n", statusStyle(string(d.Mode)), d.Reason)
			if len(d.Conflicts) > 0 {
				renderConflicts(a, d.Conflicts)
			}
			return nil
		},
	}
}

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <phase>",
		Short: "Run every group of a phase under the chosen execution mode",
		Long: `Decides DIRECT, PARALLEL or SERIAL for the phase and runs each group's
command while holding its lock. Conflicting phases are downgraded to serial
unless --require-parallel is set, in which case nothing runs.

Exit codes: 1 group failure, 2 configuration error, 4 parallel refused,
5 aborted by a conflict rule.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupOut := a.stdout
			if a.jsonOut() {
				groupOut = a.stderr
			}
			s, err := a.openStack(ctx, groupOut)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			// Cancellation on SIGINT/SIGTERM stops group processes; each
			// group releases its lock as it unwinds.
			defer s.Close()

			phase := args[0]
			groups, err := s.phaseGroups(phase)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}

			opts := orchestrator.RunOptions{
				RequireParallel: a.v.GetBool("require-parallel") || s.cfg.Orchestrator.RequireParallel,
			}
			var res orchestrator.Result
			if a.v.GetBool("serial") {
				res, err = s.orch.ExecuteSerialGroups(ctx, phase, groups)
			} else {
				res, err = s.orch.ExecuteWithStrategy(ctx, phase, groups, opts)
			}
			if err != nil {
				if a.jsonOut() {
					_ = a.printJSON(map[string]any{"result": res, "reason": reasonOf(err), "error": err.Error()})
				}
				return withExitCode(exitCodeFor(err), err)
			}

			if a.jsonOut() {
				if err := a.printJSON(map[string]any{"result": res, "reason": res.Reason()}); err != nil {
					return err
				}
			} else {
				renderRunResult(a, res)
			}
			if err := res.Err(); err != nil {
				return withExitCode(1, err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("require-parallel", false, "fail instead of downgrading to serial")
	cmd.Flags().Bool("serial", false, "skip mode selection and run groups one at a time")
	cmd.MarkFlagsMutuallyExclusive("require-parallel", "serial")
	return cmd
}

// reasonOf extracts a machine-readable reason from err when it carries one.
func reasonOf(err error) string {
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		return r.Reason()
	}
	switch {
	case errors.Is(err, orchestrator.ErrParallelRequired):
		return "PARALLEL_REQUIRED"
	case errors.Is(err, orchestrator.ErrAborted):
		return "ABORTED"
	}
	return "ERROR"
}

func renderRunResult(a *app, res orchestrator.Result) {
	mode := statusStyle(string(res.Mode))
	if res.Downgraded {
		fmt.Fprintf(a.stdout, "mode: %s (downgraded: %s)\n", mode, res.DowngradeReason)
	} else {
		fmt.Fprintf(a.stdout, "mode: %s\n", mode)
	}
	rows := make([][]string, 0, len(res.Groups))
	for _, g := range res.Groups {
		code := "-"
		if g.ExitCode != nil {
			code = strconv.Itoa(*g.ExitCode)
		}
		rows = append(rows, []string{
			g.GroupID, statusStyle(string(g.Status)), code,
			g.EndedAt.Sub(g.StartedAt).Round(time.Millisecond).String(), firstLine(g.Reason),
		})
	}
	renderTable(a.stdout, "No groups ran.", []string{"GROUP", "STATUS", "EXIT", "DURATION", "REASON"}, rows)
	fmt.Fprintf(a.stdout, "%s execution %s\n", statusStyle(res.Reason()), res.ExecutionID)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}

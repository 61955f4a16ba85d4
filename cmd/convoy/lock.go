package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/lock"
)

const exitLockTimeout = 6

func (a *app) newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage group locks",
	}
	cmd.AddCommand(
		a.newLockAcquireCmd(),
		a.newLockReleaseCmd(),
		a.newLockListCmd(),
		a.newLockScanCmd(),
		a.newLockResetCmd(),
	)
	return cmd
}

func (a *app) newLockAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire <group> -- <command> [args...]",
		Short: "Hold a group lock while running a command",
		Long: `Blocks until the group's lock is free (up to --timeout), runs the command,
then releases the lock. The command's exit status is returned. Exits 6 when
the lock could not be acquired in time.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 || len(args) < 2 {
				return errors.New("usage: convoy lock acquire <group> -- <command> [args...]")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStack(ctx, a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			stop := s.locks.GuardExit(ctx)
			defer stop()

			groupID := args[0]
			if err := s.locks.Acquire(ctx, groupID, a.v.GetDuration("timeout")); err != nil {
				if lock.IsTimeout(err) {
					return withExitCode(exitLockTimeout, err)
				}
				return err
			}
			defer func() { _ = s.locks.Release(ctx, groupID) }()

			child := exec.CommandContext(ctx, args[1], args[2:]...)
			child.Stdin = os.Stdin
			child.Stdout = a.stdout
			child.Stderr = a.stderr
			child.Env = append(os.Environ(), "CONVOY_GROUP_ID="+groupID)
			if err := child.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return withExitCode(exitErr.ExitCode(), nil)
				}
				return fmt.Errorf("run %s: %w", args[1], err)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "acquire timeout (default: locks.acquire_timeout)")
	return cmd
}

func (a *app) newLockReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <group>",
		Short: "Force release a group's lock, even if its owner is alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			n, err := s.locks.ForceRelease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(map[string]any{"group_id": args[0], "released": n})
			}
			fmt.Fprintf(a.stdout, "Released %d record(s) for %s.\n", n, args[0])
			return nil
		},
	}
}

func (a *app) newLockListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lock records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()

			f := lock.Filter{
				GroupID: a.v.GetString("group"),
				Limit:   a.v.GetInt("limit"),
			}
			if a.v.GetBool("active") {
				f.Status = lock.StatusActive
			}
			recs, err := s.locks.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(recs)
			}
			renderLocks(a, recs, time.Now().UTC())
			return nil
		},
	}
	cmd.Flags().String("group", "", "only this group")
	cmd.Flags().Bool("active", false, "only ACTIVE records")
	cmd.Flags().Int("limit", 50, "maximum records")
	return cmd
}

func renderLocks(a *app, recs []lock.Record, now time.Time) {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		released := "-"
		if r.ReleasedAt != nil {
			released = r.ReleasedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			r.GroupID, statusStyle(string(r.Status)), strconv.Itoa(r.OwnerPID),
			r.AcquiredAt.Local().Format(time.DateTime), released,
			r.Age(now).Round(time.Second).String(),
		})
	}
	renderTable(a.stdout, "No lock records.", []string{"GROUP", "STATUS", "PID", "ACQUIRED", "RELEASED", "AGE"}, rows)
}

func (a *app) newLockScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Reclaim locks abandoned by dead processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			report, err := s.locks.ScanForDeadlocks(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(report)
			}
			fmt.Fprintf(a.stdout, "Scanned %d lock(s): %d reclaimed, %d stale.\n",
				report.Scanned, len(report.Reclaimed), len(report.Stale))
			now := time.Now().UTC()
			if len(report.Reclaimed) > 0 {
				renderLocks(a, report.Reclaimed, now)
			}
			if len(report.Stale) > 0 {
				fmt.Fprintln(a.stdout, warnStyle.Render("Held past max_lock_age by live processes:"))
				renderLocks(a, report.Stale, now)
			}
			return nil
		},
	}
}

func (a *app) newLockResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Force release every lock (operator recovery)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.v.GetBool("yes") {
				return errors.New("reset releases locks held by live processes; pass --yes to confirm")
			}
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			n, err := s.locks.Reset(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(map[string]any{"released": n})
			}
			fmt.Fprintf(a.stdout, "Released %d lock record(s).\n", n)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm releasing every lock")
	return cmd
}

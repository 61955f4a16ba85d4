package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/ratelimit"
)

const exitRateLimited = 7

func (a *app) newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Take tokens from shared operation buckets",
		Long: `Buckets are per category and persisted in the state database, so every
convoy process on the host shares them. Capacity and window come from
rate_limits in the config unless both --capacity and --window are given.
Exits 7 when no token was available.`,
	}
	cmd.PersistentFlags().Int("capacity", 0, "bucket capacity (overrides config)")
	cmd.PersistentFlags().Duration("window", 0, "refill window (overrides config)")

	check := &cobra.Command{
		Use:   "check <category>",
		Short: "Take one token if available, without waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.takeToken(cmd.Context(), args[0], 1)
		},
	}

	wait := &cobra.Command{
		Use:   "wait <category>",
		Short: "Take one token, sleeping between attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.takeToken(cmd.Context(), args[0], a.v.GetInt("attempts"))
		},
	}
	wait.Flags().Int("attempts", 5, "maximum attempts")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show persisted bucket state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			buckets, err := s.limiter.Buckets(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(buckets)
			}
			rows := make([][]string, 0, len(buckets))
			for _, b := range buckets {
				rows = append(rows, []string{
					b.Category,
					fmt.Sprintf("%.2f", b.Tokens),
					fmt.Sprintf("%.0f", b.Capacity),
					b.LastRefillAt.Local().Format(time.DateTime),
				})
			}
			renderTable(a.stdout, "No buckets.", []string{"CATEGORY", "TOKENS", "CAPACITY", "LAST REFILL"}, rows)
			return nil
		},
	}

	cmd.AddCommand(check, wait, list)
	return cmd
}

func (a *app) takeToken(ctx context.Context, category string, attempts int) error {
	s, err := a.openStack(ctx, a.stderr)
	if err != nil {
		return withExitCode(exitCodeFor(err), err)
	}
	defer s.Close()

	capacity, window := a.v.GetInt("capacity"), a.v.GetDuration("window")
	var d ratelimit.Decision
	if capacity > 0 && window > 0 {
		d, err = s.limiter.WaitForRateLimit(ctx, category, capacity, window, attempts)
	} else {
		d, err = s.limiter.WaitConfigured(ctx, category, attempts)
	}
	if d.Category == "" {
		d.Category = category
	}

	if a.jsonOut() {
		if jerr := a.printJSON(map[string]any{"decision": d, "reason": d.Reason()}); jerr != nil {
			return jerr
		}
	} else if d.Allowed {
		fmt.Fprintf(a.stdout, "%s %s (%.2f remaining)\n", okStyle.Render("ALLOWED"), category, d.Remaining)
	} else if errors.Is(err, ratelimit.ErrRateLimited) {
		fmt.Fprintf(a.stdout, "%s %s (retry in %s)\n", failStyle.Render("RATE_LIMITED"), category, d.WaitHint)
	}

	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return withExitCode(exitRateLimited, nil)
		}
		return withExitCode(exitCodeFor(err), err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/api"
	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/log"
	"github.com/mattjoyce/convoy/internal/reaper"
)

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deadlock reaper and, when enabled, the status API",
		Long: `Scans for abandoned locks every locks.scan_interval and serves the status
API when api.enabled is set or --listen is given. Rate limits are reloaded
when the config files change; other settings need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.openStack(ctx, a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()
			return a.serve(ctx, s)
		},
	}
	cmd.Flags().String("listen", "", "serve the status API on this address (overrides api.listen)")
	cmd.Flags().Duration("jitter", 0, "random delay added to each scan interval")
	return cmd
}

func (a *app) serve(ctx context.Context, s *stack) error {
	logger := log.WithComponent("serve")

	interval := s.cfg.Locks.ScanInterval.Std()
	if interval <= 0 {
		interval = reaper.DefaultInterval
	}
	r := reaper.New(s.locks, interval, a.v.GetDuration("jitter"), s.hub, log.WithComponent("reaper"))
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	if w, err := config.NewWatcher(s.cfg.SourceFiles[0], s.cfg.SourceFiles); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else if err := w.Start(); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer w.Stop()
		go a.applyReloads(ctx, s, w.Reloads)
	}

	listen := a.v.GetString("listen")
	if listen == "" && s.cfg.API.Enabled {
		listen = s.cfg.API.Listen
	}
	if listen == "" {
		logger.Info("convoy serving (API disabled)", "scan_interval", interval)
		<-ctx.Done()
		return nil
	}

	srv := api.New(api.Config{Listen: listen, Token: s.cfg.API.Token}, api.Deps{
		Locks:      s.locks,
		Executions: s.executions,
		Audit:      s.audit,
		Buckets:    s.limiter,
		Reaper:     r,
		Events:     s.hub,
	}, log.WithComponent("api"))
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}

// applyReloads pushes reloaded rate limits into the running limiter.
func (a *app) applyReloads(ctx context.Context, s *stack, reloads <-chan config.Reload) {
	logger := log.WithComponent("serve")
	for {
		select {
		case <-ctx.Done():
			return
		case rl, ok := <-reloads:
			if !ok {
				return
			}
			if rl.Err != nil {
				logger.Error("config reload rejected; keeping previous settings", "error", rl.Err)
				continue
			}
			s.limiter.SetLimits(rl.Config.RateLimits)
			s.hub.Publish("config.reloaded", map[string]any{
				"at":          time.Now().UTC(),
				"rate_limits": len(rl.Config.RateLimits),
			})
			logger.Info("config reloaded", "rate_limits", len(rl.Config.RateLimits))
		}
	}
}

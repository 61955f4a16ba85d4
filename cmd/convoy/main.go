package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app is the state shared by every command for one invocation.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "convoy",
		Short:         "Coordinate parallel task groups over shared files",
		Long:          "Convoy decides whether the groups of a phase can run in parallel, holds per-group file locks while they run, and rate limits shared operations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.v.SetEnvPrefix("CONVOY")
			a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			a.v.AutomaticEnv()
			return a.v.BindPFlags(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file or directory (default: discovered)")
	pf.String("log-level", "", "override log.level")
	pf.String("log-format", "", "override log.format (json|text)")
	pf.String("root", "", "repository root that group paths are relative to (default: working directory)")
	pf.Bool("json", false, "structured JSON output")

	root.AddCommand(
		a.newDetectCmd(),
		a.newRecommendCmd(),
		a.newRunCmd(),
		a.newLockCmd(),
		a.newRateLimitCmd(),
		a.newConfigCmd(),
		a.newDoctorCmd(),
		a.newServeCmd(),
		a.newWatchCmd(),
		a.newAuditCmd(),
		a.newVersionCmd(),
	)
	return root
}

// loadConfig resolves, loads and caches the configuration, then sets up
// logging from it and any flag overrides.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	path := a.v.GetString("config")
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := a.v.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	a.cfg = cfg
	return cfg, nil
}

func (a *app) root() string {
	return a.v.GetString("root")
}

func (a *app) jsonOut() bool {
	return a.v.GetBool("json")
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("render JSON: %w", err)
	}
	fmt.Fprintln(a.stdout, string(data))
	return nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func currentVersionInfo() versionInfo {
	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "unknown" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "unknown" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	return info
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			info := currentVersionInfo()
			if a.jsonOut() {
				return a.printJSON(info)
			}
			fmt.Fprintf(a.stdout, "convoy %s\n", info.Version)
			fmt.Fprintf(a.stdout, "commit: %s\n", info.Commit)
			fmt.Fprintf(a.stdout, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
}

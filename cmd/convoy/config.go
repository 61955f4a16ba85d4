package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/doctor"
)

func (a *app) configPath() (string, error) {
	if p := a.v.GetString("config"); p != "" {
		return p, nil
	}
	return config.Discover()
}

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and inspect configuration",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration (exit 1 invalid, 2 warnings)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDoctor(cmd)
		},
	}

	lock := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for the config and its includes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			files, err := config.DiscoverFiles(path)
			if err != nil {
				return err
			}
			dryRun := a.v.GetBool("dry-run")
			reports, err := config.LockFiles(files, dryRun)
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(reports)
			}
			for _, r := range reports {
				verb := "Wrote"
				if !r.Written {
					verb = "Would write"
				}
				fmt.Fprintf(a.stdout, "%s %s\n", verb, r.ChecksumPath)
				for _, f := range r.Files {
					fmt.Fprintf(a.stdout, "  %s  %s\n", f.Hash, f.Filename)
				}
			}
			return nil
		},
	}
	lock.Flags().Bool("dry-run", false, "compute hashes without writing")

	show := &cobra.Command{
		Use:   "show [path]",
		Short: "Print the resolved config, or one value by path (locks.max_lock_age, phase:build, group:build/api)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			var out any = cfg
			if len(args) == 1 {
				out, err = cfg.GetPath(args[0])
				if err != nil {
					return err
				}
			}
			if a.jsonOut() {
				return a.printJSON(out)
			}
			data, err := yaml.Marshal(out)
			if err != nil {
				return fmt.Errorf("render YAML: %w", err)
			}
			fmt.Fprint(a.stdout, string(data))
			return nil
		},
	}

	cmd.AddCommand(check, lock, show)
	return cmd
}

func (a *app) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, state location and phase overlaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDoctor(cmd)
		},
	}
}

func (a *app) runDoctor(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}
	result := doctor.New(cfg, a.root()).Validate(cmd.Context())

	if a.jsonOut() {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, out)
	} else {
		fmt.Fprint(a.stdout, doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return withExitCode(1, nil)
	case len(result.Warnings) > 0:
		return withExitCode(2, nil)
	}
	return nil
}

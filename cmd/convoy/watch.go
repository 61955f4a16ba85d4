package main

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/tui/watch"
)

func (a *app) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of held locks and coordination events from a running convoy serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			url := a.v.GetString("url")
			if url == "" {
				url = cfg.API.Listen
			}
			if !strings.Contains(url, "://") {
				url = "http://" + url
			}
			token := a.v.GetString("token")
			if token == "" {
				token = cfg.API.Token
			}

			p := tea.NewProgram(watch.New(url, token),
				tea.WithContext(cmd.Context()),
				tea.WithOutput(a.stdout),
			)
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "", "status API address (default: api.listen)")
	cmd.Flags().String("token", "", "bearer token (default: api.token)")
	return cmd
}

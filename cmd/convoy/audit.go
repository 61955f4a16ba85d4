package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/convoy/internal/audit"
)

func (a *app) newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the coordination audit trail",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStack(cmd.Context(), a.stderr)
			if err != nil {
				return withExitCode(exitCodeFor(err), err)
			}
			defer s.Close()

			f := audit.ListFilter{
				Kind:  audit.Kind(a.v.GetString("kind")),
				Phase: a.v.GetString("phase"),
				Limit: a.v.GetInt("limit"),
			}
			if since := a.v.GetDuration("since"); since > 0 {
				f.Since = time.Now().UTC().Add(-since)
			}
			entries, err := s.audit.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOut() {
				return a.printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.At.Local().Format(time.DateTime), string(e.Kind), e.Phase, e.GroupID, formatFields(e.Fields),
				})
			}
			renderTable(a.stdout, "No audit entries.", []string{"AT", "KIND", "PHASE", "GROUP", "DETAIL"}, rows)
			return nil
		},
	}
	list.Flags().String("kind", "", "only entries of this kind (downgrade, lock_timeout, ...)")
	list.Flags().String("phase", "", "only entries for this phase")
	list.Flags().Duration("since", 0, "only entries newer than this")
	list.Flags().Int("limit", 50, "maximum entries")

	cmd.AddCommand(list)
	return cmd
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

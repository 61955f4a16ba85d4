package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AF00"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF00"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D70000"))
)

// renderTable writes rows under headers. An empty table prints empty instead.
func renderTable(w io.Writer, empty string, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

// statusStyle colours a status word by outcome.
func statusStyle(status string) string {
	switch status {
	case "SUCCESS", "RELEASED", "PARALLEL", "DIRECT", "ok":
		return okStyle.Render(status)
	case "SERIAL", "TIMEOUT", "ORPHAN_CLEANED", "ACTIVE", "degraded":
		return warnStyle.Render(status)
	case "FAILED", "FORCE_RELEASED", "PARTIAL_FAILURE":
		return failStyle.Render(status)
	}
	return status
}

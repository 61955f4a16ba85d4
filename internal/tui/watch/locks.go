package watch

import (
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/convoy/internal/lock"
)

func newLocksTable() table.Model {
	t := table.New(
		table.WithColumns(lockColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("24")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// lockColumns gives the group column whatever width the fixed columns leave.
func lockColumns(width int) []table.Column {
	group := max(width-8-10-10-12-12, 12)
	return []table.Column{
		{Title: "GROUP", Width: group},
		{Title: "PID", Width: 8},
		{Title: "AGE", Width: 10},
		{Title: "LOCK", Width: 10},
		{Title: "ACQUIRED", Width: 12},
	}
}

// lockRows orders records oldest first so long holders stay at the top.
func lockRows(recs []lock.Record, now time.Time) []table.Row {
	sorted := append([]lock.Record(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AcquiredAt.Before(sorted[j].AcquiredAt)
	})
	rows := make([]table.Row, 0, len(sorted))
	for _, r := range sorted {
		rows = append(rows, table.Row{
			r.GroupID,
			strconv.Itoa(r.OwnerPID),
			formatDuration(r.Age(now)),
			shortID(r.LockID),
			r.AcquiredAt.Local().Format("15:04:05"),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderLocks(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("ACTIVE LOCKS")
	if count == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  No locks held.")))
	}
	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4
	title := theme.Title.Render("EVENT STREAM")

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  Waiting for events...")))
	}

	lines := make([]string, 0, rows)
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	kind := kindStyle(e.Kind, theme).Render(fmt.Sprintf("%-18s", e.Kind))
	return fmt.Sprintf("%s %s %s", ts, kind, describeEvent(e))
}

func kindStyle(kind string, theme Theme) lipgloss.Style {
	switch audit.Kind(kind) {
	case audit.KindLockAcquired:
		return theme.StatusRunning
	case audit.KindLockReleased:
		return theme.StatusOK
	case audit.KindConflict, audit.KindDowngrade, audit.KindStaleLock, audit.KindRateLimited:
		return theme.StatusWarn
	case audit.KindLockTimeout, audit.KindAborted, audit.KindParallelRefused,
		audit.KindOrphanCleaned, audit.KindForceRelease:
		return theme.StatusFailed
	}
	if strings.HasPrefix(kind, "reaper.") || strings.HasPrefix(kind, "scan.") {
		return theme.Highlight
	}
	return theme.Dim
}

// describeEvent summarises a payload. Audit entries show phase, group and
// status fields; other payloads fall back to truncated JSON.
func describeEvent(e events.Event) string {
	var entry audit.Entry
	if err := json.Unmarshal(e.Data, &entry); err == nil && entry.Kind != "" {
		var parts []string
		if entry.Phase != "" {
			parts = append(parts, entry.Phase)
		}
		if entry.GroupID != "" {
			parts = append(parts, "["+entry.GroupID+"]")
		}
		for _, k := range []string{"mode", "status", "reason", "group_b"} {
			if v, ok := entry.Fields[k]; ok {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}

	var rec struct {
		GroupID string `json:"group_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(e.Data, &rec); err == nil && rec.GroupID != "" {
		return fmt.Sprintf("[%s] %s", rec.GroupID, rec.Status)
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

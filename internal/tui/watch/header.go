package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/convoy/internal/reaper"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	ActiveLocks   int
	Reaper        *reaper.Status
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(h HealthState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	status := theme.StatusOK.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = theme.StatusFailed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.StatusWarn.Render("DEGRADED")
	}

	title := " CONVOY WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	stats := fmt.Sprintf(" %s  up %s  active locks: %d",
		status, formatDuration(time.Duration(h.UptimeSeconds)*time.Second), h.ActiveLocks)

	reaperLine := " reaper: " + theme.Dim.Render("not running")
	if r := h.Reaper; r != nil && r.Running {
		last := "never"
		if !r.LastScanAt.IsZero() {
			last = formatDuration(now.Sub(r.LastScanAt)) + " ago"
		}
		reaperLine = fmt.Sprintf(" reaper: every %s, %d pass(es), last scan %s", r.Interval, r.Passes, last)
		if r.LastError != "" {
			reaperLine += "  " + theme.StatusFailed.Render(r.LastError)
		}
	}

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = formatDuration(now.Sub(pulse.LastEvent())) + " ago"
	}
	activity := fmt.Sprintf(" last event: %s %s", lastEvent, pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, stats, reaperLine, activity)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

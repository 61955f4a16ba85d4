// Package watch implements the convoy watch TUI: a live view of held locks,
// reaper health and the coordination event stream served by `convoy serve`.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusWarn    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#5FAFD7")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		StatusWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(accent),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

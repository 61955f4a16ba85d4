package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
)

const (
	healthEvery    = 5 * time.Second
	locksEvery     = 2 * time.Second
	reconnectAfter = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client Client

	width  int
	height int

	health   HealthState
	locks    []lock.Record
	table    table.Model
	eventLog []events.Event
	lastSeq  int64
	pulse    Pulse

	theme     Theme
	hubEvents chan events.Event
	lastError string

	now func() time.Time
}

// New creates a watch model reading from the status API at baseURL.
func New(baseURL, token string) *Model {
	return &Model{
		client:    Client{BaseURL: baseURL, Token: token},
		table:     newLocksTable(),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchLocks,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(lockColumns(msg.Width - 8))
		m.table.SetHeight(max(msg.Height/3, 3))
		m.table.SetRows(lockRows(m.locks, m.now()))

	case tickMsg:
		m.pulse.Decay(m.now())
		m.table.SetRows(lockRows(m.locks, m.now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.Seq > 0 && e.Seq <= m.lastSeq {
			return m, receiveNextEvent(m.hubEvents)
		}
		m.lastSeq = max(m.lastSeq, e.Seq)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ActiveLocks = msg.ActiveLocks
		m.health.Reaper = msg.Reaper
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case locksMsg:
		m.locks = []lock.Record(msg)
		m.table.SetRows(lockRows(m.locks, m.now()))
		return m, tea.Tick(locksEvery, func(time.Time) tea.Msg { return m.client.fetchLocks() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading hubEvents, so the new
		// subscription feeds the same loop.
		return m, tea.Tick(reconnectAfter, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.lastSeq, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		if msg.retry == nil {
			return m, nil
		}
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return msg.retry() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to convoy..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.pulse, m.theme, m.width, now),
		renderLocks(m.table, len(m.locks), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width, max(m.height/3, 5)),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] quit  [up/down] scroll locks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

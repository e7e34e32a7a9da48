// Package dashboard is the bubbletea view of a running agent: hub connection
// state, recent commands and a live log pane, all fed from the event bus.
package dashboard

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/agent/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelCommands Panel = iota
	PanelLogs
)

var (
	keyQuit   = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	keySwitch = key.NewBinding(key.WithKeys("tab"))
	keyHelp   = key.NewBinding(key.WithKeys("?"))
)

// Model is the root dashboard model.
type Model struct {
	header   headerModel
	commands commandsModel
	logs     logsModel
	help     helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model.
func NewModel(info Info) Model {
	return Model{
		header: newHeader(info),
		logs:   newLogs(),
		width:  80,
	}
}

// EventMsg wraps an event from the bus.
type EventMsg struct {
	Event eventbus.Event
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tickMsg:
		// Redraw for uptime.
		return m, tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keySwitch):
			if m.activePanel == PanelCommands {
				m.activePanel = PanelLogs
			} else {
				m.activePanel = PanelCommands
			}
			return m, nil
		case key.Matches(msg, keyHelp):
			m.help.toggle()
			return m, nil
		}

	case EventMsg:
		m.apply(msg.Event)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelCommands:
		m.commands, cmd = m.commands.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

// apply folds one bus event into the model.
func (m *Model) apply(e eventbus.Event) {
	switch e.Type {
	case eventbus.HubConnected:
		var data struct {
			HeartbeatMs int64 `json:"heartbeat_ms"`
		}
		_ = e.Decode(&data)
		m.header.state = tui.ConnConnected
		m.header.attempt = 0
		m.header.heartbeat = time.Duration(data.HeartbeatMs) * time.Millisecond
	case eventbus.HubDisconnected:
		if m.header.state != tui.ConnGaveUp {
			m.header.state = tui.ConnDisconnected
		}
	case eventbus.HubReconnecting:
		var data struct {
			Attempt int `json:"attempt"`
		}
		_ = e.Decode(&data)
		m.header.state = tui.ConnReconnecting
		m.header.attempt = data.Attempt
	case eventbus.HubGaveUp:
		m.header.state = tui.ConnGaveUp
	case eventbus.CommandStarted, eventbus.CommandFinished, eventbus.CommandCanceled:
		var ev commandEvent
		if e.Decode(&ev) != nil {
			return
		}
		switch e.Type {
		case eventbus.CommandStarted:
			m.commands.started(ev, e.Timestamp)
		case eventbus.CommandCanceled:
			m.commands.finished(ev, stateCanceled)
		default:
			state := stateFailed
			if ev.Success {
				state = stateOK
			}
			m.commands.finished(ev, state)
		}
		m.header.active = m.commands.running()
	}
	m.logs.addEvent(e)
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	panel := func(title, body string, focused bool) string {
		border := tui.ColorMuted
		if focused {
			border = tui.ColorPrimary
		}
		return lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Width(max(m.width-2, 0)).
			Render(tui.Subtitle.Render(" "+title) + "\n" + body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		panel("Commands", m.commands.View(), m.activePanel == PanelCommands),
		panel("Logs", m.logs.View(), m.activePanel == PanelLogs),
		m.help.bar(),
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) logsHeight() int {
	// Header, commands panel, help bar and borders.
	used := 6 + m.commands.height() + 4
	return max(m.height-used, 5)
}

package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattmo0re/viveye/agent/internal/tui"
)

const maxCommands = 50

// commandEvent mirrors the data of command.* bus events.
type commandEvent struct {
	CommandID  string `json:"command_id"`
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

type commandState string

const (
	stateRunning  commandState = "running"
	stateOK       commandState = "ok"
	stateFailed   commandState = "failed"
	stateCanceled commandState = "canceled"
)

type commandRow struct {
	id       string
	cmdType  string
	state    commandState
	started  time.Time
	duration time.Duration
	err      string
}

// commandsModel lists recent commands, newest first.
type commandsModel struct {
	items  []commandRow
	cursor int
}

func (c *commandsModel) started(ev commandEvent, at time.Time) {
	c.items = append([]commandRow{{id: ev.CommandID, cmdType: ev.Type, state: stateRunning, started: at}}, c.items...)
	if len(c.items) > maxCommands {
		c.items = c.items[:maxCommands]
	}
}

func (c *commandsModel) finished(ev commandEvent, state commandState) {
	for i := range c.items {
		if c.items[i].id != ev.CommandID {
			continue
		}
		c.items[i].state = state
		c.items[i].duration = time.Duration(ev.DurationMs) * time.Millisecond
		c.items[i].err = ev.Error
		return
	}
}

func (c commandsModel) running() int {
	n := 0
	for _, it := range c.items {
		if it.state == stateRunning {
			n++
		}
	}
	return n
}

func (c commandsModel) Update(msg tea.Msg) (commandsModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "j", "down":
			if c.cursor < len(c.items)-1 {
				c.cursor++
			}
		case "k", "up":
			if c.cursor > 0 {
				c.cursor--
			}
		case "g":
			c.cursor = 0
		case "G":
			c.cursor = max(0, len(c.items)-1)
		}
	}
	return c, nil
}

func (c commandsModel) View() string {
	if len(c.items) == 0 {
		return tui.Dimmed.Render("  No commands yet")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	rows := fmt.Sprintf("  %-10s %-18s %-10s %-10s %s\n",
		headerStyle.Render("ID"),
		headerStyle.Render("TYPE"),
		headerStyle.Render("STATE"),
		headerStyle.Render("TIME"),
		headerStyle.Render("ERROR"),
	)
	for i, it := range c.items[:min(len(c.items), c.height()-1)] {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == c.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}
		shortID := it.id
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		elapsed := "-"
		if it.state != stateRunning {
			elapsed = it.duration.Round(time.Millisecond).String()
		}
		errText := it.err
		if len(errText) > 40 {
			errText = errText[:40]
		}
		rows += cursor + fmt.Sprintf("%-10s %-18s %-10s %-10s %s",
			style.Render(shortID),
			style.Render(it.cmdType),
			stateStyle(it.state).Render(string(it.state)),
			style.Render(elapsed),
			tui.Dimmed.Render(errText),
		) + "\n"
	}
	return rows
}

func (c commandsModel) height() int {
	return min(len(c.items)+1, 12)
}

func stateStyle(s commandState) lipgloss.Style {
	switch s {
	case stateOK:
		return tui.Success
	case stateFailed:
		return tui.ErrorStyle
	case stateCanceled:
		return tui.WarningStyle
	default:
		return lipgloss.NewStyle().Foreground(tui.ColorAccent)
	}
}

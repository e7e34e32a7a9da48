package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattmo0re/viveye/agent/internal/tui"
)

// Info is the static part of the header.
type Info struct {
	AgentID      string
	HubURL       string
	Capabilities []string
	StartedAt    time.Time
}

type headerModel struct {
	info      Info
	state     tui.ConnState
	attempt   int
	heartbeat time.Duration
	active    int
	now       func() time.Time
}

func newHeader(info Info) headerModel {
	return headerModel{info: info, now: time.Now}
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Viveye Agent")

	status := tui.StatusText(h.state)
	if h.state == tui.ConnReconnecting && h.attempt > 0 {
		status += tui.Dimmed.Render(fmt.Sprintf(" (attempt %d)", h.attempt))
	}
	right := fmt.Sprintf("%s  %s %s", h.info.HubURL, tui.StatusDot(h.state), status)

	info := fmt.Sprintf("  Agent: %s   Running: %d   Uptime: %s", h.info.AgentID, h.active, h.uptime())
	if h.heartbeat > 0 {
		info += fmt.Sprintf("   Heartbeat: %s", h.heartbeat)
	}
	if len(h.info.Capabilities) > 0 {
		info += fmt.Sprintf("\n  Capabilities: %v", h.info.Capabilities)
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(max(width-2, 0)).
		Padding(0, 1)

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-6, 1)
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

func (h headerModel) uptime() string {
	if h.info.StartedAt.IsZero() {
		return "-"
	}
	return formatAge(h.now().Sub(h.info.StartedAt))
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

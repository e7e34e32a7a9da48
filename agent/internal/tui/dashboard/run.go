package dashboard

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattmo0re/viveye/agent/internal/eventbus"
)

// Run shows the dashboard until the user quits or ctx is canceled. Events
// are read from bus for the whole lifetime of the program.
func Run(ctx context.Context, bus *eventbus.Bus, info Info) error {
	p := tea.NewProgram(NewModel(info), tea.WithAltScreen(), tea.WithContext(ctx))

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	go func() {
		for evt := range ch {
			p.Send(EventMsg{Event: evt})
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

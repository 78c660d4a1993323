package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fernwood-iot/meshnode/internal/node"
)

// Run starts the TUI against the given node service.
func Run(service *node.Service) error {
	model := New(service)
	program := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}

	return nil
}

// Package tui provides the terminal dashboard for a running node: its
// mesh role and peer table, and the live state of every relay, PWM, and
// input channel bound to it.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fernwood-iot/meshnode/internal/node"
)

// Model represents the TUI state.
type Model struct {
	// Service reference
	service *node.Service

	// UI state
	width    int
	height   int
	ready    bool
	quitting bool

	// Components
	spinner  spinner.Model
	viewport viewport.Model

	// Data
	snapshot     node.Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	errorMessage string
}

// New creates a new TUI model for service.
func New(service *node.Service) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return Model{
		service:   service,
		spinner:   s,
		startTime: time.Now(),
	}
}

// Init initializes the model.
//
//nolint:gocritic // hugeParam: Model must be value receiver to implement tea.Model interface
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(),
	)
}

// tickMsg is sent periodically to refresh the dashboard from the node's
// live state.
type tickMsg time.Time

// errMsg is sent when an error occurs.
type errMsg error

// tickCmd returns a command that sends a tick every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

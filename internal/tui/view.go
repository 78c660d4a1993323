package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fernwood-iot/meshnode/internal/node"
)

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if !m.ready {
		return fmt.Sprintf("%s Initializing...\n", m.spinner.View())
	}

	var b strings.Builder

	title := titleStyle.Render("\U0001F500 meshnode diagnostics")
	b.WriteString(title)
	b.WriteString("\n")

	statusBar := m.renderStatusBar()
	b.WriteString(statusBar)
	b.WriteString("\n")

	channelsBox := boxStyle.Width(m.width - 4).Render(m.viewport.View())
	b.WriteString(channelsBox)
	b.WriteString("\n")

	if m.errorMessage != "" {
		b.WriteString(errorStyle.Render("Error: " + m.errorMessage))
		b.WriteString("\n")
	}

	help := helpStyle.Render("q: quit • ↑/↓: scroll")
	b.WriteString(help)

	return b.String()
}

func (m Model) renderStatusBar() string {
	device := statLabelStyle.Render("Device: ") + statValueStyle.Render(m.snapshot.Device)
	role := statLabelStyle.Render(" | Role: ") + RoleIndicator(m.snapshot.Role)
	peers := statLabelStyle.Render(" | Peers: ") + statValueStyle.Render(fmt.Sprintf("%d", len(m.snapshot.Peers)))

	uptime := time.Since(m.startTime).Round(time.Second)
	uptimeInfo := statLabelStyle.Render(" | Uptime: ") + statValueStyle.Render(uptime.String())

	return device + role + peers + uptimeInfo
}

func (m Model) renderChannels() string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render("Relays"))
	b.WriteString("\n")
	b.WriteString(renderChannelTable(m.snapshot.Relays))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("PWM"))
	b.WriteString("\n")
	b.WriteString(renderChannelTable(m.snapshot.PWM))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Inputs"))
	b.WriteString("\n")
	b.WriteString(renderChannelTable(m.snapshot.Inputs))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Mesh peers"))
	b.WriteString("\n")
	if len(m.snapshot.Peers) == 0 {
		b.WriteString(statLabelStyle.Render("  (none known)"))
	} else {
		for _, peer := range m.snapshot.Peers {
			b.WriteString("  " + statValueStyle.Render(peer) + "\n")
		}
	}

	return b.String()
}

func renderChannelTable(channels []node.ChannelState) string {
	if len(channels) == 0 {
		return statLabelStyle.Render("  (no channels bound)")
	}

	var b strings.Builder
	for _, ch := range channels {
		b.WriteString(fmt.Sprintf("  %s %s\n",
			statLabelStyle.Render(fmt.Sprintf("ch%d:", ch.Channel)),
			statValueStyle.Render(ch.Value)))
	}
	return b.String()
}

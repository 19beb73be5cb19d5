package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/skeinworks/skein-stream/pkg/dashboard"
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	agentCellStyle   = lipgloss.NewStyle().Bold(true)

	statusStyles = map[dashboard.Status]lipgloss.Style{
		dashboard.StatusIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		dashboard.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dashboard.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		dashboard.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// styledStatus pads before styling so ANSI codes don't break column widths.
func styledStatus(s dashboard.Status, width int) string {
	padded := fmt.Sprintf("%-*s", width, string(s))
	if style, ok := statusStyles[s]; ok {
		return style.Render(padded)
	}
	return padded
}

// renderAgentTable formats the final per-agent state for replay output and
// the plain watch summary.
func renderAgentTable(m *dashboard.Model) string {
	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("%-14s %-12s %9s  %s", "AGENT", "STATUS", "PROGRESS", "DETAIL")))
	b.WriteString("\n")

	for _, name := range m.Order() {
		st, _ := m.Agent(name)

		detail := st.CurrentTask
		if st.Status == dashboard.StatusError && st.LastError != "" {
			detail = st.LastError
		}
		b.WriteString(fmt.Sprintf("%s %s %8d%%  %s\n",
			agentCellStyle.Render(fmt.Sprintf("%-14s", name)),
			styledStatus(st.Status, 12),
			st.Progress,
			detail))
		for _, f := range st.Findings {
			b.WriteString(fmt.Sprintf("%-14s   • %s\n", "", f))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

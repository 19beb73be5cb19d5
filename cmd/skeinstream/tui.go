package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skeinworks/skein-stream/pkg/config"
	"github.com/skeinworks/skein-stream/pkg/dashboard"
	"github.com/skeinworks/skein-stream/pkg/recorder"
	"github.com/skeinworks/skein-stream/pkg/stream"
	"github.com/skeinworks/skein-stream/pkg/version"
)

// Messages bridged from stream client callbacks into the tea event loop.
type (
	eventMsg struct{ event stream.Event }
	stateMsg struct{ state stream.ConnectionState }
	errorMsg struct{ err error }
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	agentTitleStyle = lipgloss.NewStyle().Bold(true)
	taskStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	findingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	errDetailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	footerWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	footerFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// watchModel is the tea.Model for the watch dashboard: one pane per known
// agent folded from the shared dashboard model, plus a connection footer.
type watchModel struct {
	client  *stream.Client
	model   *dashboard.Model
	rec     *recorder.Writer
	msgs    <-chan tea.Msg
	session string

	spin      spinner.Model
	bar       progress.Model
	connState stream.ConnectionState
	lastErr   error
	width     int
}

func newWatchModel(client *stream.Client, session string, rec *recorder.Writer, msgs <-chan tea.Msg) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 30

	return watchModel{
		client:    client,
		model:     dashboard.NewModel(),
		rec:       rec,
		msgs:      msgs,
		session:   session,
		spin:      sp,
		bar:       bar,
		connState: client.State(),
	}
}

// waitForMsg pumps one bridged message into the tea loop.
func waitForMsg(msgs <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-msgs }
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForMsg(m.msgs))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.client.Disconnect()
			return m, tea.Quit
		case "r":
			// Fire-and-forget by design; a drop while disconnected is fine.
			_ = m.client.Send(map[string]string{"action": "restart"})
			m.model.Reset()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-24, 48))
		return m, nil

	case eventMsg:
		m.model.Apply(msg.event)
		if m.rec != nil {
			_ = m.rec.Record(msg.event)
		}
		return m, waitForMsg(m.msgs)

	case stateMsg:
		m.connState = msg.state
		if msg.state == stream.StateConnected {
			m.lastErr = nil
		}
		return m, waitForMsg(m.msgs)

	case errorMsg:
		m.lastErr = msg.err
		return m, waitForMsg(m.msgs)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	for _, name := range m.model.Order() {
		st, _ := m.model.Agent(name)
		b.WriteString(m.renderPane(string(name), st))
		b.WriteString("\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m watchModel) renderPane(name string, st dashboard.AgentState) string {
	var b strings.Builder

	marker := "  "
	if st.Status == dashboard.StatusProcessing {
		marker = m.spin.View()
	}
	b.WriteString(fmt.Sprintf("%s%s %s\n",
		marker, agentTitleStyle.Render(name), styledStatus(st.Status, 0)))
	b.WriteString(m.bar.ViewAs(float64(st.Progress) / 100))
	b.WriteString(fmt.Sprintf(" %d%%\n", st.Progress))

	if st.CurrentTask != "" {
		b.WriteString(taskStyle.Render("task: "+st.CurrentTask) + "\n")
	}
	for _, f := range st.Findings {
		b.WriteString(findingStyle.Render("• "+f) + "\n")
	}
	if st.LastError != "" {
		b.WriteString(errDetailStyle.Render("error: "+st.LastError) + "\n")
	}
	return paneStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m watchModel) renderFooter() string {
	state := footerStyle.Render(m.connState.String())
	switch m.connState {
	case stream.StateConnecting:
		state = footerWarnStyle.Render("reconnecting…")
	case stream.StateFailed:
		state = footerFailStyle.Render("connection failed — press q to quit, restart with: skeinstream watch")
	}

	info := fmt.Sprintf("session %s  events %d  dropped %d  %s  q quit · r restart",
		m.session, len(m.client.Events()), m.client.Dropped(), version.Full())
	if m.lastErr != nil && m.connState != stream.StateConnected {
		info += "  " + m.lastErr.Error()
	}
	return state + "\n" + footerStyle.Render(info)
}

// runWatchTUI wires a stream client into a bubbletea program. Client
// callbacks run on stream goroutines; they only push messages into a channel
// the tea loop drains, so all model mutation stays on the tea goroutine.
func runWatchTUI(cfg *config.Config, sessionID string, rec *recorder.Writer) error {
	msgs := make(chan tea.Msg, 256)
	push := func(msg tea.Msg) {
		select {
		case msgs <- msg:
		default:
			// The TUI is gone or wedged; dropping a repaint trigger is
			// harmless, blocking the read loop is not.
		}
	}

	scfg := cfg.ClientConfig(sessionID)
	scfg.DisableAutoConnect = true
	// The TUI owns the terminal; client logging goes nowhere.
	scfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	scfg.OnEvent = func(e stream.Event) { push(eventMsg{e}) }
	scfg.OnError = func(err error) { push(errorMsg{err}) }
	scfg.OnStateChange = func(s stream.ConnectionState) { push(stateMsg{s}) }

	client := stream.New(scfg)
	defer client.Disconnect()
	if err := client.Connect(); err != nil {
		return err
	}

	p := tea.NewProgram(newWatchModel(client, sessionID, rec, msgs), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

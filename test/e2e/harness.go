// Package e2e exercises the full client stack — stream client, dashboard
// reducer, recorder — against the simulator backend over real sockets.
package e2e

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein-stream/pkg/dashboard"
	"github.com/skeinworks/skein-stream/pkg/simulator"
	"github.com/skeinworks/skein-stream/pkg/stream"
)

// Studio is one simulator instance serving a test.
type Studio struct {
	Server  *simulator.Server
	BaseURL string
	t       *testing.T
}

type studioConfig struct {
	scenario  *simulator.Scenario
	stepDelay time.Duration
	soakRate  float64
}

// StudioOption configures a test Studio.
type StudioOption func(*studioConfig)

// WithScenario sets the scenario to play (default: the built-in demo).
func WithScenario(scn *simulator.Scenario) StudioOption {
	return func(c *studioConfig) { c.scenario = scn }
}

// WithStepDelay overrides scripted step delays (default 0 — full speed).
func WithStepDelay(d time.Duration) StudioOption {
	return func(c *studioConfig) { c.stepDelay = d }
}

// WithSoak serves generated traffic at the given events-per-second rate
// instead of a scenario.
func WithSoak(rate float64) StudioOption {
	return func(c *studioConfig) { c.soakRate = rate }
}

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStudio starts a simulator on an ephemeral port. Shutdown is registered
// via t.Cleanup.
func NewStudio(t *testing.T, opts ...StudioOption) *Studio {
	t.Helper()

	sc := &studioConfig{}
	for _, opt := range opts {
		opt(sc)
	}

	simOpts := []simulator.Option{
		simulator.WithLogger(quietLogger(t)),
		simulator.WithStepDelay(sc.stepDelay),
	}
	if sc.soakRate > 0 {
		simOpts = append(simOpts, simulator.WithGenerator(simulator.NewGenerator(sc.soakRate)))
	}

	srv := simulator.NewServer(sc.scenario, simOpts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &Studio{Server: srv, BaseURL: hs.URL, t: t}
}

// Watch is a connected stream client folding everything it receives into a
// dashboard model, the way the CLI wires the two together.
type Watch struct {
	Client *stream.Client

	t     *testing.T
	mu    sync.Mutex
	model *dashboard.Model
}

// Dial connects a Watch for the given session. Reconnects are fast so drop
// scenarios complete quickly. Disconnect is registered via t.Cleanup.
func (s *Studio) Dial(sessionID string) *Watch {
	s.t.Helper()

	w := &Watch{t: s.t, model: dashboard.NewModel()}
	w.Client = stream.New(stream.Config{
		ServerURL:          s.BaseURL,
		SessionID:          sessionID,
		ReconnectDelay:     25 * time.Millisecond,
		DisableAutoConnect: true,
		Logger:             quietLogger(s.t),
		OnEvent: func(e stream.Event) {
			w.mu.Lock()
			w.model.Apply(e)
			w.mu.Unlock()
		},
	})
	s.t.Cleanup(w.Client.Disconnect)
	require.NoError(s.t, w.Client.Connect())
	return w
}

// Agent returns a snapshot of one agent's folded state.
func (w *Watch) Agent(name stream.AgentName) dashboard.AgentState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, _ := w.model.Agent(name)
	return st
}

// Applied returns the number of events folded so far.
func (w *Watch) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model.EventsApplied()
}

// WaitForEvents polls until at least n events have been folded.
func (w *Watch) WaitForEvents(n int) {
	w.t.Helper()
	require.Eventually(w.t, func() bool { return w.Applied() >= n },
		5*time.Second, 10*time.Millisecond,
		"folded %d of %d events", w.Applied(), n)
}

// WaitForAgentStatus polls until the agent reaches the given status.
func (w *Watch) WaitForAgentStatus(name stream.AgentName, status dashboard.Status) {
	w.t.Helper()
	require.Eventually(w.t, func() bool { return w.Agent(name).Status == status },
		5*time.Second, 10*time.Millisecond,
		"agent %s stuck in %s, want %s", name, w.Agent(name).Status, status)
}

// Package dashboard folds the ordered agent-event stream into per-agent view
// state. The fold is deliberately order-dependent: applying the same events
// in a different order is allowed to produce a different model, because the
// stream's contract is that arrival order is meaningful.
package dashboard

import (
	"github.com/skeinworks/skein-stream/pkg/stream"
)

// Status is an agent's state as shown to the user. It is the view-side
// vocabulary: a "done" event lands the agent in StatusCompleted.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// ProgressStep is the fixed increment applied to a processing agent's
// progress when an event carries no explicit progress value.
const ProgressStep = 10

// AgentState is the rendered state of one agent.
type AgentState struct {
	Status      Status
	Progress    int // 0..100
	CurrentTask string
	Findings    []string
	LastError   string
}

func (s AgentState) clone() AgentState {
	out := s
	if s.Findings != nil {
		out.Findings = append([]string(nil), s.Findings...)
	}
	return out
}

// Model holds the state of every agent seen on the stream, pre-seeded with
// the known pipeline agents and growing on demand for unknown ones.
//
// Apply and Reset must be called from a single goroutine — in practice the
// stream client's OnEvent goroutine or a TUI update loop. Snapshot accessors
// return deep copies and are safe to hand elsewhere.
type Model struct {
	agents  map[stream.AgentName]*AgentState
	order   []stream.AgentName
	applied int
}

// NewModel returns a model with every known agent in its default state.
func NewModel() *Model {
	m := &Model{agents: make(map[stream.AgentName]*AgentState)}
	for _, a := range stream.KnownAgents() {
		m.ensure(a)
	}
	return m
}

func (m *Model) ensure(name stream.AgentName) *AgentState {
	if st, ok := m.agents[name]; ok {
		return st
	}
	st := &AgentState{Status: StatusIdle}
	m.agents[name] = st
	m.order = append(m.order, name)
	return st
}

// Apply folds one event into the model.
//
//   - processing: entering the phase resets progress and findings and takes
//     the event's task hint; while already processing, progress advances by
//     ProgressStep (or to an explicit, never-decreasing progress value),
//     clamped to 100.
//   - done: StatusCompleted, progress 100, extracted findings APPENDED.
//   - error: StatusError with the error detail; progress, task, and
//     findings are preserved for post-mortem display.
//   - idle: back to the default state.
//   - anything else: counted, otherwise ignored.
func (m *Model) Apply(e stream.Event) {
	st := m.ensure(e.Agent)
	m.applied++

	switch e.Status {
	case stream.EventProcessing:
		m.applyProcessing(st, e)
	case stream.EventDone:
		st.Status = StatusCompleted
		st.Progress = 100
		st.Findings = append(st.Findings, findingsFrom(e)...)
		st.CurrentTask = ""
		st.LastError = ""
	case stream.EventError:
		st.Status = StatusError
		st.LastError = errorFrom(e)
	case stream.EventIdle:
		*st = AgentState{Status: StatusIdle}
	default:
		// Unknown status: tolerated, state untouched.
	}
}

func (m *Model) applyProcessing(st *AgentState, e stream.Event) {
	task, hasTask := taskFrom(e)

	if st.Status != StatusProcessing {
		// Phase entry: fresh progress and findings for the new run.
		*st = AgentState{Status: StatusProcessing, CurrentTask: task}
		if p, ok := progressFrom(e); ok {
			st.Progress = clampProgress(p)
		}
		return
	}

	if p, ok := progressFrom(e); ok {
		// Explicit progress never moves backwards within a phase.
		if p = clampProgress(p); p > st.Progress {
			st.Progress = p
		}
	} else {
		st.Progress = min(st.Progress+ProgressStep, 100)
	}
	if hasTask {
		st.CurrentTask = task
	}
}

// Reset wipes every agent back to the default state and clears the applied
// counter. Entries discovered for unknown agents are kept (at defaults).
func (m *Model) Reset() {
	for _, st := range m.agents {
		*st = AgentState{Status: StatusIdle}
	}
	m.applied = 0
}

// Agent returns a snapshot of one agent's state. ok is false when the agent
// has never been seen and is not a known pipeline agent; the returned state
// is then the default.
func (m *Model) Agent(name stream.AgentName) (AgentState, bool) {
	st, ok := m.agents[name]
	if !ok {
		return AgentState{Status: StatusIdle}, false
	}
	return st.clone(), true
}

// Agents returns a snapshot of all agent states.
func (m *Model) Agents() map[stream.AgentName]AgentState {
	out := make(map[stream.AgentName]AgentState, len(m.agents))
	for name, st := range m.agents {
		out[name] = st.clone()
	}
	return out
}

// Order returns agent names in presentation order: the known pipeline agents
// first, then unknown agents in first-seen order.
func (m *Model) Order() []stream.AgentName {
	out := make([]stream.AgentName, len(m.order))
	copy(out, m.order)
	return out
}

// EventsApplied returns the number of events folded since the last Reset.
func (m *Model) EventsApplied() int {
	return m.applied
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

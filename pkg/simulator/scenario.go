// Package simulator implements a scriptable stand-in for the Skein studio
// backend: an HTTP server exposing the agent-event WebSocket endpoint that
// plays scenarios from YAML scripts or generates soak traffic. It exists so
// the stream client, the dashboard, and the CLI can be exercised over real
// sockets without the analysis pipeline.
package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

// ErrInvalidScenario indicates a scenario script failed validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("150ms", "2s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Step is one scripted action. Exactly one kind per step:
//
//   - event step: Agent and Status set, optionally Task, Progress, Findings,
//     Error, and Metadata — emitted as a well-formed wire event.
//   - drop step: Drop set — the server closes the socket abruptly, the
//     scripted trigger for client reconnect paths.
//   - raw step: Raw set — the bytes are written verbatim as one text frame,
//     the scripted trigger for client-side malformed-frame handling. Raw
//     steps must be valid JSON unless Malformed declares the breakage
//     intentional.
//
// Delay is the pause before the step acts.
type Step struct {
	Agent    stream.AgentName `yaml:"agent,omitempty"`
	Status   stream.EventType `yaml:"status,omitempty"`
	Task     string           `yaml:"task,omitempty"`
	Progress *int             `yaml:"progress,omitempty"`
	Findings []string         `yaml:"findings,omitempty"`
	Error    string           `yaml:"error,omitempty"`
	Metadata map[string]any   `yaml:"metadata,omitempty"`

	Delay     Duration `yaml:"delay,omitempty"`
	Drop      bool     `yaml:"drop,omitempty"`
	Raw       string   `yaml:"raw,omitempty"`
	Malformed bool     `yaml:"malformed,omitempty"`
}

func (s Step) validate() error {
	kinds := 0
	if s.Drop {
		kinds++
	}
	if s.Raw != "" {
		kinds++
	}
	if s.Agent != "" || s.Status != "" {
		kinds++
	}
	switch {
	case kinds == 0:
		return errors.New("step does nothing: set agent+status, drop, or raw")
	case kinds > 1:
		return errors.New("mixed step kinds: agent/status, drop, and raw are mutually exclusive")
	}

	if s.Raw != "" && !s.Malformed && !json.Valid([]byte(s.Raw)) {
		return errors.New("raw step is not valid JSON (set malformed: true if intentional)")
	}
	if s.Drop || s.Raw != "" {
		return nil
	}

	// Event step. Scripts are authored, so enums are checked strictly here,
	// unlike client-side frame validation which tolerates unknowns.
	if s.Agent == "" || s.Status == "" {
		return errors.New("event step needs both agent and status")
	}
	if !s.Agent.IsValid() {
		return fmt.Errorf("unknown agent %q", s.Agent)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Progress != nil && (*s.Progress < 0 || *s.Progress > 100) {
		return fmt.Errorf("progress %d out of range [0,100]", *s.Progress)
	}
	return nil
}

// Scenario is a scripted event sequence played per session. With Loop set,
// emission restarts at step 0 after the last step.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Loop        bool   `yaml:"loop,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// Validate checks the scenario script. Errors wrap ErrInvalidScenario and
// name the offending step index.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidScenario)
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i, err)
		}
	}
	return nil
}

// LoadScenario reads and validates a scenario script. Errors carry the path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var scn Scenario
	if err := yaml.Unmarshal(data, &scn); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidScenario, path, err)
	}
	if err := scn.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &scn, nil
}

func intPtr(v int) *int { return &v }

// Default returns the built-in demo scenario: a full four-agent analysis
// run, so `skeinstream simulate` works with no flags.
func Default() *Scenario {
	const pause = Duration(400 * time.Millisecond)
	return &Scenario{
		Name:        "demo",
		Description: "built-in demo: one full analysis run across all four agents",
		Steps: []Step{
			{Agent: stream.AgentOrchestrator, Status: stream.EventProcessing, Task: "Planning analysis"},
			{Agent: stream.AgentSummarizer, Status: stream.EventProcessing, Task: "Reading notes", Delay: pause},
			{Agent: stream.AgentSummarizer, Status: stream.EventProcessing, Progress: intPtr(60), Delay: pause},
			{Agent: stream.AgentSummarizer, Status: stream.EventDone, Findings: []string{"Three recurring themes"}, Delay: pause},
			{Agent: stream.AgentLinker, Status: stream.EventProcessing, Task: "Connecting related notes", Delay: pause},
			{Agent: stream.AgentLinker, Status: stream.EventDone, Findings: []string{"12 cross-links"}, Delay: pause},
			{Agent: stream.AgentVisualizer, Status: stream.EventProcessing, Task: "Laying out knowledge map", Delay: pause},
			{Agent: stream.AgentVisualizer, Status: stream.EventDone, Delay: pause},
			{Agent: stream.AgentOrchestrator, Status: stream.EventDone, Findings: []string{"Analysis complete"}, Delay: pause},
		},
	}
}

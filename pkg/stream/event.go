// Package stream implements the client side of the Skein agent-event stream:
// a session-scoped reconnecting WebSocket client that validates inbound
// frames, keeps an ordered in-memory event log, and surfaces events and
// errors through callbacks.
//
// ════════════════════════════════════════════════════════════════
// Wire Protocol
// ════════════════════════════════════════════════════════════════
//
// The studio backend exposes one WebSocket endpoint per analysis session:
//
//	ws(s)://host/ws?session_id={id}
//
// Every server → client frame is a JSON agent event:
//
//	{
//	  "id":        "7c9e...",            // unique per event
//	  "agent":     "summarizer",         // producing agent
//	  "status":    "processing",         // phase of that agent
//	  "timestamp": "2026-08-21T10:04:05.123Z",
//	  "metadata":  {"task": "Reading notes", "progress": 40},
//	  "payload":   "free-form content"   // string, array, or object
//	}
//
// id, agent, status, and timestamp are required; frames missing any of them
// (or that are not JSON objects at all) are dropped without side effects.
// Unknown agent names and status strings pass validation — the vocabulary
// below describes today's pipeline, not a closed set, and consumers must
// tolerate additions.
//
// Client → server frames are free-form JSON values written as-is; the only
// message the backend currently understands is {"action": "restart"}.
//
// ════════════════════════════════════════════════════════════════
package stream

import (
	"encoding/json"
	"fmt"
)

// AgentName identifies a pipeline agent.
type AgentName string

// The studio's analysis pipeline agents, in presentation order.
const (
	AgentOrchestrator AgentName = "orchestrator"
	AgentSummarizer   AgentName = "summarizer"
	AgentLinker       AgentName = "linker"
	AgentVisualizer   AgentName = "visualizer"
)

// KnownAgents returns the pipeline agents in presentation order.
func KnownAgents() []AgentName {
	return []AgentName{AgentOrchestrator, AgentSummarizer, AgentLinker, AgentVisualizer}
}

// IsValid reports whether the name is one of the known pipeline agents.
// Frame validation does NOT use this — unknown agents flow through to
// consumers. Scenario validation and dashboard layout do.
func (a AgentName) IsValid() bool {
	switch a {
	case AgentOrchestrator, AgentSummarizer, AgentLinker, AgentVisualizer:
		return true
	}
	return false
}

// EventType is the phase an agent reports in an event's status field.
type EventType string

const (
	EventIdle       EventType = "idle"
	EventProcessing EventType = "processing"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// IsValid reports whether the type is one of the known phases.
// Advisory only, like AgentName.IsValid.
func (t EventType) IsValid() bool {
	switch t {
	case EventIdle, EventProcessing, EventDone, EventError:
		return true
	}
	return false
}

// Event is one agent event as received from the stream.
//
// Timestamp is an opaque ordering token minted by the server (RFC3339Nano
// in practice); the client never parses it. Metadata carries small typed
// hints (task, progress). Payload is kept raw so recordings round-trip
// byte-exactly and interpretation stays with the consumer.
type Event struct {
	ID        string          `json:"id"`
	Agent     AgentName       `json:"agent"`
	Status    EventType       `json:"status"`
	Timestamp string          `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the four required envelope fields are present.
// It deliberately does not check enum membership or parse the timestamp.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	case e.Agent == "":
		return fmt.Errorf("%w: missing agent", ErrMalformedEvent)
	case e.Status == "":
		return fmt.Errorf("%w: missing status", ErrMalformedEvent)
	case e.Timestamp == "":
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return nil
}

// DecodeEvent unmarshals and validates one wire frame.
// All errors wrap ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

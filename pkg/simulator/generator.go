package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

// DefaultSoakRate is the generator's events-per-second pace when none is
// given.
const DefaultSoakRate = 4.0

var soakTasks = []string{
	"Reading notes",
	"Extracting themes",
	"Scoring candidate links",
	"Clustering related notes",
	"Laying out knowledge map",
}

// Generator produces an endless plausible agent-event stream for soak runs:
// each agent cycles through a processing phase of random length ending in
// done or, occasionally, error. Emission is paced by a rate limiter.
//
// Safe for concurrent use; the limiter serializes overall output pace across
// however many connections draw from it.
type Generator struct {
	limiter *rate.Limiter

	mu  sync.Mutex
	rnd *rand.Rand
	// remaining processing steps per agent; absent means idle.
	phases map[stream.AgentName]int
}

// NewGenerator creates a soak generator pacing at eventsPerSecond
// (DefaultSoakRate when <= 0).
func NewGenerator(eventsPerSecond float64) *Generator {
	if eventsPerSecond <= 0 {
		eventsPerSecond = DefaultSoakRate
	}
	return &Generator{
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), 1),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		phases:  make(map[stream.AgentName]int),
	}
}

// Next blocks for the limiter and returns the next generated event. The only
// error is the context's, when the caller goes away mid-wait.
func (g *Generator) Next(ctx context.Context) (stream.Event, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return stream.Event{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	agents := stream.KnownAgents()
	agent := agents[g.rnd.Intn(len(agents))]

	ev := stream.Event{
		ID:        uuid.NewString(),
		Agent:     agent,
		Status:    stream.EventProcessing,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	remaining, active := g.phases[agent]
	switch {
	case !active:
		// Phase start.
		g.phases[agent] = 2 + g.rnd.Intn(6)
		ev.Metadata = map[string]any{"task": soakTasks[g.rnd.Intn(len(soakTasks))]}
	case remaining <= 1:
		// Phase end: mostly done, sometimes error.
		delete(g.phases, agent)
		if g.rnd.Intn(10) == 0 {
			ev.Status = stream.EventError
			ev.Payload, _ = json.Marshal("synthetic failure")
		} else {
			ev.Status = stream.EventDone
			ev.Payload, _ = json.Marshal([]string{
				fmt.Sprintf("Found %d items", 1+g.rnd.Intn(9)),
			})
		}
	default:
		g.phases[agent] = remaining - 1
	}
	return ev, nil
}

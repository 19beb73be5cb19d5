package simulator

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherScenarioV1 = `
name: v1
steps:
  - agent: orchestrator
    status: processing
`

const watcherScenarioV2 = `
name: v2
steps:
  - agent: summarizer
    status: done
`

type scenarioSink struct {
	mu   sync.Mutex
	last *Scenario
}

func (s *scenarioSink) apply(scn *Scenario) {
	s.mu.Lock()
	s.last = scn
	s.mu.Unlock()
}

func (s *scenarioSink) lastName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ""
	}
	return s.last.Name
}

func startWatcher(t *testing.T, path string, sink *scenarioSink) *ScenarioWatcher {
	t.Helper()
	w, err := NewScenarioWatcher(path, testLogger(t), sink.apply)
	require.NoError(t, err)
	w.debounce = 30 * time.Millisecond // keep the test fast
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func TestScenarioWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherScenarioV1), 0o644))

	sink := &scenarioSink{}
	startWatcher(t, path, sink)

	require.NoError(t, os.WriteFile(path, []byte(watcherScenarioV2), 0o644))
	require.Eventually(t, func() bool { return sink.lastName() == "v2" },
		3*time.Second, 10*time.Millisecond, "edit never applied")
}

func TestScenarioWatcher_KeepsOldScenarioOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherScenarioV1), 0o644))

	sink := &scenarioSink{}
	startWatcher(t, path, sink)

	// A broken edit must not reach apply.
	require.NoError(t, os.WriteFile(path, []byte("steps: ["), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, sink.lastName(), "invalid scenario was applied")

	// Fixing the file recovers without a restart.
	require.NoError(t, os.WriteFile(path, []byte(watcherScenarioV2), 0o644))
	require.Eventually(t, func() bool { return sink.lastName() == "v2" },
		3*time.Second, 10*time.Millisecond)
}

func TestScenarioWatcher_SurvivesAtomicReplace(t *testing.T) {
	// Editors write a temp file and rename it over the original; the watch
	// must follow the path, not the inode.
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherScenarioV1), 0o644))

	sink := &scenarioSink{}
	startWatcher(t, path, sink)

	tmp := filepath.Join(dir, "scenario.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(watcherScenarioV2), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return sink.lastName() == "v2" },
		3*time.Second, 10*time.Millisecond, "rename-style replace never applied")
}

package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

func testEvent(id string, status stream.EventType) stream.Event {
	return stream.Event{
		ID:        id,
		Agent:     stream.AgentSummarizer,
		Status:    status,
		Timestamp: "2026-08-21T10:00:00Z",
	}
}

func TestRecordAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	first := testEvent("e1", stream.EventProcessing)
	first.Metadata = map[string]any{"task": "Reading notes", "progress": float64(40)}
	second := testEvent("e2", stream.EventDone)
	second.Payload = json.RawMessage(`["finding one","finding two"]`)

	require.NoError(t, w.Record(first))
	require.NoError(t, w.Record(second))
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first, events[0])
	assert.Equal(t, second, events[1])
	assert.JSONEq(t, `["finding one","finding two"]`, string(events[1].Payload))
}

func TestRecordAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	err = w.Record(testEvent("e1", stream.EventIdle))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadFileToleratesBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := `{"id":"e1","agent":"linker","status":"idle","timestamp":"t"}

{"id":"e2","agent":"linker","status":"done","timestamp":"t"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[1].ID)
}

func TestReadFileRejectsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := `{"id":"e1","agent":"linker","status":"idle","timestamp":"t"}
{"agent":"linker","status":"idle","timestamp":"t"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrMalformedEvent)
	assert.Contains(t, err.Error(), ":2:", "error should name the line")
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Package recorder captures agent-event sessions as JSON Lines files and
// loads them back for replay. Events are written exactly as received (the
// raw payload included), so a recording folds through the dashboard model
// identically to the live session that produced it.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

// ErrClosed indicates a Record call on a closed Writer.
var ErrClosed = errors.New("recording already closed")

// Writer appends events to a JSONL recording, one event per line.
// Record is safe to call straight from a stream client's OnEvent callback.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	count int
}

// NewWriter creates (or truncates) the recording file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &Writer{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Record appends one event.
func (w *Writer) Record(e stream.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of events recorded so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the recording. Subsequent Record calls return
// ErrClosed; Close itself is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return fmt.Errorf("flush recording: %w", flushErr)
	}
	return closeErr
}

// ReadFile loads a recording. The loader is strict: every non-blank line
// must decode and validate as an event, and errors name the offending line.
// Unlike the live stream, a malformed line here is an error, not a drop —
// recordings are produced by this package and corruption should be loud.
func ReadFile(path string) ([]stream.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	var events []stream.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		ev, err := stream.DecodeEvent([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read recording %s: %w", path, err)
	}
	return events, nil
}

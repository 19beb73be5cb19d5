package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recorder captures client callbacks for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
	states []ConnectionState
}

func (r *recorder) hook(cfg *Config) {
	cfg.OnEvent = func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}
	cfg.OnError = func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
	cfg.OnStateChange = func(s ConnectionState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) hasErr(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fakeClock replaces the client's retry timer so tests control when (and
// whether) scheduled reconnects fire.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeClock) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	// The returned timer never fires on its own; firing is manual.
	return time.NewTimer(24 * time.Hour)
}

func (f *fakeClock) scheduled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeClock) fire(t *testing.T, i int) {
	t.Helper()
	f.mu.Lock()
	require.Less(t, i, len(f.fns), "no reconnect scheduled at index %d", i)
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

// newTestServer runs an in-process stream endpoint. The handler receives
// each accepted connection and its request context.
func newTestServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// serveFrames writes the frames then holds the connection open until the
// client goes away.
func serveFrames(frames ...string) func(ctx context.Context, conn *websocket.Conn) {
	return func(ctx context.Context, conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
}

func validFrame(id string) string {
	return fmt.Sprintf(`{"id":%q,"agent":"summarizer","status":"processing","timestamp":"2026-08-21T10:00:00Z"}`, id)
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	cfg.DisableAutoConnect = true
	if cfg.SessionID == "" {
		cfg.SessionID = "test-session"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	c := New(cfg)
	t.Cleanup(c.Disconnect)
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// countDials wraps the client's dialer with an attempt counter.
func countDials(c *Client) *atomic.Int32 {
	var dials atomic.Int32
	orig := c.dial
	c.dial = func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return orig(ctx, u)
	}
	return &dials
}

// failDials makes every dial fail and counts attempts.
func failDials(c *Client) *atomic.Int32 {
	var dials atomic.Int32
	c.dial = func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, errors.New("connection refused")
	}
	return &dials
}

func TestClient_ConnectIdempotent(t *testing.T) {
	srv := newTestServer(t, serveFrames())
	c := newTestClient(t, Config{ServerURL: srv.URL})
	dials := countDials(c)

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect()) // still connecting: no second dial

	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Connect()) // connected: still a no-op

	assert.Equal(t, int32(1), dials.Load())
	assert.NoError(t, c.Err())
}

func TestClient_ConnectWithoutSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	cfg := Config{ServerURL: "http://127.0.0.1:1", SessionID: ""}
	rec.hook(&cfg)
	cfg.DisableAutoConnect = true
	c := New(cfg)
	dials := failDials(c)

	err := c.Connect()
	require.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.Err(), ErrNoSession)
	assert.True(t, rec.hasErr(ErrNoSession))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(0), dials.Load())
}

func TestClient_AutoConnect(t *testing.T) {
	srv := newTestServer(t, serveFrames(validFrame("e1")))
	c := New(Config{ServerURL: srv.URL, SessionID: "s1"})
	t.Cleanup(c.Disconnect)

	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_AutoConnectWithoutSession(t *testing.T) {
	rec := &recorder{}
	cfg := Config{ServerURL: "http://127.0.0.1:1"}
	rec.hook(&cfg)
	c := New(cfg)
	t.Cleanup(c.Disconnect)

	assert.ErrorIs(t, c.Err(), ErrNoSession)
	assert.True(t, rec.hasErr(ErrNoSession))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ReconnectBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	clock := &fakeClock{}
	cfg := Config{
		ServerURL:            "http://127.0.0.1:1",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
	}
	rec.hook(&cfg)
	c := newTestClient(t, cfg)
	c.afterFunc = clock.afterFunc
	dials := failDials(c)

	require.NoError(t, c.Connect())

	// Initial dial plus exactly five retries.
	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool { return clock.scheduled() == i+1 },
			3*time.Second, 5*time.Millisecond, "retry %d not scheduled", i+1)
		assert.Equal(t, int32(i+1), dials.Load())
		clock.fire(t, i)
	}

	require.Eventually(t, func() bool { return c.State() == StateFailed },
		3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(6), dials.Load())
	assert.Equal(t, 5, clock.scheduled(), "no retry scheduled past the budget")
	assert.ErrorIs(t, c.Err(), ErrMaxReconnects)
	assert.True(t, rec.hasErr(ErrMaxReconnects))
	assert.True(t, rec.hasErr(ErrTransport))

	// Failed is terminal: nothing else fires without a fresh Connect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(6), dials.Load())
	assert.Equal(t, StateFailed, c.State())
}

func TestClient_ReconnectDelayHonored(t *testing.T) {
	clock := &fakeClock{}
	c := newTestClient(t, Config{
		ServerURL:      "http://127.0.0.1:1",
		ReconnectDelay: 3 * time.Second,
	})
	c.afterFunc = clock.afterFunc
	dials := failDials(c)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return clock.scheduled() == 1 },
		3*time.Second, 5*time.Millisecond)

	clock.mu.Lock()
	delay := clock.delays[0]
	clock.mu.Unlock()
	assert.Equal(t, 3*time.Second, delay)

	// The timer has not fired: no second dial, however long we wait.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StateConnecting, c.State())

	clock.fire(t, 0)
	require.Eventually(t, func() bool { return dials.Load() == 2 },
		3*time.Second, 5*time.Millisecond)
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	clock := &fakeClock{}
	// Server kills every connection immediately after the handshake.
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.CloseNow()
	})
	c := newTestClient(t, Config{ServerURL: srv.URL})
	c.afterFunc = clock.afterFunc
	dials := countDials(c)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return clock.scheduled() == 1 },
		3*time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnecting, c.State())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// Even if the cancelled timer's callback fires, nothing dials.
	before := dials.Load()
	clock.fire(t, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, dials.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_MalformedFramesDropped(t *testing.T) {
	frames := []string{
		validFrame("e1"),
		`{"agent":"summarizer","status":"done","timestamp":"t"}`, // no id
		`{"id":"x","status":"done","timestamp":"t"}`,             // no agent
		`{"id":"x","agent":"linker","timestamp":"t"}`,            // no status
		`{"id":"x","agent":"linker","status":"done"}`,            // no timestamp
		`not json at all`,
		`[1,2,3]`,
		validFrame("e2"),
	}
	rec := &recorder{}
	cfg := Config{}
	rec.hook(&cfg)
	srv := newTestServer(t, serveFrames(frames...))
	cfg.ServerURL = srv.URL
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return len(c.Events()) == 2 },
		3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.Dropped() == 6 },
		3*time.Second, 10*time.Millisecond)

	events := c.Events()
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.Equal(t, 2, rec.eventCount(), "malformed frames must not reach OnEvent")
	assert.Equal(t, 0, rec.errCount(), "malformed frames must not reach OnError")
}

func TestClient_EventOrderPreserved(t *testing.T) {
	const n = 25
	frames := make([]string, n)
	for i := range frames {
		frames[i] = validFrame(fmt.Sprintf("e%03d", i))
	}
	rec := &recorder{}
	cfg := Config{}
	rec.hook(&cfg)
	srv := newTestServer(t, serveFrames(frames...))
	cfg.ServerURL = srv.URL
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return rec.eventCount() == n },
		3*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		assert.Equal(t, fmt.Sprintf("e%03d", i), ev.ID, "callback order broken at %d", i)
	}
	for i, ev := range c.Events() {
		assert.Equal(t, fmt.Sprintf("e%03d", i), ev.ID, "log order broken at %d", i)
	}
}

func TestClient_SendRequiresConnection(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: "http://127.0.0.1:1"})
	err := c.Send(map[string]string{"action": "restart"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SendWritesFrame(t *testing.T) {
	got := make(chan []byte, 1)
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		got <- data
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	c := newTestClient(t, Config{ServerURL: srv.URL})
	require.NoError(t, c.Connect())
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send(map[string]string{"action": "restart"}))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"action":"restart"}`, string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestClient_CleanServerCloseSchedulesReconnect(t *testing.T) {
	clock := &fakeClock{}
	rec := &recorder{}
	cfg := Config{}
	rec.hook(&cfg)
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(validFrame("e1")))
		_ = conn.Close(websocket.StatusNormalClosure, "scenario finished")
	})
	cfg.ServerURL = srv.URL
	c := newTestClient(t, cfg)
	c.afterFunc = clock.afterFunc

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return clock.scheduled() == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 0, rec.errCount(), "clean close is not an error")
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			// First connection: abnormal drop straight after the handshake.
			_ = conn.CloseNow()
			return
		}
		serveFrames(validFrame("e1"), validFrame("e2"))(ctx, conn)
	})
	c := newTestClient(t, Config{
		ServerURL:      srv.URL,
		ReconnectDelay: 20 * time.Millisecond,
	})

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return len(c.Events()) == 2 },
		5*time.Second, 10*time.Millisecond, "missing events after reconnect")
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.True(t, c.Connected())
	assert.NoError(t, c.Err(), "error field cleared by successful reconnect")
}

func TestClient_DisconnectFromCallback(t *testing.T) {
	var c *Client
	done := make(chan struct{})
	cfg := Config{
		OnEvent: func(Event) {
			c.Disconnect()
			close(done)
		},
	}
	srv := newTestServer(t, serveFrames(validFrame("e1")))
	cfg.ServerURL = srv.URL
	c = newTestClient(t, cfg)

	require.NoError(t, c.Connect())
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Len(t, c.Events(), 1)
}

func TestClient_ConnectAfterFailed(t *testing.T) {
	clock := &fakeClock{}
	c := newTestClient(t, Config{
		ServerURL:            "http://127.0.0.1:1",
		MaxReconnectAttempts: 1,
	})
	c.afterFunc = clock.afterFunc
	dials := failDials(c)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return clock.scheduled() == 1 },
		3*time.Second, 5*time.Millisecond)
	clock.fire(t, 0)
	require.Eventually(t, func() bool { return c.State() == StateFailed },
		3*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), dials.Load())

	// A fresh Connect resets the budget and dials again.
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return dials.Load() == 3 },
		3*time.Second, 5*time.Millisecond)
	assert.NotErrorIs(t, c.Err(), ErrMaxReconnects)
}

func TestClient_SetSession(t *testing.T) {
	srv := newTestServer(t, serveFrames())
	c := newTestClient(t, Config{ServerURL: srv.URL, SessionID: "s1"})

	require.NoError(t, c.Connect())
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)

	// Re-keying while connected tears the old connection down. Auto-connect
	// is disabled for test clients, so the client stays down until asked.
	c.SetSession("s2")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, "s2", c.Session())

	require.NoError(t, c.Connect())
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)
}

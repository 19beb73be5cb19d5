package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

// Config configures a Client. The zero value of every field is usable:
// zero durations and counts take the Default* constants, a nil Logger takes
// slog.Default, and auto-connect is ON unless DisableAutoConnect is set.
type Config struct {
	// ServerURL is the studio base URL ("http://host:port" or "ws://host:port").
	ServerURL string

	// SessionID selects the analysis session to observe. It may be empty;
	// connecting then fails with ErrNoSession until SetSession provides one.
	SessionID string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration

	// DisableAutoConnect stops New from connecting immediately.
	DisableAutoConnect bool

	Logger *slog.Logger

	// OnEvent receives every validated event, in arrival order, from a
	// single goroutine. OnError receives surfaced errors (ErrNoSession,
	// transport failures, ErrMaxReconnects). OnStateChange fires on every
	// ConnectionState transition. Callbacks must not block; they may call
	// back into the Client, including Disconnect.
	OnEvent       func(Event)
	OnError       func(error)
	OnStateChange func(ConnectionState)
}

type dialFunc func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)

// Client is a reconnecting WebSocket client for one analysis session.
//
// Connection ends not caused by Disconnect (clean server close, abnormal
// close, read error, dial failure) schedule a retry after ReconnectDelay,
// up to MaxReconnectAttempts retries per connected epoch; exhausting the
// budget lands in StateFailed with ErrMaxReconnects. Disconnect is the sole
// cancellation path and also cancels a pending retry timer.
//
// All methods are safe for concurrent use. An inbound frame already decoded
// when Disconnect is called may still reach OnEvent; it is never appended
// to the event log.
type Client struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	sessionID  string
	state      ConnectionState
	conn       *websocket.Conn
	connCancel context.CancelFunc
	retry      *time.Timer
	attempts   int
	lastErr    error
	events     []Event
	dropped    int

	// gen invalidates goroutines and timers belonging to torn-down
	// connections: every in-flight dial, read loop, and retry timer carries
	// the generation it was created under and no-ops when it is stale.
	gen uint64

	// dial and afterFunc are replaced in tests (failing dialers, fake clock).
	dial      dialFunc
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates a Client and, unless cfg.DisableAutoConnect is set, starts
// connecting. New never fails: construction with an empty SessionID is
// legal, and a failed auto-connect surfaces through Err and OnError exactly
// like a failed manual Connect.
func New(cfg Config) *Client {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		sessionID: cfg.SessionID,
		state:     StateDisconnected,
		dial: func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error) {
			return websocket.Dial(ctx, u, &websocket.DialOptions{})
		},
		afterFunc: time.AfterFunc,
	}

	if !cfg.DisableAutoConnect {
		_ = c.Connect()
	}
	return c
}

// Connect starts a connection attempt. It is idempotent: while Connecting
// or Connected it is a no-op returning nil. Without a session id it records
// and returns ErrNoSession without dialing. From Disconnected or Failed it
// clears the error field, resets the reconnect budget, and dials
// asynchronously; the dial outcome is reported via state and OnError.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.sessionID == "" {
		c.lastErr = ErrNoSession
		c.mu.Unlock()
		c.log.Warn("connect refused: session id not set")
		c.emitError(ErrNoSession)
		return ErrNoSession
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.lastErr = nil
	c.attempts = 0
	notify := c.setStateLocked(StateConnecting)
	c.startDialLocked()
	c.mu.Unlock()
	notify()
	return nil
}

// Disconnect tears the client down to StateDisconnected: it cancels a
// pending retry timer, invalidates in-flight dials and late frames, and
// closes an open socket with a normal closure. The event log and error
// field remain readable. Safe to call from any state, repeatedly, and from
// inside callbacks. After Disconnect returns, no further dial occurs until
// the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	notify()
}

// SetSession re-keys the client for its next connection. Called with a
// different id while Connecting or Connected it disconnects first; when
// auto-connect is enabled and the new id is non-empty it then reconnects.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	if id == c.sessionID {
		c.mu.Unlock()
		return
	}
	c.sessionID = id
	active := c.state == StateConnecting || c.state == StateConnected
	c.mu.Unlock()

	if active {
		c.Disconnect()
	}
	if id != "" && !c.cfg.DisableAutoConnect {
		_ = c.Connect()
	}
}

// Send marshals v and writes it as one text frame. In any state other than
// Connected the message is dropped and ErrNotConnected returned; there is
// no outbound queue.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Warn("dropping outbound message: not connected")
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client has an open connection.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// Connecting reports whether a dial is in flight or a retry is pending.
func (c *Client) Connecting() bool { return c.State() == StateConnecting }

// Err returns the most recently surfaced error. It is cleared by a
// successful open and by a fresh Connect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns the session id the client is keyed to.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Events returns a snapshot of the ordered event log.
func (c *Client) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Dropped returns the number of malformed frames discarded.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// setStateLocked updates the state under mu and returns the OnStateChange
// invocation to run after mu is released (no-op when the state is
// unchanged). Callbacks never run under the client mutex.
func (c *Client) setStateLocked(s ConnectionState) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	cb := c.cfg.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

func (c *Client) emitError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// startDialLocked launches one asynchronous dial attempt for the current
// generation. Caller holds mu with state already StateConnecting.
func (c *Client) startDialLocked() {
	gen := c.gen
	target, err := StreamURL(c.cfg.ServerURL, c.sessionID)
	if err != nil {
		// Bad base URL. Fail the attempt without dialing; the reconnect
		// policy applies as for any dial failure.
		go c.dialFailed(gen, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.connCancel = cancel
	go func() {
		dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancelDial()
		conn, _, err := c.dial(dialCtx, target)
		if err != nil {
			c.dialFailed(gen, err)
			return
		}
		c.dialSucceeded(gen, ctx, conn)
	}()
}

func (c *Client) dialFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.log.Warn("stream dial failed", "error", err, "session_id", c.sessionID)
	notify, errs := c.connectionEndedLocked(fmt.Errorf("%w: dial: %w", ErrTransport, err))
	c.mu.Unlock()
	notify()
	for _, e := range errs {
		c.emitError(e)
	}
}

func (c *Client) dialSucceeded(gen uint64, ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	session := c.sessionID
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("stream connected", "session_id", session)
	notify()
	go c.readLoop(ctx, conn, gen)
}

// readLoop is the sole goroutine delivering events for its connection, so
// OnEvent observes frames in arrival order.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.readEnded(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.dropped++
		}
		c.mu.Unlock()
		c.log.Debug("dropping malformed frame", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		// Raced with Disconnect; the frame belongs to a torn-down connection.
		c.mu.Unlock()
		return
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// readEnded applies the reconnect policy when a connection ends for any
// reason other than Disconnect. Clean closes reconnect silently; abnormal
// ends also surface a transport error.
func (c *Client) readEnded(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		// Closed locally by Disconnect, or superseded.
		c.mu.Unlock()
		return
	}

	var cause error
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Info("server closed stream", "status", int(status))
	default:
		cause = fmt.Errorf("%w: %w", ErrTransport, err)
		c.log.Warn("stream read failed", "error", err)
	}

	notify, errs := c.connectionEndedLocked(cause)
	c.mu.Unlock()
	notify()
	for _, e := range errs {
		c.emitError(e)
	}
}

// connectionEndedLocked either schedules one retry timer or, with the
// budget exhausted, transitions to StateFailed. Caller holds mu; the
// returned callback and errors are dispatched after release.
func (c *Client) connectionEndedLocked(cause error) (notify func(), errs []error) {
	c.conn = nil
	c.connCancel = nil
	if cause != nil {
		c.lastErr = cause
		errs = append(errs, cause)
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.lastErr = ErrMaxReconnects
		errs = append(errs, ErrMaxReconnects)
		c.log.Error("reconnect attempts exhausted",
			"attempts", c.attempts,
			"session_id", c.sessionID)
		return c.setStateLocked(StateFailed), errs
	}

	c.attempts++
	gen := c.gen
	c.log.Info("scheduling reconnect",
		"attempt", c.attempts,
		"max_attempts", c.cfg.MaxReconnectAttempts,
		"delay", c.cfg.ReconnectDelay)
	c.retry = c.afterFunc(c.cfg.ReconnectDelay, func() { c.redial(gen) })
	return c.setStateLocked(StateConnecting), errs
}

// redial runs when a retry timer fires.
func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.startDialLocked()
	c.mu.Unlock()
}

// StreamURL derives the WebSocket endpoint for a session from a base URL.
// http/https map to ws/wss; ws/wss pass through; the path gains a /ws
// suffix and the session id rides the session_id query parameter.
func StreamURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	case "":
		return "", fmt.Errorf("server url %q: missing scheme", base)
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

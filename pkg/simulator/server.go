package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/skeinworks/skein-stream/pkg/stream"
	"github.com/skeinworks/skein-stream/pkg/version"
)

// Close code sent when a connection arrives without a session_id parameter.
const closeNoSession = websocket.StatusCode(4000)

// session tracks per-session emission state. The cursor outlives connections
// so a reconnecting client resumes at the next unplayed step.
type session struct {
	cursor int
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Server is the scripted studio backend. One scenario is shared by all
// sessions; each session plays it from its own cursor.
type Server struct {
	log   *slog.Logger
	newID func() string
	gen   *Generator

	// delayOverride replaces every step delay when >= 0 (tests run at full
	// speed without rewriting scripts).
	delayOverride time.Duration

	mu       sync.Mutex
	scn      *Scenario
	sessions map[string]*session

	httpSrv *http.Server
	ln      net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithIDFunc replaces the event/session id generator (deterministic tests).
func WithIDFunc(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// WithStepDelay overrides every scripted step delay.
func WithStepDelay(d time.Duration) Option {
	return func(s *Server) { s.delayOverride = d }
}

// WithGenerator serves generated soak traffic instead of the scenario.
func WithGenerator(g *Generator) Option {
	return func(s *Server) { s.gen = g }
}

// NewServer creates a simulator serving the given scenario (the built-in
// demo when scn is nil). The scenario is assumed validated.
func NewServer(scn *Scenario, opts ...Option) *Server {
	if scn == nil {
		scn = Default()
	}
	s := &Server{
		log:           slog.Default(),
		newID:         uuid.NewString,
		delayOverride: -1,
		scn:           scn,
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler, so tests can mount the simulator
// on an httptest.Server instead of binding a port.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.GET("/ws", s.wsHandler)
	e.POST("/api/sessions", s.createSessionHandler)
	e.GET("/healthz", s.healthHandler)
	return e
}

// Start listens on addr and serves until Shutdown. Blocking, like
// http.Server.ListenAndServe; it returns http.ErrServerClosed after a clean
// Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}
	srv := s.httpSrv
	s.mu.Unlock()
	return srv.Serve(ln)
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the HTTP server and tears down live stream connections.
// WebSocket connections are hijacked from the HTTP server, so they are
// closed explicitly here rather than waiting for Shutdown to drain them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	for _, sess := range s.sessions {
		if sess.cancel != nil {
			sess.cancel()
		}
		if sess.conn != nil {
			_ = sess.conn.Close(websocket.StatusGoingAway, "simulator shutting down")
			sess.conn = nil
		}
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SwapScenario atomically replaces the scenario and resets every session
// cursor to step 0. Live connections pick the new script up from there.
func (s *Server) SwapScenario(scn *Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scn = scn
	for _, sess := range s.sessions {
		sess.cursor = 0
	}
	s.log.Info("scenario swapped", "name", scn.Name, "steps", len(scn.Steps))
}

// wsHandler upgrades GET /ws and plays the scenario for the session. Blocks
// until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		_ = conn.Close(closeNoSession, "session_id required")
		return nil
	}
	s.serve(c.Request().Context(), conn, sessionID)
	return nil
}

func (s *Server) createSessionHandler(c *echo.Context) error {
	id := s.newID()
	s.log.Info("session created", "session_id", id)
	return c.JSON(http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GitCommit,
	})
}

// serve owns one accepted connection: it registers it for the session
// (taking over from a previous socket), starts the command reader, and
// emits until the scenario ends, a drop step fires, or the socket closes.
func (s *Server) serve(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	if sess.cancel != nil {
		// One live socket per session: the newcomer takes over.
		sess.cancel()
		if sess.conn != nil {
			_ = sess.conn.CloseNow()
		}
	}
	sess.conn = conn
	sess.cancel = cancel
	cursor := sess.cursor
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if sess.conn == conn {
			sess.conn = nil
			sess.cancel = nil
		}
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	s.log.Info("stream connected", "session_id", sessionID, "cursor", cursor)

	restart := make(chan struct{}, 1)
	go s.readCommands(ctx, conn, sessionID, sess, restart, cancel)

	if s.gen != nil {
		s.serveGenerated(ctx, conn)
		return
	}

	for {
		if !s.play(ctx, conn, sess, restart) {
			return
		}
		// Scenario exhausted: hold the socket open for a restart command or
		// a client close.
		select {
		case <-ctx.Done():
			return
		case <-restart:
		}
	}
}

// play emits steps from the session cursor. It returns true when the
// scenario ran out of steps with the socket still usable, false when the
// connection is gone (drop step, write failure, or cancellation).
func (s *Server) play(ctx context.Context, conn *websocket.Conn, sess *session, restart <-chan struct{}) bool {
	for {
		s.mu.Lock()
		scn := s.scn
		if sess.cursor >= len(scn.Steps) {
			if !scn.Loop {
				s.mu.Unlock()
				return true
			}
			sess.cursor = 0
		}
		step := scn.Steps[sess.cursor]
		s.mu.Unlock()

		if d := s.stepDelay(step); d > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-restart:
				// Cursor already reset by the reader; re-read it.
				continue
			case <-time.After(d):
			}
		} else {
			select {
			case <-restart:
				continue
			default:
			}
		}

		// Advance before acting so a drop step is not replayed on reconnect.
		s.mu.Lock()
		sess.cursor++
		s.mu.Unlock()

		switch {
		case step.Drop:
			s.log.Info("scripted drop: closing connection abruptly")
			_ = conn.CloseNow()
			return false
		case step.Raw != "":
			if err := conn.Write(ctx, websocket.MessageText, []byte(step.Raw)); err != nil {
				return false
			}
		default:
			data, err := json.Marshal(s.mintEvent(step))
			if err != nil {
				s.log.Error("marshal scripted event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return false
			}
		}
	}
}

func (s *Server) stepDelay(step Step) time.Duration {
	if s.delayOverride >= 0 {
		return s.delayOverride
	}
	return time.Duration(step.Delay)
}

// mintEvent turns an event step into a wire event, shaped the way the
// dashboard reducer reads them: task and progress hints in metadata,
// findings or error detail as the payload.
func (s *Server) mintEvent(step Step) stream.Event {
	ev := stream.Event{
		ID:        s.newID(),
		Agent:     step.Agent,
		Status:    step.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	md := make(map[string]any, len(step.Metadata)+2)
	for k, v := range step.Metadata {
		md[k] = v
	}
	if step.Task != "" {
		md["task"] = step.Task
	}
	if step.Progress != nil {
		md["progress"] = *step.Progress
	}
	if len(md) > 0 {
		ev.Metadata = md
	}

	switch {
	case len(step.Findings) > 0:
		ev.Payload, _ = json.Marshal(step.Findings)
	case step.Error != "":
		ev.Payload, _ = json.Marshal(step.Error)
	}
	return ev
}

// serveGenerated streams soak traffic until the connection goes away.
func (s *Server) serveGenerated(ctx context.Context, conn *websocket.Conn) {
	for {
		ev, err := s.gen.Next(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("marshal generated event", "error", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

// readCommands is the per-connection read loop for client → server commands.
// The only command today is {"action": "restart"}; unknown actions are
// logged and ignored. A read error means the socket is gone, which cancels
// the emission side.
func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, sessionID string, sess *session, restart chan<- struct{}, cancel context.CancelFunc) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			return
		}

		var cmd struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Action == "" {
			s.log.Warn("ignoring unparseable command", "session_id", sessionID)
			continue
		}
		switch cmd.Action {
		case "restart":
			s.mu.Lock()
			sess.cursor = 0
			s.mu.Unlock()
			s.log.Info("restart requested", "session_id", sessionID)
			select {
			case restart <- struct{}{}:
			default:
			}
		default:
			s.log.Warn("ignoring unknown command", "session_id", sessionID, "action", cmd.Action)
		}
	}
}

// sessionCursor reports a session's cursor. Unexported — tests poll it
// instead of sleeping.
func (s *Server) sessionCursor(sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return sess.cursor, true
}

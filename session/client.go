// Package session implements the per-client session protocol: the
// full-duplex coupling of a PTY with a WebSocket connection, the
// handshake/authentication state machine, the single-slot producer/
// consumer between the PTY reader and the WS writer, and teardown.
package session

import (
	"crypto/subtle"
	stderrors "errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"ttybridge/admission"
	"ttybridge/audit"
	"ttybridge/config"
	"ttybridge/protocol"
	"ttybridge/server"
)

// WebSocket message types and close codes, matching gorilla/websocket's
// own opcode constants so a *websocket.Conn satisfies Conn with no
// adapter and a handlers-package caller can pass websocket.BinaryMessage
// straight through.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
)

// Close codes used by the server (spec.md §6).
const (
	CloseNormal              = 1000
	CloseInvalidPayload      = 1007
	ClosePolicyViolation     = 1008
	CloseUnexpectedCondition = 1011
)

// Conn is the subset of *websocket.Conn a ClientSession drives. Defined
// narrowly so tests can substitute a fake without pulling in a real
// socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// PTY is the subset of ptysession.Session a ClientSession drives.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Terminate(sig syscall.Signal, sigName string)
	Done() <-chan struct{}
	Pid() int
	ExitCode() int
}

// SpawnFunc starts a new PTY child for argv in dir. Injected so tests can
// substitute a fake PTY without forking a real process.
type SpawnFunc func(argv []string, dir string, log zerolog.Logger) (PTY, error)

// ClientSession is one WebSocket connection paired with, at most, one PTY
// child. Exactly the fields spec.md §3 lists, typed for Go.
type ClientSession struct {
	id     string
	conn   Conn
	cfg    *config.Config
	handle *server.Handle
	spawn   SpawnFunc
	log     zerolog.Logger
	audit   *audit.Log
	lockout *admission.Lockout
	prefs   func() string

	peerHostname string
	peerAddress  string

	authenticated atomic.Bool
	initialized   bool
	running       atomic.Bool

	ptyMu sync.Mutex
	pty   PTY

	winsize protocol.WindowSize

	rxBuffer []byte

	tx        txSlot
	writeWake chan struct{} // capacity 1: "ask for a writable callback"

	// writeMu serializes every write onto conn: gorilla/websocket
	// connections are not safe for concurrent writers, and this session
	// has two (the writer goroutine draining tx, and the reader
	// goroutine replying to PING inline).
	writeMu sync.Mutex

	done     chan struct{}
	teardown sync.Once
}

// New constructs a ClientSession for an already-upgraded connection.
// peerHostname/peerAddress are for logging/audit only; the SET_WINDOW_TITLE
// payload uses cfg.ServerHostname (the bridge host's own name), matching
// the original implementation's gethostname() call.
func New(conn Conn, cfg *config.Config, handle *server.Handle, spawn SpawnFunc, peerHostname, peerAddress string, log zerolog.Logger) *ClientSession {
	id := uuid.NewString()
	return &ClientSession{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		handle:       handle,
		spawn:        spawn,
		log:          log.With().Str("session_id", id).Logger(),
		peerHostname: peerHostname,
		peerAddress:  peerAddress,
		writeWake:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SessionID satisfies server.Session.
func (s *ClientSession) SessionID() string { return s.id }

// WithAudit attaches an audit log; a nil log (the default) makes every
// lifecycle record a no-op. Must be called before Run.
func (s *ClientSession) WithAudit(log *audit.Log) *ClientSession {
	s.audit = log
	return s
}

// WithLockout attaches the auth-failure lockout; a nil lockout (the
// default) makes every AuthToken attempt unthrottled. Must be called
// before Run.
func (s *ClientSession) WithLockout(lockout *admission.Lockout) *ClientSession {
	s.lockout = lockout
	return s
}

// WithPrefs overrides the SET_PREFERENCES payload with a live source
// (e.g. a *prefs.Watcher's JSON method), read once at handshake time. If
// never called, the handshake uses cfg.PrefsJSON verbatim.
func (s *ClientSession) WithPrefs(source func() string) *ClientSession {
	s.prefs = source
	return s
}

// Run drives the session to completion: ESTABLISHED registration,
// handshake push, the receive-dispatch loop, and teardown. Blocks until
// the connection closes, by either side.
func (s *ClientSession) Run() {
	s.handle.Add(s)
	s.audit.Established(s.id, s.peerAddress, s.peerHostname, s.cfg.Command)
	s.log.Info().
		Str("peer_address", s.peerAddress).
		Str("peer_hostname", s.peerHostname).
		Int("clients", s.handle.Count()).
		Msg("client established")

	if s.cfg.Credential == "" {
		s.authenticated.Store(true)
	}

	go s.writerLoop()
	s.readerLoop()
	s.destroy()

	s.log.Info().Int("clients", s.handle.Count()).Msg("client closed")
}

// writerLoop pushes the initial handshake, then drains the single-slot
// tx hand-off every time the PTY reader asks for a writable callback.
func (s *ClientSession) writerLoop() {
	if err := s.sendHandshake(); err != nil {
		s.log.Error().Err(err).Msg("handshake write failed")
		s.closeWith(CloseUnexpectedCondition, "handshake write failed")
		s.destroy()
		return
	}
	s.initialized = true

	for {
		select {
		case <-s.done:
			return
		case <-s.writeWake:
			if s.drainTx() {
				s.destroy()
				return
			}
		}
	}
}

func (s *ClientSession) sendHandshake() error {
	title := s.cfg.Command + " (" + s.cfg.ServerHostname + ")"
	prefsJSON := s.cfg.PrefsJSON
	if s.prefs != nil {
		prefsJSON = s.prefs()
	}
	frames := [][]byte{
		protocol.EncodeString(protocol.SetWindowTitle, title),
		protocol.EncodeString(protocol.SetReconnect, strconv.Itoa(s.cfg.Reconnect)),
		protocol.EncodeString(protocol.SetPreferences, prefsJSON),
	}
	for _, f := range frames {
		if err := s.writeMessage(BinaryMessage, f); err != nil {
			return pkgerrors.Wrap(err, "write handshake frame")
		}
	}
	return nil
}

// writeMessage serializes a write onto conn; see writeMu.
func (s *ClientSession) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// drainTx consumes one ready chunk, if any. Returns true when the session
// should terminate (child exited or a fatal PTY read error).
func (s *ClientSession) drainTx() bool {
	s.tx.mu.Lock()
	if s.tx.state != txReady {
		s.tx.mu.Unlock()
		return false
	}
	n := s.tx.n
	buf := s.tx.buf
	s.tx.mu.Unlock()

	if n <= 0 {
		code := CloseNormal
		if n < 0 {
			code = CloseUnexpectedCondition
		}
		s.closeWith(code, "pty closed")
		s.tx.mu.Lock()
		s.tx.state = txDone
		s.tx.mu.Unlock()
		return true
	}

	frame := protocol.Encode(protocol.Output, buf[:n])
	if err := s.writeMessage(BinaryMessage, frame); err != nil {
		s.log.Warn().Err(err).Msg("short write of OUTPUT frame")
	}

	s.tx.mu.Lock()
	s.tx.state = txDone
	s.tx.mu.Unlock()
	return false
}

// readerLoop is the RECEIVE side: reassembles each WS message (gorilla
// already hands us one complete message per ReadMessage call) and
// dispatches on its tag.
func (s *ClientSession) readerLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Info().Err(err).Msg("ws closed by peer")
			return
		}
		if msgType != BinaryMessage && msgType != TextMessage {
			continue
		}

		s.rxBuffer = append(s.rxBuffer, data...)
		fatal := s.dispatch(s.rxBuffer)
		s.rxBuffer = nil
		if fatal {
			return
		}
	}
}

// dispatch applies the auth gate and routes on tag. Returns true if the
// connection is being torn down as a result (server-initiated close).
func (s *ClientSession) dispatch(msg []byte) (fatal bool) {
	tag, err := protocol.Tag(msg)
	if err != nil {
		return false
	}

	if s.cfg.Credential != "" && !s.authenticated.Load() && tag != protocol.JSONData {
		s.log.Warn().Msg("rejected frame before authentication")
		s.closeWith(ClosePolicyViolation, "authentication required")
		return true
	}

	switch tag {
	case protocol.Input:
		return s.handleInput(protocol.Payload(msg))
	case protocol.Ping:
		return s.handlePing()
	case protocol.ResizeTerminal:
		s.handleResize(protocol.Payload(msg))
		return false
	case protocol.JSONData:
		return s.handleJSONData(protocol.Payload(msg))
	default:
		s.log.Warn().Uint8("tag", tag).Msg("unknown message tag")
		s.closeWith(CloseInvalidPayload, "unknown message tag")
		return true
	}
}

func (s *ClientSession) handleInput(payload []byte) (fatal bool) {
	pty := s.activePTY()
	if pty == nil || s.cfg.ReadOnly {
		return false
	}
	n, err := pty.Write(payload)
	if err != nil || n < len(payload) {
		s.log.Error().Err(err).Msg("short write to pty")
		s.closeWith(CloseUnexpectedCondition, "pty write failed")
		return true
	}
	return false
}

func (s *ClientSession) handlePing() (fatal bool) {
	if err := s.writeMessage(BinaryMessage, []byte{protocol.Pong}); err != nil {
		s.log.Error().Err(err).Msg("failed to send PONG")
		s.closeWith(CloseUnexpectedCondition, "pong write failed")
		return true
	}
	return false
}

func (s *ClientSession) handleResize(payload []byte) {
	var ws protocol.WindowSize
	if err := json.Unmarshal(payload, &ws); err != nil {
		s.log.Warn().Err(err).Msg("malformed resize payload")
		return
	}
	if ws.Columns <= 0 || ws.Rows <= 0 {
		return
	}
	s.winsize = ws

	if pty := s.activePTY(); pty != nil {
		if err := pty.Resize(ws.Columns, ws.Rows); err != nil {
			s.log.Warn().Err(err).Msg("ioctl resize failed")
		}
	}
}

// handleJSONData authenticates (if a credential is configured) and spawns
// the PTY child on the first accepted JSON_DATA frame. A JSON_DATA
// arriving once the child already exists is a no-op: per the resolved
// Open Question in SPEC_FULL.md §4.3, it does not re-validate the token.
func (s *ClientSession) handleJSONData(payload []byte) (fatal bool) {
	if s.activePTY() != nil {
		return false
	}

	if s.cfg.Credential != "" {
		var auth struct {
			AuthToken string `json:"AuthToken"`
		}
		_ = json.Unmarshal(payload, &auth)
		if auth.AuthToken == "" ||
			subtle.ConstantTimeCompare([]byte(auth.AuthToken), []byte(s.cfg.Credential)) != 1 {
			s.log.Warn().Msg("authentication failed")
			s.lockout.RecordFailure(s.peerAddress)
			s.closeWith(ClosePolicyViolation, "invalid auth token")
			return true
		}
		s.lockout.RecordSuccess(s.peerAddress)
	}
	s.authenticated.Store(true)

	pty, err := s.spawn(s.cfg.Argv, s.cfg.WorkingDir, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to spawn pty child")
		s.closeWith(CloseUnexpectedCondition, "failed to start command")
		return true
	}

	s.ptyMu.Lock()
	s.pty = pty
	s.ptyMu.Unlock()
	s.running.Store(true)

	if s.winsize.Columns > 0 && s.winsize.Rows > 0 {
		if err := pty.Resize(s.winsize.Columns, s.winsize.Rows); err != nil {
			s.log.Warn().Err(err).Msg("initial resize failed")
		}
	}

	go s.ptyReaderLoop(pty)
	return false
}

func (s *ClientSession) activePTY() PTY {
	s.ptyMu.Lock()
	defer s.ptyMu.Unlock()
	return s.pty
}

// ptyReaderLoop is the PTY reader worker: it waits for readability on the
// PTY and, under the session mutex, spins with a short sleep while the
// previous chunk hasn't been drained yet (backpressure), then fills the
// slot and asks for a writable callback.
func (s *ClientSession) ptyReaderLoop(pty PTY) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.tx.mu.Lock()
		for s.tx.state == txReady {
			s.tx.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-time.After(5 * time.Microsecond):
			}
			s.tx.mu.Lock()
		}
		s.tx.mu.Unlock()

		nRead, err := pty.Read(buf)

		var chunkLen int
		switch {
		case err == nil:
			chunkLen = nRead
		case stderrors.Is(err, io.EOF):
			chunkLen = 0
		default:
			chunkLen = -1
		}

		s.tx.mu.Lock()
		if chunkLen > 0 {
			s.tx.buf = append(s.tx.buf[:0], buf[:chunkLen]...)
		} else {
			s.tx.buf = nil
		}
		s.tx.n = chunkLen
		s.tx.state = txReady
		s.tx.mu.Unlock()

		select {
		case s.writeWake <- struct{}{}:
		default:
		}

		if chunkLen <= 0 {
			return
		}
	}
}

// closeWith sends a WS close control frame with code/reason, best-effort
// (the connection may already be going away).
func (s *ClientSession) closeWith(code int, reason string) {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(CloseMessage, payload, time.Now().Add(time.Second))
	s.writeMu.Unlock()
}

// destroy is the CLOSED transition: terminate the child (idempotent),
// unlink the session from the registry (idempotent), release the rx
// buffer, and trigger a once-policy shutdown if the registry just
// drained to zero. Safe to call from multiple goroutines/paths.
func (s *ClientSession) destroy() {
	s.teardown.Do(func() {
		close(s.done)
		s.running.Store(false)

		exitCode := 0
		if pty := s.activePTY(); pty != nil {
			pty.Terminate(s.cfg.SigNum, s.cfg.SigName)
			exitCode = pty.ExitCode()
		}
		s.rxBuffer = nil
		_ = s.conn.Close()
		s.audit.Closed(s.id, exitCode)
	})

	s.handle.Remove(s)
	s.handle.MaybeShutdownOnce()
}

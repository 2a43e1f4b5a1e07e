// Package handlers wires the HTTP surface: the WebSocket upgrade route
// gated by admission.Check, and a /healthz liveness probe. Grounded on
// the teacher's own handlers/terminal.go gin + gorilla/websocket upgrade
// idiom, generalized from a single reused shell-per-user to one fresh
// ptysession.Session per ClientSession.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ttybridge/admission"
	"ttybridge/audit"
	"ttybridge/prefs"
	"ttybridge/ptysession"
	"ttybridge/server"
	"ttybridge/session"
)

// TerminalHandler upgrades admitted requests to a WebSocket and hands them
// off to a new session.ClientSession.
type TerminalHandler struct {
	handle  *server.Handle
	audit   *audit.Log
	lockout *admission.Lockout
	prefs   *prefs.Watcher
	log     zerolog.Logger

	upgrader websocket.Upgrader
}

// NewTerminalHandler builds a handler bound to handle's config and
// registry. auditLog, lockout, and prefsWatcher may be nil (each feature
// disabled independently).
func NewTerminalHandler(handle *server.Handle, auditLog *audit.Log, lockout *admission.Lockout, prefsWatcher *prefs.Watcher, log zerolog.Logger) *TerminalHandler {
	return &TerminalHandler{
		handle:  handle,
		audit:   auditLog,
		lockout: lockout,
		prefs:   prefsWatcher,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// admission.Check already applied the Origin/Host policy;
			// the upgrader itself admits everything that reached here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket is the gin route handler for the bridge's single WS
// endpoint. Admission is checked here, on every request, because it
// depends on the live client count, which can change between requests.
func (h *TerminalHandler) HandleWebSocket(c *gin.Context) {
	cfg := h.handle.Config()

	result := admission.Check(cfg, h.handle, c.Request, h.lockout)
	if !result.Allowed {
		h.log.Warn().Str("reason", result.Reason).Str("remote", c.ClientIP()).Msg("connection refused")
		c.JSON(http.StatusForbidden, gin.H{"error": result.Reason})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	peerHostname := c.Request.Header.Get("X-Forwarded-Host")
	if peerHostname == "" {
		peerHostname = c.Request.Host
	}

	cs := session.New(conn, cfg, h.handle, ptysessionSpawn, peerHostname, c.ClientIP(), h.log).
		WithAudit(h.audit).
		WithLockout(h.lockout)
	if h.prefs != nil {
		cs = cs.WithPrefs(h.prefs.JSON)
	}
	cs.Run()
}

// ptysessionSpawn adapts ptysession.Spawn to session.SpawnFunc: Spawn
// returns a concrete *ptysession.Session, which satisfies session.PTY
// structurally, but SpawnFunc's signature needs the interface type back.
func ptysessionSpawn(argv []string, dir string, log zerolog.Logger) (session.PTY, error) {
	return ptysession.Spawn(argv, dir, log)
}

// Healthz reports liveness and the current client count.
func Healthz(handle *server.Handle) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": handle.Count(),
		})
	}
}

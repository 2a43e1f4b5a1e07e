// Package server holds the process-wide configuration and the live
// registry of client sessions: the "ServerHandle" collaborators outside
// the core protocol (HTTP wiring, admission checks) are given to mutate
// under its lock and to query for admission decisions.
package server

import (
	"sync"
	"sync/atomic"

	"ttybridge/config"
)

// Session is the minimal identity a registered client exposes to the
// registry; session.ClientSession satisfies this with no adapter needed.
type Session interface {
	SessionID() string
}

// Counter tracks the live client count for admission purposes. The
// registry itself is always the source of truth for Add/Remove; Counter
// exists so max_clients can additionally be enforced across a fleet of
// bridge processes sharing one Redis instance (see RedisCounter). A nil
// Counter falls back to the in-process registry size.
type Counter interface {
	Incr() (int, error)
	Decr() (int, error)
	Count() (int, error)
}

// Handle is the ServerHandle contract from the spec: config() and the
// mutable registry, guarded by a single mutex, plus the force_exit flag
// and event-loop cancellation used for cooperative shutdown.
type Handle struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]Session

	counter Counter

	forceExit atomic.Bool
	cancel    func()
}

// New builds a Handle. counter may be nil (local-only counting); cancel is
// invoked once, on Shutdown, to unblock whatever accept loop owns this
// handle (e.g. cancelling the HTTP server's base context).
func New(cfg *config.Config, counter Counter, cancel func()) *Handle {
	return &Handle{
		cfg:     cfg,
		clients: make(map[string]Session),
		counter: counter,
		cancel:  cancel,
	}
}

// Config returns the immutable, process-wide configuration.
func (h *Handle) Config() *config.Config { return h.cfg }

// Add registers a session. Invariant: a session is registered exactly
// once, at ESTABLISHED.
func (h *Handle) Add(s Session) {
	h.mu.Lock()
	h.clients[s.SessionID()] = s
	h.mu.Unlock()

	if h.counter != nil {
		if _, err := h.counter.Incr(); err != nil {
			// Distributed counter is best-effort: an Incr error is
			// ignored. Count falls back to the local registry size only
			// when the counter itself cannot be read.
		}
	}
}

// Remove unregisters a session. Idempotent: removing an id already gone
// from the registry is a safe no-op and does not double-decrement the
// distributed counter.
func (h *Handle) Remove(s Session) {
	h.mu.Lock()
	_, existed := h.clients[s.SessionID()]
	if existed {
		delete(h.clients, s.SessionID())
	}
	h.mu.Unlock()

	if existed && h.counter != nil {
		h.counter.Decr()
	}
}

// Count returns the number of live sessions: the distributed counter when
// one is configured and healthy, else the registry's own size.
func (h *Handle) Count() int {
	if h.counter != nil {
		if n, err := h.counter.Count(); err == nil {
			return n
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ForceExit reports whether global shutdown has been requested.
func (h *Handle) ForceExit() bool { return h.forceExit.Load() }

// Shutdown sets force_exit and cancels the event loop; the process exits
// once the current callback returns.
func (h *Handle) Shutdown() {
	if h.forceExit.CompareAndSwap(false, true) && h.cancel != nil {
		h.cancel()
	}
}

// MaybeShutdownOnce triggers shutdown if the once policy is set and the
// registry has drained to zero. Called after every Remove.
func (h *Handle) MaybeShutdownOnce() {
	if h.cfg.Once && h.Count() == 0 {
		h.Shutdown()
	}
}

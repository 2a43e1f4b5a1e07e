// Package admission implements the stateless checks applied at WS
// handshake time, before a client session exists: once/max_clients
// policy, WS path match, and optional origin validation.
package admission

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ttybridge/config"
	"ttybridge/server"
)

// Result is the outcome of an admission check. A rejected Result carries
// a human-readable Reason suitable for a categorized warning log.
type Result struct {
	Allowed bool
	Reason  string
}

// Check applies the Origin & Admission Filter. Order matches spec.md:
// once, then max_clients, then path, then (optionally) origin, then
// (optionally) the auth-failure lockout.
func Check(cfg *config.Config, handle *server.Handle, r *http.Request, lockout *Lockout) Result {
	if cfg.Once && handle.Count() > 0 {
		return Result{Reason: "refused: --once is already serving a client"}
	}
	if cfg.MaxClients > 0 && handle.Count() >= cfg.MaxClients {
		return Result{Reason: "refused: max_clients reached"}
	}
	if r.URL.Path != cfg.WSPath {
		return Result{Reason: "refused: illegal ws path " + r.URL.Path}
	}
	if cfg.CheckOrigin && !checkOrigin(r) {
		return Result{Reason: "refused: origin/host mismatch"}
	}
	if locked, remaining := lockout.IsLocked(peerKey(r)); locked {
		return Result{Reason: "refused: too many failed auth attempts, retry in " + strconv.Itoa(remaining) + "s"}
	}
	return Result{Allowed: true}
}

// peerKey is the address a Lockout keys failures by: the request's
// remote address with any port stripped, falling back to the whole
// RemoteAddr if it isn't a host:port pair.
func peerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkOrigin normalizes the Origin header's host (stripping default
// ports 80/443, keeping a non-default port as host:port) and compares it
// case-insensitively against the Host header. Grounded on the teacher's
// handlers/websocket.go checkWSOrigin, generalized from an allow-list
// compare to the single-Host equivalence spec.md prescribes.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := u.Hostname()
	normalized := host
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		normalized = host + ":" + port
	}

	return strings.EqualFold(normalized, r.Host)
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "https", "wss":
		return port == "443"
	default:
		return port == "80"
	}
}

package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"ttybridge/config"
	"ttybridge/server"
)

func req(t *testing.T, path, origin, host string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://example"+path, nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	r.Host = host
	return r
}

func TestOriginDefaultPortStrippedAndAccepted(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws", CheckOrigin: true}
	h := server.New(cfg, nil, nil)

	result := Check(cfg, h, req(t, "/ws", "http://h:80", "h"), nil)
	assert.True(t, result.Allowed)
}

func TestOriginNonDefaultPortRejected(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws", CheckOrigin: true}
	h := server.New(cfg, nil, nil)

	result := Check(cfg, h, req(t, "/ws", "http://h:81", "h"), nil)
	assert.False(t, result.Allowed)
}

func TestWrongPathRejected(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws"}
	h := server.New(cfg, nil, nil)

	result := Check(cfg, h, req(t, "/other", "", "h"), nil)
	assert.False(t, result.Allowed)
}

func TestOncePolicyRejectsSecondClient(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws", Once: true}
	h := server.New(cfg, nil, nil)
	h.Add(fakeSession{"a"})

	result := Check(cfg, h, req(t, "/ws", "", "h"), nil)
	assert.False(t, result.Allowed)
}

func TestMaxClientsRejectsAtCapacity(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws", MaxClients: 1}
	h := server.New(cfg, nil, nil)
	h.Add(fakeSession{"a"})

	result := Check(cfg, h, req(t, "/ws", "", "h"), nil)
	assert.False(t, result.Allowed)
}

func TestAllowedWithNoRestrictions(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws"}
	h := server.New(cfg, nil, nil)

	result := Check(cfg, h, req(t, "/ws", "", "h"), nil)
	assert.True(t, result.Allowed)
}

func TestNilLockoutNeverBlocks(t *testing.T) {
	cfg := &config.Config{WSPath: "/ws"}
	h := server.New(cfg, nil, nil)

	var lockout *Lockout // nil: no TTYBRIDGE_REDIS_URL configured
	locked, remaining := lockout.IsLocked("203.0.113.1")
	assert.False(t, locked)
	assert.Zero(t, remaining)
	lockout.RecordFailure("203.0.113.1") // must not panic
	lockout.RecordSuccess("203.0.113.1") // must not panic

	result := Check(cfg, h, req(t, "/ws", "", "h"), lockout)
	assert.True(t, result.Allowed)
}

func TestPeerKeyStripsPort(t *testing.T) {
	r := req(t, "/ws", "", "h")
	r.RemoteAddr = "192.0.2.10:54321"
	assert.Equal(t, "192.0.2.10", peerKey(r))

	r.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", peerKey(r))
}

type fakeSession struct{ id string }

func (f fakeSession) SessionID() string { return f.id }

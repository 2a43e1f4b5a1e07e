package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttybridge/config"
)

type fakeSession struct{ id string }

func (f fakeSession) SessionID() string { return f.id }

func TestAddRemoveCountRoundTrip(t *testing.T) {
	h := New(&config.Config{}, nil, nil)
	assert.Equal(t, 0, h.Count())

	a, b := fakeSession{"a"}, fakeSession{"b"}
	h.Add(a)
	h.Add(b)
	assert.Equal(t, 2, h.Count())

	h.Remove(a)
	assert.Equal(t, 1, h.Count())

	// Removing an id no longer registered is a safe no-op.
	h.Remove(a)
	assert.Equal(t, 1, h.Count())
}

func TestShutdownCancelsOnceAndSetsForceExit(t *testing.T) {
	cancelled := 0
	h := New(&config.Config{}, nil, func() { cancelled++ })

	require.False(t, h.ForceExit())
	h.Shutdown()
	h.Shutdown()

	assert.True(t, h.ForceExit())
	assert.Equal(t, 1, cancelled, "cancel must fire exactly once")
}

func TestMaybeShutdownOnceOnlyWhenDrained(t *testing.T) {
	h := New(&config.Config{Once: true}, nil, func() {})
	s := fakeSession{"only"}

	h.Add(s)
	h.MaybeShutdownOnce()
	assert.False(t, h.ForceExit(), "must not shut down while a client remains")

	h.Remove(s)
	h.MaybeShutdownOnce()
	assert.True(t, h.ForceExit())
}

func TestMaybeShutdownOnceNoOpWithoutOncePolicy(t *testing.T) {
	h := New(&config.Config{Once: false}, nil, func() {})
	h.MaybeShutdownOnce()
	assert.False(t, h.ForceExit())
}

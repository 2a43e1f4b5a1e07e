package ptysession

import (
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSpawnWriteRead(t *testing.T) {
	s, err := Spawn([]string{"cat"}, "", zerolog.Nop())
	require.NoError(t, err)
	defer s.Terminate(syscall.SIGTERM, "SIGTERM")

	_, err = s.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) && len(got) < len("hello\n") {
		n, err := s.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Contains(t, string(got), "hello")
}

func TestTerminateIsIdempotent(t *testing.T) {
	s, err := Spawn([]string{"cat"}, "", zerolog.Nop())
	require.NoError(t, err)

	s.Terminate(syscall.SIGTERM, "SIGTERM")
	require.NotPanics(t, func() { s.Terminate(syscall.SIGTERM, "SIGTERM") })

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not marked done after terminate")
	}
}

func TestSpawnRejectsEmptyArgv(t *testing.T) {
	_, err := Spawn(nil, "", zerolog.Nop())
	require.Error(t, err)
}

func TestResizeNonFatal(t *testing.T) {
	s, err := Spawn([]string{"cat"}, "", zerolog.Nop())
	require.NoError(t, err)
	defer s.Terminate(syscall.SIGTERM, "SIGTERM")

	require.NoError(t, s.Resize(120, 40))
}

package prefs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFallsBackWhenNoPathConfigured(t *testing.T) {
	w, err := New("", `{"fallback":true}`, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, `{"fallback":true}`, w.JSON())
}

func TestReloadPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0644))

	w, err := New(path, "{}", zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, `{"v":1}`, w.JSON())

	require.NoError(t, os.WriteFile(path, []byte(`{"v":2}`), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.JSON() == `{"v":2}` {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, `{"v":2}`, w.JSON())
}

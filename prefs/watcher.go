// Package prefs hot-reloads the JSON blob forwarded to clients in the
// SET_PREFERENCES handshake frame, so operators can edit preferences on
// disk without restarting the bridge. Grounded on fsnotify usage in the
// examples corpus (beads-web-ui's LogStreamer watches a log file's
// directory to survive rotation/rename; this watcher applies the same
// directory-watch-plus-debounce shape to a preferences file).
package prefs

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const debounceInterval = 100 * time.Millisecond

// Watcher holds the current preferences JSON and keeps it in sync with a
// file on disk. The zero value is not usable; construct with New.
type Watcher struct {
	path    string
	current atomic.Value // string
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// New reads path once (falling back to initial if the file doesn't exist
// yet) and starts watching its parent directory for changes. Watching the
// directory, rather than the file itself, survives editors that replace a
// file via rename instead of writing in place.
func New(path, initial string, log zerolog.Logger) (*Watcher, error) {
	w := &Watcher{path: path, log: log}
	w.current.Store(readOrFallback(path, initial))

	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "prefs: create watcher")
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrap(err, "prefs: watch directory")
	}
	w.watcher = fw

	go w.loop()
	return w, nil
}

// JSON returns the current preferences payload.
func (w *Watcher) JSON() string {
	return w.current.Load().(string)
}

// Close stops the underlying fsnotify watcher. Safe to call on a Watcher
// with no path configured (Close on a nil *fsnotify.Watcher is a no-op).
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Str("path", w.path).Msg("prefs watcher error")
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("prefs reload failed")
		return
	}
	w.current.Store(string(data))
	w.log.Info().Str("path", w.path).Msg("preferences reloaded")
}

func readOrFallback(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(data)
}

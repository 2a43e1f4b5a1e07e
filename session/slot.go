package session

import "sync"

type txState int

const (
	txInit txState = iota
	txReady
	txDone
)

// txSlot is the single-slot hand-off between the PTY reader goroutine and
// the WS writer goroutine: at most one chunk of PTY output is ever in
// flight, guarded by mu so the writer never observes a half-filled
// buffer and the reader never overwrites a chunk the writer hasn't
// drained yet. state cycles Init -> Ready -> Done -> Ready -> Done ...
// for the life of the session (spec.md §3, tx_slot).
type txSlot struct {
	mu    sync.Mutex
	state txState
	buf   []byte
	n     int // >0 bytes ready in buf, 0 = clean EOF, <0 = read error
}

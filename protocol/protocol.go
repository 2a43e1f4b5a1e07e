// Package protocol implements the single-byte-tagged application protocol
// carried inside WebSocket binary frames between the bridge and a browser
// client. The first byte of every frame selects the command; the remaining
// bytes are an opaque payload whose shape depends on the tag.
package protocol

import "github.com/pkg/errors"

// Server-to-client tags.
const (
	Output         byte = 0 // raw PTY output bytes
	SetWindowTitle byte = 1 // UTF-8 "<command> (<hostname>)"
	SetPreferences byte = 2 // opaque JSON string from config
	SetReconnect   byte = 3 // ASCII decimal seconds
)

// Client-to-server tags.
const (
	Input          byte = 0 // raw bytes to write into the PTY
	Ping           byte = 1 // empty payload, answered with Pong
	ResizeTerminal byte = 2 // JSON {"columns":int,"rows":int}
	JSONData       byte = '{'
)

// Pong is the server's reply to a client Ping. It reuses the tag space of
// the server-to-client direction but is never confused with
// SetWindowTitle: it is written standalone, with no payload, in direct
// response to a Ping and nowhere else.
const Pong byte = 1

// ErrUnknownTag names the condition of a message whose first byte matches
// no known client-to-server tag (see IsKnownClientTag), which is closed
// with INVALID_PAYLOAD (1007). No function in this package returns it.
var ErrUnknownTag = errors.New("protocol: unknown message tag")

// ErrEmptyMessage is returned when a message arrives with a zero-length
// payload, which cannot carry a tag.
var ErrEmptyMessage = errors.New("protocol: empty message")

// WindowSize mirrors the RESIZE_TERMINAL JSON payload.
type WindowSize struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// Encode prepends tag to payload, allocating a single contiguous frame
// buffer the caller can hand directly to a WebSocket writer.
func Encode(tag byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = tag
	copy(frame[1:], payload)
	return frame
}

// EncodeString is Encode for textual payloads (window title, reconnect
// seconds, preferences JSON).
func EncodeString(tag byte, payload string) []byte {
	return Encode(tag, []byte(payload))
}

// Tag returns the first byte of a reassembled message, or ErrEmptyMessage
// if the message carries no bytes at all.
func Tag(message []byte) (byte, error) {
	if len(message) == 0 {
		return 0, ErrEmptyMessage
	}
	return message[0], nil
}

// Payload returns the bytes following the tag byte (possibly empty).
func Payload(message []byte) []byte {
	if len(message) <= 1 {
		return nil
	}
	return message[1:]
}

// IsKnownClientTag reports whether tag is one of the four client-to-server
// commands this protocol recognizes.
func IsKnownClientTag(tag byte) bool {
	switch tag {
	case Input, Ping, ResizeTerminal, JSONData:
		return true
	default:
		return false
	}
}

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := EncodeString(SetWindowTitle, "cat (myhost)")
	tag, err := Tag(frame)
	require.NoError(t, err)
	assert.Equal(t, SetWindowTitle, tag)
	assert.Equal(t, "cat (myhost)", string(Payload(frame)))
}

func TestTagEmptyMessage(t *testing.T) {
	_, err := Tag(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestPayloadOfBareTag(t *testing.T) {
	assert.Nil(t, Payload([]byte{Ping}))
}

func TestIsKnownClientTag(t *testing.T) {
	for _, tag := range []byte{Input, Ping, ResizeTerminal, JSONData} {
		assert.True(t, IsKnownClientTag(tag), "tag %q should be known", tag)
	}
	assert.False(t, IsKnownClientTag('9'))
}

func TestResizePayloadShape(t *testing.T) {
	frame := Encode(ResizeTerminal, []byte(`{"columns":120,"rows":40}`))
	require.Equal(t, ResizeTerminal, frame[0])

	var ws WindowSize
	require.NoError(t, json.Unmarshal(Payload(frame), &ws))
	assert.Equal(t, 120, ws.Columns)
	assert.Equal(t, 40, ws.Rows)
}

func TestJSONDataTagIsBraceByte(t *testing.T) {
	assert.Equal(t, byte('{'), JSONData)
}

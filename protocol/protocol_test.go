package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSyncDecode(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodeSync(SyncUpdate, payload)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageSync, msg.Type)
	assert.Equal(t, SyncUpdate, msg.SyncType)
	assert.Equal(t, payload, msg.Payload)
}

func TestEncodeAwarenessDecode(t *testing.T) {
	payload := []byte(`[{"clientId":1,"clock":1,"state":{}}]`)
	frame := EncodeAwareness(payload)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, msg.Type)
	assert.Equal(t, payload, msg.Payload)
}

func TestEncodeJSONDecode(t *testing.T) {
	frame, err := EncodeJSON(MessageReady, ReadyPayload{DocID: "d1", ToolType: "schema-design"})
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageReady, msg.Type)

	var ready ReadyPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &ready))
	assert.Equal(t, "d1", ready.DocID)
	assert.Equal(t, "schema-design", ready.ToolType)
}

func TestDecodeTruncated(t *testing.T) {
	frame := EncodeSync(SyncUpdate, []byte{1, 2, 3, 4, 5})
	_, err := Decode(frame[:3])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownTypeDoesNotFail(t *testing.T) {
	msg, err := Decode([]byte{9})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), msg.Type)
	assert.Empty(t, msg.Payload)
}

func TestEncodeSyncEmptyPayload(t *testing.T) {
	frame := EncodeSync(SyncStep1, nil)
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, SyncStep1, msg.SyncType)
	assert.Empty(t, msg.Payload)
}

// Package protocol defines the binary wire format of the sync endpoint.
// Every frame starts with a varint message tag; SYNC frames carry a varint
// subtype and a length-prefixed payload, AWARENESS frames a length-prefixed
// payload, and READY/VIEWERS frames a JSON payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Top-level message tags.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
	MessageReady     uint64 = 2
	MessageViewers   uint64 = 3
)

// SYNC subtypes. Step1 offers the sender's state and requests the
// receiver's; Step2 answers with full state encoded as an update; Update
// carries an incremental delta. Step2 and Update payloads merge
// idempotently on any replica.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// ErrTruncated is returned when a frame ends before its declared payload.
var ErrTruncated = errors.New("truncated message")

// Message is a decoded frame. SyncType and Payload are only meaningful for
// the message types that carry them.
type Message struct {
	Type     uint64
	SyncType uint64
	Payload  []byte
}

// ReadyPayload signals that the connection is joined and synced.
type ReadyPayload struct {
	DocID    string `json:"docId"`
	ToolType string `json:"toolType"`
}

// Viewer is one distinct authenticated identity connected to a document.
type Viewer struct {
	UserID    string `json:"userId"`
	AvatarURL string `json:"avatarUrl"`
}

// ViewersPayload is the presence summary broadcast to a document's group.
type ViewersPayload struct {
	Viewers []Viewer `json:"viewers"`
}

// EncodeSync encodes a SYNC frame with the given subtype and payload.
func EncodeSync(subtype uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, subtype)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeAwareness encodes an AWARENESS frame.
func EncodeAwareness(payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageAwareness)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeJSON encodes a READY or VIEWERS frame with a JSON payload.
func EncodeJSON(msgType uint64, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	buf := binary.AppendUvarint(nil, msgType)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...), nil
}

// Decode parses a frame. Unknown message types decode successfully (with an
// empty payload) so callers can drop them without failing the connection.
func Decode(data []byte) (*Message, error) {
	msgType, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, ErrTruncated
	}
	data = data[n:]

	msg := &Message{Type: msgType}
	switch msgType {
	case MessageSync:
		subtype, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, ErrTruncated
		}
		msg.SyncType = subtype
		payload, err := readPayload(data[n:])
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
	case MessageAwareness, MessageReady, MessageViewers:
		payload, err := readPayload(data)
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
	}
	return msg, nil
}

func readPayload(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, ErrTruncated
	}
	data = data[n:]
	if uint64(len(data)) < size {
		return nil, ErrTruncated
	}
	return data[:size], nil
}

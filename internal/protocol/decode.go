package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrameType is returned when a frame's type tag is not in
// the catalog.
var ErrUnknownFrameType = errors.New("protocol: unknown frame type")

// MaxFrameSize is the largest frame either side accepts.
const MaxFrameSize = 64 * 1024

type typeTag struct {
	Type FrameType `json:"type"`
}

// DecodeClient parses one client-originated frame. The returned value
// is a pointer to the concrete frame struct.
func DecodeClient(data []byte) (any, error) {
	var p typeTag
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var frame any
	switch p.Type {
	case TypeSubscribe:
		frame = &Subscribe{}
	case TypeUnsubscribe:
		frame = &Unsubscribe{}
	case TypeChatSend:
		frame = &ChatSend{}
	case TypeAction:
		frame = &Action{}
	case TypeResume:
		frame = &Resume{}
	case TypeAck:
		frame = &Ack{}
	case TypePing:
		frame = &Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, p.Type)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", p.Type, err)
	}
	return frame, nil
}

// DecodeServer parses one server-originated frame. Used by the debug
// client and tests.
func DecodeServer(data []byte) (any, error) {
	var p typeTag
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var frame any
	switch p.Type {
	case TypeWelcome:
		frame = &Welcome{}
	case TypeSnapshot:
		frame = &Snapshot{}
	case TypeTablePatch:
		frame = &TablePatch{}
	case TypeChatMessage:
		frame = &ChatMessage{}
	case TypePresence:
		frame = &Presence{}
	case TypeLobbyUpdate:
		frame = &LobbyUpdate{}
	case TypeError:
		frame = &Error{}
	case TypePong:
		frame = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, p.Type)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", p.Type, err)
	}
	return frame, nil
}

// Encode serializes one frame. Callers set the Type field; this is a
// thin wrapper kept for symmetry with the decode path.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

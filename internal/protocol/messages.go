// Package protocol defines the JSON frames exchanged between clients
// and the gateway over WebSocket. Every frame carries a "type" tag;
// decoding happens once at the socket boundary and produces a concrete
// frame struct.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

// FrameType identifies the type of frame.
type FrameType string

const (
	// Client -> Server
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypeChatSend    FrameType = "chat_send"
	TypeAction      FrameType = "action"
	TypeResume      FrameType = "resume"
	TypeAck         FrameType = "ack"
	TypePing        FrameType = "ping"

	// Server -> Client
	TypeWelcome     FrameType = "welcome"
	TypeSnapshot    FrameType = "snapshot"
	TypeTablePatch  FrameType = "table_patch"
	TypeChatMessage FrameType = "chat_message"
	TypePresence    FrameType = "presence"
	TypeLobbyUpdate FrameType = "lobby_update"
	TypeError       FrameType = "error"
	TypePong        FrameType = "pong"
)

// Error codes surfaced to clients. Anything not on this list is
// redacted to ErrCodeServiceUnavailable before it leaves the gateway.
const (
	ErrCodeAuthDenied         = "auth_denied"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeBackpressure       = "backpressure"
	ErrCodeNotSubscribed      = "not_subscribed"
	ErrCodeForbidden          = "forbidden"
	ErrCodeEngineRejected     = "engine_rejected"
	ErrCodeBadFrame           = "bad_frame"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// Client -> Server frames

// Subscribe asks to join a channel. Subscribes are idempotent.
type Subscribe struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"` // table | chat | lobby
	ScopeID string    `json:"scopeId,omitempty"`
}

// Unsubscribe leaves a channel.
type Unsubscribe struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"`
	ScopeID string    `json:"scopeId,omitempty"`
}

// ChatSend posts a chat line to a table.
type ChatSend struct {
	Type    FrameType `json:"type"`
	TableID string    `json:"tableId"`
	Text    string    `json:"text"`
}

// Action submits a betting action for the sender's seat.
type Action struct {
	Type    FrameType        `json:"type"`
	TableID string           `json:"tableId"`
	HandID  string           `json:"handId"`
	Action  handevent.Action `json:"action"`
	Amount  int              `json:"amount,omitempty"`
}

// Cursor is one channel's resume position.
type Cursor struct {
	Channel string `json:"channel"`
	ScopeID string `json:"scopeId,omitempty"`
	LastSeq uint64 `json:"lastSeq"`
}

// Resume is sent after reconnecting; the gateway replays each channel
// from lastSeq+1 before delivering new traffic.
type Resume struct {
	Type    FrameType `json:"type"`
	Cursors []Cursor  `json:"cursors"`
}

// Ack reports the highest sequence the client has applied on a
// channel so the gateway can detect gaps.
type Ack struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"`
	ScopeID string    `json:"scopeId,omitempty"`
	Seq     uint64    `json:"seq"`
}

// Ping is an application-level liveness check.
type Ping struct {
	Type FrameType `json:"type"`
}

// Server -> Client frames

// Welcome confirms authentication.
type Welcome struct {
	Type       FrameType `json:"type"`
	SessionID  string    `json:"sessionId"`
	ServerTime time.Time `json:"serverTime"`
}

// Snapshot carries the full render state of a table, redacted for the
// receiving user. Version equals the latest event sequence at capture.
type Snapshot struct {
	Type    FrameType       `json:"type"`
	TableID string          `json:"tableId"`
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

// TablePatch is one incremental table update.
type TablePatch struct {
	Type    FrameType       `json:"type"`
	TableID string          `json:"tableId"`
	Seq     uint64          `json:"seq"`
	Patch   json.RawMessage `json:"patch"`
}

// ChatMessage is one chat line, live or replayed.
type ChatMessage struct {
	Type    FrameType `json:"type"`
	TableID string    `json:"tableId"`
	Seq     uint64    `json:"seq"`
	From    string    `json:"from"`
	Name    string    `json:"name,omitempty"`
	Text    string    `json:"text"`
	Ts      time.Time `json:"ts"`
}

// Presence announces a user's status change.
type Presence struct {
	Type   FrameType `json:"type"`
	UserID string    `json:"userId"`
	Status string    `json:"status"` // online | away | offline
}

// LobbyUpdate carries the current table index.
type LobbyUpdate struct {
	Type   FrameType       `json:"type"`
	Seq    uint64          `json:"seq"`
	Tables json.RawMessage `json:"tables"`
}

// Error reports a client-visible failure. The connection stays open
// unless the code says otherwise.
type Error struct {
	Type         FrameType `json:"type"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	RetryAfterMs int       `json:"retryAfterMs,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Type FrameType `json:"type"`
}

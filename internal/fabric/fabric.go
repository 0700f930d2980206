// Package fabric is the shared coordination layer between gateway
// instances: a single pub/sub bus carrying tagged envelopes, the
// cross-instance subscription index, connection registry, presence, and
// replayable chat history. Two implementations share the semantics: a
// redis-backed one for multi-instance deployments and an in-memory one
// for single-process mode and tests.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Channel kinds. A channel key is "{kind}:{scopeId}", except the lobby
// which is global and keyed as just "lobby".
const (
	KindTable    = "table"
	KindChat     = "chat"
	KindLobby    = "lobby"
	KindPresence = "presence"
)

// ErrClosed is returned from operations on a closed fabric.
var ErrClosed = errors.New("fabric: closed")

// Key builds a channel key from a kind and scope.
func Key(kind, scope string) string {
	if kind == KindLobby {
		return KindLobby
	}
	return kind + ":" + scope
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (kind, scope string) {
	if key == KindLobby {
		return KindLobby, ""
	}
	kind, scope, _ = strings.Cut(key, ":")
	return kind, scope
}

// Envelope is one frame on the bus. Seq is strictly increasing per
// channel key; SourceID names the instance that published it so
// receivers can skip their own traffic.
type Envelope struct {
	Channel  string          `json:"channel"`
	Scope    string          `json:"scopeId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	SourceID string          `json:"sourceId"`
	Seq      uint64          `json:"seq"`
}

// Key returns the envelope's channel key.
func (e Envelope) Key() string { return Key(e.Channel, e.Scope) }

// ConnEntry records a live connection in the shared registry. Only the
// owning instance mutates its own entries.
type ConnEntry struct {
	ConnID     string    `json:"connId"`
	UserID     string    `json:"userId"`
	InstanceID string    `json:"instanceId"`
	OpenedAt   time.Time `json:"openedAt"`
}

// ChatEntry is one retained chat message.
type ChatEntry struct {
	Seq    uint64    `json:"seq"`
	UserID string    `json:"userId"`
	Name   string    `json:"name,omitempty"`
	Text   string    `json:"text"`
	Ts     time.Time `json:"ts"`
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// PresenceNotice is a presence transition broadcast on the bus. Tables
// lists the table scopes whose watchers should hear about it in
// addition to lobby watchers.
type PresenceNotice struct {
	UserID string   `json:"userId"`
	Status string   `json:"status"`
	Tables []string `json:"tables,omitempty"`
}

// Subscription is a live tap on the bus. C delivers envelopes in
// publish order. Resync fires once after the underlying transport
// drops and recovers; consumers must then reconcile any local mirrors
// built from the index.
type Subscription struct {
	C      <-chan Envelope
	Resync <-chan struct{}

	close func()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// Fabric is the coordination surface shared by all instances.
type Fabric interface {
	// Publish sends an envelope to every subscribed instance,
	// including the publisher.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe taps the bus.
	Subscribe(ctx context.Context) (*Subscription, error)
	// NextSeq atomically increments and returns the per-channel-key
	// sequence counter.
	NextSeq(ctx context.Context, channelKey string) (uint64, error)

	AddSubscription(ctx context.Context, channelKey, connID string) error
	RemoveSubscription(ctx context.Context, channelKey, connID string) error
	Subscribers(ctx context.Context, channelKey string) ([]string, error)

	RegisterConn(ctx context.Context, entry ConnEntry) error
	DeregisterConn(ctx context.Context, connID string) error

	// SetPresence is last-writer-wins per user.
	SetPresence(ctx context.Context, userID, status string) error
	AllPresence(ctx context.Context) (map[string]string, error)

	AppendChat(ctx context.Context, tableID string, entry ChatEntry) error
	// ChatHistory returns the retained messages for a table, oldest
	// first.
	ChatHistory(ctx context.Context, tableID string) ([]ChatEntry, error)

	Close() error
}

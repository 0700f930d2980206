// Package tui is the interactive debug client: a bubbletea UI over one
// gateway WebSocket plus the game service RPC for table lifecycle.
package tui

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/protocol"
)

// Conn is the gateway WebSocket wrapped for the UI: decoded server
// frames arrive on Frames until the socket dies.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger

	Frames chan any
}

// Dial connects and authenticates against a gateway.
func Dial(ctx context.Context, url, token string, logger *log.Logger) (*Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url+"/ws", header)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		ws:     ws,
		logger: logger.WithPrefix("conn"),
		Frames: make(chan any, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.Frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn("Undecodable frame", "error", err)
			continue
		}
		c.Frames <- frame
	}
}

// Send encodes and writes one client frame.
func (c *Conn) Send(frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Subscribe joins a channel.
func (c *Conn) Subscribe(channel, scope string) error {
	return c.Send(&protocol.Subscribe{Type: protocol.TypeSubscribe, Channel: channel, ScopeID: scope})
}

// Unsubscribe leaves a channel.
func (c *Conn) Unsubscribe(channel, scope string) error {
	return c.Send(&protocol.Unsubscribe{Type: protocol.TypeUnsubscribe, Channel: channel, ScopeID: scope})
}

// Chat posts a chat line.
func (c *Conn) Chat(tableID, text string) error {
	return c.Send(&protocol.ChatSend{Type: protocol.TypeChatSend, TableID: tableID, Text: text})
}

// Action submits a betting action.
func (c *Conn) Action(tableID string, action handevent.Action, amount int) error {
	return c.Send(&protocol.Action{Type: protocol.TypeAction, TableID: tableID, Action: action, Amount: amount})
}

// Close shuts the socket down.
func (c *Conn) Close() {
	_ = c.ws.Close()
}

package rpc

import (
	"context"
	"time"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

// TableInfo is the lobby view of a table.
type TableInfo struct {
	TableID    string `json:"tableId"`
	Name       string `json:"name"`
	SmallBlind int    `json:"smallBlind"`
	BigBlind   int    `json:"bigBlind"`
	Ante       int    `json:"ante,omitempty"`
	MaxPlayers int    `json:"maxPlayers"`
	Seated     int    `json:"seated"`
	Spectators int    `json:"spectators"`
	HandActive bool   `json:"handActive"`
}

// TableSeat is one seat in a table snapshot.
type TableSeat struct {
	Seat   int    `json:"seat"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Stack  int    `json:"stack"`
	Status string `json:"status,omitempty"` // active | sittingOut | disconnected
	Vacant bool   `json:"vacant,omitempty"`
	InHand bool   `json:"inHand,omitempty"`
}

// TableSnapshot is the full render state of a table, redacted for the
// requesting user before it leaves the game service.
type TableSnapshot struct {
	Info    TableInfo           `json:"info"`
	OwnerID string              `json:"ownerId"`
	Seats   []TableSeat         `json:"seats"`
	Hand    *handevent.Snapshot `json:"hand,omitempty"`
	Version uint64              `json:"version"`
}

// CreateTableRequest creates a table owned by the caller.
type CreateTableRequest struct {
	UserID        string `json:"userId"`
	Name          string `json:"name"`
	SmallBlind    int    `json:"smallBlind"`
	BigBlind      int    `json:"bigBlind"`
	Ante          int    `json:"ante,omitempty"`
	MaxPlayers    int    `json:"maxPlayers"`
	StartingStack int    `json:"startingStack"`
	TimerSeconds  int    `json:"timerSeconds"`
}

// SubmitActionRequest forwards one seat's betting action.
type SubmitActionRequest struct {
	TableID string           `json:"tableId"`
	HandID  string           `json:"handId"`
	UserID  string           `json:"userId"`
	Seat    int              `json:"seat"`
	Action  handevent.Action `json:"action"`
	Amount  int              `json:"amount,omitempty"`
}

// SubmitActionResponse reports acceptance. Engine rejections are data,
// not errors: Accepted is false and RejectReason carries the reason.
type SubmitActionResponse struct {
	Accepted         bool   `json:"accepted"`
	RejectReason     string `json:"rejectReason,omitempty"`
	NextStateVersion uint64 `json:"nextStateVersion,omitempty"`
}

// GameService is the game service's RPC surface.
type GameService interface {
	CreateTable(ctx context.Context, req CreateTableRequest) (TableInfo, error)
	ListTables(ctx context.Context) ([]TableInfo, error)
	GetTableSnapshot(ctx context.Context, tableID, forUserID string) (*TableSnapshot, error)
	JoinTable(ctx context.Context, tableID, userID string, buyIn int) (int, error)
	LeaveTable(ctx context.Context, tableID, userID string) error
	Spectate(ctx context.Context, tableID, userID string) error
	Unspectate(ctx context.Context, tableID, userID string) error
	SitOut(ctx context.Context, tableID, userID string) error
	SitIn(ctx context.Context, tableID, userID string) error
	SubmitAction(ctx context.Context, req SubmitActionRequest) (SubmitActionResponse, error)
}

// EventService is the event service's RPC surface.
type EventService interface {
	AppendEvent(ctx context.Context, ev handevent.Event) (uint64, error)
	GetHandSnapshot(ctx context.Context, handID string) (*handevent.Snapshot, error)
	GetHandEvents(ctx context.Context, handID string, fromSeq uint64) ([]handevent.Event, error)
	ReplayHand(ctx context.Context, handID string) (*handevent.Snapshot, error)
}

// Profile is a player's stored identity and bankroll.
type Profile struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Bankroll  int       `json:"bankroll"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlayerService is the player service's RPC surface.
type PlayerService interface {
	EnsurePlayer(ctx context.Context, userID, name string) (Profile, error)
	GetProfile(ctx context.Context, userID string) (Profile, error)
	Reserve(ctx context.Context, userID string, amount int) (Profile, error)
	Credit(ctx context.Context, userID string, amount int) (Profile, error)
}

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

// Client is the shared JSON-over-HTTP caller: one per downstream
// service, with its own circuit breaker. Retries apply only to
// retryable codes and use jittered exponential backoff.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewClient builds a caller for one downstream service.
func NewClient(name, baseURL string, logger *log.Logger) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.WithPrefix("rpc").With("downstream", name),
	}
}

// call performs one RPC with retry and breaker handling.
func call[Req any, Res any](ctx context.Context, c *Client, path string, req Req) (Res, error) {
	var res Res

	body, err := json.Marshal(req)
	if err != nil {
		return res, Errorf(CodeInternal, "marshal request: %v", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	attempt := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			return c.do(ctx, path, body, &res)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = Errorf(CodeUnavailable, "%s circuit open", c.name)
		}
		if !CodeOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		c.logger.Debug("Retrying call", "path", path, "error", err)
		return err
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = Errorf(CodeDeadlineExceeded, "%s: deadline exceeded", path)
		}
		return res, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, res any) (any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, Errorf(CodeInternal, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if deadline, ok := ctx.Deadline(); ok {
		httpReq.Header.Set(deadlineHeader, strconv.FormatInt(deadline.UnixMilli(), 10))
	}

	httpRes, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, Errorf(CodeDeadlineExceeded, "%s: %v", path, err)
		}
		return nil, Errorf(CodeUnavailable, "%s: %v", path, err)
	}
	defer func() { _ = httpRes.Body.Close() }()

	limited := io.LimitReader(httpRes.Body, maxRequestBody)
	if httpRes.StatusCode != http.StatusOK {
		var rpcErr Error
		if err := json.NewDecoder(limited).Decode(&rpcErr); err != nil || rpcErr.Code == "" {
			return nil, Errorf(CodeUnavailable, "%s: status %d", path, httpRes.StatusCode)
		}
		return nil, &rpcErr
	}
	if err := json.NewDecoder(limited).Decode(res); err != nil {
		return nil, Errorf(CodeInternal, "decode response: %v", err)
	}
	return nil, nil
}

// GameClient implements GameService over HTTP.
type GameClient struct{ c *Client }

// NewGameClient builds a game service caller.
func NewGameClient(baseURL string, logger *log.Logger) *GameClient {
	return &GameClient{c: NewClient("game", baseURL, logger)}
}

var _ GameService = (*GameClient)(nil)

func (g *GameClient) CreateTable(ctx context.Context, req CreateTableRequest) (TableInfo, error) {
	return call[CreateTableRequest, TableInfo](ctx, g.c, "/rpc/game/create_table", req)
}

func (g *GameClient) ListTables(ctx context.Context) ([]TableInfo, error) {
	return call[struct{}, []TableInfo](ctx, g.c, "/rpc/game/list_tables", struct{}{})
}

func (g *GameClient) GetTableSnapshot(ctx context.Context, tableID, forUserID string) (*TableSnapshot, error) {
	return call[GetTableSnapshotRequest, *TableSnapshot](ctx, g.c, "/rpc/game/get_table_snapshot",
		GetTableSnapshotRequest{TableID: tableID, ForUserID: forUserID})
}

func (g *GameClient) JoinTable(ctx context.Context, tableID, userID string, buyIn int) (int, error) {
	res, err := call[JoinTableRequest, JoinTableResponse](ctx, g.c, "/rpc/game/join_table",
		JoinTableRequest{TableID: tableID, UserID: userID, BuyIn: buyIn})
	return res.Seat, err
}

func (g *GameClient) LeaveTable(ctx context.Context, tableID, userID string) error {
	return g.tableUser(ctx, "/rpc/game/leave_table", tableID, userID)
}

func (g *GameClient) Spectate(ctx context.Context, tableID, userID string) error {
	return g.tableUser(ctx, "/rpc/game/spectate", tableID, userID)
}

func (g *GameClient) Unspectate(ctx context.Context, tableID, userID string) error {
	return g.tableUser(ctx, "/rpc/game/unspectate", tableID, userID)
}

func (g *GameClient) SitOut(ctx context.Context, tableID, userID string) error {
	return g.tableUser(ctx, "/rpc/game/sit_out", tableID, userID)
}

func (g *GameClient) SitIn(ctx context.Context, tableID, userID string) error {
	return g.tableUser(ctx, "/rpc/game/sit_in", tableID, userID)
}

func (g *GameClient) SubmitAction(ctx context.Context, req SubmitActionRequest) (SubmitActionResponse, error) {
	return call[SubmitActionRequest, SubmitActionResponse](ctx, g.c, "/rpc/game/submit_action", req)
}

func (g *GameClient) tableUser(ctx context.Context, path, tableID, userID string) error {
	_, err := call[TableUserRequest, struct{}](ctx, g.c, path,
		TableUserRequest{TableID: tableID, UserID: userID})
	return err
}

// EventClient implements EventService over HTTP.
type EventClient struct{ c *Client }

// NewEventClient builds an event service caller.
func NewEventClient(baseURL string, logger *log.Logger) *EventClient {
	return &EventClient{c: NewClient("event", baseURL, logger)}
}

var _ EventService = (*EventClient)(nil)

func (e *EventClient) AppendEvent(ctx context.Context, ev handevent.Event) (uint64, error) {
	res, err := call[handevent.Event, AppendEventResponse](ctx, e.c, "/rpc/event/append_event", ev)
	return res.Seq, err
}

func (e *EventClient) GetHandSnapshot(ctx context.Context, handID string) (*handevent.Snapshot, error) {
	return call[HandRequest, *handevent.Snapshot](ctx, e.c, "/rpc/event/get_hand_snapshot", HandRequest{HandID: handID})
}

func (e *EventClient) GetHandEvents(ctx context.Context, handID string, fromSeq uint64) ([]handevent.Event, error) {
	return call[HandEventsRequest, []handevent.Event](ctx, e.c, "/rpc/event/get_hand_events",
		HandEventsRequest{HandID: handID, FromSeq: fromSeq})
}

func (e *EventClient) ReplayHand(ctx context.Context, handID string) (*handevent.Snapshot, error) {
	return call[HandRequest, *handevent.Snapshot](ctx, e.c, "/rpc/event/replay_hand", HandRequest{HandID: handID})
}

// PlayerClient implements PlayerService over HTTP.
type PlayerClient struct{ c *Client }

// NewPlayerClient builds a player service caller.
func NewPlayerClient(baseURL string, logger *log.Logger) *PlayerClient {
	return &PlayerClient{c: NewClient("player", baseURL, logger)}
}

var _ PlayerService = (*PlayerClient)(nil)

func (p *PlayerClient) EnsurePlayer(ctx context.Context, userID, name string) (Profile, error) {
	return call[EnsurePlayerRequest, Profile](ctx, p.c, "/rpc/player/ensure_player",
		EnsurePlayerRequest{UserID: userID, Name: name})
}

func (p *PlayerClient) GetProfile(ctx context.Context, userID string) (Profile, error) {
	return call[UserRequest, Profile](ctx, p.c, "/rpc/player/get_profile", UserRequest{UserID: userID})
}

func (p *PlayerClient) Reserve(ctx context.Context, userID string, amount int) (Profile, error) {
	return call[AmountRequest, Profile](ctx, p.c, "/rpc/player/reserve",
		AmountRequest{UserID: userID, Amount: amount})
}

func (p *PlayerClient) Credit(ctx context.Context, userID string, amount int) (Profile, error) {
	return call[AmountRequest, Profile](ctx, p.c, "/rpc/player/credit",
		AmountRequest{UserID: userID, Amount: amount})
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

const (
	// deadlineHeader carries the caller's deadline as unix
	// milliseconds so the server stops work the caller gave up on.
	deadlineHeader = "X-RPC-Deadline"

	maxRequestBody = 1 << 20
)

// Wire request/response shapes shared by server and client.

type GetTableSnapshotRequest struct {
	TableID   string `json:"tableId"`
	ForUserID string `json:"forUserId,omitempty"`
}

type JoinTableRequest struct {
	TableID string `json:"tableId"`
	UserID  string `json:"userId"`
	BuyIn   int    `json:"buyIn"`
}

type JoinTableResponse struct {
	Seat int `json:"seat"`
}

type TableUserRequest struct {
	TableID string `json:"tableId"`
	UserID  string `json:"userId"`
}

type AppendEventResponse struct {
	Seq uint64 `json:"seq"`
}

type HandRequest struct {
	HandID string `json:"handId"`
}

type HandEventsRequest struct {
	HandID  string `json:"handId"`
	FromSeq uint64 `json:"fromSeq,omitempty"`
}

type EnsurePlayerRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type UserRequest struct {
	UserID string `json:"userId"`
}

type AmountRequest struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount"`
}

// NewGameHandler mounts a GameService on an HTTP mux, one POST route
// per method.
func NewGameHandler(svc GameService, logger *log.Logger) http.Handler {
	logger = logger.WithPrefix("rpc")
	r := mux.NewRouter()
	r.Handle("/rpc/game/create_table", handle(logger, svc.CreateTable)).Methods(http.MethodPost)
	r.Handle("/rpc/game/list_tables", handle(logger, func(ctx context.Context, _ struct{}) ([]TableInfo, error) {
		return svc.ListTables(ctx)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/game/get_table_snapshot", handle(logger, func(ctx context.Context, req GetTableSnapshotRequest) (*TableSnapshot, error) {
		return svc.GetTableSnapshot(ctx, req.TableID, req.ForUserID)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/game/join_table", handle(logger, func(ctx context.Context, req JoinTableRequest) (JoinTableResponse, error) {
		seat, err := svc.JoinTable(ctx, req.TableID, req.UserID, req.BuyIn)
		return JoinTableResponse{Seat: seat}, err
	})).Methods(http.MethodPost)
	r.Handle("/rpc/game/leave_table", handle(logger, tableUserCall(svc.LeaveTable))).Methods(http.MethodPost)
	r.Handle("/rpc/game/spectate", handle(logger, tableUserCall(svc.Spectate))).Methods(http.MethodPost)
	r.Handle("/rpc/game/unspectate", handle(logger, tableUserCall(svc.Unspectate))).Methods(http.MethodPost)
	r.Handle("/rpc/game/sit_out", handle(logger, tableUserCall(svc.SitOut))).Methods(http.MethodPost)
	r.Handle("/rpc/game/sit_in", handle(logger, tableUserCall(svc.SitIn))).Methods(http.MethodPost)
	r.Handle("/rpc/game/submit_action", handle(logger, svc.SubmitAction)).Methods(http.MethodPost)
	return r
}

// NewEventHandler mounts an EventService.
func NewEventHandler(svc EventService, logger *log.Logger) http.Handler {
	logger = logger.WithPrefix("rpc")
	r := mux.NewRouter()
	r.Handle("/rpc/event/append_event", handle(logger, func(ctx context.Context, ev handevent.Event) (AppendEventResponse, error) {
		seq, err := svc.AppendEvent(ctx, ev)
		return AppendEventResponse{Seq: seq}, err
	})).Methods(http.MethodPost)
	r.Handle("/rpc/event/get_hand_snapshot", handle(logger, func(ctx context.Context, req HandRequest) (*handevent.Snapshot, error) {
		return svc.GetHandSnapshot(ctx, req.HandID)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/event/get_hand_events", handle(logger, func(ctx context.Context, req HandEventsRequest) ([]handevent.Event, error) {
		return svc.GetHandEvents(ctx, req.HandID, req.FromSeq)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/event/replay_hand", handle(logger, func(ctx context.Context, req HandRequest) (*handevent.Snapshot, error) {
		return svc.ReplayHand(ctx, req.HandID)
	})).Methods(http.MethodPost)
	return r
}

// NewPlayerHandler mounts a PlayerService.
func NewPlayerHandler(svc PlayerService, logger *log.Logger) http.Handler {
	logger = logger.WithPrefix("rpc")
	r := mux.NewRouter()
	r.Handle("/rpc/player/ensure_player", handle(logger, func(ctx context.Context, req EnsurePlayerRequest) (Profile, error) {
		return svc.EnsurePlayer(ctx, req.UserID, req.Name)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/player/get_profile", handle(logger, func(ctx context.Context, req UserRequest) (Profile, error) {
		return svc.GetProfile(ctx, req.UserID)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/player/reserve", handle(logger, func(ctx context.Context, req AmountRequest) (Profile, error) {
		return svc.Reserve(ctx, req.UserID, req.Amount)
	})).Methods(http.MethodPost)
	r.Handle("/rpc/player/credit", handle(logger, func(ctx context.Context, req AmountRequest) (Profile, error) {
		return svc.Credit(ctx, req.UserID, req.Amount)
	})).Methods(http.MethodPost)
	return r
}

func tableUserCall(fn func(context.Context, string, string) error) func(context.Context, TableUserRequest) (struct{}, error) {
	return func(ctx context.Context, req TableUserRequest) (struct{}, error) {
		return struct{}{}, fn(ctx, req.TableID, req.UserID)
	}
}

// handle adapts a typed method onto the JSON-over-HTTP binding: decode
// the request, honor the caller's deadline, encode either the response
// or a structured error.
func handle[Req any, Res any](logger *log.Logger, fn func(context.Context, Req) (Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h := r.Header.Get(deadlineHeader); h != "" {
			if ms, err := strconv.ParseInt(h, 10, 64); err == nil {
				var cancel context.CancelFunc
				ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(ms))
				defer cancel()
			}
		}

		var req Req
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
				writeError(w, logger, Errorf(CodeInvalidArgument, "decode request: %v", err))
				return
			}
		}

		res, err := fn(ctx, req)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logger.Error("Failed to encode response", "path", r.URL.Path, "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	rpcErr := asError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(rpcErr.Code))
	if encErr := json.NewEncoder(w).Encode(rpcErr); encErr != nil {
		logger.Error("Failed to encode error", "error", encErr)
	}
}

func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(CodeDeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Errorf(CodeUnavailable, "request cancelled")
	}
	return Errorf(CodeInternal, "%v", err)
}

// Package eventsvc is the event service: the RPC surface over the
// durable event log plus the materializer that folds stream deliveries
// into hand snapshots.
package eventsvc

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// Service implements rpc.EventService over a Store.
type Service struct {
	store   *eventstore.Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

var _ rpc.EventService = (*Service)(nil)

// New builds the event service.
func New(store *eventstore.Store, m *metrics.Metrics, logger *log.Logger) *Service {
	return &Service{
		store:   store,
		metrics: m,
		logger:  logger.WithPrefix("eventsvc"),
	}
}

// AppendEvent appends one hand event to the log.
func (s *Service) AppendEvent(ctx context.Context, ev handevent.Event) (uint64, error) {
	seq, err := s.store.Append(ctx, ev)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	s.metrics.EventsAppended.Inc()
	return seq, nil
}

// GetHandSnapshot returns the latest materialized snapshot, computing
// it from the log when the materializer has not caught up yet.
func (s *Service) GetHandSnapshot(ctx context.Context, handID string) (*handevent.Snapshot, error) {
	snap, err := s.store.LatestSnapshot(ctx, handID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, eventstore.ErrNotFound) {
		return nil, mapStoreErr(err)
	}
	return s.ReplayHand(ctx, handID)
}

// GetHandEvents returns a hand's events with seq >= fromSeq.
func (s *Service) GetHandEvents(ctx context.Context, handID string, fromSeq uint64) ([]handevent.Event, error) {
	events, err := s.store.Events(ctx, handID, fromSeq)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return events, nil
}

// ReplayHand folds the full log for a hand. Pure: the same log always
// yields a byte-identical snapshot.
func (s *Service) ReplayHand(ctx context.Context, handID string) (*handevent.Snapshot, error) {
	events, err := s.store.Events(ctx, handID, 0)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if len(events) == 0 {
		return nil, rpc.Errorf(rpc.CodeNotFound, "hand %s has no events", handID)
	}
	snap, err := handevent.FoldAll(events)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternal, "replay hand %s: %v", handID, err)
	}
	return snap, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	case errors.Is(err, eventstore.ErrConflict):
		return rpc.Errorf(rpc.CodeConflict, "%v", err)
	}
	return rpc.Errorf(rpc.CodeInternal, "%v", err)
}

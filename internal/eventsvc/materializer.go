package eventsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/keyed"
	"github.com/railbird-gg/cardroom/internal/metrics"
)

// Group is the materializer consumer group on the event stream.
const Group = "materializers"

const (
	readBatch = 16
	readBlock = 5 * time.Second
)

// MaterializerConfig tunes a Materializer.
type MaterializerConfig struct {
	// Consumer is this instance's name within the group.
	Consumer string
	// ClaimIdle is how long a message may sit unacked on another
	// consumer before this one claims it.
	ClaimIdle time.Duration
	// PoisonSkip acks messages that fail to fold instead of halting.
	PoisonSkip bool
}

// Materializer consumes the event stream and folds each event into
// its hand's snapshot. Delivery is at-least-once; folding is
// idempotent on seq. Events for one hand fold serially through a
// keyed executor even when the batch interleaves hands.
type Materializer struct {
	store   *eventstore.Store
	rdb     *redis.Client
	exec    *keyed.Executor
	metrics *metrics.Metrics
	logger  *log.Logger
	cfg     MaterializerConfig

	halted atomic.Bool
	errCh  chan error
}

// NewMaterializer builds a materializer. A nil redis client selects
// local mode: the store hands appended events straight to the fold
// path (single-process deployments and tests).
func NewMaterializer(store *eventstore.Store, rdb *redis.Client, m *metrics.Metrics, logger *log.Logger, cfg MaterializerConfig) *Materializer {
	if cfg.Consumer == "" {
		cfg.Consumer = "materializer-1"
	}
	if cfg.ClaimIdle == 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	mat := &Materializer{
		store:   store,
		rdb:     rdb,
		exec:    keyed.New(),
		metrics: m,
		logger:  logger.WithPrefix("materializer"),
		cfg:     cfg,
		errCh:   make(chan error, 1),
	}
	if rdb == nil {
		store.SetLocalDelivery(func(ev handevent.Event) {
			mat.submit(ev, func() {})
		})
	}
	return mat
}

// Run consumes until ctx is done or a poison message halts the
// consumer (halt strategy only).
func (m *Materializer) Run(ctx context.Context) error {
	defer m.exec.Close()

	if m.rdb == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.errCh:
			return err
		}
	}

	err := m.rdb.XGroupCreateMkStream(ctx, eventstore.Stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.errCh:
			return err
		default:
		}

		m.claimStale(ctx)

		res, err := m.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: m.cfg.Consumer,
			Streams:  []string{eventstore.Stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			m.logger.Warn("Stream read failed", "error", err)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				m.handle(ctx, msg)
			}
		}
		m.updateLag(ctx)
	}
}

// claimStale takes over messages another consumer read but never
// acked.
func (m *Materializer) claimStale(ctx context.Context) {
	msgs, _, err := m.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   eventstore.Stream,
		Group:    Group,
		Consumer: m.cfg.Consumer,
		MinIdle:  m.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil && err != redis.Nil {
		return
	}
	for _, msg := range msgs {
		m.handle(ctx, msg)
	}
}

func (m *Materializer) updateLag(ctx context.Context) {
	pending, err := m.rdb.XPending(ctx, eventstore.Stream, Group).Result()
	if err != nil {
		return
	}
	m.metrics.StreamLag.Set(float64(pending.Count))
}

func (m *Materializer) handle(ctx context.Context, msg redis.XMessage) {
	payload, _ := msg.Values["payload"].(string)
	var ev handevent.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		m.poison(fmt.Errorf("decode stream message %s: %w", msg.ID, err), func() {
			_ = m.rdb.XAck(ctx, eventstore.Stream, Group, msg.ID).Err()
		})
		return
	}
	m.submit(ev, func() {
		_ = m.rdb.XAck(ctx, eventstore.Stream, Group, msg.ID).Err()
	})
}

// submit folds one event under its hand's key. ack runs only after a
// successful fold, or on poison when the skip strategy allows.
func (m *Materializer) submit(ev handevent.Event, ack func()) {
	err := m.exec.Submit(ev.HandID, func() {
		if m.halted.Load() {
			return
		}
		if err := m.fold(context.Background(), ev); err != nil {
			m.poison(fmt.Errorf("fold hand %s seq %d: %w", ev.HandID, ev.Seq, err), ack)
			return
		}
		ack()
	})
	if err != nil {
		m.logger.Error("Failed to enqueue fold", "handId", ev.HandID, "error", err)
	}
}

// fold applies one event to the hand's materialized snapshot. Already
// applied seqs are skipped; a gap triggers a full refold from the log.
func (m *Materializer) fold(ctx context.Context, ev handevent.Event) error {
	snap, err := m.store.LatestSnapshot(ctx, ev.HandID)
	if err != nil && !errors.Is(err, eventstore.ErrNotFound) {
		return err
	}

	if snap != nil && ev.Seq <= snap.Version {
		return nil
	}

	var next *handevent.Snapshot
	if snap == nil && ev.Type == handevent.TypeHandStarted {
		next, err = handevent.Fold(nil, ev)
	} else if snap != nil && ev.Seq == snap.Version+1 {
		next, err = handevent.Fold(snap, ev)
	} else {
		// Out-of-order delivery left a gap; rebuild from the log.
		events, evErr := m.store.Events(ctx, ev.HandID, 0)
		if evErr != nil {
			return evErr
		}
		next, err = handevent.FoldAll(events)
	}
	if err != nil {
		return err
	}
	return m.store.SaveSnapshot(ctx, ev.HandID, next.Version, next)
}

func (m *Materializer) poison(err error, ack func()) {
	m.metrics.PoisonMessages.Inc()
	if m.cfg.PoisonSkip {
		m.logger.Error("Poison message skipped", "error", err)
		ack()
		return
	}
	m.logger.Error("Poison message, halting materializer", "error", err)
	if m.halted.CompareAndSwap(false, true) {
		m.errCh <- err
	}
}

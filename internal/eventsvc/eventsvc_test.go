package eventsvc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

var testStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func openStore(t *testing.T, rdb *redis.Client) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(":memory:", rdb, fabric.NewMemory(), quartz.NewReal(), testLogger(), "event-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startedEvent(handID string) handevent.Event {
	ev := handevent.New(handID, handID+":1", testStart, handevent.HandStarted{
		TableID:    "t1",
		Button:     0,
		SBSeat:     0,
		BBSeat:     1,
		SmallBlind: 5,
		BigBlind:   10,
		Seats: []handevent.SeatState{
			{Seat: 0, UserID: "u0", Stack: 995},
			{Seat: 1, UserID: "u1", Stack: 990},
		},
		Round:      map[int]int{0: 5, 1: 10},
		Totals:     map[int]int{0: 5, 1: 10},
		CurrentBet: 10,
		MinRaise:   10,
		TurnSeat:   0,
		StartedAt:  testStart,
	})
	ev.Seq = 1
	return ev
}

func foldEvent(handID string) handevent.Event {
	ev := handevent.New(handID, handID+":2", testStart.Add(time.Second), handevent.ActionTaken{
		Seat:       0,
		Action:     handevent.ActionFold,
		Folded:     true,
		Round:      map[int]int{0: 5, 1: 10},
		Totals:     map[int]int{0: 5, 1: 10},
		CurrentBet: 10,
		MinRaise:   10,
	})
	ev.Seq = 2
	return ev
}

func TestIdempotentMaterialization(t *testing.T) {
	store := openStore(t, nil)
	m := NewMaterializer(store, nil, metrics.New(), testLogger(), MaterializerConfig{})
	ctx := context.Background()

	_, err := store.Append(ctx, startedEvent("h1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, foldEvent("h1"))
	require.NoError(t, err)

	require.NoError(t, m.fold(ctx, startedEvent("h1")))
	require.NoError(t, m.fold(ctx, foldEvent("h1")))

	first, err := store.LatestSnapshot(ctx, "h1")
	require.NoError(t, err)
	firstBytes, err := first.Canonical()
	require.NoError(t, err)

	// Redeliver both messages; the snapshot must not move.
	require.NoError(t, m.fold(ctx, startedEvent("h1")))
	require.NoError(t, m.fold(ctx, foldEvent("h1")))

	second, err := store.LatestSnapshot(ctx, "h1")
	require.NoError(t, err)
	secondBytes, err := second.Canonical()
	require.NoError(t, err)
	assert.Equal(t, firstBytes, secondBytes)
	assert.Equal(t, uint64(2), second.Version)
}

func TestFoldGapRebuildsFromLog(t *testing.T) {
	store := openStore(t, nil)
	m := NewMaterializer(store, nil, metrics.New(), testLogger(), MaterializerConfig{})
	ctx := context.Background()

	_, err := store.Append(ctx, startedEvent("h1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, foldEvent("h1"))
	require.NoError(t, err)

	// The seq-2 message arrives before any snapshot exists.
	require.NoError(t, m.fold(ctx, foldEvent("h1")))

	snap, err := store.LatestSnapshot(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	assert.True(t, snap.Seats[snap.SeatIndex(0)].Folded)
}

func TestLocalModeMaterializesAppends(t *testing.T) {
	store := openStore(t, nil)
	reg := metrics.New()
	m := NewMaterializer(store, nil, reg, testLogger(), MaterializerConfig{})
	svc := New(store, reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := svc.AppendEvent(context.Background(), startedEvent("h1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := store.LatestSnapshot(context.Background(), "h1")
		return err == nil && snap.Version == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPoisonHaltStopsConsumer(t *testing.T) {
	store := openStore(t, nil)
	reg := metrics.New()
	m := NewMaterializer(store, nil, reg, testLogger(), MaterializerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// An ActionTaken with no HandStarted anywhere cannot fold.
	ev := foldEvent("h-poison")
	ev.Seq = 1
	ev.EventID = "h-poison:1"
	_, err := store.Append(context.Background(), ev)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("materializer did not halt on poison")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.PoisonMessages))
}

func TestPoisonSkipKeepsConsuming(t *testing.T) {
	store := openStore(t, nil)
	reg := metrics.New()
	m := NewMaterializer(store, nil, reg, testLogger(), MaterializerConfig{PoisonSkip: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	ev := foldEvent("h-poison")
	ev.Seq = 1
	ev.EventID = "h-poison:1"
	_, err := store.Append(context.Background(), ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.PoisonMessages) == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	// A healthy hand still materializes.
	_, err = store.Append(context.Background(), startedEvent("h1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := store.LatestSnapshot(context.Background(), "h1")
		return err == nil && snap.Version == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReplayHandMatchesFoldAll(t *testing.T) {
	store := openStore(t, nil)
	svc := New(store, metrics.New(), testLogger())
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, startedEvent("h1"))
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, foldEvent("h1"))
	require.NoError(t, err)

	replayed, err := svc.ReplayHand(ctx, "h1")
	require.NoError(t, err)

	want, err := handevent.FoldAll([]handevent.Event{startedEvent("h1"), foldEvent("h1")})
	require.NoError(t, err)

	wantBytes, err := want.Canonical()
	require.NoError(t, err)
	gotBytes, err := replayed.Canonical()
	require.NoError(t, err)
	assert.Equal(t, wantBytes, gotBytes)

	// Replay twice: determinism.
	again, err := svc.ReplayHand(ctx, "h1")
	require.NoError(t, err)
	againBytes, err := again.Canonical()
	require.NoError(t, err)
	assert.Equal(t, gotBytes, againBytes)
}

func TestGetHandSnapshotFallsBackToReplay(t *testing.T) {
	store := openStore(t, nil)
	svc := New(store, metrics.New(), testLogger())
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, startedEvent("h1"))
	require.NoError(t, err)

	snap, err := svc.GetHandSnapshot(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)

	_, err = svc.GetHandSnapshot(ctx, "unknown")
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestAppendEventMapsConflict(t *testing.T) {
	store := openStore(t, nil)
	svc := New(store, metrics.New(), testLogger())
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, startedEvent("h1"))
	require.NoError(t, err)

	mutated := startedEvent("h1")
	mutated.Payload = handevent.HandStarted{TableID: "t1", BigBlind: 999}
	_, err = svc.AppendEvent(ctx, mutated)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeConflict, rpc.CodeOf(err))
}

func TestStreamMaterializationOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := openStore(t, rdb)
	reg := metrics.New()
	m := NewMaterializer(store, rdb, reg, testLogger(), MaterializerConfig{Consumer: "c1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := store.Append(context.Background(), startedEvent("h1"))
	require.NoError(t, err)
	_, err = store.Append(context.Background(), foldEvent("h1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := store.LatestSnapshot(context.Background(), "h1")
		return err == nil && snap.Version == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

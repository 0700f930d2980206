package gamesvc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railbird-gg/cardroom/internal/engine"
	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/eventsvc"
	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/playersvc"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

type testRig struct {
	svc     *Service
	events  *eventsvc.Service
	players *playersvc.Service
	fab     fabric.Fabric
}

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newRig(t *testing.T, clock quartz.Clock) *testRig {
	t.Helper()
	logger := testLogger()
	fab := fabric.NewMemory()

	store, err := eventstore.Open(":memory:", nil, fab, clock, logger, "event-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	events := eventsvc.New(store, metrics.New(), logger)

	players, err := playersvc.Open(":memory:", 10000, clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = players.Close() })

	svc := New(Config{TickInterval: 50 * time.Millisecond, IdleWindow: 10 * time.Minute},
		events, players, fab, clock, logger)
	return &testRig{svc: svc, events: events, players: players, fab: fab}
}

func (r *testRig) createTable(t *testing.T, owner string) string {
	t.Helper()
	info, err := r.svc.CreateTable(context.Background(), rpc.CreateTableRequest{
		UserID:        owner,
		Name:          "Test Table",
		SmallBlind:    5,
		BigBlind:      10,
		MaxPlayers:    6,
		StartingStack: 1000,
		TimerSeconds:  5,
	})
	require.NoError(t, err)
	return info.TableID
}

func (r *testRig) ensure(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := r.players.EnsurePlayer(context.Background(), u, u)
		require.NoError(t, err)
	}
}

func TestCreateTableValidation(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()

	tests := []struct {
		name string
		req  rpc.CreateTableRequest
	}{
		{"missing user", rpc.CreateTableRequest{SmallBlind: 5, BigBlind: 10, MaxPlayers: 6}},
		{"zero blinds", rpc.CreateTableRequest{UserID: "u0", MaxPlayers: 6}},
		{"big blind below small", rpc.CreateTableRequest{UserID: "u0", SmallBlind: 10, BigBlind: 5, MaxPlayers: 6}},
		{"one seat", rpc.CreateTableRequest{UserID: "u0", SmallBlind: 5, BigBlind: 10, MaxPlayers: 1}},
		{"negative ante", rpc.CreateTableRequest{UserID: "u0", SmallBlind: 5, BigBlind: 10, MaxPlayers: 6, Ante: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rig.svc.CreateTable(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, rpc.CodeInvalidArgument, rpc.CodeOf(err))
		})
	}
}

func TestJoinStartsHandAndDebitsBankroll(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")

	seat0, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, seat0)

	// No hand yet with one player.
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.Nil(t, snap.Hand)

	// Zero buy-in takes the table's starting stack.
	seat1, err := rig.svc.JoinTable(ctx, tableID, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, seat1)

	p0, err := rig.players.GetProfile(ctx, "u0")
	require.NoError(t, err)
	assert.Equal(t, 9000, p0.Bankroll)
	p1, err := rig.players.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9000, p1.Bankroll)

	// The second join deals a hand.
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	require.NotNil(t, snap.Hand)
	assert.True(t, snap.Info.HandActive)

	// Hole cards are redacted to the viewer's own seat.
	assert.Len(t, snap.Hand.HoleCards[0], 2)
	assert.Empty(t, snap.Hand.HoleCards[1])

	other, err := rig.svc.GetTableSnapshot(ctx, tableID, "u1")
	require.NoError(t, err)
	assert.Empty(t, other.Hand.HoleCards[0])
	assert.Len(t, other.Hand.HoleCards[1], 2)

	// A spectator sees no hole cards at all.
	watcher, err := rig.svc.GetTableSnapshot(ctx, tableID, "ghost")
	require.NoError(t, err)
	assert.Empty(t, watcher.Hand.HoleCards)

	// Hand events landed in the event log.
	events, err := rig.events.GetHandEvents(ctx, snap.Hand.HandID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, handevent.TypeHandStarted, events[0].Type)
}

func TestJoinValidation(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "poor")
	tableID := rig.createTable(t, "u0")

	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)

	_, err = rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	assert.Equal(t, rpc.CodeAlreadyExists, rpc.CodeOf(err))

	// Insufficient bankroll propagates from the player service and
	// leaves the seat unassigned.
	_, err = rig.svc.JoinTable(ctx, tableID, "poor", 20000)
	assert.Equal(t, rpc.CodeFailedPrecondition, rpc.CodeOf(err))
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Info.Seated)

	_, err = rig.svc.JoinTable(ctx, tableID, "u0", 5)
	assert.Equal(t, rpc.CodeAlreadyExists, rpc.CodeOf(err))

	_, err = rig.svc.JoinTable(ctx, "nope", "u0", 1000)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestSubmitActionRejectionIsData(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	// Heads-up preflop the button posts the small blind and acts
	// first, so u1 is out of turn.
	res, err := rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u1", Action: handevent.ActionCall,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, string(engine.RejectNotYourTurn), res.RejectReason)

	res, err = rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u0", Action: handevent.ActionFold,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// The fold ended the hand; stacks settle on the table.
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.False(t, snap.Info.HandActive)
	assert.Equal(t, 995, snap.Seats[0].Stack)
	assert.Equal(t, 1005, snap.Seats[1].Stack)

	// Acting on a finished hand is a data rejection too.
	res, err = rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u1", Action: handevent.ActionCheck,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, string(engine.RejectHandComplete), res.RejectReason)

	// A stranger cannot act at all.
	_, err = rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "ghost", Action: handevent.ActionFold,
	})
	assert.Equal(t, rpc.CodePermissionDenied, rpc.CodeOf(err))
}

func TestLeaveCreditsRemainingStack(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	// Mid-hand departures are refused.
	err = rig.svc.LeaveTable(ctx, tableID, "u0")
	assert.Equal(t, rpc.CodeFailedPrecondition, rpc.CodeOf(err))

	res, err := rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u0", Action: handevent.ActionFold,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	require.NoError(t, rig.svc.LeaveTable(ctx, tableID, "u0"))
	p0, err := rig.players.GetProfile(ctx, "u0")
	require.NoError(t, err)
	assert.Equal(t, 9995, p0.Bankroll)

	require.NoError(t, rig.svc.LeaveTable(ctx, tableID, "u1"))
	p1, err := rig.players.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10005, p1.Bankroll)

	err = rig.svc.LeaveTable(ctx, tableID, "u1")
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestSitOutStopsNewHands(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	require.NoError(t, rig.svc.SitOut(ctx, tableID, "u1"))

	res, err := rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u0", Action: handevent.ActionFold,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// With one seat sitting out no new hand deals on the next tick.
	rig.svc.tickAll(ctx)
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.False(t, snap.Info.HandActive)

	// Sitting back in restarts play.
	require.NoError(t, rig.svc.SitIn(ctx, tableID, "u1"))
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.True(t, snap.Info.HandActive)
}

func TestTurnTimeoutFoldsOnTick(t *testing.T) {
	clock := quartz.NewMock(t)
	rig := newRig(t, clock)
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	// The 5s turn timer has not fired yet.
	clock.Advance(4 * time.Second)
	rig.svc.tickAll(ctx)
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.True(t, snap.Info.HandActive)

	// Past the deadline the button faces the big blind and is folded
	// by check-else-fold.
	clock.Advance(2 * time.Second)
	rig.svc.tickAll(ctx)
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.False(t, snap.Info.HandActive)
	assert.Equal(t, 995, snap.Seats[0].Stack)
	assert.Equal(t, 1005, snap.Seats[1].Stack)
}

func TestTurnTimeoutSitsSeatOut(t *testing.T) {
	clock := quartz.NewMock(t)
	rig := newRig(t, clock)
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	// Blow the 5s turn timer; the button is folded out of the hand.
	clock.Advance(6 * time.Second)
	rig.svc.tickAll(ctx)

	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.False(t, snap.Info.HandActive)
	assert.Equal(t, string(statusSittingOut), snap.Seats[0].Status)

	// With the timed-out seat sitting out, no new hand deals.
	rig.svc.tickAll(ctx)
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.False(t, snap.Info.HandActive)

	// Sitting back in resumes play.
	require.NoError(t, rig.svc.SitIn(ctx, tableID, "u0"))
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.True(t, snap.Info.HandActive)
}

func TestSittingOutSeatEvictedAfterWindow(t *testing.T) {
	clock := quartz.NewMock(t)
	rig := newRig(t, clock)
	ctx := context.Background()
	rig.ensure(t, "u0")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	require.NoError(t, rig.svc.SitOut(ctx, tableID, "u0"))

	// Inside the window the seat is held.
	clock.Advance(9 * time.Minute)
	rig.svc.tickAll(ctx)
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Info.Seated)

	// Past it the seat is vacated and the stack credited back.
	clock.Advance(2 * time.Minute)
	rig.svc.tickAll(ctx)
	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Info.Seated)

	profile, err := rig.players.GetProfile(ctx, "u0")
	require.NoError(t, err)
	assert.Equal(t, 10000, profile.Bankroll)
}

func TestExpiredContextTaskDoesNotApply(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = rig.svc.JoinTable(cancelled, tableID, "u1", 1000)
	assert.Equal(t, rpc.CodeDeadlineExceeded, rpc.CodeOf(err))

	// Drain the table queue, then check the failed join never applied.
	require.NoError(t, rig.svc.run(ctx, tableID, func(*table) error { return nil }))
	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Info.Seated)

	profile, err := rig.players.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10000, profile.Bankroll)
}

func TestIdleTableDestroyed(t *testing.T) {
	clock := quartz.NewMock(t)
	rig := newRig(t, clock)
	ctx := context.Background()
	rig.ensure(t, "u0")
	tableID := rig.createTable(t, "u0")

	clock.Advance(5 * time.Minute)
	rig.svc.tickAll(ctx)
	_, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)

	// A spectator keeps the table alive.
	require.NoError(t, rig.svc.Spectate(ctx, tableID, "u0"))
	clock.Advance(11 * time.Minute)
	rig.svc.tickAll(ctx)
	_, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)

	require.NoError(t, rig.svc.Unspectate(ctx, tableID, "u0"))
	clock.Advance(11 * time.Minute)
	rig.svc.tickAll(ctx)
	_, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))

	tables, err := rig.svc.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestLobbyPublishedOnChange(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0")

	sub, err := rig.fab.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	tableID := rig.createTable(t, "u0")

	select {
	case env := <-sub.C:
		assert.Equal(t, fabric.KindLobby, env.Channel)
		assert.NotZero(t, env.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no lobby envelope published")
	}

	tables, err := rig.svc.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, tableID, tables[0].TableID)
	assert.Equal(t, 5, tables[0].SmallBlind)
}

func TestNextHandDealsOnTick(t *testing.T) {
	rig := newRig(t, quartz.NewReal())
	ctx := context.Background()
	rig.ensure(t, "u0", "u1")
	tableID := rig.createTable(t, "u0")
	_, err := rig.svc.JoinTable(ctx, tableID, "u0", 1000)
	require.NoError(t, err)
	_, err = rig.svc.JoinTable(ctx, tableID, "u1", 1000)
	require.NoError(t, err)

	snap, err := rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	firstHand := snap.Hand.HandID
	firstButton := snap.Hand.Button

	res, err := rig.svc.SubmitAction(ctx, rpc.SubmitActionRequest{
		TableID: tableID, UserID: "u0", Action: handevent.ActionFold,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	rig.svc.tickAll(ctx)

	snap, err = rig.svc.GetTableSnapshot(ctx, tableID, "u0")
	require.NoError(t, err)
	require.NotNil(t, snap.Hand)
	assert.True(t, snap.Info.HandActive)
	assert.NotEqual(t, firstHand, snap.Hand.HandID)
	assert.NotEqual(t, firstButton, snap.Hand.Button)
}

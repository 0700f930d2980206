package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/poker"
)

var testStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func headsUpTable() TableSnapshot {
	return TableSnapshot{
		TableID: "t1",
		Config:  TableConfig{SmallBlind: 5, BigBlind: 10, TurnTimer: 30 * time.Second},
		Button:  0,
		Seats: []SeatIn{
			{Seat: 0, UserID: "alice", Stack: 1000},
			{Seat: 1, UserID: "bob", Stack: 1000},
		},
	}
}

func stackedDeck(t *testing.T, strs ...string) *poker.Deck {
	t.Helper()
	cards, err := poker.ParseCards(strs)
	require.NoError(t, err)
	return poker.NewStackedDeck(cards...)
}

func eventTypes(events []handevent.Event) []handevent.Type {
	types := make([]handevent.Type, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestHeadsUpPreflopFold(t *testing.T) {
	h, events, err := New("h1", headsUpTable(), 42, testStart)
	require.NoError(t, err)
	require.Equal(t, []handevent.Type{handevent.TypeHandStarted}, eventTypes(events))

	started := events[0].Payload.(handevent.HandStarted)
	assert.Equal(t, 0, started.SBSeat, "heads-up button posts the small blind")
	assert.Equal(t, 1, started.BBSeat)
	assert.Equal(t, 0, started.TurnSeat, "heads-up button acts first preflop")

	folds, rej := h.Submit(0, handevent.ActionFold, 0, testStart.Add(time.Second))
	require.Nil(t, rej)
	require.Equal(t, []handevent.Type{
		handevent.TypeActionTaken,
		handevent.TypePotAwarded,
		handevent.TypeHandEnded,
	}, eventTypes(folds))

	award := folds[1].Payload.(handevent.PotAwarded)
	assert.Equal(t, 15, award.Amount)
	assert.Equal(t, []int{1}, award.Winners)

	ended := folds[2].Payload.(handevent.HandEnded)
	assert.Equal(t, []int{1}, ended.Winners)
	assert.Equal(t, []int{15}, ended.Amounts)
	assert.Equal(t, "fold", ended.Reason)
	assert.Equal(t, 995, ended.Stacks[0])
	assert.Equal(t, 1005, ended.Stacks[1])
	assert.Empty(t, ended.Revealed, "a fold reveals no hole cards")

	assert.True(t, h.Complete())
	assert.Equal(t, handevent.StreetComplete, h.Snapshot().Street)
}

func TestThreeWaySidePotShowdown(t *testing.T) {
	table := TableSnapshot{
		TableID: "t1",
		Config:  TableConfig{SmallBlind: 5, BigBlind: 10},
		Button:  0,
		Seats: []SeatIn{
			{Seat: 0, UserID: "a", Stack: 100},
			{Seat: 1, UserID: "b", Stack: 100},
			{Seat: 2, UserID: "c", Stack: 50},
		},
	}
	// Hole cards in seat order, then the board. Seat 2's aces beat
	// seat 0's kings beat seat 1's queens.
	deck := stackedDeck(t,
		"Ks", "Kh", "Qs", "Qh", "As", "Ah",
		"2c", "7d", "9h", "3s", "4d",
	)

	h, _, err := New("h1", table, 0, testStart, WithDeck(deck))
	require.NoError(t, err)

	now := testStart
	_, rej := h.Submit(0, handevent.ActionAllIn, 0, now)
	require.Nil(t, rej)
	_, rej = h.Submit(1, handevent.ActionCall, 0, now)
	require.Nil(t, rej)
	events, rej := h.Submit(2, handevent.ActionCall, 0, now)
	require.Nil(t, rej)

	require.True(t, h.Complete())

	var awards []handevent.PotAwarded
	for _, ev := range events {
		if p, ok := ev.Payload.(handevent.PotAwarded); ok {
			awards = append(awards, p)
		}
	}
	require.Len(t, awards, 2)
	assert.Equal(t, 150, awards[0].Amount)
	assert.Equal(t, []int{2}, awards[0].Winners)
	assert.Equal(t, 100, awards[1].Amount)
	assert.Equal(t, []int{0}, awards[1].Winners)

	snap := h.Snapshot()
	assert.Equal(t, 100, snap.Seats[0].Stack)
	assert.Equal(t, 0, snap.Seats[1].Stack)
	assert.Equal(t, 150, snap.Seats[2].Stack)
	assert.Equal(t, []int{0, 2}, snap.Winners)
	assert.Equal(t, []int{100, 150}, snap.WonAmounts)
	assert.Equal(t, "showdown", snap.EndReason)
}

func TestShortAllInDoesNotReopenBetting(t *testing.T) {
	table := TableSnapshot{
		TableID: "t1",
		Config:  TableConfig{SmallBlind: 5, BigBlind: 10},
		Button:  0,
		Seats: []SeatIn{
			{Seat: 0, UserID: "a", Stack: 1000},
			{Seat: 1, UserID: "b", Stack: 1000},
			{Seat: 2, UserID: "c", Stack: 150},
		},
	}
	h, _, err := New("h1", table, 7, testStart)
	require.NoError(t, err)

	now := testStart
	_, rej := h.Submit(0, handevent.ActionRaise, 100, now)
	require.Nil(t, rej)
	_, rej = h.Submit(1, handevent.ActionCall, 0, now)
	require.Nil(t, rej)

	// Seat 2 shoves 150 total: above the bet, below the min raise-to
	// of 190.
	events, rej := h.Submit(2, handevent.ActionAllIn, 0, now)
	require.Nil(t, rej)
	taken := events[0].Payload.(handevent.ActionTaken)
	assert.Equal(t, 150, taken.CurrentBet)
	assert.Equal(t, 90, taken.MinRaise, "short all-in must not move the min raise")

	// Seats 0 and 1 already acted at 100: they may fold or call the
	// difference, nothing else.
	legal := h.LegalActions(0)
	require.Len(t, legal, 2)
	assert.Equal(t, handevent.ActionFold, legal[0].Action)
	assert.Equal(t, handevent.ActionCall, legal[1].Action)
	assert.Equal(t, 50, legal[1].Min)

	_, rej = h.Submit(0, handevent.ActionRaise, 300, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectIllegalAction, rej.Reason)

	_, rej = h.Submit(0, handevent.ActionCall, 0, now)
	require.Nil(t, rej)
	events, rej = h.Submit(1, handevent.ActionCall, 0, now)
	require.Nil(t, rej)

	// Round settles and the flop comes.
	var sawFlop bool
	for _, ev := range events {
		if p, ok := ev.Payload.(handevent.StreetAdvanced); ok {
			assert.Equal(t, handevent.StreetFlop, p.Street)
			sawFlop = true
		}
	}
	assert.True(t, sawFlop)
}

func TestRejections(t *testing.T) {
	h, _, err := New("h1", headsUpTable(), 42, testStart)
	require.NoError(t, err)
	now := testStart

	_, rej := h.Submit(9, handevent.ActionFold, 0, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectUnknownSeat, rej.Reason)

	_, rej = h.Submit(1, handevent.ActionCall, 0, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectNotYourTurn, rej.Reason)

	// Seat 0 faces the big blind: check is not available.
	_, rej = h.Submit(0, handevent.ActionCheck, 0, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectIllegalAction, rej.Reason)

	// Raise below the min raise-to.
	_, rej = h.Submit(0, handevent.ActionRaise, 15, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectAmountOutOfRange, rej.Reason)

	_, rej = h.Submit(0, handevent.ActionFold, 0, now)
	require.Nil(t, rej)

	_, rej = h.Submit(1, handevent.ActionCheck, 0, now)
	require.NotNil(t, rej)
	assert.Equal(t, RejectHandComplete, rej.Reason)
}

func TestBigBlindGetsOption(t *testing.T) {
	h, _, err := New("h1", headsUpTable(), 42, testStart)
	require.NoError(t, err)
	now := testStart

	// Button limps; the big blind still gets to act.
	events, rej := h.Submit(0, handevent.ActionCall, 0, now)
	require.Nil(t, rej)
	taken := events[0].Payload.(handevent.ActionTaken)
	require.NotNil(t, taken.TurnSeat)
	assert.Equal(t, 1, *taken.TurnSeat)

	legal := h.LegalActions(1)
	_, canCheck := legalFor(legal, handevent.ActionCheck)
	assert.True(t, canCheck)
	_, canRaise := legalFor(legal, handevent.ActionRaise)
	assert.True(t, canRaise)

	events, rej = h.Submit(1, handevent.ActionCheck, 0, now)
	require.Nil(t, rej)
	var sawFlop bool
	for _, ev := range events {
		if p, ok := ev.Payload.(handevent.StreetAdvanced); ok && p.Street == handevent.StreetFlop {
			sawFlop = true
		}
	}
	assert.True(t, sawFlop, "big blind check closes the preflop round")
}

func TestTickAppliesTimeoutDefault(t *testing.T) {
	h, _, err := New("h1", headsUpTable(), 42, testStart)
	require.NoError(t, err)

	deadline, ok := h.TurnDeadline()
	require.True(t, ok)
	assert.Equal(t, testStart.Add(30*time.Second), deadline)

	// Early tick is a no-op.
	require.Nil(t, h.Tick(testStart.Add(10*time.Second)))

	// Seat 0 faces the blind: the default is fold.
	events := h.Tick(deadline)
	require.NotEmpty(t, events)
	require.Equal(t, handevent.TypeTurnTimeout, events[0].Type)
	timeout := events[0].Payload.(handevent.TurnTimeout)
	assert.Equal(t, 0, timeout.Seat)
	assert.Equal(t, handevent.ActionFold, timeout.Applied)
	assert.True(t, h.Complete())
}

func TestTickPrefersCheck(t *testing.T) {
	h, _, err := New("h1", headsUpTable(), 42, testStart)
	require.NoError(t, err)
	now := testStart

	_, rej := h.Submit(0, handevent.ActionCall, 0, now)
	require.Nil(t, rej)

	// Big blind can check, so the timeout checks instead of folding.
	deadline, ok := h.TurnDeadline()
	require.True(t, ok)
	events := h.Tick(deadline.Add(time.Second))
	require.NotEmpty(t, events)
	timeout := events[0].Payload.(handevent.TurnTimeout)
	assert.Equal(t, 1, timeout.Seat)
	assert.Equal(t, handevent.ActionCheck, timeout.Applied)
	assert.False(t, h.Complete())
	assert.Equal(t, handevent.StreetFlop, h.Snapshot().Street)
}

func TestStreetNeverDecreasesAndPotsConserve(t *testing.T) {
	table := headsUpTable()
	h, events, err := New("h1", table, 99, testStart)
	require.NoError(t, err)
	now := testStart

	script := []struct {
		seat   int
		action Action
		amount int
	}{
		{0, handevent.ActionCall, 0},
		{1, handevent.ActionCheck, 0},
		{1, handevent.ActionBet, 20}, // flop: bb acts first postflop
		{0, handevent.ActionRaise, 60},
		{1, handevent.ActionCall, 0},
		{1, handevent.ActionCheck, 0}, // turn
		{0, handevent.ActionCheck, 0},
		{1, handevent.ActionCheck, 0}, // river
		{0, handevent.ActionCheck, 0},
	}

	lastStreet := 0
	for _, step := range script {
		evs, rej := h.Submit(step.seat, step.action, step.amount, now)
		require.Nil(t, rej, "step %+v", step)
		events = append(events, evs...)

		snap := h.Snapshot()
		require.GreaterOrEqual(t, snap.Street.Index(), lastStreet, "street went backwards")
		lastStreet = snap.Street.Index()

		contributed := 0
		for _, v := range snap.Totals {
			contributed += v
		}
		potSum := 0
		for _, p := range SplitPots(snap.Totals, nil, nil) {
			potSum += p.Amount
		}
		require.Equal(t, contributed, potSum)
	}

	require.True(t, h.Complete())

	// Stacks conserve chips.
	snap := h.Snapshot()
	total := 0
	for _, s := range snap.Seats {
		total += s.Stack
	}
	assert.Equal(t, 2000, total)
}

func TestReplayRoundTrip(t *testing.T) {
	h, events, err := New("h1", headsUpTable(), 123, testStart)
	require.NoError(t, err)
	now := testStart

	script := []struct {
		seat   int
		action Action
		amount int
	}{
		{0, handevent.ActionRaise, 30},
		{1, handevent.ActionCall, 0},
		{1, handevent.ActionCheck, 0},
		{0, handevent.ActionBet, 40},
		{1, handevent.ActionCall, 0},
		{1, handevent.ActionCheck, 0},
		{0, handevent.ActionCheck, 0},
		{1, handevent.ActionBet, 100},
		{0, handevent.ActionCall, 0},
	}
	for _, step := range script {
		now = now.Add(time.Second)
		evs, rej := h.Submit(step.seat, step.action, step.amount, now)
		require.Nil(t, rej, "step %+v", step)
		events = append(events, evs...)
	}
	require.True(t, h.Complete())

	replayed, err := handevent.FoldAll(events)
	require.NoError(t, err)

	want, err := h.Snapshot().Canonical()
	require.NoError(t, err)
	got, err := replayed.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got), "replaying the event log must reproduce the final snapshot")
}

func TestAllInBlindsRunOutBoard(t *testing.T) {
	table := TableSnapshot{
		TableID: "t1",
		Config:  TableConfig{SmallBlind: 5, BigBlind: 10},
		Button:  0,
		Seats: []SeatIn{
			{Seat: 0, UserID: "a", Stack: 5},
			{Seat: 1, UserID: "b", Stack: 10},
		},
	}
	h, events, err := New("h1", table, 3, testStart)
	require.NoError(t, err)

	// Both blinds are all-in: the hand runs out with no action.
	assert.True(t, h.Complete())
	types := eventTypes(events)
	assert.Equal(t, handevent.TypeHandStarted, types[0])
	assert.Equal(t, handevent.TypeHandEnded, types[len(types)-1])

	streets := 0
	for _, ev := range events {
		if _, ok := ev.Payload.(handevent.StreetAdvanced); ok {
			streets++
		}
	}
	assert.Equal(t, 4, streets, "flop, turn, river, showdown")
}

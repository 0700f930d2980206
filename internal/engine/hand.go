// Package engine drives a single Texas Hold'em hand from deal to
// showdown. The engine is synchronous and free of I/O: callers feed it
// actions and clock readings, it returns the authoritative event
// stream. Illegal input is answered with a Rejection, never an error;
// errors are reserved for broken internal invariants, which quarantine
// the hand.
package engine

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/poker"
)

// TableConfig is the subset of a table's configuration a hand needs.
type TableConfig struct {
	SmallBlind int
	BigBlind   int
	Ante       int
	TurnTimer  time.Duration
}

// SeatIn describes one occupied seat entering a hand.
type SeatIn struct {
	Seat   int
	UserID string
	Stack  int
}

// TableSnapshot is the immutable table view a hand is started from.
type TableSnapshot struct {
	TableID string
	Config  TableConfig
	Button  int
	Seats   []SeatIn
}

type seatState struct {
	seat   int
	userID string
	stack  int
	folded bool
	allIn  bool
}

// Hand owns the evolving state of one hand. It is not safe for
// concurrent use; callers serialize access per hand.
type Hand struct {
	handID  string
	tableID string
	cfg     TableConfig

	button int
	sbSeat int
	bbSeat int

	deck      *poker.Deck
	seats     []seatState
	hole      map[int][]poker.Card
	community []poker.Card

	street       handevent.Street
	turnSeat     int // -1 when no seat is to act
	turnDeadline *time.Time

	currentBet int
	minRaise   int
	round      map[int]int
	totals     map[int]int
	acted      map[int]bool

	startedAt time.Time
	ended     bool
	nextSeq   uint64

	winners    []int
	wonAmounts []int
	revealed   map[int][]poker.Card
	endReason  string
	endedAt    *time.Time

	quarantineErr error
}

// Option adjusts a hand at construction time.
type Option func(*Hand)

// WithDeck substitutes the deck the hand deals from, overriding the
// seed. Tests use this to script exact cards.
func WithDeck(d *poker.Deck) Option {
	return func(h *Hand) { h.deck = d }
}

// New starts a hand from a table snapshot and a deck seed. The returned
// events begin with HandStarted; when only blinds could be posted the
// hand may already be complete (both blinds all-in covers this).
func New(handID string, table TableSnapshot, seed int64, now time.Time, opts ...Option) (*Hand, []handevent.Event, error) {
	if len(table.Seats) < 2 {
		return nil, nil, fmt.Errorf("engine: hand needs at least 2 seats, got %d", len(table.Seats))
	}
	if table.Config.SmallBlind <= 0 || table.Config.BigBlind <= table.Config.SmallBlind {
		return nil, nil, fmt.Errorf("engine: invalid blinds %d/%d", table.Config.SmallBlind, table.Config.BigBlind)
	}

	h := &Hand{
		handID:    handID,
		tableID:   table.TableID,
		cfg:       table.Config,
		button:    table.Button,
		deck:      poker.NewDeck(rand.New(rand.NewSource(seed))),
		street:    handevent.StreetPreflop,
		turnSeat:  -1,
		hole:      make(map[int][]poker.Card, len(table.Seats)),
		round:     make(map[int]int),
		totals:    make(map[int]int),
		acted:     make(map[int]bool),
		startedAt: now,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.seats = make([]seatState, len(table.Seats))
	for i, s := range table.Seats {
		if s.Stack <= 0 {
			return nil, nil, fmt.Errorf("engine: seat %d has no stack", s.Seat)
		}
		h.seats[i] = seatState{seat: s.Seat, userID: s.UserID, stack: s.Stack}
	}
	if h.seatIndex(h.button) < 0 {
		return nil, nil, fmt.Errorf("engine: button seat %d not present", h.button)
	}

	// Heads-up the button posts the small blind and acts first preflop.
	if len(h.seats) == 2 {
		h.sbSeat = h.button
		h.bbSeat = h.nextSeat(h.button)
	} else {
		h.sbSeat = h.nextSeat(h.button)
		h.bbSeat = h.nextSeat(h.sbSeat)
	}

	for i := range h.seats {
		cards := h.deck.Deal(2)
		h.hole[h.seats[i].seat] = append([]poker.Card(nil), cards...)
	}

	// Antes are dead money: they count toward the pot but not toward
	// the round's betting.
	if h.cfg.Ante > 0 {
		for i := range h.seats {
			s := &h.seats[i]
			ante := min(h.cfg.Ante, s.stack)
			s.stack -= ante
			h.totals[s.seat] += ante
			if s.stack == 0 {
				s.allIn = true
			}
		}
	}
	h.paySeat(h.sbSeat, min(h.cfg.SmallBlind, h.stackOf(h.sbSeat)))
	h.paySeat(h.bbSeat, min(h.cfg.BigBlind, h.stackOf(h.bbSeat)))
	h.currentBet = h.cfg.BigBlind
	h.minRaise = h.cfg.BigBlind

	h.setTurn(h.firstToActPreflop(), now)

	started := h.emit(now, handevent.HandStarted{
		TableID:      h.tableID,
		Button:       h.button,
		SBSeat:       h.sbSeat,
		BBSeat:       h.bbSeat,
		SmallBlind:   h.cfg.SmallBlind,
		BigBlind:     h.cfg.BigBlind,
		Ante:         h.cfg.Ante,
		Seats:        h.seatStates(),
		HoleCards:    h.holeCopy(),
		Round:        copyIntMap(h.round),
		Totals:       copyIntMap(h.totals),
		CurrentBet:   h.currentBet,
		MinRaise:     h.minRaise,
		TurnSeat:     h.turnSeat,
		TurnDeadline: h.deadlineCopy(),
		StartedAt:    h.startedAt,
	})
	events := []handevent.Event{started}

	// Blinds can leave nobody able to act.
	if h.roundComplete() {
		events = append(events, h.advance(now)...)
	}

	if err := h.checkInvariants(); err != nil {
		return nil, nil, err
	}
	return h, events, nil
}

// ID returns the hand id.
func (h *Hand) ID() string { return h.handID }

// TableID returns the owning table's id.
func (h *Hand) TableID() string { return h.tableID }

// Complete reports whether the hand has ended.
func (h *Hand) Complete() bool { return h.ended }

// Quarantined returns the invariant violation that froze the hand, or
// nil while the hand is healthy.
func (h *Hand) Quarantined() error { return h.quarantineErr }

// TurnDeadline returns the current action deadline, if a seat is to act.
func (h *Hand) TurnDeadline() (time.Time, bool) {
	if h.turnDeadline == nil {
		return time.Time{}, false
	}
	return *h.turnDeadline, true
}

// Snapshot renders the hand's current state. Hole cards are included
// in full; redaction happens at the read edge.
func (h *Hand) Snapshot() *handevent.Snapshot {
	snap := &handevent.Snapshot{
		HandID:     h.handID,
		TableID:    h.tableID,
		Version:    h.nextSeq,
		Street:     h.street,
		Button:     h.button,
		SBSeat:     h.sbSeat,
		BBSeat:     h.bbSeat,
		SmallBlind: h.cfg.SmallBlind,
		BigBlind:   h.cfg.BigBlind,
		Ante:       h.cfg.Ante,
		Seats:      h.seatStates(),
		HoleCards:  h.holeCopy(),
		Community:  append([]poker.Card(nil), h.community...),
		CurrentBet: h.currentBet,
		MinRaise:   h.minRaise,
		Round:      copyIntMap(h.round),
		Totals:     copyIntMap(h.totals),
		StartedAt:  h.startedAt,
	}
	if h.ended {
		snap.Round = map[int]int{}
		snap.Winners = append([]int(nil), h.winners...)
		snap.WonAmounts = append([]int(nil), h.wonAmounts...)
		snap.EndReason = h.endReason
		if h.revealed != nil {
			snap.Revealed = make(map[int][]poker.Card, len(h.revealed))
			for seat, cards := range h.revealed {
				snap.Revealed[seat] = append([]poker.Card(nil), cards...)
			}
		}
		if h.endedAt != nil {
			ended := *h.endedAt
			snap.EndedAt = &ended
		}
		return snap
	}
	snap.Pots = h.potsNow()
	if h.turnSeat >= 0 {
		turn := h.turnSeat
		snap.TurnSeat = &turn
	}
	snap.TurnDeadline = h.deadlineCopy()
	return snap
}

// potsNow builds the pots as they stand if the hand were resolved now.
func (h *Hand) potsNow() []handevent.Pot {
	return SplitPots(h.totals, h.foldedSet(), h.allInSet())
}

func (h *Hand) emit(ts time.Time, payload handevent.Payload) handevent.Event {
	h.nextSeq++
	ev := handevent.New(h.handID, fmt.Sprintf("%s:%d", h.handID, h.nextSeq), ts, payload)
	ev.Seq = h.nextSeq
	return ev
}

func (h *Hand) seatIndex(seat int) int {
	for i := range h.seats {
		if h.seats[i].seat == seat {
			return i
		}
	}
	return -1
}

// nextSeat returns the next occupied seat clockwise from seat.
func (h *Hand) nextSeat(seat int) int {
	i := h.seatIndex(seat)
	return h.seats[(i+1)%len(h.seats)].seat
}

// nextActiveSeat returns the first seat clockwise from seat that can
// still act, or -1.
func (h *Hand) nextActiveSeat(seat int) int {
	i := h.seatIndex(seat)
	for n := 1; n <= len(h.seats); n++ {
		s := h.seats[(i+n)%len(h.seats)]
		if !s.folded && !s.allIn {
			return s.seat
		}
	}
	return -1
}

func (h *Hand) firstToActPreflop() int {
	if len(h.seats) == 2 {
		if s := h.seatAt(h.sbSeat); !s.folded && !s.allIn {
			return h.sbSeat
		}
	}
	return h.nextActiveSeat(h.bbSeat)
}

func (h *Hand) seatAt(seat int) *seatState {
	if i := h.seatIndex(seat); i >= 0 {
		return &h.seats[i]
	}
	return nil
}

func (h *Hand) stackOf(seat int) int {
	if s := h.seatAt(seat); s != nil {
		return s.stack
	}
	return 0
}

func (h *Hand) pay(s *seatState, amount int) {
	s.stack -= amount
	h.round[s.seat] += amount
	h.totals[s.seat] += amount
	if s.stack == 0 {
		s.allIn = true
	}
}

func (h *Hand) paySeat(seat, amount int) {
	if s := h.seatAt(seat); s != nil {
		h.pay(s, amount)
	}
}

func (h *Hand) setTurn(seat int, now time.Time) {
	h.turnSeat = seat
	if seat < 0 {
		h.turnDeadline = nil
		return
	}
	if h.cfg.TurnTimer > 0 {
		deadline := now.Add(h.cfg.TurnTimer)
		h.turnDeadline = &deadline
	} else {
		h.turnDeadline = nil
	}
}

func (h *Hand) seatStates() []handevent.SeatState {
	out := make([]handevent.SeatState, len(h.seats))
	for i, s := range h.seats {
		out[i] = handevent.SeatState{
			Seat:   s.seat,
			UserID: s.userID,
			Stack:  s.stack,
			Folded: s.folded,
			AllIn:  s.allIn,
		}
	}
	return out
}

func (h *Hand) holeCopy() map[int][]poker.Card {
	out := make(map[int][]poker.Card, len(h.hole))
	for seat, cards := range h.hole {
		out[seat] = append([]poker.Card(nil), cards...)
	}
	return out
}

func (h *Hand) deadlineCopy() *time.Time {
	if h.turnDeadline == nil {
		return nil
	}
	d := *h.turnDeadline
	return &d
}

func (h *Hand) foldedSet() map[int]bool {
	out := make(map[int]bool)
	for _, s := range h.seats {
		if s.folded {
			out[s.seat] = true
		}
	}
	return out
}

func (h *Hand) allInSet() map[int]bool {
	out := make(map[int]bool)
	for _, s := range h.seats {
		if s.allIn {
			out[s.seat] = true
		}
	}
	return out
}

func (h *Hand) liveSeats() []int {
	var out []int
	for _, s := range h.seats {
		if !s.folded {
			out = append(out, s.seat)
		}
	}
	return out
}

// checkInvariants verifies the state against the data model. A failure
// quarantines the hand: no further actions are accepted.
func (h *Hand) checkInvariants() error {
	if h.quarantineErr != nil {
		return h.quarantineErr
	}
	total := 0
	for _, v := range h.totals {
		total += v
	}
	potSum := 0
	for _, p := range h.potsNow() {
		potSum += p.Amount
	}
	switch {
	case total != potSum:
		h.quarantineErr = fmt.Errorf("engine: pot sum %d != contributions %d for hand %s", potSum, total, h.handID)
	case h.minRaise < h.cfg.BigBlind:
		h.quarantineErr = fmt.Errorf("engine: min raise %d below big blind %d for hand %s", h.minRaise, h.cfg.BigBlind, h.handID)
	case h.turnSeat >= 0 && (h.seatAt(h.turnSeat) == nil || h.seatAt(h.turnSeat).folded):
		h.quarantineErr = fmt.Errorf("engine: turn on dead seat %d for hand %s", h.turnSeat, h.handID)
	}
	return h.quarantineErr
}

func copyIntMap(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

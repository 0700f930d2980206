package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/poker"
)

// Submit applies one seat's action. Illegal input yields a Rejection
// and leaves the hand untouched. On success it returns the ordered
// events the action caused, which may include street advances, pot
// awards and the hand ending.
func (h *Hand) Submit(seat int, action Action, amount int, now time.Time) ([]handevent.Event, *Rejection) {
	if h.quarantineErr != nil {
		return nil, reject(RejectQuarantined, h.quarantineErr.Error())
	}
	if h.ended {
		return nil, reject(RejectHandComplete, "hand is complete")
	}
	if h.seatAt(seat) == nil {
		return nil, reject(RejectUnknownSeat, fmt.Sprintf("seat %d is not in this hand", seat))
	}
	if seat != h.turnSeat {
		return nil, reject(RejectNotYourTurn, fmt.Sprintf("seat %d is to act", h.turnSeat))
	}

	legal := h.LegalActions(seat)
	la, ok := legalFor(legal, action)
	if !ok {
		return nil, reject(RejectIllegalAction, fmt.Sprintf("%s is not available", action))
	}
	switch action {
	case handevent.ActionBet, handevent.ActionRaise:
		if amount < la.Min || amount > la.Max {
			return nil, reject(RejectAmountOutOfRange,
				fmt.Sprintf("%s must be between %d and %d, got %d", action, la.Min, la.Max, amount))
		}
	default:
		// Call, check, fold and all-in carry no caller amount.
		amount = 0
	}

	events := h.apply(seat, action, amount, now)
	if err := h.checkInvariants(); err != nil {
		return nil, reject(RejectQuarantined, err.Error())
	}
	return events, nil
}

// Tick applies the timeout default when the action deadline has passed:
// check when legal, otherwise fold. It returns nil when nothing is due.
func (h *Hand) Tick(now time.Time) []handevent.Event {
	if h.ended || h.quarantineErr != nil || h.turnDeadline == nil || now.Before(*h.turnDeadline) {
		return nil
	}
	seat := h.turnSeat

	applied := handevent.ActionFold
	if _, ok := legalFor(h.LegalActions(seat), handevent.ActionCheck); ok {
		applied = handevent.ActionCheck
	}

	events := []handevent.Event{h.emit(now, handevent.TurnTimeout{Seat: seat, Applied: applied})}
	events = append(events, h.apply(seat, applied, 0, now)...)
	if err := h.checkInvariants(); err != nil {
		// The timeout path has no caller to hand a rejection to; the
		// quarantine surfaces on the next Submit.
		return events
	}
	return events
}

// apply mutates the hand for an already-validated action and returns
// the emitted events.
func (h *Hand) apply(seat int, action Action, amount int, now time.Time) []handevent.Event {
	s := h.seatAt(seat)
	round := h.round[seat]
	paid := 0

	// All-in resolves to bet, raise or call semantics by its size.
	if action == handevent.ActionAllIn {
		shove := s.stack + round
		switch {
		case h.currentBet == 0:
			action, amount = handevent.ActionBet, shove
		case shove > h.currentBet:
			action, amount = handevent.ActionRaise, shove
		default:
			action, amount = handevent.ActionCall, 0
		}
	}

	switch action {
	case handevent.ActionFold:
		s.folded = true
		h.acted[seat] = true

	case handevent.ActionCheck:
		h.acted[seat] = true

	case handevent.ActionCall:
		paid = min(h.currentBet-round, s.stack)
		h.pay(s, paid)
		h.acted[seat] = true

	case handevent.ActionBet:
		paid = amount - round
		h.pay(s, paid)
		h.currentBet = amount
		if amount >= h.cfg.BigBlind {
			h.minRaise = amount
		}
		h.acted = map[int]bool{seat: true}

	case handevent.ActionRaise:
		paid = amount - round
		h.pay(s, paid)
		fullRaise := amount >= h.currentBet+h.minRaise
		if fullRaise {
			// A full raise reopens the action: everyone else must
			// respond to the new bet.
			h.minRaise = amount - h.currentBet
			h.acted = map[int]bool{seat: true}
		} else {
			// Short all-in: callers still get their turn, but seats
			// that already acted at the old bet are not reopened.
			h.acted[seat] = true
		}
		h.currentBet = amount
	}

	live := h.liveSeats()
	if len(live) <= 1 {
		h.setTurn(-1, now)
		events := []handevent.Event{h.actionEvent(now, seat, action, amount, paid)}
		return append(events, h.finishByFold(now, live)...)
	}

	if h.roundComplete() {
		h.setTurn(-1, now)
		events := []handevent.Event{h.actionEvent(now, seat, action, amount, paid)}
		return append(events, h.advance(now)...)
	}

	h.setTurn(h.nextActiveSeat(seat), now)
	return []handevent.Event{h.actionEvent(now, seat, action, amount, paid)}
}

func (h *Hand) actionEvent(now time.Time, seat int, action Action, amount, paid int) handevent.Event {
	s := h.seatAt(seat)
	p := handevent.ActionTaken{
		Seat:       seat,
		Action:     action,
		Amount:     amount,
		Paid:       paid,
		Stack:      s.stack,
		Folded:     s.folded,
		AllIn:      s.allIn,
		Round:      copyIntMap(h.round),
		Totals:     copyIntMap(h.totals),
		CurrentBet: h.currentBet,
		MinRaise:   h.minRaise,
	}
	if h.turnSeat >= 0 {
		turn := h.turnSeat
		p.TurnSeat = &turn
		p.TurnDeadline = h.deadlineCopy()
	}
	return h.emit(now, p)
}

// roundComplete reports whether the current betting round is settled:
// every seat that can still act has acted and matched the current bet.
func (h *Hand) roundComplete() bool {
	for _, s := range h.seats {
		if s.folded || s.allIn {
			continue
		}
		if !h.acted[s.seat] || h.round[s.seat] != h.currentBet {
			return false
		}
	}
	return true
}

// advance moves to the next street, dealing community cards, and keeps
// advancing while no seat can act (everyone all-in). Reaching showdown
// resolves the hand.
func (h *Hand) advance(now time.Time) []handevent.Event {
	var events []handevent.Event

	for {
		h.round = make(map[int]int)
		h.acted = make(map[int]bool)
		h.currentBet = 0
		h.minRaise = h.cfg.BigBlind

		var dealt []poker.Card
		switch h.street {
		case handevent.StreetPreflop:
			h.street = handevent.StreetFlop
			dealt = h.deck.Deal(3)
		case handevent.StreetFlop:
			h.street = handevent.StreetTurn
			dealt = h.deck.Deal(1)
		case handevent.StreetTurn:
			h.street = handevent.StreetRiver
			dealt = h.deck.Deal(1)
		case handevent.StreetRiver:
			h.street = handevent.StreetShowdown
		default:
			return events
		}
		h.community = append(h.community, dealt...)

		if h.street == handevent.StreetShowdown {
			h.setTurn(-1, now)
			events = append(events, h.emit(now, handevent.StreetAdvanced{
				Street:     h.street,
				Community:  append([]poker.Card(nil), h.community...),
				Pots:       h.potsNow(),
				CurrentBet: 0,
				MinRaise:   h.minRaise,
			}))
			return append(events, h.showdown(now)...)
		}

		h.setTurn(h.nextActiveSeat(h.button), now)
		p := handevent.StreetAdvanced{
			Street:     h.street,
			Dealt:      dealt,
			Community:  append([]poker.Card(nil), h.community...),
			Pots:       h.potsNow(),
			CurrentBet: 0,
			MinRaise:   h.minRaise,
		}
		if h.turnSeat >= 0 {
			turn := h.turnSeat
			p.TurnSeat = &turn
			p.TurnDeadline = h.deadlineCopy()
		}
		events = append(events, h.emit(now, p))

		if h.turnSeat >= 0 {
			return events
		}
		// Everyone still in is all-in: run the board out.
	}
}

// showdown evaluates every pot and pays the winners.
func (h *Hand) showdown(now time.Time) []handevent.Event {
	pots := h.potsNow()
	var events []handevent.Event

	values := make(map[int]poker.HandValue)
	revealed := make(map[int][]poker.Card)
	for _, seat := range h.liveSeats() {
		cards := append(append([]poker.Card(nil), h.hole[seat]...), h.community...)
		value, err := poker.EvaluateCards(cards)
		if err != nil {
			h.quarantineErr = fmt.Errorf("engine: showdown evaluation for seat %d: %w", seat, err)
			return events
		}
		values[seat] = value
		revealed[seat] = append([]poker.Card(nil), h.hole[seat]...)
	}

	wonTotals := make(map[int]int)
	for i, pot := range pots {
		winners := h.potWinners(pot, values)
		shares := h.splitAward(pot.Amount, winners)
		for seat, share := range shares {
			h.seatAt(seat).stack += share
			wonTotals[seat] += share
		}
		events = append(events, h.emit(now, handevent.PotAwarded{
			PotIndex: i,
			Amount:   pot.Amount,
			Winners:  winners,
			Shares:   shares,
		}))
	}

	events = append(events, h.finish(now, wonTotals, revealed, "showdown"))
	return events
}

// potWinners returns the pot's winning seats in ascending seat order.
func (h *Hand) potWinners(pot handevent.Pot, values map[int]poker.HandValue) []int {
	var winners []int
	for _, seat := range pot.Eligible {
		value, ok := values[seat]
		if !ok {
			continue
		}
		if len(winners) == 0 {
			winners = []int{seat}
			continue
		}
		switch value.Compare(values[winners[0]]) {
		case 1:
			winners = []int{seat}
		case 0:
			winners = append(winners, seat)
		}
	}
	sort.Ints(winners)
	if len(winners) == 0 {
		// An overbet nobody was eligible to win falls to the last
		// live seat.
		winners = h.liveSeats()
	}
	return winners
}

// splitAward divides an amount evenly, handing remainder chips out one
// at a time starting with the first winner clockwise from the button.
func (h *Hand) splitAward(amount int, winners []int) map[int]int {
	shares := make(map[int]int, len(winners))
	if len(winners) == 0 {
		return shares
	}
	each := amount / len(winners)
	rem := amount % len(winners)

	ordered := append([]int(nil), winners...)
	sort.Slice(ordered, func(i, j int) bool {
		return h.clockwiseFromButton(ordered[i]) < h.clockwiseFromButton(ordered[j])
	})
	for _, seat := range ordered {
		shares[seat] = each
		if rem > 0 {
			shares[seat]++
			rem--
		}
	}
	return shares
}

// clockwiseFromButton returns the seat's distance clockwise from the
// button, with the button itself last.
func (h *Hand) clockwiseFromButton(seat int) int {
	n := len(h.seats)
	return ((h.seatIndex(seat) - h.seatIndex(h.button) - 1) % n + n) % n
}

// finishByFold ends the hand when at most one seat remains unfolded.
func (h *Hand) finishByFold(now time.Time, live []int) []handevent.Event {
	var events []handevent.Event
	wonTotals := make(map[int]int)

	pots := h.potsNow()
	for i, pot := range pots {
		winners := append([]int(nil), live...)
		shares := h.splitAward(pot.Amount, winners)
		for seat, share := range shares {
			h.seatAt(seat).stack += share
			wonTotals[seat] += share
		}
		events = append(events, h.emit(now, handevent.PotAwarded{
			PotIndex: i,
			Amount:   pot.Amount,
			Winners:  winners,
			Shares:   shares,
		}))
	}

	events = append(events, h.finish(now, wonTotals, nil, "fold"))
	return events
}

func (h *Hand) finish(now time.Time, wonTotals map[int]int, revealed map[int][]poker.Card, reason string) handevent.Event {
	h.ended = true
	h.street = handevent.StreetComplete
	h.setTurn(-1, now)

	winners := make([]int, 0, len(wonTotals))
	for seat := range wonTotals {
		winners = append(winners, seat)
	}
	sort.Ints(winners)
	amounts := make([]int, len(winners))
	for i, seat := range winners {
		amounts[i] = wonTotals[seat]
	}

	stacks := make(map[int]int, len(h.seats))
	for _, s := range h.seats {
		stacks[s.seat] = s.stack
	}

	h.winners = winners
	h.wonAmounts = amounts
	h.revealed = revealed
	h.endReason = reason
	ended := now
	h.endedAt = &ended

	return h.emit(now, handevent.HandEnded{
		Winners:  winners,
		Amounts:  amounts,
		Stacks:   stacks,
		Revealed: revealed,
		Reason:   reason,
		EndedAt:  now,
	})
}

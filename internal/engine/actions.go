package engine

import (
	"github.com/railbird-gg/cardroom/internal/handevent"
)

// Action is a betting action submitted to the engine.
type Action = handevent.Action

// RejectReason classifies why a submitted action was refused. Rejections
// are data: the hand's state is untouched and the connection stays up.
type RejectReason string

const (
	RejectNotYourTurn      RejectReason = "not_your_turn"
	RejectIllegalAction    RejectReason = "illegal_action"
	RejectAmountOutOfRange RejectReason = "amount_out_of_range"
	RejectHandComplete     RejectReason = "hand_complete"
	RejectUnknownSeat      RejectReason = "unknown_seat"

	// RejectQuarantined means the hand tripped an internal invariant
	// and accepts no further actions.
	RejectQuarantined RejectReason = "engine_invariant_violated"
)

// Rejection explains a refused action.
type Rejection struct {
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message,omitempty"`
}

func reject(reason RejectReason, msg string) *Rejection {
	return &Rejection{Reason: reason, Message: msg}
}

// LegalAction is one permitted action with its amount bounds. Min and
// Max are raise-to totals for Bet/Raise and the exact chip cost for
// Call; they are zero for Fold and Check.
type LegalAction struct {
	Action Action `json:"action"`
	Min    int    `json:"min,omitempty"`
	Max    int    `json:"max,omitempty"`
}

// LegalActions derives the set of actions the seat may take right now.
// It returns nil when it is not the seat's turn.
func (h *Hand) LegalActions(seat int) []LegalAction {
	if h.ended || h.quarantineErr != nil || seat != h.turnSeat {
		return nil
	}
	s := h.seatAt(seat)
	if s == nil || s.folded || s.allIn {
		return nil
	}

	round := h.round[seat]
	actions := []LegalAction{{Action: handevent.ActionFold}}

	// A seat acting again without an intervening full raise is facing a
	// short all-in: it may call the difference but raising is not
	// reopened.
	if h.acted[seat] && h.currentBet > round {
		cost := min(h.currentBet-round, s.stack)
		return append(actions, LegalAction{Action: handevent.ActionCall, Min: cost, Max: cost})
	}

	if round == h.currentBet {
		actions = append(actions, LegalAction{Action: handevent.ActionCheck})
	} else {
		cost := min(h.currentBet-round, s.stack)
		actions = append(actions, LegalAction{Action: handevent.ActionCall, Min: cost, Max: cost})
	}

	if h.currentBet == 0 && s.stack > 0 {
		actions = append(actions, LegalAction{
			Action: handevent.ActionBet,
			Min:    min(h.cfg.BigBlind, s.stack),
			Max:    s.stack,
		})
	}

	// A raise needs chips beyond the current bet. Below the full
	// min-raise only the all-in shove qualifies.
	if h.currentBet > 0 && s.stack+round > h.currentBet {
		maxTo := s.stack + round
		minTo := h.currentBet + h.minRaise
		if minTo > maxTo {
			minTo = maxTo
		}
		actions = append(actions, LegalAction{Action: handevent.ActionRaise, Min: minTo, Max: maxTo})
	}

	if s.stack > 0 {
		actions = append(actions, LegalAction{Action: handevent.ActionAllIn, Min: s.stack + round, Max: s.stack + round})
	}

	return actions
}

func legalFor(actions []LegalAction, a Action) (LegalAction, bool) {
	for _, la := range actions {
		if la.Action == a {
			return la, true
		}
	}
	return LegalAction{}, false
}

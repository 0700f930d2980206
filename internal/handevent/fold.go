package handevent

import (
	"errors"
	"fmt"

	"github.com/railbird-gg/cardroom/poker"
)

var (
	// ErrNotStarted is returned when the first event folded into an
	// empty snapshot is not HandStarted.
	ErrNotStarted = errors.New("handevent: first event must be HandStarted")

	// ErrHandMismatch is returned when an event's hand id does not
	// match the snapshot it is folded into.
	ErrHandMismatch = errors.New("handevent: event hand id mismatch")
)

// Fold applies one event to a snapshot and returns the updated copy.
// It is pure: the input snapshot is never mutated, every field written
// comes from the event payload, and an event whose seq the snapshot
// has already seen is a no-op. Folding the same log always produces
// byte-identical snapshots.
func Fold(snap *Snapshot, ev Event) (*Snapshot, error) {
	if snap == nil {
		started, ok := ev.Payload.(HandStarted)
		if !ok {
			return nil, fmt.Errorf("%w, got %s", ErrNotStarted, ev.Type)
		}
		return foldStart(ev, started), nil
	}
	if snap.HandID != ev.HandID {
		return nil, fmt.Errorf("%w: snapshot %s, event %s", ErrHandMismatch, snap.HandID, ev.HandID)
	}
	// At-least-once delivery: replays of already-applied events are
	// absorbed here.
	if ev.Seq != 0 && ev.Seq <= snap.Version {
		return snap.Clone(), nil
	}

	out := snap.Clone()
	out.Version = ev.Seq

	switch p := ev.Payload.(type) {
	case HandStarted:
		// A restarted fold over the full log begins from scratch.
		return foldStart(ev, p), nil

	case ActionTaken:
		if i := out.SeatIndex(p.Seat); i >= 0 {
			out.Seats[i].Stack = p.Stack
			out.Seats[i].Folded = p.Folded
			out.Seats[i].AllIn = p.AllIn
		}
		out.Round = cloneIntMap(p.Round)
		out.Totals = cloneIntMap(p.Totals)
		out.CurrentBet = p.CurrentBet
		out.MinRaise = p.MinRaise
		out.TurnSeat = cloneIntPtr(p.TurnSeat)
		out.TurnDeadline = cloneTimePtr(p.TurnDeadline)

	case StreetAdvanced:
		out.Street = p.Street
		out.Community = append([]poker.Card(nil), p.Community...)
		out.Pots = clonePots(p.Pots)
		out.Round = map[int]int{}
		out.CurrentBet = p.CurrentBet
		out.MinRaise = p.MinRaise
		out.TurnSeat = cloneIntPtr(p.TurnSeat)
		out.TurnDeadline = cloneTimePtr(p.TurnDeadline)

	case PotAwarded:
		for seat, share := range p.Shares {
			if i := out.SeatIndex(seat); i >= 0 {
				out.Seats[i].Stack += share
			}
		}

	case TurnTimeout:
		// Bookkeeping only; the applied action arrives as its own
		// ActionTaken event.

	case HandEnded:
		out.Street = StreetComplete
		out.Winners = append([]int(nil), p.Winners...)
		out.WonAmounts = append([]int(nil), p.Amounts...)
		out.Revealed = cloneCardMap(p.Revealed)
		out.EndReason = p.Reason
		for seat, stack := range p.Stacks {
			if i := out.SeatIndex(seat); i >= 0 {
				out.Seats[i].Stack = stack
			}
		}
		ended := p.EndedAt
		out.EndedAt = &ended
		// Pots are paid out and the betting round is over.
		out.Pots = nil
		out.Round = map[int]int{}
		out.TurnSeat = nil
		out.TurnDeadline = nil

	default:
		return nil, fmt.Errorf("handevent: no fold rule for %s", ev.Type)
	}

	return out, nil
}

// FoldAll folds a complete event log in order, starting from nil.
func FoldAll(events []Event) (*Snapshot, error) {
	var snap *Snapshot
	for _, ev := range events {
		next, err := Fold(snap, ev)
		if err != nil {
			return nil, fmt.Errorf("fold seq %d: %w", ev.Seq, err)
		}
		snap = next
	}
	return snap, nil
}

func foldStart(ev Event, p HandStarted) *Snapshot {
	turn := p.TurnSeat
	return &Snapshot{
		HandID:       ev.HandID,
		TableID:      p.TableID,
		Version:      ev.Seq,
		Street:       StreetPreflop,
		Button:       p.Button,
		SBSeat:       p.SBSeat,
		BBSeat:       p.BBSeat,
		SmallBlind:   p.SmallBlind,
		BigBlind:     p.BigBlind,
		Ante:         p.Ante,
		Seats:        append([]SeatState(nil), p.Seats...),
		HoleCards:    cloneCardMap(p.HoleCards),
		CurrentBet:   p.CurrentBet,
		MinRaise:     p.MinRaise,
		Round:        cloneIntMap(p.Round),
		Totals:       cloneIntMap(p.Totals),
		TurnSeat:     &turn,
		TurnDeadline: cloneTimePtr(p.TurnDeadline),
		StartedAt:    p.StartedAt,
	}
}

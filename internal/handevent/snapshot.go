// Package handevent defines the authoritative per-hand event catalog,
// the materialized hand snapshot, and the pure fold that turns one into
// the other. Events are the single source of truth: every field a
// snapshot carries is replaced from event payloads, never computed from
// wall-clock or ambient state, so replaying a hand's log is
// deterministic and byte-identical.
package handevent

import (
	"encoding/json"
	"time"

	"github.com/railbird-gg/cardroom/poker"
)

// Street is a phase of a hand.
type Street string

const (
	StreetPreflop  Street = "preflop"
	StreetFlop     Street = "flop"
	StreetTurn     Street = "turn"
	StreetRiver    Street = "river"
	StreetShowdown Street = "showdown"
	StreetComplete Street = "complete"
)

var streetOrder = map[Street]int{
	StreetPreflop:  0,
	StreetFlop:     1,
	StreetTurn:     2,
	StreetRiver:    3,
	StreetShowdown: 4,
	StreetComplete: 5,
}

// Index returns the street's position in hand order, or -1 if unknown.
func (s Street) Index() int {
	i, ok := streetOrder[s]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether s is a known street.
func (s Street) Valid() bool { return s.Index() >= 0 }

// Pot is a sum of chips and the seats allowed to win it.
type Pot struct {
	Amount   int   `json:"amount"`
	Eligible []int `json:"eligible"`
}

// SeatState is one seat's standing within a hand.
type SeatState struct {
	Seat   int    `json:"seat"`
	UserID string `json:"userId"`
	Stack  int    `json:"stack"`
	Folded bool   `json:"folded,omitempty"`
	AllIn  bool   `json:"allIn,omitempty"`
}

// Snapshot is the materialized state of one hand, sufficient to render
// a table. Hole cards are present in full; redaction for a particular
// observer happens at the read edge, never here.
type Snapshot struct {
	HandID       string               `json:"handId"`
	TableID      string               `json:"tableId"`
	Version      uint64               `json:"version"`
	Street       Street               `json:"street"`
	Button       int                  `json:"button"`
	SBSeat       int                  `json:"sbSeat"`
	BBSeat       int                  `json:"bbSeat"`
	SmallBlind   int                  `json:"smallBlind"`
	BigBlind     int                  `json:"bigBlind"`
	Ante         int                  `json:"ante,omitempty"`
	Seats        []SeatState          `json:"seats"`
	HoleCards    map[int][]poker.Card `json:"holeCards,omitempty"`
	Community    []poker.Card         `json:"community,omitempty"`
	CurrentBet   int                  `json:"currentBet"`
	MinRaise     int                  `json:"minRaise"`
	Round        map[int]int          `json:"roundContributions,omitempty"`
	Totals       map[int]int          `json:"totalContributions,omitempty"`
	Pots         []Pot                `json:"pots,omitempty"`
	TurnSeat     *int                 `json:"turnSeat,omitempty"`
	TurnDeadline *time.Time           `json:"turnDeadline,omitempty"`
	Winners      []int                `json:"winners,omitempty"`
	WonAmounts   []int                `json:"wonAmounts,omitempty"`
	Revealed     map[int][]poker.Card `json:"revealed,omitempty"`
	EndReason    string               `json:"endReason,omitempty"`
	StartedAt    time.Time            `json:"startedAt"`
	EndedAt      *time.Time           `json:"endedAt,omitempty"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Seats = append([]SeatState(nil), s.Seats...)
	out.Community = append([]poker.Card(nil), s.Community...)
	out.Pots = clonePots(s.Pots)
	out.Winners = append([]int(nil), s.Winners...)
	out.WonAmounts = append([]int(nil), s.WonAmounts...)
	out.Round = cloneIntMap(s.Round)
	out.Totals = cloneIntMap(s.Totals)
	out.HoleCards = cloneCardMap(s.HoleCards)
	out.Revealed = cloneCardMap(s.Revealed)
	if s.TurnSeat != nil {
		v := *s.TurnSeat
		out.TurnSeat = &v
	}
	if s.TurnDeadline != nil {
		v := *s.TurnDeadline
		out.TurnDeadline = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		out.EndedAt = &v
	}
	return &out
}

// Canonical returns the snapshot's canonical JSON encoding. Map keys
// are emitted in sorted order, so equal snapshots encode identically.
func (s *Snapshot) Canonical() ([]byte, error) {
	return json.Marshal(s)
}

// SeatIndex returns the position of seat in Seats, or -1.
func (s *Snapshot) SeatIndex(seat int) int {
	for i, st := range s.Seats {
		if st.Seat == seat {
			return i
		}
	}
	return -1
}

// Redacted returns a copy with every seat's hole cards removed except
// forSeat's. Pass a negative seat to redact all hole cards.
func (s *Snapshot) Redacted(forSeat int) *Snapshot {
	out := s.Clone()
	if out.HoleCards == nil {
		return out
	}
	kept := make(map[int][]poker.Card, 1)
	if cards, ok := out.HoleCards[forSeat]; ok && forSeat >= 0 {
		kept[forSeat] = cards
	}
	// Completed hands keep the cards shown at showdown, never mucks.
	for seat, cards := range out.Revealed {
		kept[seat] = cards
	}
	out.HoleCards = kept
	return out
}

func cloneIntMap(m map[int]int) map[int]int {
	if m == nil {
		return nil
	}
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCardMap(m map[int][]poker.Card) map[int][]poker.Card {
	if m == nil {
		return nil
	}
	out := make(map[int][]poker.Card, len(m))
	for k, v := range m {
		out[k] = append([]poker.Card(nil), v...)
	}
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clonePots(pots []Pot) []Pot {
	if pots == nil {
		return nil
	}
	out := make([]Pot, len(pots))
	for i, p := range pots {
		out[i] = Pot{Amount: p.Amount, Eligible: append([]int(nil), p.Eligible...)}
	}
	return out
}

package handevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/railbird-gg/cardroom/poker"
)

// Type identifies the kind of a hand event.
type Type string

const (
	TypeHandStarted    Type = "HandStarted"
	TypeActionTaken    Type = "ActionTaken"
	TypeStreetAdvanced Type = "StreetAdvanced"
	TypePotAwarded     Type = "PotAwarded"
	TypeTurnTimeout    Type = "TurnTimeout"
	TypeHandEnded      Type = "HandEnded"
)

// Action is a betting action as it appears in event payloads.
type Action string

const (
	ActionFold  Action = "fold"
	ActionCheck Action = "check"
	ActionCall  Action = "call"
	ActionBet   Action = "bet"
	ActionRaise Action = "raise"
	ActionAllIn Action = "allin"
)

// Event is one entry in a hand's append-only log. Seq is assigned by
// the store at append time and is zero until then.
type Event struct {
	HandID  string
	EventID string
	Seq     uint64
	Type    Type
	Ts      time.Time
	Payload Payload
}

// Payload is implemented by every typed event payload.
type Payload interface {
	eventType() Type
}

// HandStarted carries the complete initial state of a hand.
type HandStarted struct {
	TableID      string               `json:"tableId"`
	Button       int                  `json:"button"`
	SBSeat       int                  `json:"sbSeat"`
	BBSeat       int                  `json:"bbSeat"`
	SmallBlind   int                  `json:"smallBlind"`
	BigBlind     int                  `json:"bigBlind"`
	Ante         int                  `json:"ante,omitempty"`
	Seats        []SeatState          `json:"seats"`
	HoleCards    map[int][]poker.Card `json:"holeCards"`
	Round        map[int]int          `json:"roundContributions"`
	Totals       map[int]int          `json:"totalContributions"`
	CurrentBet   int                  `json:"currentBet"`
	MinRaise     int                  `json:"minRaise"`
	TurnSeat     int                  `json:"turnSeat"`
	TurnDeadline *time.Time           `json:"turnDeadline,omitempty"`
	StartedAt    time.Time            `json:"startedAt"`
}

func (HandStarted) eventType() Type { return TypeHandStarted }

// ActionTaken records one seat's action and the betting state after it.
type ActionTaken struct {
	Seat         int         `json:"seat"`
	Action       Action      `json:"action"`
	Amount       int         `json:"amount,omitempty"`
	Paid         int         `json:"paid"`
	Stack        int         `json:"stack"`
	Folded       bool        `json:"folded,omitempty"`
	AllIn        bool        `json:"allIn,omitempty"`
	Round        map[int]int `json:"roundContributions"`
	Totals       map[int]int `json:"totalContributions"`
	CurrentBet   int         `json:"currentBet"`
	MinRaise     int         `json:"minRaise"`
	TurnSeat     *int        `json:"turnSeat,omitempty"`
	TurnDeadline *time.Time  `json:"turnDeadline,omitempty"`
}

func (ActionTaken) eventType() Type { return TypeActionTaken }

// StreetAdvanced records a street transition and the cards dealt with it.
type StreetAdvanced struct {
	Street       Street       `json:"street"`
	Dealt        []poker.Card `json:"dealt,omitempty"`
	Community    []poker.Card `json:"community"`
	Pots         []Pot        `json:"pots"`
	TurnSeat     *int         `json:"turnSeat,omitempty"`
	TurnDeadline *time.Time   `json:"turnDeadline,omitempty"`
	CurrentBet   int          `json:"currentBet"`
	MinRaise     int          `json:"minRaise"`
}

func (StreetAdvanced) eventType() Type { return TypeStreetAdvanced }

// PotAwarded records the payout of one pot.
type PotAwarded struct {
	PotIndex int         `json:"potIndex"`
	Amount   int         `json:"amount"`
	Winners  []int       `json:"winners"`
	Shares   map[int]int `json:"shares"`
}

func (PotAwarded) eventType() Type { return TypePotAwarded }

// TurnTimeout records that a seat's action timer expired and which
// default action was applied on its behalf.
type TurnTimeout struct {
	Seat    int    `json:"seat"`
	Applied Action `json:"applied"`
}

func (TurnTimeout) eventType() Type { return TypeTurnTimeout }

// HandEnded finalizes a hand.
type HandEnded struct {
	Winners  []int                `json:"winners"`
	Amounts  []int                `json:"amounts"`
	Stacks   map[int]int          `json:"stacks"`
	Revealed map[int][]poker.Card `json:"revealed,omitempty"`
	Reason   string               `json:"reason"`
	EndedAt  time.Time            `json:"endedAt"`
}

func (HandEnded) eventType() Type { return TypeHandEnded }

// New builds an event for a hand with a fresh payload. Seq stays zero
// until the store assigns it.
func New(handID, eventID string, ts time.Time, payload Payload) Event {
	return Event{
		HandID:  handID,
		EventID: eventID,
		Type:    payload.eventType(),
		Ts:      ts,
		Payload: payload,
	}
}

type envelope struct {
	HandID  string          `json:"handId"`
	EventID string          `json:"eventId"`
	Seq     uint64          `json:"seq,omitempty"`
	Type    Type            `json:"type"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as a tagged envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		HandID:  e.HandID,
		EventID: e.EventID,
		Seq:     e.Seq,
		Type:    e.Type,
		Ts:      e.Ts,
		Payload: raw,
	})
}

// UnmarshalJSON decodes a tagged envelope, dispatching the payload by
// its type tag. Unknown types fail: downstream code works on typed
// variants only.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		HandID:  env.HandID,
		EventID: env.EventID,
		Seq:     env.Seq,
		Type:    env.Type,
		Ts:      env.Ts,
		Payload: payload,
	}
	return nil
}

// DecodePayload decodes a raw payload into its typed variant. Decoded
// payloads are value types, so type switches see the same shapes the
// engine emits.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var err error
	switch t {
	case TypeHandStarted:
		var p HandStarted
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	case TypeActionTaken:
		var p ActionTaken
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	case TypeStreetAdvanced:
		var p StreetAdvanced
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	case TypePotAwarded:
		var p PotAwarded
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	case TypeTurnTimeout:
		var p TurnTimeout
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	case TypeHandEnded:
		var p HandEnded
		if err = json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	default:
		return nil, fmt.Errorf("unknown hand event type %q", t)
	}
	return nil, fmt.Errorf("decode %s payload: %w", t, err)
}

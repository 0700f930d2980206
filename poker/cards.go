package poker

import (
	"fmt"
	"math/bits"
	"strings"
)

// Card is a single card encoded as one bit in a uint64.
// Layout: [13 spades][13 hearts][13 diamonds][13 clubs], low bits first.
type Card uint64

// Hand is a set of cards: the union of their bits.
type Hand uint64

// Rank of a card, ace high.
type Rank uint8

const (
	Two Rank = iota + 2
	Three
	Four
	Five
	Six
	Seven
	Eight
	Nine
	Ten
	Jack
	Queen
	King
	Ace // 14
)

// Suit of a card.
type Suit uint8

const (
	Clubs Suit = iota
	Diamonds
	Hearts
	Spades
)

const suitSpan = 13

var rankRunes = "23456789TJQKA"
var suitRunes = "cdhs"

// NewCard builds the card with the given rank and suit.
func NewCard(rank Rank, suit Suit) Card {
	offset := uint8(suit)*suitSpan + uint8(rank-Two)
	return Card(1) << offset
}

func (c Card) bitPosition() uint8 {
	if c == 0 {
		return 255
	}
	return uint8(bits.TrailingZeros64(uint64(c)))
}

// Rank returns the card's rank (Two..Ace).
func (c Card) Rank() Rank {
	pos := c.bitPosition()
	if pos == 255 {
		return 0
	}
	return Rank(pos%suitSpan) + Two
}

// Suit returns the card's suit.
func (c Card) Suit() Suit {
	pos := c.bitPosition()
	if pos == 255 {
		return 255
	}
	return Suit(pos / suitSpan)
}

// Valid reports whether the card is a single well-formed card.
func (c Card) Valid() bool {
	return c != 0 && bits.OnesCount64(uint64(c)) == 1 && c.bitPosition() < 52
}

// String renders the card as rank+suit, e.g. "As" or "2c".
func (c Card) String() string {
	rank := c.Rank()
	suit := c.Suit()
	if rank < Two || rank > Ace || suit > Spades {
		return "??"
	}
	return string(rankRunes[rank-Two]) + string(suitRunes[suit])
}

// ParseCard parses a two-character card like "As", "kd" or "TC".
// Rank and suit characters are accepted in either case.
func ParseCard(s string) (Card, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("invalid card string: %q", s)
	}

	var rank Rank
	switch s[0] {
	case '2', '3', '4', '5', '6', '7', '8', '9':
		rank = Rank(s[0]-'2') + Two
	case 'T', 't':
		rank = Ten
	case 'J', 'j':
		rank = Jack
	case 'Q', 'q':
		rank = Queen
	case 'K', 'k':
		rank = King
	case 'A', 'a':
		rank = Ace
	default:
		return 0, fmt.Errorf("invalid rank: %c", s[0])
	}

	var suit Suit
	switch s[1] {
	case 'c', 'C':
		suit = Clubs
	case 'd', 'D':
		suit = Diamonds
	case 'h', 'H':
		suit = Hearts
	case 's', 'S':
		suit = Spades
	default:
		return 0, fmt.Errorf("invalid suit: %c", s[1])
	}

	return NewCard(rank, suit), nil
}

// ParseCards parses a slice of card strings.
func ParseCards(strs []string) ([]Card, error) {
	cards := make([]Card, 0, len(strs))
	for _, s := range strs {
		c, err := ParseCard(s)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// CardStrings renders cards to their string forms.
func CardStrings(cards []Card) []string {
	strs := make([]string, len(cards))
	for i, c := range cards {
		strs[i] = c.String()
	}
	return strs
}

// MarshalText encodes the card as its two-character form.
func (c Card) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid card %#x", uint64(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a two-character card.
func (c *Card) UnmarshalText(text []byte) error {
	card, err := ParseCard(string(text))
	if err != nil {
		return err
	}
	*c = card
	return nil
}

// String renders the rank character, e.g. "A" for Ace.
func (r Rank) String() string {
	if r < Two || r > Ace {
		return "?"
	}
	return string(rankRunes[r-Two])
}

// NewHand builds a hand from cards.
func NewHand(cards ...Card) Hand {
	var h Hand
	for _, c := range cards {
		h |= Hand(c)
	}
	return h
}

// AddCard adds a card to the hand.
func (h *Hand) AddCard(c Card) {
	*h |= Hand(c)
}

// HasCard reports whether the hand contains the card.
func (h Hand) HasCard(c Card) bool {
	return h&Hand(c) != 0
}

// CountCards returns the number of cards in the hand.
func (h Hand) CountCards() int {
	return bits.OnesCount64(uint64(h))
}

// Cards lists the hand's cards in ascending bit order.
func (h Hand) Cards() []Card {
	cards := make([]Card, 0, h.CountCards())
	rest := uint64(h)
	for rest != 0 {
		low := rest & -rest
		cards = append(cards, Card(low))
		rest &^= low
	}
	return cards
}

// GetSuitMask returns the hand's ranks of one suit as a 13-bit mask.
func (h Hand) GetSuitMask(suit Suit) uint16 {
	offset := uint8(suit) * suitSpan
	return uint16((h >> offset) & 0x1FFF)
}

// GetRankMask returns a 13-bit mask of which ranks are present.
func (h Hand) GetRankMask() uint16 {
	var mask uint16
	for suit := Clubs; suit <= Spades; suit++ {
		mask |= h.GetSuitMask(suit)
	}
	return mask
}

func (h Hand) String() string {
	return strings.Join(CardStrings(h.Cards()), " ")
}

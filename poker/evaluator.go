package poker

import (
	"fmt"
	"math/bits"
	"strings"
)

// Category enumerates hand categories ordered from weakest to strongest.
type Category uint8

const (
	HighCard Category = iota
	Pair
	TwoPair
	ThreeOfAKind
	Straight
	Flush
	FullHouse
	FourOfAKind
	StraightFlush
)

// String returns a human-readable category name.
func (c Category) String() string {
	switch c {
	case HighCard:
		return "High Card"
	case Pair:
		return "Pair"
	case TwoPair:
		return "Two Pair"
	case ThreeOfAKind:
		return "Three of a Kind"
	case Straight:
		return "Straight"
	case Flush:
		return "Flush"
	case FullHouse:
		return "Full House"
	case FourOfAKind:
		return "Four of a Kind"
	case StraightFlush:
		return "Straight Flush"
	default:
		return "Unknown"
	}
}

// HandValue is the strength of a 5-card hand: the category plus the
// ranks that break ties inside it, in decreasing significance. For a
// straight the single entry is the high card, with the wheel reported
// as 5-high.
type HandValue struct {
	Category Category `json:"category"`
	Tiebreak []Rank   `json:"tiebreak"`
}

// Compare returns 1 if v beats o, -1 if o beats v, and 0 on a tie.
func (v HandValue) Compare(o HandValue) int {
	if v.Category != o.Category {
		if v.Category > o.Category {
			return 1
		}
		return -1
	}
	n := len(v.Tiebreak)
	if len(o.Tiebreak) < n {
		n = len(o.Tiebreak)
	}
	for i := 0; i < n; i++ {
		if v.Tiebreak[i] != o.Tiebreak[i] {
			if v.Tiebreak[i] > o.Tiebreak[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// Less reports whether v is strictly weaker than o.
func (v HandValue) Less(o HandValue) bool {
	return v.Compare(o) < 0
}

func (v HandValue) String() string {
	if len(v.Tiebreak) == 0 {
		return v.Category.String()
	}
	parts := make([]string, len(v.Tiebreak))
	for i, r := range v.Tiebreak {
		parts[i] = r.String()
	}
	return fmt.Sprintf("%s [%s]", v.Category, strings.Join(parts, " "))
}

// Evaluate7 evaluates the best 5-card hand from exactly 7 cards.
func Evaluate7(h Hand) (HandValue, error) {
	if h.CountCards() != 7 {
		return HandValue{}, fmt.Errorf("evaluate requires 7 cards, got %d", h.CountCards())
	}
	return evaluate7(h), nil
}

// EvaluateCards is Evaluate7 over a card slice.
func EvaluateCards(cards []Card) (HandValue, error) {
	return Evaluate7(NewHand(cards...))
}

func evaluate7(h Hand) HandValue {
	var suitMasks [4]uint16
	var rankMask uint16
	for suit := Clubs; suit <= Spades; suit++ {
		mask := h.GetSuitMask(suit)
		suitMasks[suit] = mask
		rankMask |= mask
	}

	// Flush check first. With seven cards at most one suit can hold five,
	// and a flush excludes quads and full houses outright.
	for _, suitMask := range suitMasks {
		if bits.OnesCount16(suitMask) < 5 {
			continue
		}
		if high := straightHigh(suitMask); high > 0 {
			return HandValue{Category: StraightFlush, Tiebreak: []Rank{high}}
		}
		return HandValue{Category: Flush, Tiebreak: topRanks(suitMask, 5)}
	}

	s0, s1, s2, s3 := suitMasks[0], suitMasks[1], suitMasks[2], suitMasks[3]

	quadsMask := s0 & s1 & s2 & s3
	tripCandidates := (s0 & s1 & s2) | (s0 & s1 & s3) | (s0 & s2 & s3) | (s1 & s2 & s3)
	tripsMask := tripCandidates &^ quadsMask
	pairsMask := ((s0 & s1) | (s0 & s2) | (s0 & s3) | (s1 & s2) | (s1 & s3) | (s2 & s3)) &^ tripCandidates

	if quad := highestSetRank(quadsMask); quad > 0 {
		kickers := topRanks(rankMask&^rankBit(quad), 1)
		return HandValue{Category: FourOfAKind, Tiebreak: []Rank{quad, kickers[0]}}
	}

	if trips := highestSetRank(tripsMask); trips > 0 {
		pairCandidates := pairsMask | (tripsMask &^ rankBit(trips))
		if pair := highestSetRank(pairCandidates); pair > 0 {
			return HandValue{Category: FullHouse, Tiebreak: []Rank{trips, pair}}
		}
	}

	if high := straightHigh(rankMask); high > 0 {
		return HandValue{Category: Straight, Tiebreak: []Rank{high}}
	}

	if trips := highestSetRank(tripsMask); trips > 0 {
		tiebreak := append([]Rank{trips}, topRanks(rankMask&^rankBit(trips), 2)...)
		return HandValue{Category: ThreeOfAKind, Tiebreak: tiebreak}
	}

	if high := highestSetRank(pairsMask); high > 0 {
		if low := highestSetRank(pairsMask &^ rankBit(high)); low > 0 {
			kickers := topRanks(rankMask&^(rankBit(high)|rankBit(low)), 1)
			return HandValue{Category: TwoPair, Tiebreak: []Rank{high, low, kickers[0]}}
		}
		tiebreak := append([]Rank{high}, topRanks(rankMask&^rankBit(high), 3)...)
		return HandValue{Category: Pair, Tiebreak: tiebreak}
	}

	return HandValue{Category: HighCard, Tiebreak: topRanks(rankMask, 5)}
}

func rankBit(r Rank) uint16 {
	return 1 << (r - Two)
}

// highestSetRank returns the highest rank present in a 13-bit mask, or 0
// when the mask is empty.
func highestSetRank(mask uint16) Rank {
	if mask == 0 {
		return 0
	}
	return Rank(bits.Len16(mask)-1) + Two
}

// topRanks returns the n highest ranks present in the mask, descending.
func topRanks(mask uint16, n int) []Rank {
	ranks := make([]Rank, 0, n)
	for len(ranks) < n && mask != 0 {
		top := Rank(bits.Len16(mask)-1) + Two
		ranks = append(ranks, top)
		mask &^= rankBit(top)
	}
	return ranks
}

// straightHigh returns the high rank of the best straight in a 13-bit
// rank mask, or 0 if none. The wheel reports as Five.
func straightHigh(mask uint16) Rank {
	const wheelMask = 0x100F // A-2-3-4-5
	mask &= 0x1FFF

	// Bitwise cascade identifies five consecutive set bits in one pass.
	seq := mask & (mask >> 1) & (mask >> 2) & (mask >> 3) & (mask >> 4)
	if seq != 0 {
		low := Rank(bits.Len16(seq)-1) + Two
		return low + 4
	}

	if mask&wheelMask == wheelMask {
		return Five
	}
	return 0
}

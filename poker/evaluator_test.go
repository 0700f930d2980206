package poker

import (
	"math/rand"
	"reflect"
	"testing"
)

func mustHand(t testing.TB, strs ...string) Hand {
	t.Helper()
	cards, err := ParseCards(strs)
	if err != nil {
		t.Fatalf("parse cards %v: %v", strs, err)
	}
	return NewHand(cards...)
}

func TestEvaluate7Categories(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		cards    []string
		category Category
		tiebreak []Rank
	}{
		{
			name:     "royal flush",
			cards:    []string{"AS", "KS", "QS", "JS", "TS", "2D", "3C"},
			category: StraightFlush,
			tiebreak: []Rank{Ace},
		},
		{
			name:     "steel wheel",
			cards:    []string{"As", "2s", "3s", "4s", "5s", "Kd", "Kc"},
			category: StraightFlush,
			tiebreak: []Rank{Five},
		},
		{
			name:     "four of a kind with kicker",
			cards:    []string{"9c", "9d", "9h", "9s", "Kd", "2c", "7h"},
			category: FourOfAKind,
			tiebreak: []Rank{Nine, King},
		},
		{
			name:     "full house trips plus pair",
			cards:    []string{"Kc", "Kd", "Kh", "2s", "2d", "7c", "9h"},
			category: FullHouse,
			tiebreak: []Rank{King, Two},
		},
		{
			name:     "full house from two trips",
			cards:    []string{"Kc", "Kd", "Kh", "2s", "2d", "2c", "9h"},
			category: FullHouse,
			tiebreak: []Rank{King, Two},
		},
		{
			name:     "flush takes top five of suit",
			cards:    []string{"Ah", "Jh", "9h", "6h", "3h", "2h", "Kc"},
			category: Flush,
			tiebreak: []Rank{Ace, Jack, Nine, Six, Three},
		},
		{
			name:     "broadway straight",
			cards:    []string{"Ac", "Kd", "Qh", "Js", "Tc", "3d", "3h"},
			category: Straight,
			tiebreak: []Rank{Ace},
		},
		{
			name:     "wheel straight is five high",
			cards:    []string{"Ac", "2d", "3h", "4s", "5c", "Kd", "9h"},
			category: Straight,
			tiebreak: []Rank{Five},
		},
		{
			name:     "seven card straight takes highest",
			cards:    []string{"3c", "4d", "5h", "6s", "7c", "8d", "9h"},
			category: Straight,
			tiebreak: []Rank{Nine},
		},
		{
			name:     "three of a kind",
			cards:    []string{"8c", "8d", "8h", "Ks", "Qc", "4d", "2h"},
			category: ThreeOfAKind,
			tiebreak: []Rank{Eight, King, Queen},
		},
		{
			name:     "two pair picks best kicker",
			cards:    []string{"Jc", "Jd", "4h", "4s", "Ac", "9d", "2h"},
			category: TwoPair,
			tiebreak: []Rank{Jack, Four, Ace},
		},
		{
			name:     "three pairs reduce to best two plus kicker",
			cards:    []string{"Jc", "Jd", "9h", "9s", "4c", "4d", "Ah"},
			category: TwoPair,
			tiebreak: []Rank{Jack, Nine, Ace},
		},
		{
			name:     "one pair",
			cards:    []string{"Tc", "Td", "Ah", "8s", "6c", "4d", "2h"},
			category: Pair,
			tiebreak: []Rank{Ten, Ace, Eight, Six},
		},
		{
			name:     "high card",
			cards:    []string{"Ac", "Jd", "9h", "7s", "5c", "3d", "2h"},
			category: HighCard,
			tiebreak: []Rank{Ace, Jack, Nine, Seven, Five},
		},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			value, err := Evaluate7(mustHand(t, tc.cards...))
			if err != nil {
				t.Fatalf("Evaluate7: %v", err)
			}
			if value.Category != tc.category {
				t.Errorf("category = %v, want %v", value.Category, tc.category)
			}
			if !reflect.DeepEqual(value.Tiebreak, tc.tiebreak) {
				t.Errorf("tiebreak = %v, want %v", value.Tiebreak, tc.tiebreak)
			}
		})
	}
}

func TestEvaluate7RequiresSevenCards(t *testing.T) {
	t.Parallel()
	if _, err := Evaluate7(mustHand(t, "As", "Ks")); err == nil {
		t.Fatal("expected error for short hand")
	}
}

func TestHandValueCompare(t *testing.T) {
	t.Parallel()
	flush := HandValue{Category: Flush, Tiebreak: []Rank{Ace, Jack, Nine, Six, Three}}
	lowerFlush := HandValue{Category: Flush, Tiebreak: []Rank{Ace, Jack, Nine, Six, Two}}
	straight := HandValue{Category: Straight, Tiebreak: []Rank{Ace}}

	if flush.Compare(straight) != 1 {
		t.Error("flush should beat straight")
	}
	if straight.Compare(flush) != -1 {
		t.Error("straight should lose to flush")
	}
	if flush.Compare(lowerFlush) != 1 {
		t.Error("higher last kicker should win")
	}
	if flush.Compare(flush) != 0 {
		t.Error("identical hands should tie")
	}
	if !lowerFlush.Less(flush) {
		t.Error("Less should report the weaker hand")
	}
}

// referenceEvaluate5 scores exactly five cards by direct counting. It is
// deliberately naive; the bitmask evaluator is checked against it.
func referenceEvaluate5(cards []Card) HandValue {
	counts := map[Rank]int{}
	suits := map[Suit]int{}
	for _, c := range cards {
		counts[c.Rank()]++
		suits[c.Suit()]++
	}

	// Ranks sorted by count desc, then rank desc.
	type group struct {
		rank  Rank
		count int
	}
	groups := make([]group, 0, len(counts))
	for r, n := range counts {
		groups = append(groups, group{r, n})
	}
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			gi, gj := groups[i], groups[j]
			if gj.count > gi.count || (gj.count == gi.count && gj.rank > gi.rank) {
				groups[i], groups[j] = groups[j], groups[i]
			}
		}
	}

	flush := len(suits) == 1
	straightHigh := Rank(0)
	if len(groups) == 5 {
		hi, lo := groups[0].rank, groups[4].rank
		if hi-lo == 4 {
			straightHigh = hi
		} else if hi == Ace && groups[1].rank == Five {
			straightHigh = Five
		}
	}

	ranksDesc := func() []Rank {
		out := make([]Rank, len(groups))
		for i, g := range groups {
			out[i] = g.rank
		}
		return out
	}

	switch {
	case flush && straightHigh != 0:
		return HandValue{Category: StraightFlush, Tiebreak: []Rank{straightHigh}}
	case groups[0].count == 4:
		return HandValue{Category: FourOfAKind, Tiebreak: []Rank{groups[0].rank, groups[1].rank}}
	case groups[0].count == 3 && groups[1].count == 2:
		return HandValue{Category: FullHouse, Tiebreak: []Rank{groups[0].rank, groups[1].rank}}
	case flush:
		return HandValue{Category: Flush, Tiebreak: ranksDesc()}
	case straightHigh != 0:
		return HandValue{Category: Straight, Tiebreak: []Rank{straightHigh}}
	case groups[0].count == 3:
		return HandValue{Category: ThreeOfAKind, Tiebreak: ranksDesc()}
	case groups[0].count == 2 && groups[1].count == 2:
		return HandValue{Category: TwoPair, Tiebreak: ranksDesc()}
	case groups[0].count == 2:
		return HandValue{Category: Pair, Tiebreak: ranksDesc()}
	default:
		return HandValue{Category: HighCard, Tiebreak: ranksDesc()}
	}
}

// TestEvaluate7AgainstBruteForce checks the evaluator picks the best of
// all 21 five-card subsets for random seven-card hands.
func TestEvaluate7AgainstBruteForce(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1234))

	for trial := 0; trial < 2000; trial++ {
		deck := NewDeck(rand.New(rand.NewSource(rng.Int63())))
		cards := deck.Deal(7)

		var best HandValue
		first := true
		for i := 0; i < 7; i++ {
			for j := i + 1; j < 7; j++ {
				subset := make([]Card, 0, 5)
				for k := 0; k < 7; k++ {
					if k != i && k != j {
						subset = append(subset, cards[k])
					}
				}
				v := referenceEvaluate5(subset)
				if first || v.Compare(best) > 0 {
					best = v
					first = false
				}
			}
		}

		got, err := Evaluate7(NewHand(cards...))
		if err != nil {
			t.Fatalf("Evaluate7: %v", err)
		}
		if got.Compare(best) != 0 {
			t.Fatalf("hand %v: evaluator %v, brute force %v", CardStrings(cards), got, best)
		}
		if got.Category != best.Category {
			t.Fatalf("hand %v: category %v vs %v", CardStrings(cards), got.Category, best.Category)
		}
	}
}

func BenchmarkEvaluate7(b *testing.B) {
	hand := mustHand(b, "As", "Ks", "Qs", "Js", "9d", "8c", "2h")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Evaluate7(hand)
	}
}

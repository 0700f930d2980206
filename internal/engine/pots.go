package engine

import (
	"sort"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

// SplitPots builds the ordered pot list, main pot first, from each
// seat's total contribution. Contribution levels are peeled smallest
// first: every seat still holding chips at a level pays into that
// level's pot, and only unfolded seats are eligible to win it. Folded
// money stays in the pots it reached; eligibility sets shrink
// monotonically across successive pots.
//
// The function is pure and deterministic: the same inputs always yield
// the same pots, and the pot amounts always sum to the contributions.
func SplitPots(totals map[int]int, folded, allIn map[int]bool) []handevent.Pot {
	// Levels come from all-in seats still in the hand, plus the cap
	// everyone else played to.
	maxTotal := 0
	levelSet := make(map[int]bool)
	for seat, total := range totals {
		if total <= 0 {
			continue
		}
		if total > maxTotal {
			maxTotal = total
		}
		if allIn[seat] && !folded[seat] {
			levelSet[total] = true
		}
	}
	if maxTotal == 0 {
		return nil
	}
	levelSet[maxTotal] = true

	levels := make([]int, 0, len(levelSet))
	for l := range levelSet {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	var pots []handevent.Pot
	prev := 0
	for _, level := range levels {
		pot := handevent.Pot{}
		for seat, total := range totals {
			contrib := min(total, level) - prev
			if contrib > 0 {
				pot.Amount += contrib
			}
			if total >= level && !folded[seat] {
				pot.Eligible = append(pot.Eligible, seat)
			}
		}
		sort.Ints(pot.Eligible)
		if pot.Amount > 0 {
			pots = append(pots, pot)
		}
		prev = level
	}

	// A level reached only by folded seats produces a pot with the same
	// eligibility as its predecessor; merge those.
	merged := pots[:0]
	for _, pot := range pots {
		if n := len(merged); n > 0 && equalInts(merged[n-1].Eligible, pot.Eligible) {
			merged[n-1].Amount += pot.Amount
			continue
		}
		merged = append(merged, pot)
	}
	return merged
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

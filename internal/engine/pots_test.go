package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railbird-gg/cardroom/internal/handevent"
)

func TestSplitPotsSingleLevel(t *testing.T) {
	pots := SplitPots(map[int]int{0: 100, 1: 100, 2: 100}, nil, nil)
	require.Len(t, pots, 1)
	assert.Equal(t, 300, pots[0].Amount)
	assert.Equal(t, []int{0, 1, 2}, pots[0].Eligible)
}

func TestSplitPotsThreeWaySidePot(t *testing.T) {
	// Seat 2 is all-in for 50; the other two played to 100.
	pots := SplitPots(
		map[int]int{0: 100, 1: 100, 2: 50},
		nil,
		map[int]bool{2: true},
	)
	require.Len(t, pots, 2)
	assert.Equal(t, handevent.Pot{Amount: 150, Eligible: []int{0, 1, 2}}, pots[0])
	assert.Equal(t, handevent.Pot{Amount: 100, Eligible: []int{0, 1}}, pots[1])
}

func TestSplitPotsFoldedMoneyStaysIn(t *testing.T) {
	// Seat 1 folded after contributing 30; not eligible anywhere.
	pots := SplitPots(
		map[int]int{0: 80, 1: 30, 2: 80},
		map[int]bool{1: true},
		nil,
	)
	require.Len(t, pots, 1)
	assert.Equal(t, 190, pots[0].Amount)
	assert.Equal(t, []int{0, 2}, pots[0].Eligible)
}

func TestSplitPotsStackedAllIns(t *testing.T) {
	pots := SplitPots(
		map[int]int{0: 20, 1: 60, 2: 100, 3: 100},
		nil,
		map[int]bool{0: true, 1: true},
	)
	require.Len(t, pots, 3)
	assert.Equal(t, handevent.Pot{Amount: 80, Eligible: []int{0, 1, 2, 3}}, pots[0])
	assert.Equal(t, handevent.Pot{Amount: 120, Eligible: []int{1, 2, 3}}, pots[1])
	assert.Equal(t, handevent.Pot{Amount: 80, Eligible: []int{2, 3}}, pots[2])
}

func TestSplitPotsConservationAndMonotoneEligibility(t *testing.T) {
	cases := []struct {
		name   string
		totals map[int]int
		folded map[int]bool
		allIn  map[int]bool
	}{
		{"no bets", map[int]int{}, nil, nil},
		{"uneven folds", map[int]int{0: 10, 1: 45, 2: 45, 3: 5}, map[int]bool{0: true, 3: true}, nil},
		{"all all-in distinct", map[int]int{0: 10, 1: 20, 2: 30}, nil, map[int]bool{0: true, 1: true, 2: true}},
		{"tied all-ins", map[int]int{0: 50, 1: 50, 2: 200}, nil, map[int]bool{0: true, 1: true}},
		{"mid-round partial", map[int]int{0: 35, 1: 70, 2: 70, 3: 12}, map[int]bool{3: true}, map[int]bool{0: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pots := SplitPots(tc.totals, tc.folded, tc.allIn)

			contributed := 0
			for _, v := range tc.totals {
				contributed += v
			}
			potSum := 0
			for _, p := range pots {
				potSum += p.Amount
			}
			assert.Equal(t, contributed, potSum, "pot amounts must sum to contributions")

			for i := 1; i < len(pots); i++ {
				prev := make(map[int]bool, len(pots[i-1].Eligible))
				for _, s := range pots[i-1].Eligible {
					prev[s] = true
				}
				for _, s := range pots[i].Eligible {
					assert.True(t, prev[s], "pot %d seat %d not eligible for pot %d", i, s, i-1)
				}
			}
		})
	}
}

func TestSplitPotsDeterministic(t *testing.T) {
	totals := map[int]int{0: 33, 1: 90, 2: 90, 3: 14}
	allIn := map[int]bool{0: true}
	first := SplitPots(totals, nil, allIn)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, SplitPots(totals, nil, allIn))
	}
}

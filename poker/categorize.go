package poker

// HoleCardCategory is a coarse preflop strength bucket, used by the
// debug client to annotate hole cards.
type HoleCardCategory string

const (
	CategoryPremium HoleCardCategory = "Premium"
	CategoryStrong  HoleCardCategory = "Strong"
	CategoryMedium  HoleCardCategory = "Medium"
	CategoryWeak    HoleCardCategory = "Weak"
	CategoryTrash   HoleCardCategory = "Trash"
	CategoryUnknown HoleCardCategory = "Unknown"
)

// CategorizeHoleCards buckets two hole cards.
// Premium (JJ+, AK), Strong (TT, AQ/AJ), Medium (77-99, suited broadway),
// Weak (22-66, suited connectors), Trash (the rest).
func CategorizeHoleCards(card1, card2 Card) HoleCardCategory {
	r1, r2 := card1.Rank(), card2.Rank()
	if r1 < Two || r1 > Ace || r2 < Two || r2 > Ace {
		return CategoryUnknown
	}

	suited := card1.Suit() == card2.Suit()
	small, big := r1, r2
	if small > big {
		small, big = big, small
	}
	isPair := small == big

	if isPair && small >= Jack {
		return CategoryPremium
	}
	if small == King && big == Ace {
		return CategoryPremium
	}

	if isPair && small == Ten {
		return CategoryStrong
	}
	if big == Ace && (small == Queen || small == Jack) {
		return CategoryStrong
	}

	if isPair && small >= Seven && small <= Nine {
		return CategoryMedium
	}
	if suited && small >= Ten {
		return CategoryMedium
	}

	if isPair {
		return CategoryWeak
	}
	if suited && big-small <= 2 {
		return CategoryWeak
	}

	return CategoryTrash
}

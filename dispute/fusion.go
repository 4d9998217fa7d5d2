package dispute

import "panelflow/panel"

// FusionResult captures the weighted aggregation of a full panel's votes.
type FusionResult struct {
	WeightedSum int
	Score       int
	Underflow   bool
	Ruling      int
}

// Fuse computes the weighted-average-then-threshold ruling over a complete
// vote set. With weights summing to 100 a unanimous verdict-1 panel lands
// on weighted sum 100 and a unanimous verdict-2 panel on 200; subtracting
// the baseline maps the sum into a [0,100] band compared against quota.
//
// A refusal (verdict 0) pulls the weighted sum below the baseline; the
// subtraction saturates at zero instead of wrapping, the Underflow flag
// records that it happened, and the outcome biases toward ruling 1. That
// asymmetry is part of the contract, not a defect.
func Fuse(votes []Vote, quota int) FusionResult {
	sum := 0
	for _, v := range votes {
		sum += v.Verdict * v.Weight
	}

	score := sum - panel.WeightTotal
	underflow := false
	if score < 0 {
		score = 0
		underflow = true
	}

	ruling := 1
	if score > quota {
		ruling = 2
	}

	return FusionResult{
		WeightedSum: sum,
		Score:       score,
		Underflow:   underflow,
		Ruling:      ruling,
	}
}

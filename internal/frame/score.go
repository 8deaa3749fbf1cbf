package frame

import (
	"mindloop/internal/config"
	"mindloop/internal/types"
)

// scorer derives cognitive load, accessibility, and the recommended action
// from a frame's items. Pure functions of the inputs: the same items and
// focus always produce the same scores.
type scorer struct {
	weights      map[string]float64
	simplifyAt   float64
	clarifyBelow float64
}

func newScorer(cfg config.FrameConfig) scorer {
	return scorer{
		weights:      cfg.LoadWeights,
		simplifyAt:   cfg.SimplifyLoadThreshold,
		clarifyBelow: cfg.ClarifyAccessibilityFloor,
	}
}

// load is a bounded weighted sum over items. Weights are non-negative, so
// adding an item never decreases the load; the sum is clipped at 1.0.
func (s scorer) load(items []types.ContextItem) float64 {
	var sum float64
	for _, it := range items {
		sum += s.weights[string(it.Kind)]
	}
	if sum > 1.0 {
		return 1.0
	}
	return sum
}

// accessibility decreases as load increases. A missing task focus dampens
// it further: context without an anchor point is harder to act on.
func (s scorer) accessibility(load float64, taskFocus string) float64 {
	a := 1.0 - 0.8*load
	if taskFocus == "" {
		a *= 0.7
	}
	if a < 0 {
		return 0
	}
	return a
}

// recommend classifies the two scores into an action hint. High load wins
// over low accessibility when both trip.
func (s scorer) recommend(load, accessibility float64) types.RecommendedAction {
	if load >= s.simplifyAt {
		return types.ActionSimplifyContext
	}
	if accessibility < s.clarifyBelow {
		return types.ActionClarifyFocus
	}
	return types.ActionNone
}

package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// MLPredictor wraps an inference call producing P(Up). The current model is
// a fixed logistic blend of snapshot features; swapping in a served model is
// a matter of replacing predictUp.
type MLPredictor struct{}

func NewMLPredictor() *MLPredictor { return &MLPredictor{} }

func (m *MLPredictor) Name() string { return NameMLPredictor }

func (m *MLPredictor) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	p, quality := predictUp(snap)

	confidence := math.Abs(p-0.5) * 2
	if confidence < 0.05 {
		return skipVote(NameMLPredictor, "model undecided"), nil
	}

	dir := types.Up
	if p < 0.5 {
		dir = types.Down
	}
	return types.Vote{
		Agent:      NameMLPredictor,
		Direction:  dir,
		Confidence: confidence,
		Quality:    quality,
		Details:    map[string]any{"p_up": p},
	}, nil
}

// predictUp is the inference call. Returns P(Up) and a model quality score
// reflecting how much of the feature vector was actually populated.
func predictUp(snap *types.Snapshot) (float64, float64) {
	var z float64
	features := 0

	if len(snap.Returns) > 0 {
		var mean float64
		for _, r := range snap.Returns {
			mean += r
		}
		mean /= float64(len(snap.Returns))
		z += 220 * mean
		features++
	}
	if snap.RSI > 0 {
		z += 0.025 * (50 - snap.RSI) // mild mean-reversion term
		features++
	}
	if snap.BookImbalance != 0 {
		z += 0.8 * snap.BookImbalance
		features++
	}
	if snap.FundingRate != 0 {
		z += 400 * snap.FundingRate
		features++
	}

	if features == 0 {
		return 0.5, 0.3
	}
	p := 1 / (1 + math.Exp(-z))
	return p, 0.4 + 0.1*float64(features)
}

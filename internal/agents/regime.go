package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// Regime classification thresholds over the last-20 inter-epoch returns.
const (
	regimeMinCloses  = 6       // below this the regime stays unknown
	trendMeanCutoff  = 0.0008  // mean |return| per epoch for a trending tag
	volatileStdevCut = 0.004   // stdev above this dominates everything
)

// RegimeDetector tags the market regime from recent inter-epoch returns. It
// never votes directionally; the tag rides on the vote details and the
// aggregator uses it to modulate agent weights.
type RegimeDetector struct{}

func NewRegimeDetector() *RegimeDetector { return &RegimeDetector{} }

func (r *RegimeDetector) Name() string { return NameRegime }

func (r *RegimeDetector) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	regime := Classify(snap.EpochCloses)
	return types.Vote{
		Agent:      NameRegime,
		Direction:  types.Neutral,
		Confidence: 0, // carries no directional weight
		Quality:    1,
		Details:    map[string]any{"regime": string(regime)},
	}, nil
}

// Classify derives the regime tag from a series of epoch closes.
func Classify(closes []float64) types.Regime {
	if len(closes) < regimeMinCloses {
		return types.RegimeUnknown
	}

	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			rets = append(rets, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(rets) == 0 {
		return types.RegimeUnknown
	}

	var mean float64
	for _, v := range rets {
		mean += v
	}
	mean /= float64(len(rets))

	var variance float64
	for _, v := range rets {
		variance += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(variance / float64(len(rets)))

	switch {
	case stdev >= volatileStdevCut:
		return types.RegimeVolatile
	case mean >= trendMeanCutoff:
		return types.RegimeBull
	case mean <= -trendMeanCutoff:
		return types.RegimeBear
	default:
		return types.RegimeSideways
	}
}

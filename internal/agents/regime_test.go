package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xtide/epochbot/internal/types"
)

// rising closes at +0.2% per epoch, no noise.
func trendingCloses(n int, step float64) []float64 {
	out := make([]float64, n)
	price := 100_000.0
	for i := range out {
		out[i] = price
		price *= 1 + step
	}
	return out
}

func TestClassify(t *testing.T) {
	assert.Equal(t, types.RegimeUnknown, Classify(nil))
	assert.Equal(t, types.RegimeUnknown, Classify([]float64{1, 2, 3}))

	assert.Equal(t, types.RegimeBull, Classify(trendingCloses(20, 0.002)))
	assert.Equal(t, types.RegimeBear, Classify(trendingCloses(20, -0.002)))

	flat := trendingCloses(20, 0.0001)
	assert.Equal(t, types.RegimeSideways, Classify(flat))

	// Alternating +-1% swings: huge variance, no drift.
	volatile := make([]float64, 20)
	price := 100_000.0
	for i := range volatile {
		volatile[i] = price
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.99
		}
	}
	assert.Equal(t, types.RegimeVolatile, Classify(volatile))
}

func TestRegimeVoteCarriesNoWeight(t *testing.T) {
	snap := &types.Snapshot{EpochCloses: trendingCloses(20, 0.002)}
	vote, err := NewRegimeDetector().Analyze(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, types.Neutral, vote.Direction)
	assert.Equal(t, 0.0, vote.Confidence, "regime vote must never suppress consensus")
	assert.Equal(t, string(types.RegimeBull), vote.Details["regime"])
}

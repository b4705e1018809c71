package agents

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xtide/epochbot/internal/types"
)

func quoteSnapshot(up, down string) *types.Snapshot {
	return &types.Snapshot{
		Crypto:  types.ETH,
		UpAsk:   decimal.RequireFromString(up),
		DownAsk: decimal.RequireFromString(down),
	}
}

func TestSentimentFadesRichUpSide(t *testing.T) {
	vote, err := NewSentiment().Analyze(context.Background(), quoteSnapshot("0.80", "0.15"))
	require.NoError(t, err)

	assert.Equal(t, types.Down, vote.Direction)
	// extremity (0.80-0.70)/0.25 = 0.4, cheap bonus (0.30-0.15)/0.30 = 0.5
	assert.InDelta(t, 0.55+0.30*0.4+0.15*0.5, vote.Confidence, 1e-9)
	assert.Equal(t, 0.85, vote.Quality)
}

func TestSentimentFadesRichDownSide(t *testing.T) {
	vote, err := NewSentiment().Analyze(context.Background(), quoteSnapshot("0.04", "0.96"))
	require.NoError(t, err)

	assert.Equal(t, types.Up, vote.Direction)
	assert.Greater(t, vote.Confidence, 0.85, "maximal extremity is high conviction")
}

func TestSentimentNeutralBetweenBounds(t *testing.T) {
	for _, q := range [][2]string{{"0.42", "0.58"}, {"0.55", "0.45"}, {"0.69", "0.31"}} {
		vote, err := NewSentiment().Analyze(context.Background(), quoteSnapshot(q[0], q[1]))
		require.NoError(t, err)
		assert.Equal(t, types.Neutral, vote.Direction, "quotes %v", q)
		assert.Equal(t, 0.40, vote.Confidence)
		assert.Equal(t, 0.85, vote.Quality)
	}
}

func TestSentimentSkipsWithoutQuotes(t *testing.T) {
	vote, err := NewSentiment().Analyze(context.Background(), quoteSnapshot("0", "0"))
	require.NoError(t, err)
	assert.Equal(t, types.Skip, vote.Direction)
}

// A rich side alone is not enough; the other side must actually be cheap.
func TestSentimentRequiresBothBounds(t *testing.T) {
	vote, err := NewSentiment().Analyze(context.Background(), quoteSnapshot("0.72", "0.27"))
	require.NoError(t, err)
	assert.Equal(t, types.Neutral, vote.Direction)
}

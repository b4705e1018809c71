package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xtide/epochbot/internal/agents"
	"github.com/0xtide/epochbot/internal/types"
)

func defaultGates() Gates {
	return Gates{ConsensusThreshold: 0.65, MinConfidence: 0.50, MinAgreement: 0.50}
}

func vote(agent string, dir types.Direction, conf, quality float64) types.Vote {
	return types.Vote{Agent: agent, Direction: dir, Confidence: conf, Quality: quality}
}

// Happy path: strong technical Up against a neutral sentiment clears every
// gate with score just above the threshold.
func TestAggregateHappyPath(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	d := agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Up, 0.6815, 1.0),
		vote(agents.NameSentiment, types.Neutral, 0.40, 0.85),
	}, types.RegimeUnknown)

	assert.Equal(t, types.Up, d.Direction)
	assert.InDelta(t, 0.667, d.Score, 0.005)
	assert.InDelta(t, 0.5, d.Agreement, 1e-9)
	assert.Empty(t, d.Reason)
}

// A single dominant agent cannot trade alone: agreement 1/3 fails the floor.
func TestAggregateSingleDominantAgentRejected(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	d := agg.Aggregate([]types.Vote{
		vote(agents.NameSentiment, types.Up, 0.90, 0.85),
		vote(agents.NameTechnical, types.Skip, 0, 0),
		vote(agents.NameRegime, types.Neutral, 0, 1),
		vote(agents.NameOrderbook, types.Down, 0.62, 0.20),
	}, types.RegimeUnknown)

	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonAgreementFloor, d.Reason)
	assert.InDelta(t, 1.0/3.0, d.Agreement, 1e-9)
}

func TestAggregateNoSignal(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	d := agg.Aggregate(nil, types.RegimeUnknown)
	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonNoSignal, d.Reason)

	d = agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Skip, 0, 0),
		vote(agents.NameGuardian, types.Skip, 0, 0),
	}, types.RegimeUnknown)
	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonNoSignal, d.Reason)
}

func TestAggregateDeadlock(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	d := agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Up, 0.8, 1.0),
		vote(agents.NameMLPredictor, types.Down, 0.8, 1.0),
	}, types.RegimeUnknown)

	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonDeadlock, d.Reason)
}

func TestAggregateNeutralConsensus(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	d := agg.Aggregate([]types.Vote{
		vote(agents.NameSentiment, types.Neutral, 0.9, 1.0),
		vote(agents.NameTechnical, types.Up, 0.3, 0.5),
	}, types.RegimeUnknown)

	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonNeutralConsensus, d.Reason)
}

func TestAggregateBelowThreshold(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	// winner score 0.5 / 0.9 = 0.556, under the 0.65 gate.
	d := agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Up, 0.5, 1.0),
		vote(agents.NameMLPredictor, types.Down, 0.4, 1.0),
	}, types.RegimeUnknown)

	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonBelowThreshold, d.Reason)
}

func TestAggregateLowConfidence(t *testing.T) {
	agg := New(defaultGates(), nil, nil)

	// Score is high (only direction) but no single vote reaches 0.50.
	d := agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Up, 0.45, 1.0),
		vote(agents.NameMLPredictor, types.Up, 0.40, 1.0),
	}, types.RegimeUnknown)

	assert.Equal(t, types.None, d.Direction)
	assert.Equal(t, ReasonLowConfidence, d.Reason)
}

// Boundary: score exactly at the threshold trades, epsilon below does not.
func TestAggregateThresholdBoundary(t *testing.T) {
	votes := []types.Vote{
		vote(agents.NameTechnical, types.Up, 0.6, 1.0),
		vote(agents.NameMLPredictor, types.Up, 0.6, 1.0),
		vote(agents.NameSentiment, types.Neutral, 0.4, 1.0),
	}
	// score = 1.2 / 1.6 = 0.75 (minus the epsilon in the denominator).
	score := New(defaultGates(), nil, nil).Aggregate(votes, types.RegimeUnknown).Score

	at := New(Gates{ConsensusThreshold: score, MinConfidence: 0.5, MinAgreement: 0.5}, nil, nil)
	assert.Equal(t, types.Up, at.Aggregate(votes, types.RegimeUnknown).Direction, "score == threshold trades")

	above := New(Gates{ConsensusThreshold: score + 1e-9, MinConfidence: 0.5, MinAgreement: 0.5}, nil, nil)
	assert.Equal(t, types.None, above.Aggregate(votes, types.RegimeUnknown).Direction)
}

func TestAggregateVotesOrderedByAgent(t *testing.T) {
	agg := New(defaultGates(), nil, nil)
	d := agg.Aggregate([]types.Vote{
		vote("zeta", types.Up, 0.8, 1.0),
		vote("alpha", types.Up, 0.8, 1.0),
	}, types.RegimeUnknown)

	require.Len(t, d.Votes, 2)
	assert.Equal(t, "alpha", d.Votes[0].Agent)
	assert.Equal(t, "zeta", d.Votes[1].Agent)
}

func TestRegimeMultipliers(t *testing.T) {
	cases := []struct {
		agent  string
		regime types.Regime
		want   float64
	}{
		{agents.NameTechnical, types.RegimeBull, 1.3},
		{agents.NameTechnical, types.RegimeBear, 1.3},
		{agents.NameSentiment, types.RegimeBull, 0.7},
		{agents.NameTechnical, types.RegimeSideways, 0.9},
		{agents.NameSentiment, types.RegimeSideways, 1.4},
		{agents.NameTechnical, types.RegimeVolatile, 0.8},
		{agents.NameSentiment, types.RegimeVolatile, 0.8},
		{agents.NameTimeOfDay, types.RegimeBull, 1.0},
		{agents.NameTechnical, types.RegimeUnknown, 1.0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, regimeMultiplier(tc.agent, tc.regime), "%s in %s", tc.agent, tc.regime)
	}
}

// Weight cap: a boosted, accurate, heavily-weighted agent is clamped at 2.0.
func TestAggregateWeightCap(t *testing.T) {
	tracker := NewAccuracyTracker()
	tracker.Seed(agents.NameTechnical, 1.0, 50)

	weights := map[string]float64{agents.NameTechnical: 3.0}
	agg := New(defaultGates(), weights, tracker)

	d := agg.Aggregate([]types.Vote{
		vote(agents.NameTechnical, types.Up, 0.5, 1.0),
		vote(agents.NameMLPredictor, types.Down, 0.5, 1.0),
	}, types.RegimeBull)

	// capped weight 2.0 vs 1.3 regime-boosted opponent: 1.0 / (1.0 + 0.65)
	assert.InDelta(t, 1.0/1.65, d.Score, 1e-6)
}

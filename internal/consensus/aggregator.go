package consensus

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/0xtide/epochbot/internal/agents"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEIGHTED CONSENSUS AGGREGATOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Effective weight per vote = base x regime multiplier x adaptive multiplier,
// capped at 2.0. Direction scores are confidence x quality x weight sums; the
// winner must clear the score, confidence and agreement gates or the decision
// is None with an explicit reason.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	weightCap = 2.0
	epsilon   = 1e-9
)

// Decision reasons for a None outcome.
const (
	ReasonNoSignal         = "no-signal"
	ReasonDeadlock         = "deadlock"
	ReasonNeutralConsensus = "neutral-consensus"
	ReasonBelowThreshold   = "below-threshold"
	ReasonLowConfidence    = "low-confidence"
	ReasonAgreementFloor   = "agreement-floor"
)

// momentumStyle and contrarian classify agents for regime modulation.
var momentumStyle = map[string]bool{
	agents.NameTechnical:   true,
	agents.NameOrderbook:   true,
	agents.NameCandlestick: true,
	agents.NameMLPredictor: true,
	agents.NameFunding:     true,
}

var contrarian = map[string]bool{
	agents.NameSentiment: true,
}

// Gates are the per-strategy consensus thresholds.
type Gates struct {
	ConsensusThreshold float64
	MinConfidence      float64
	MinAgreement       float64
}

// Aggregator folds a committee's votes into one decision.
type Aggregator struct {
	gates    Gates
	weights  map[string]float64 // base weights, default 1.0
	accuracy *AccuracyTracker
}

// New builds an aggregator. accuracy may be shared across strategies.
func New(gates Gates, weights map[string]float64, accuracy *AccuracyTracker) *Aggregator {
	return &Aggregator{gates: gates, weights: weights, accuracy: accuracy}
}

// regimeMultiplier modulates one agent's weight for the active regime.
func regimeMultiplier(agent string, regime types.Regime) float64 {
	switch regime {
	case types.RegimeBull, types.RegimeBear:
		if momentumStyle[agent] {
			return 1.3
		}
		if contrarian[agent] {
			return 0.7
		}
	case types.RegimeSideways:
		if momentumStyle[agent] {
			return 0.9
		}
		if contrarian[agent] {
			return 1.4
		}
	case types.RegimeVolatile:
		if momentumStyle[agent] || contrarian[agent] {
			return 0.8
		}
	}
	return 1.0
}

func (a *Aggregator) baseWeight(agent string) float64 {
	if w, ok := a.weights[agent]; ok {
		return w
	}
	return 1.0
}

// Aggregate folds the votes into a decision. The full vote trace is retained
// on the decision, ordered by agent name.
func (a *Aggregator) Aggregate(votes []types.Vote, regime types.Regime) types.Decision {
	ordered := make([]types.Vote, len(votes))
	copy(ordered, votes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Agent < ordered[j].Agent })

	decision := types.Decision{Direction: types.None, Votes: ordered}

	var active []types.Vote
	for _, v := range ordered {
		if v.Direction != types.Skip {
			active = append(active, v)
		}
	}
	if len(active) == 0 {
		decision.Reason = ReasonNoSignal
		return decision
	}

	scores := map[types.Direction]float64{}
	maxConf := map[types.Direction]float64{}
	counts := map[types.Direction]int{}
	for _, v := range active {
		w := a.baseWeight(v.Agent) * regimeMultiplier(v.Agent, regime)
		if a.accuracy != nil {
			w *= a.accuracy.Multiplier(v.Agent)
		}
		if w > weightCap {
			w = weightCap
		}
		scores[v.Direction] += v.Confidence * v.Quality * w
		counts[v.Direction]++
		if v.Confidence > maxConf[v.Direction] {
			maxConf[v.Direction] = v.Confidence
		}
	}

	up, down, neutral := scores[types.Up], scores[types.Down], scores[types.Neutral]
	total := up + down + neutral + epsilon

	var winner types.Direction
	switch {
	case up > down && up > neutral:
		winner = types.Up
	case down > up && down > neutral:
		winner = types.Down
	case up == down && up > 0:
		decision.Reason = ReasonDeadlock
		return decision
	default:
		decision.Reason = ReasonNeutralConsensus
		return decision
	}

	decision.Score = scores[winner] / total
	decision.Agreement = float64(counts[winner]) / float64(len(active))

	switch {
	case decision.Score < a.gates.ConsensusThreshold:
		decision.Reason = ReasonBelowThreshold
	case maxConf[winner] < a.gates.MinConfidence:
		decision.Reason = ReasonLowConfidence
	case decision.Agreement < a.gates.MinAgreement:
		decision.Reason = ReasonAgreementFloor
	default:
		decision.Direction = winner
		log.Debug().
			Str("direction", string(winner)).
			Float64("score", decision.Score).
			Float64("agreement", decision.Agreement).
			Msg("Consensus reached")
	}
	return decision
}

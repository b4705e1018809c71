package agents

import (
	"context"

	"github.com/0xtide/epochbot/internal/types"
)

// Crowd-extremity thresholds. These are tuning parameters, not contracts;
// retuning from ledger data is expected.
const (
	richThreshold = 0.70 // a side this expensive is a crowded trade
	cheapFloor    = 0.20 // and the other side must be at least this cheap
	neutralBound  = 0.30 // inside (cheapFloor..richThreshold) nothing is extreme
)

// Sentiment fades crowd extremes: when one side trades rich and the other
// cheap, it bets the cheap side. A contrarian agent, demoted in trending
// regimes and boosted sideways.
type Sentiment struct{}

func NewSentiment() *Sentiment { return &Sentiment{} }

func (s *Sentiment) Name() string { return NameSentiment }

func (s *Sentiment) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	up, _ := snap.UpAsk.Float64()
	down, _ := snap.DownAsk.Float64()
	if up <= 0 || down <= 0 {
		return skipVote(NameSentiment, "no quotes"), nil
	}

	var dir types.Direction
	var rich, cheap float64
	switch {
	case up >= richThreshold && down <= cheapFloor:
		dir, rich, cheap = types.Down, up, down
	case down >= richThreshold && up <= cheapFloor:
		dir, rich, cheap = types.Up, down, up
	default:
		// No extreme to fade.
		return types.Vote{
			Agent:      NameSentiment,
			Direction:  types.Neutral,
			Confidence: 0.40,
			Quality:    0.85,
			Details:    map[string]any{"up": up, "down": down},
		}, nil
	}

	extremity := clamp01((rich - richThreshold) / 0.25)
	cheapBonus := clamp01((neutralBound - cheap) / neutralBound)
	confidence := clamp01(0.55 + 0.30*extremity + 0.15*cheapBonus)

	return types.Vote{
		Agent:      NameSentiment,
		Direction:  dir,
		Confidence: confidence,
		Quality:    0.85,
		Details: map[string]any{
			"rich":      rich,
			"cheap":     cheap,
			"extremity": extremity,
		},
	}, nil
}

package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// Confluence threshold: an exchange "agrees" when its short-horizon return
// exceeds this magnitude with the right sign.
const confluenceReturn = 0.002

// Technical votes on multi-exchange momentum confluence, discounted by RSI
// extremes and entry value.
type Technical struct{}

func NewTechnical() *Technical { return &Technical{} }

func (t *Technical) Name() string { return NameTechnical }

// Analyze requires >=2 of 3 exchanges to show same-sign returns above the
// confluence threshold; otherwise it abstains. Confidence blends exchange
// agreement (0.35), return magnitude (0.25), RSI alignment (0.25) and entry
// value (0.15). A 3+ streak of resolved outcomes against the vote halves
// confidence.
func (t *Technical) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	if snap.ExchangesLive < 2 {
		return skipVote(NameTechnical, "insufficient exchanges"), nil
	}

	var ups, downs int
	var upSum, downSum float64
	for _, ret := range snap.Returns {
		switch {
		case ret >= confluenceReturn:
			ups++
			upSum += ret
		case ret <= -confluenceReturn:
			downs++
			downSum += ret
		}
	}

	var dir types.Direction
	var agreeing int
	var avgRet float64
	switch {
	case ups >= 2 && ups > downs:
		dir, agreeing, avgRet = types.Up, ups, upSum/float64(ups)
	case downs >= 2 && downs > ups:
		dir, agreeing, avgRet = types.Down, downs, downSum/float64(downs)
	default:
		return skipVote(NameTechnical, "no confluence"), nil
	}

	agreement := float64(agreeing) / float64(len(snap.Returns))
	magnitude := clamp01(math.Abs(avgRet) / 0.01)

	// RSI alignment: Up votes fade toward overbought, Down toward oversold.
	rsiAlign := 0.5
	if snap.RSI > 0 {
		if dir == types.Up {
			rsiAlign = clamp01((75 - snap.RSI) / 25)
		} else {
			rsiAlign = clamp01((snap.RSI - 25) / 25)
		}
	}

	entry := snap.UpAsk
	if dir == types.Down {
		entry = snap.DownAsk
	}
	entryF, _ := entry.Float64()
	entryValue := clamp01((0.65 - entryF) / 0.5)

	confidence := 0.35*agreement + 0.25*magnitude + 0.25*rsiAlign + 0.15*entryValue

	// A persistent streak against us is evidence we are wrong.
	streaked := false
	if streak, sdir := outcomeStreak(snap.LastOutcomes); streak >= 3 && sdir == dir.Opposite() {
		confidence /= 2
		streaked = true
	}

	return types.Vote{
		Agent:      NameTechnical,
		Direction:  dir,
		Confidence: confidence,
		Quality:    float64(snap.ExchangesLive) / 3,
		Details: map[string]any{
			"agreeing":   agreeing,
			"avg_return": avgRet,
			"rsi":        snap.RSI,
			"streaked":   streaked,
		},
	}, nil
}

// outcomeStreak returns the length and direction of the trailing run of
// identical resolved outcomes.
func outcomeStreak(outcomes []types.Direction) (int, types.Direction) {
	if len(outcomes) == 0 {
		return 0, types.None
	}
	last := outcomes[len(outcomes)-1]
	n := 0
	for i := len(outcomes) - 1; i >= 0 && outcomes[i] == last; i-- {
		n++
	}
	return n, last
}

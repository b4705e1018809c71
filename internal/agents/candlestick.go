package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// Candlestick reads simple continuation patterns off the per-epoch closes:
// three consecutive closes in one direction argue for a fourth.
type Candlestick struct{}

func NewCandlestick() *Candlestick { return &Candlestick{} }

func (c *Candlestick) Name() string { return NameCandlestick }

func (c *Candlestick) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	closes := snap.EpochCloses
	if len(closes) < 4 {
		return skipVote(NameCandlestick, "insufficient closes"), nil
	}

	tail := closes[len(closes)-4:]
	rising, falling := true, true
	var move float64
	for i := 1; i < len(tail); i++ {
		if tail[i] <= tail[i-1] {
			rising = false
		}
		if tail[i] >= tail[i-1] {
			falling = false
		}
	}
	if tail[0] != 0 {
		move = math.Abs(tail[len(tail)-1]-tail[0]) / tail[0]
	}

	var dir types.Direction
	switch {
	case rising:
		dir = types.Up
	case falling:
		dir = types.Down
	default:
		return skipVote(NameCandlestick, "no pattern"), nil
	}

	// A three-candle run on negligible range is noise, not a pattern.
	if move < 0.0005 {
		return skipVote(NameCandlestick, "range too small"), nil
	}

	return types.Vote{
		Agent:      NameCandlestick,
		Direction:  dir,
		Confidence: 0.35 + 0.35*clamp01(move/0.005),
		Quality:    0.60,
		Details:    map[string]any{"run_move": move},
	}, nil
}

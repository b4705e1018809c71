package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// Minimum book imbalance before the orderbook agent takes a side.
const imbalanceFloor = 0.20

// Orderbook votes with the side showing deeper resting demand.
type Orderbook struct{}

func NewOrderbook() *Orderbook { return &Orderbook{} }

func (o *Orderbook) Name() string { return NameOrderbook }

func (o *Orderbook) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	imb := snap.BookImbalance
	if math.Abs(imb) < imbalanceFloor {
		return skipVote(NameOrderbook, "balanced book"), nil
	}

	dir := types.Up
	if imb < 0 {
		dir = types.Down
	}
	return types.Vote{
		Agent:      NameOrderbook,
		Direction:  dir,
		Confidence: clamp01(math.Abs(imb)),
		Quality:    0.65,
		Details:    map[string]any{"imbalance": imb},
	}, nil
}

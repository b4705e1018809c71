package agents

import (
	"context"
	"math"

	"github.com/0xtide/epochbot/internal/types"
)

// Funding-rate significance bands (8h rate, fractional).
const (
	fundingFloor = 0.0001 // below this the perp market is saying nothing
	fundingFull  = 0.0010 // at this magnitude conviction saturates
)

// Funding reads the perp funding rate as positioning pressure: sustained
// positive funding means leveraged longs dominate and tend to keep pushing
// within the 15-minute horizon.
type Funding struct{}

func NewFunding() *Funding { return &Funding{} }

func (f *Funding) Name() string { return NameFunding }

func (f *Funding) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	rate := snap.FundingRate
	if math.Abs(rate) < fundingFloor {
		return skipVote(NameFunding, "funding flat"), nil
	}

	dir := types.Up
	if rate < 0 {
		dir = types.Down
	}
	strength := clamp01((math.Abs(rate) - fundingFloor) / (fundingFull - fundingFloor))
	return types.Vote{
		Agent:      NameFunding,
		Direction:  dir,
		Confidence: 0.3 + 0.4*strength,
		Quality:    0.60,
		Details:    map[string]any{"funding_rate": rate},
	}, nil
}

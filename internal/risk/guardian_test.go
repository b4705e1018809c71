package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/types"
)

func riskConfig() *config.Config {
	return &config.Config{
		MaxEntryPrice:        0.30,
		MaxDrawdownPct:       0.30,
		DailyLossLimitUSD:    50,
		DailyLossLimitPct:    0.20,
		MaxPositionsTotal:    4,
		MaxPositionsSameDir:  3,
		MaxConsecutiveLosses: 10,
		PositionTiers:        config.DefaultTiers(),
	}
}

func guardianWith(m Metrics) *Guardian {
	return NewGuardian(riskConfig(), func() Metrics { return m })
}

func cleanMetrics() Metrics {
	return Metrics{
		Peak:     decimal.NewFromInt(100),
		DayStart: decimal.NewFromInt(100),
	}
}

func TestDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, Drawdown(decimal.Zero, decimal.NewFromInt(50)))
	assert.Equal(t, 0.0, Drawdown(decimal.NewFromInt(100), decimal.NewFromInt(120)), "above peak clamps to zero")
	assert.InDelta(t, 0.25, Drawdown(decimal.NewFromInt(200), decimal.NewFromInt(150)), 1e-9)
}

// The drawdown threshold is inclusive: exactly 30% off the peak vetoes.
func TestVetoDrawdownInclusive(t *testing.T) {
	g := guardianWith(Metrics{Peak: decimal.NewFromInt(300), DayStart: decimal.NewFromInt(300)})

	snap := &types.Snapshot{Mode: types.ModeNormal, Balance: decimal.NewFromInt(210)}
	assert.Contains(t, g.VetoReasons(snap), VetoDrawdown)

	snap.Balance = decimal.RequireFromString("210.01")
	assert.NotContains(t, g.VetoReasons(snap), VetoDrawdown)
}

func TestVetoDailyLossUsesSmallerBound(t *testing.T) {
	// day start 200: pct bound 20% = $40 beats the $50 flat bound.
	m := Metrics{
		Peak:          decimal.NewFromInt(200),
		DayStart:      decimal.NewFromInt(200),
		DailyRealized: decimal.NewFromInt(-40),
	}
	snap := &types.Snapshot{Mode: types.ModeNormal, Balance: decimal.NewFromInt(160)}
	assert.Contains(t, guardianWith(m).VetoReasons(snap), VetoDailyLoss)

	m.DailyRealized = decimal.RequireFromString("-39.99")
	assert.NotContains(t, guardianWith(m).VetoReasons(snap), VetoDailyLoss)
}

func TestVetoHaltedMode(t *testing.T) {
	g := guardianWith(cleanMetrics())
	snap := &types.Snapshot{Mode: types.ModeHalted, Balance: decimal.NewFromInt(100)}
	assert.Contains(t, g.VetoReasons(snap), VetoHalted)
}

func TestVetoOpenPositionSameCrypto(t *testing.T) {
	g := guardianWith(cleanMetrics())
	snap := &types.Snapshot{
		Mode:    types.ModeNormal,
		Crypto:  types.BTC,
		Balance: decimal.NewFromInt(100),
		OpenPositions: []types.Position{
			{Crypto: types.ETH, Direction: types.Up},
		},
	}
	assert.Empty(t, g.VetoReasons(snap), "a different crypto does not block")

	snap.OpenPositions = append(snap.OpenPositions, types.Position{Crypto: types.BTC, Direction: types.Down})
	assert.Contains(t, g.VetoReasons(snap), VetoOpenPosition)
}

func TestVetoPositionLimits(t *testing.T) {
	g := guardianWith(cleanMetrics())
	snap := &types.Snapshot{
		Mode:    types.ModeNormal,
		Crypto:  types.XRP,
		Balance: decimal.NewFromInt(100),
		OpenPositions: []types.Position{
			{Crypto: types.BTC, Direction: types.Up},
			{Crypto: types.ETH, Direction: types.Up},
			{Crypto: types.SOL, Direction: types.Up},
		},
	}
	assert.NotContains(t, g.VetoReasons(snap), VetoTotalPositions, "three of four slots used")

	// Direction-dependent check: a fourth Up would breach same-direction 3.
	reasons := g.Check(snap, types.Up, decimal.RequireFromString("0.25"))
	assert.Contains(t, reasons, VetoSameDirection)

	reasons = g.Check(snap, types.Down, decimal.RequireFromString("0.25"))
	assert.NotContains(t, reasons, VetoSameDirection)

	snap.OpenPositions = append(snap.OpenPositions, types.Position{Crypto: types.XRP, Direction: types.Down})
	assert.Contains(t, g.VetoReasons(snap), VetoTotalPositions)
}

func TestVetoConsecutiveLosses(t *testing.T) {
	m := cleanMetrics()
	m.ConsecutiveLosses = 10
	snap := &types.Snapshot{Mode: types.ModeNormal, Balance: decimal.NewFromInt(100)}
	assert.Contains(t, guardianWith(m).VetoReasons(snap), VetoConsecutiveLosses)

	m.ConsecutiveLosses = 9
	assert.Empty(t, guardianWith(m).VetoReasons(snap))
}

func TestVetoEntryPriceCap(t *testing.T) {
	g := guardianWith(cleanMetrics())
	snap := &types.Snapshot{Mode: types.ModeNormal, Balance: decimal.NewFromInt(100)}

	assert.Contains(t, g.Check(snap, types.Up, decimal.RequireFromString("0.31")), VetoEntryPrice)
	assert.Empty(t, g.Check(snap, types.Up, decimal.RequireFromString("0.30")), "cap itself is allowed")
}

func TestHaltClass(t *testing.T) {
	assert.True(t, HaltClass(VetoDrawdown))
	assert.True(t, HaltClass(VetoConsecutiveLosses))
	assert.False(t, HaltClass(VetoDailyLoss))
	assert.False(t, HaltClass(VetoOpenPosition))
	assert.False(t, HaltClass(VetoEntryPrice))
}

package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/0xtide/epochbot/internal/types"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTieredSizeTopTier(t *testing.T) {
	s := NewSizer(riskConfig())

	// $200 balance sits in the open-ended 5% tier; score 0.667 scales the
	// $10 base to $9.001, rounded down to the cent.
	size := s.Tiered(decimal.NewFromInt(200), types.ModeNormal, 0.667)
	assert.True(t, size.Equal(usd("9.00")), "got %s", size)
}

func TestTieredModeFactors(t *testing.T) {
	s := NewSizer(riskConfig())
	balance := decimal.NewFromInt(200)

	normal := s.Tiered(balance, types.ModeNormal, 1.0)
	assert.True(t, normal.Equal(usd("10.00")), "got %s", normal)

	cases := []struct {
		mode types.TradingMode
		want string
	}{
		{types.ModeConservative, "8.00"},
		{types.ModeDefensive, "6.50"},
		{types.ModeRecovery, "5.00"},
	}
	for _, tc := range cases {
		size := s.Tiered(balance, tc.mode, 1.0)
		assert.True(t, size.Equal(usd(tc.want)), "%s: got %s", tc.mode, size)
	}

	assert.True(t, s.Tiered(balance, types.ModeHalted, 1.0).IsZero())
}

func TestTieredMinBetSuppresses(t *testing.T) {
	s := NewSizer(riskConfig())

	// $10 x 15% x 0.7 = $1.05, under the $1.10 floor: no trade, never bumped.
	size := s.Tiered(decimal.NewFromInt(10), types.ModeNormal, 0)
	assert.True(t, size.IsZero())
}

func TestTieredMaxBetCaps(t *testing.T) {
	s := NewSizer(riskConfig())

	size := s.Tiered(decimal.NewFromInt(1000), types.ModeNormal, 1.0)
	assert.True(t, size.Equal(MaxBet), "got %s", size)
}

func TestTieredNeverExceedsBalance(t *testing.T) {
	s := NewSizer(riskConfig())

	for _, bal := range []string{"1.50", "2.00", "8.13", "25", "80", "149.99", "500"} {
		balance := usd(bal)
		for _, score := range []float64{0, 0.5, 0.7, 1.0, 1.8} {
			size := s.Tiered(balance, types.ModeNormal, score)
			assert.True(t, size.LessThanOrEqual(balance), "balance %s score %v: %s", bal, score, size)
			assert.True(t, size.LessThanOrEqual(MaxBet))
			assert.True(t, size.IsZero() || size.GreaterThanOrEqual(MinBet))
		}
	}

	assert.True(t, s.Tiered(decimal.Zero, types.ModeNormal, 1.0).IsZero())
	assert.True(t, s.Tiered(usd("-5"), types.ModeNormal, 1.0).IsZero())
}

func TestKellySize(t *testing.T) {
	s := NewSizer(riskConfig())
	balance := decimal.NewFromInt(200)
	entry := usd("0.40")

	// b = 1.5, p = 0.70: f = (1.05 - 0.30) / 1.5 x 0.25 = 0.125 -> $25 -> capped.
	size := s.Kelly(balance, types.ModeNormal, 0.70, entry)
	assert.True(t, size.Equal(MaxBet), "got %s", size)

	// p = 0.45: f = (0.675 - 0.55) / 1.5 x 0.25 ~ 0.0208 -> $4.16.
	size = s.Kelly(balance, types.ModeNormal, 0.45, entry)
	assert.True(t, size.Equal(usd("4.16")), "got %s", size)

	// Negative edge: size zero.
	assert.True(t, s.Kelly(balance, types.ModeNormal, 0.30, entry).IsZero())

	// Degenerate entries never size.
	assert.True(t, s.Kelly(balance, types.ModeNormal, 0.9, decimal.Zero).IsZero())
	assert.True(t, s.Kelly(balance, types.ModeNormal, 0.9, decimal.NewFromInt(1)).IsZero())
}

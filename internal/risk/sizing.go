package risk

import (
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/types"
)

// Sizing bounds in settlement currency.
var (
	MinBet = decimal.RequireFromString("1.10")
	MaxBet = decimal.NewFromInt(15)
)

// venue size increment: whole cents.
const sizePlaces = 2

// modeFactor scales position size down as the risk regime worsens.
func modeFactor(mode types.TradingMode) decimal.Decimal {
	switch mode {
	case types.ModeConservative:
		return decimal.RequireFromString("0.80")
	case types.ModeDefensive:
		return decimal.RequireFromString("0.65")
	case types.ModeRecovery:
		return decimal.RequireFromString("0.50")
	case types.ModeHalted:
		return decimal.Zero
	default:
		return decimal.NewFromInt(1)
	}
}

// Sizer converts an approved decision into a position size.
type Sizer struct {
	cfg *config.Config
}

func NewSizer(cfg *config.Config) *Sizer { return &Sizer{cfg: cfg} }

// Tiered computes the default size: balance x tier fraction x mode factor x
// score scale, clamped to [MinBet, MaxBet] and rounded down to the venue
// increment. Zero means the trade is suppressed.
func (s *Sizer) Tiered(balance decimal.Decimal, mode types.TradingMode, score float64) decimal.Decimal {
	if balance.IsNegative() || balance.IsZero() {
		return decimal.Zero
	}

	fraction := decimal.NewFromFloat(s.cfg.TierFraction(balance))
	if score > 1 {
		score = 1
	}
	scoreScale := decimal.NewFromFloat(0.7 + 0.3*score)

	size := balance.Mul(fraction).Mul(modeFactor(mode)).Mul(scoreScale)
	return clampSize(size, balance)
}

// Kelly computes the fractional-Kelly size for a binary payout at the given
// entry price, treating the consensus score as the win probability.
// f = max(0, (p.b - (1-p)) / b) x 0.25 with b = (1-entry)/entry.
func (s *Sizer) Kelly(balance decimal.Decimal, mode types.TradingMode, score float64, entry decimal.Decimal) decimal.Decimal {
	entryF, _ := entry.Float64()
	if entryF <= 0 || entryF >= 1 || balance.IsZero() || balance.IsNegative() {
		return decimal.Zero
	}

	p := score
	if p > 1 {
		p = 1
	}
	b := (1 - entryF) / entryF
	f := (p*b - (1 - p)) / b
	if f < 0 {
		f = 0
	}
	f *= 0.25

	size := balance.Mul(decimal.NewFromFloat(f)).Mul(modeFactor(mode))
	return clampSize(size, balance)
}

// clampSize applies the [MinBet, MaxBet] bounds and the venue increment.
// Below the minimum bet the trade is suppressed (zero), never bumped up.
func clampSize(size, balance decimal.Decimal) decimal.Decimal {
	size = size.RoundDown(sizePlaces)
	if size.GreaterThan(MaxBet) {
		size = MaxBet
	}
	if size.LessThan(MinBet) {
		return decimal.Zero
	}
	if size.GreaterThan(balance) {
		// Never bet more than the bankroll even inside the clamp.
		size = balance.RoundDown(sizePlaces)
		if size.LessThan(MinBet) {
			return decimal.Zero
		}
	}
	return size
}

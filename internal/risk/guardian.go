package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GUARDIAN - Veto checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every entry must pass ALL checks. Any failure turns the decision into None;
// drawdown and consecutive-loss failures additionally halt the engine.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Veto reason vocabulary.
const (
	VetoHalted            = "halted"
	VetoDrawdown          = "drawdown-30%"
	VetoDailyLoss         = "daily-loss-limit"
	VetoOpenPosition      = "open-position"
	VetoSameDirection     = "same-direction-limit"
	VetoTotalPositions    = "total-position-limit"
	VetoConsecutiveLosses = "consecutive-losses"
	VetoEntryPrice        = "entry-price-cap"
)

// Metrics is the risk-relevant slice of trading state not carried on the
// snapshot itself.
type Metrics struct {
	Peak              decimal.Decimal
	DayStart          decimal.Decimal
	DailyRealized     decimal.Decimal // negative when losing
	ConsecutiveLosses int
}

// Guardian evaluates the veto predicates against a snapshot plus live state
// metrics.
type Guardian struct {
	cfg     *config.Config
	metrics func() Metrics
}

func NewGuardian(cfg *config.Config, metrics func() Metrics) *Guardian {
	return &Guardian{cfg: cfg, metrics: metrics}
}

// Drawdown computes (peak - balance) / peak, zero when peak is unset.
func Drawdown(peak, balance decimal.Decimal) float64 {
	if peak.IsZero() || peak.IsNegative() {
		return 0
	}
	dd, _ := peak.Sub(balance).Div(peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}

// VetoReasons runs the direction-independent checks. Empty means clear.
func (g *Guardian) VetoReasons(snap *types.Snapshot) []string {
	m := g.metrics()
	var reasons []string

	if snap.Mode == types.ModeHalted {
		reasons = append(reasons, VetoHalted)
	}

	// Threshold is inclusive: exactly 30% halts.
	if Drawdown(m.Peak, snap.Balance) >= g.cfg.MaxDrawdownPct {
		reasons = append(reasons, VetoDrawdown)
	}

	loss := m.DailyRealized.Neg()
	if loss.IsPositive() && loss.GreaterThanOrEqual(g.cfg.DailyLossLimit(m.DayStart)) {
		reasons = append(reasons, VetoDailyLoss)
	}

	for _, p := range snap.OpenPositions {
		if p.Crypto == snap.Crypto {
			reasons = append(reasons, VetoOpenPosition)
			break
		}
	}

	if len(snap.OpenPositions) >= g.cfg.MaxPositionsTotal {
		reasons = append(reasons, VetoTotalPositions)
	}

	if m.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		reasons = append(reasons, VetoConsecutiveLosses)
	}

	return reasons
}

// Check runs the full veto set for a proposed entry direction and price.
func (g *Guardian) Check(snap *types.Snapshot, dir types.Direction, entry decimal.Decimal) []string {
	reasons := g.VetoReasons(snap)

	sameDir := 0
	for _, p := range snap.OpenPositions {
		if p.Direction == dir {
			sameDir++
		}
	}
	if sameDir >= g.cfg.MaxPositionsSameDir {
		reasons = append(reasons, VetoSameDirection)
	}

	maxEntry := decimal.NewFromFloat(g.cfg.MaxEntryPrice)
	if entry.GreaterThan(maxEntry) {
		reasons = append(reasons, VetoEntryPrice)
	}

	if len(reasons) > 0 {
		log.Warn().
			Str("crypto", string(snap.Crypto)).
			Str("direction", string(dir)).
			Strs("reasons", reasons).
			Msg("🛑 Guardian veto")
	}
	return reasons
}

// HaltClass reports whether a veto reason forces the halted mode.
func HaltClass(reason string) bool {
	return reason == VetoDrawdown || reason == VetoConsecutiveLosses
}

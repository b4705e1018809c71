package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Crypto is one of the four supported underlyings.
type Crypto string

const (
	BTC Crypto = "BTC"
	ETH Crypto = "ETH"
	SOL Crypto = "SOL"
	XRP Crypto = "XRP"
)

// AllCryptos returns the supported underlyings in a fixed order.
func AllCryptos() []Crypto {
	return []Crypto{BTC, ETH, SOL, XRP}
}

// ParseCrypto validates a symbol string.
func ParseCrypto(s string) (Crypto, error) {
	switch Crypto(s) {
	case BTC, ETH, SOL, XRP:
		return Crypto(s), nil
	}
	return "", fmt.Errorf("unknown crypto symbol %q", s)
}

// Direction is an agent's or the aggregator's directional opinion.
//
// Skip means "abstain" and is excluded from aggregation entirely.
// Neutral means "no directional signal" and is included; it suppresses
// consensus. None only appears on aggregate decisions.
type Direction string

const (
	Up      Direction = "UP"
	Down    Direction = "DOWN"
	Neutral Direction = "NEUTRAL"
	Skip    Direction = "SKIP"
	None    Direction = "NONE"
)

// Opposite returns the other tradeable side; Neutral/Skip/None map to themselves.
func (d Direction) Opposite() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	}
	return d
}

// TradingMode is the engine's risk regime.
type TradingMode string

const (
	ModeNormal       TradingMode = "normal"
	ModeConservative TradingMode = "conservative"
	ModeDefensive    TradingMode = "defensive"
	ModeRecovery     TradingMode = "recovery"
	ModeHalted       TradingMode = "halted"
)

// Regime is the market regime tag emitted by the regime agent.
type Regime string

const (
	RegimeBull     Regime = "bull_momentum"
	RegimeBear     Regime = "bear_momentum"
	RegimeSideways Regime = "sideways"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// EpochDuration is the market window length. All epochs align to this grid.
const EpochDuration = 15 * time.Minute

// Epoch identifies a 15-minute market window by the unix second of its start,
// aligned to the 15-minute grid.
type Epoch int64

// EpochAt returns the epoch containing t.
func EpochAt(t time.Time) Epoch {
	return Epoch(t.UTC().Truncate(EpochDuration).Unix())
}

// Start returns the wall-clock start of the epoch.
func (e Epoch) Start() time.Time {
	return time.Unix(int64(e), 0).UTC()
}

// End returns the wall-clock close of the epoch.
func (e Epoch) End() time.Time {
	return e.Start().Add(EpochDuration)
}

// SecondsInto returns how many seconds of the epoch have elapsed at t, in [0,900].
func (e Epoch) SecondsInto(t time.Time) int {
	s := int(t.UTC().Sub(e.Start()) / time.Second)
	if s < 0 {
		s = 0
	}
	if max := int(EpochDuration / time.Second); s > max {
		s = max
	}
	return s
}

// Vote is a single agent's opinion on one snapshot.
type Vote struct {
	Agent      string
	Direction  Direction
	Confidence float64 // [0,1]
	Quality    float64 // [0,1]
	Details    map[string]any
}

// Position is an open holding of one outcome token.
type Position struct {
	ID          string
	Crypto      Crypto
	Direction   Direction // Up or Down
	Shares      decimal.Decimal
	EntryPrice  decimal.Decimal
	Epoch       Epoch
	TokenID     string // opaque venue token id
	ConditionID string // venue condition id, needed for on-chain redemption
	OpenedAt    time.Time
}

// Cost returns the settlement-currency amount spent to open the position.
func (p Position) Cost() decimal.Decimal {
	return p.Shares.Mul(p.EntryPrice)
}

// Market is one active 15-minute binary market as reported by the venue.
type Market struct {
	Crypto         Crypto
	Epoch          Epoch
	ConditionID    string
	UpTokenID      string
	DownTokenID    string
	UpAsk          decimal.Decimal // [0,1]
	DownAsk        decimal.Decimal // [0,1]
	SecondsToClose int
}

// Fill is the venue's confirmation of a placed order.
type Fill struct {
	OrderID string
	TokenID string
	Shares  decimal.Decimal
	Price   decimal.Decimal
}

// Snapshot is the immutable per-cycle view of one market handed to the
// committee. It exists only for the duration of one scan cycle.
type Snapshot struct {
	Crypto    Crypto
	Epoch     Epoch
	SecondsIn int // seconds into the epoch, [0,900]

	UpAsk       decimal.Decimal
	DownAsk     decimal.Decimal
	UpTokenID   string
	DownTokenID string

	Balance       decimal.Decimal
	OpenPositions []Position
	Mode          TradingMode

	RSI           float64                    // RSI(14), 0 when warmup incomplete
	Mids          map[string]decimal.Decimal // exchange -> mid price
	Returns       map[string]float64         // exchange -> short-horizon return
	ExchangesLive int                        // exchanges with a fresh price
	EpochCloses   []float64                  // per-epoch closes, oldest first
	FundingRate   float64                    // perp funding rate, 0 when unknown
	BookImbalance float64                    // [-1,1] up-side book depth imbalance

	LastOutcomes []Direction // last K resolved outcomes for this crypto, oldest first
	Regime       Regime
	Taken        time.Time
}

// Decision is the aggregator's (possibly vetoed) verdict on one snapshot.
type Decision struct {
	Direction   Direction // Up, Down or None
	Score       float64   // normalised winning score [0,1]
	Agreement   float64   // fraction of non-Skip agents on the winning side
	Vetoed      bool
	VetoReasons []string
	Reason      string // why the decision is None, "" otherwise
	Votes       []Vote // full trace, ordered by agent name
}

// Tradeable reports whether the decision clears every gate.
func (d Decision) Tradeable() bool {
	return !d.Vetoed && (d.Direction == Up || d.Direction == Down)
}

// Outcome links a resolved epoch to what a strategy predicted for it.
type Outcome struct {
	Strategy   string
	Crypto     Crypto
	Epoch      Epoch
	Resolved   Direction // Up or Down
	Predicted  Direction
	Confidence float64
	PnL        decimal.Decimal
	ResolvedAt time.Time
}

package shadow

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/consensus"
	"github.com/0xtide/epochbot/internal/ledger"
	"github.com/0xtide/epochbot/internal/types"
)

func fp(v float64) *float64 { return &v }

func shadowConfig(strategies ...config.ShadowStrategy) *config.Config {
	return &config.Config{
		ConsensusThreshold: 0.65,
		MinConfidence:      0.50,
		MinAgreement:       0.50,
		MaxEntryPrice:      0.50,
		PositionTiers:      config.DefaultTiers(),
		ShadowStrategies:   strategies,
	}
}

func openShadow(t *testing.T, cfg *config.Config) (*Orchestrator, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	lg, err := ledger.Open(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "spool.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })

	o, err := New(cfg, lg, consensus.NewAccuracyTracker())
	require.NoError(t, err)
	return o, lg
}

// committee output shared by every strategy: a confident technical Up plus a
// neutral sentiment, consensus score ~0.667.
func productionVotes() []types.Vote {
	return []types.Vote{
		{Agent: "technical", Direction: types.Up, Confidence: 0.6815, Quality: 1.0},
		{Agent: "sentiment", Direction: types.Neutral, Confidence: 0.40, Quality: 0.85},
	}
}

func marketSnapshot(epoch types.Epoch) *types.Snapshot {
	return &types.Snapshot{
		Crypto:  types.BTC,
		Epoch:   epoch,
		UpAsk:   decimal.RequireFromString("0.42"),
		DownAsk: decimal.RequireFromString("0.58"),
	}
}

func TestThresholdOverridesDiverge(t *testing.T) {
	o, lg := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "tight", ConsensusThreshold: fp(0.80)},
		config.ShadowStrategy{Name: "loose", ConsensusThreshold: fp(0.55)},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)

	tight, err := lg.PendingDecisions("tight")
	require.NoError(t, err)
	assert.Empty(t, tight, "0.667 consensus fails the 0.80 gate")

	loose, err := lg.PendingDecisions("loose")
	require.NoError(t, err)
	require.Len(t, loose, 1)
	assert.Equal(t, "UP", loose[0].Direction)
	assert.True(t, loose[0].WouldTrade)
	// $100 virtual balance, 7% tier, score scale 0.7 + 0.3 x 0.667.
	assert.True(t, loose[0].SizeUSD.Equal(decimal.RequireFromString("6.30")),
		"got %s", loose[0].SizeUSD)
}

func TestEntryCapOverride(t *testing.T) {
	o, lg := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "cheap", ConsensusThreshold: fp(0.55), MaxEntryPrice: fp(0.30)},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)

	pending, err := lg.PendingDecisions("cheap")
	require.NoError(t, err)
	assert.Empty(t, pending, "0.42 ask is over the 0.30 cap")
}

func TestAgentFilterRestrictsCommittee(t *testing.T) {
	// Only the technical vote survives the filter: agreement 1.0, score ~1.0,
	// so even a 0.90 threshold trades.
	o, lg := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "solo", ConsensusThreshold: fp(0.90), AgentsEnabled: []string{"technical"}},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)

	pending, err := lg.PendingDecisions("solo")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestKellySizing(t *testing.T) {
	o, lg := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "kelly", ConsensusThreshold: fp(0.55), Sizing: "kelly"},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)

	pending, err := lg.PendingDecisions("kelly")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	size := pending[0].SizeUSD
	assert.True(t, size.GreaterThan(decimal.Zero))
	assert.True(t, size.LessThanOrEqual(decimal.NewFromInt(15)))
}

func TestResolveSettlesVirtualBook(t *testing.T) {
	o, _ := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "loose", ConsensusThreshold: fp(0.55)},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)
	o.Resolve(types.BTC, 900, types.Up)

	// $6.30 at 0.42 is 15 shares: pnl 15 - 6.30 = 8.70.
	balance := o.Balances()["loose"]
	assert.True(t, balance.Equal(decimal.RequireFromString("108.70")), "got %s", balance)
}

func TestResolveLosingSide(t *testing.T) {
	o, _ := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "loose", ConsensusThreshold: fp(0.55)},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)
	o.Resolve(types.BTC, 900, types.Down)

	balance := o.Balances()["loose"]
	assert.True(t, balance.Equal(decimal.RequireFromString("93.70")), "got %s", balance)
}

// A duplicate resolution must leave the virtual balance untouched: the
// outcome row is inserted before any balance mutation.
func TestResolveIsIdempotent(t *testing.T) {
	o, lg := openShadow(t, shadowConfig(
		config.ShadowStrategy{Name: "loose", ConsensusThreshold: fp(0.55)},
	))

	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)
	o.Resolve(types.BTC, 900, types.Up)
	balance := o.Balances()["loose"]

	// Simulate a replayed resolution: re-add the position then resolve again.
	require.NoError(t, lg.EnsureStrategy("loose"))
	o.mu.Lock()
	o.pending["loose"] = append(o.pending["loose"], virtualPos{
		crypto:    types.BTC,
		epoch:     900,
		direction: types.Up,
		entry:     decimal.RequireFromString("0.42"),
		sizeUSD:   decimal.RequireFromString("6.30"),
	})
	o.mu.Unlock()
	o.Resolve(types.BTC, 900, types.Up)

	assert.True(t, o.Balances()["loose"].Equal(balance), "double settle must not pay twice")

	perf, err := lg.Performance("loose")
	require.NoError(t, err)
	require.NotNil(t, perf)
	assert.Equal(t, 1, perf.Trades)
}

func TestRecoverAfterRestart(t *testing.T) {
	dir := t.TempDir()
	lg, err := ledger.Open(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "spool.jsonl"))
	require.NoError(t, err)
	defer lg.Close()

	cfg := shadowConfig(config.ShadowStrategy{Name: "loose", ConsensusThreshold: fp(0.55)})

	o, err := New(cfg, lg, consensus.NewAccuracyTracker())
	require.NoError(t, err)
	o.Evaluate(marketSnapshot(900), productionVotes(), types.RegimeUnknown)
	o.Resolve(types.BTC, 900, types.Up)
	o.Evaluate(marketSnapshot(1800), productionVotes(), types.RegimeUnknown)

	// Restart: balance comes from the performance row, the unresolved epoch
	// 1800 position from its decision row.
	restarted, err := New(cfg, lg, consensus.NewAccuracyTracker())
	require.NoError(t, err)
	assert.True(t, restarted.Balances()["loose"].Equal(decimal.RequireFromString("108.70")))

	restarted.Resolve(types.BTC, 1800, types.Down)
	balance := restarted.Balances()["loose"]
	assert.True(t, balance.LessThan(decimal.RequireFromString("108.70")),
		"recovered position settles as a loss, got %s", balance)
}

func TestReservedAndUnknownStrategiesRejectedByConfig(t *testing.T) {
	cfg := shadowConfig(config.ShadowStrategy{Name: "production"})
	cfg.ScanIntervalS = 2
	cfg.DailyLossLimitUSD = 50
	cfg.MaxPositionsTotal = 4
	cfg.MaxPositionsSameDir = 3
	cfg.StatePath = "s"
	cfg.LedgerDSN = "l"
	assert.Error(t, cfg.Validate())
}

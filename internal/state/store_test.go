package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xtide/epochbot/internal/types"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestStore(t *testing.T, venueCash string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, usd(venueCash))
	require.NoError(t, err)
	return s, path
}

func position(id string, crypto types.Crypto, dir types.Direction, shares, entry string) types.Position {
	return types.Position{
		ID:         id,
		Crypto:     crypto,
		Direction:  dir,
		Shares:     usd(shares),
		EntryPrice: usd(entry),
		Epoch:      types.EpochAt(time.Now()),
		OpenedAt:   time.Now().UTC(),
	}
}

func TestOpenBootstrapsFromVenue(t *testing.T) {
	s, path := openTestStore(t, "250")

	st := s.Snapshot()
	assert.True(t, st.CurrentBalance.Equal(usd("250")))
	assert.True(t, st.PeakBalance.Equal(usd("250")))
	assert.True(t, st.DayStartBalance.Equal(usd("250")))
	assert.Equal(t, types.ModeNormal, st.Mode)

	// Bootstrap writes the file immediately.
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestOpenLoadsExistingFile(t *testing.T) {
	s, path := openTestStore(t, "100")
	require.NoError(t, s.Update(func(st *State) error {
		st.CurrentBalance = usd("82.50")
		st.Mode = types.ModeDefensive
		return nil
	}))

	// Venue cash is ignored when a file exists.
	reopened, err := Open(path, usd("999"))
	require.NoError(t, err)
	st := reopened.Snapshot()
	assert.True(t, st.CurrentBalance.Equal(usd("82.50")))
	assert.Equal(t, types.ModeDefensive, st.Mode)
}

func TestOpenCorruptFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	_, err := Open(path, usd("100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	s, path := openTestStore(t, "100")
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Update(func(st *State) error {
			st.CurrentBalance = st.CurrentBalance.Sub(usd("1"))
			return nil
		}))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestPeakIsMonotonic(t *testing.T) {
	s, _ := openTestStore(t, "100")

	// No Update can lower the peak, even one that tries.
	require.NoError(t, s.Update(func(st *State) error {
		st.PeakBalance = usd("10")
		st.CurrentBalance = usd("40")
		return nil
	}))
	assert.True(t, s.Snapshot().PeakBalance.Equal(usd("100")))

	// Redemption above the old peak raises it; a smaller one does not.
	require.NoError(t, s.CreditRedemption(usd("80")))
	st := s.Snapshot()
	assert.True(t, st.CurrentBalance.Equal(usd("120")))
	assert.True(t, st.PeakBalance.Equal(usd("120")))
}

func TestNegativeBalanceHalts(t *testing.T) {
	s, _ := openTestStore(t, "5")
	require.NoError(t, s.Update(func(st *State) error {
		st.CurrentBalance = usd("-0.01")
		return nil
	}))

	st := s.Snapshot()
	assert.Equal(t, types.ModeHalted, st.Mode)
	assert.Equal(t, "negative-balance", st.HaltReason)
}

func TestDebitAndSettleWin(t *testing.T) {
	s, _ := openTestStore(t, "100")
	pos := position("p1", types.BTC, types.Up, "20", "0.45") // cost $9

	require.NoError(t, s.Debit(pos))
	st := s.Snapshot()
	assert.True(t, st.CurrentBalance.Equal(usd("91")))
	require.Len(t, st.OpenPositions, 1)

	// Win: shares redeem at $1, P&L = 20 - 9 = 11.
	require.NoError(t, s.SettlePosition(pos, types.Up, usd("11")))
	require.NoError(t, s.CreditRedemption(usd("20")))

	st = s.Snapshot()
	assert.Empty(t, st.OpenPositions)
	assert.True(t, st.CurrentBalance.Equal(usd("111")))
	assert.True(t, st.PeakBalance.Equal(usd("111")))
	assert.True(t, st.DailyPnL.Equal(usd("11")))
	assert.Equal(t, 1, st.ConsecutiveWins)
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.Equal(t, []types.Direction{types.Up}, st.LastOutcomes[types.BTC])
}

func TestSettleLossStreaksAndTail(t *testing.T) {
	s, _ := openTestStore(t, "100")

	for i := 0; i < 7; i++ {
		pos := position("p", types.ETH, types.Up, "4", "0.25") // cost $1
		require.NoError(t, s.Debit(pos))
		require.NoError(t, s.SettlePosition(pos, types.Down, usd("-1")))
	}

	st := s.Snapshot()
	assert.Equal(t, 7, st.ConsecutiveLosses)
	assert.Equal(t, 0, st.ConsecutiveWins)
	// Outcome tail is bounded at depth 5.
	assert.Len(t, st.LastOutcomes[types.ETH], 5)
}

func TestModeLadder(t *testing.T) {
	cases := []struct {
		pnl  string
		want types.TradingMode
	}{
		{"-7.99", types.ModeNormal},
		{"-8", types.ModeConservative},
		{"-15", types.ModeDefensive},
		{"-25", types.ModeRecovery},
		{"-30", types.ModeHalted},
	}
	for _, tc := range cases {
		s, _ := openTestStore(t, "100")
		pos := position("p1", types.SOL, types.Down, "1", "0.5")
		require.NoError(t, s.Debit(pos))
		require.NoError(t, s.SettlePosition(pos, types.Up, usd(tc.pnl)))
		assert.Equal(t, tc.want, s.Snapshot().Mode, "daily pnl %s", tc.pnl)
	}
}

func TestHaltIsStickyUntilUnhalt(t *testing.T) {
	s, _ := openTestStore(t, "100")
	require.NoError(t, s.Halt("drawdown-30%"))
	assert.Equal(t, types.ModeHalted, s.Snapshot().Mode)
	assert.Equal(t, "drawdown-30%", s.Snapshot().HaltReason)

	// A profitable settle does not clear the halt.
	pos := position("p1", types.BTC, types.Up, "4", "0.25")
	require.NoError(t, s.Update(func(st *State) error {
		st.OpenPositions = append(st.OpenPositions, pos)
		return nil
	}))
	require.NoError(t, s.SettlePosition(pos, types.Up, usd("3")))
	assert.Equal(t, types.ModeHalted, s.Snapshot().Mode)

	require.NoError(t, s.Unhalt())
	st := s.Snapshot()
	assert.Equal(t, types.ModeNormal, st.Mode)
	assert.Empty(t, st.HaltReason)
}

func TestRollDay(t *testing.T) {
	s, _ := openTestStore(t, "100")
	pos := position("p1", types.XRP, types.Up, "8", "0.5")
	require.NoError(t, s.Debit(pos))
	require.NoError(t, s.SettlePosition(pos, types.Down, usd("-4")))
	require.NoError(t, s.Update(func(st *State) error {
		st.Mode = types.ModeDefensive
		return nil
	}))

	now := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RollDay(now))

	st := s.Snapshot()
	assert.True(t, st.DailyPnL.IsZero())
	assert.True(t, st.DayStartBalance.Equal(st.CurrentBalance))
	assert.Equal(t, now, st.DayStart)
	assert.Equal(t, types.ModeNormal, st.Mode, "4% loss is a clean day")
}

func TestRollDayKeepsModeAfterBadDay(t *testing.T) {
	s, _ := openTestStore(t, "100")
	pos := position("p1", types.XRP, types.Up, "40", "0.5")
	require.NoError(t, s.Debit(pos))
	require.NoError(t, s.SettlePosition(pos, types.Down, usd("-20")))
	require.Equal(t, types.ModeDefensive, s.Snapshot().Mode)

	require.NoError(t, s.RollDay(time.Now()))
	assert.Equal(t, types.ModeDefensive, s.Snapshot().Mode, "20% loss carries the mode over")
}

func TestReconcileBands(t *testing.T) {
	// Under 2%: untouched.
	s, _ := openTestStore(t, "100")
	require.NoError(t, s.Reconcile(usd("101")))
	assert.True(t, s.Snapshot().CurrentBalance.Equal(usd("100")))

	// 2-10%: warn only, state balance kept.
	require.NoError(t, s.Reconcile(usd("95")))
	assert.True(t, s.Snapshot().CurrentBalance.Equal(usd("100")))

	// >= 10%: venue wins.
	require.NoError(t, s.Reconcile(usd("90")))
	assert.True(t, s.Snapshot().CurrentBalance.Equal(usd("90")))

	// Venue zero reads are ignored outright.
	require.NoError(t, s.Reconcile(decimal.Zero))
	assert.True(t, s.Snapshot().CurrentBalance.Equal(usd("90")))
}

func TestReconcileNeverRaisesPeak(t *testing.T) {
	s, _ := openTestStore(t, "100")
	require.NoError(t, s.Reconcile(usd("500")))
	st := s.Snapshot()
	assert.True(t, st.CurrentBalance.Equal(usd("500")))
	assert.True(t, st.PeakBalance.Equal(usd("100")))
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	s, _ := openTestStore(t, "100")
	err := s.Update(func(st *State) error {
		st.CurrentBalance = usd("1")
		return assert.AnError
	})
	require.Error(t, err)
	assert.True(t, s.Snapshot().CurrentBalance.Equal(usd("100")))
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/risk"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING STATE STORE - Durable, atomic, mutex-serialised
// ═══════════════════════════════════════════════════════════════════════════════
//
// One JSON document, written via temp file + fsync + rename so no partial
// file is ever observable. All mutation goes through Update, which holds the
// lock across read-modify-write-persist.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrStateCorrupt marks an unreadable or undecodable state file. Fatal.
var ErrStateCorrupt = errors.New("state: file corrupt")

// Reconciliation bands as fractions of the venue balance.
const (
	reconcileWarnBand     = 0.02
	reconcileCriticalBand = 0.10
)

// lastOutcomeDepth bounds the per-crypto resolved-outcome tail kept for the
// committee.
const lastOutcomeDepth = 5

// Recovery-mode ladder thresholds, fractions of day-start balance lost.
const (
	conservativeLoss = 0.08
	defensiveLoss    = 0.15
	recoveryLoss     = 0.25
	haltLoss         = 0.30
	cleanDayLoss     = 0.05 // below this the midnight roll returns to normal
)

// State is the persisted document.
type State struct {
	CurrentBalance    decimal.Decimal   `json:"current_balance"`
	PeakBalance       decimal.Decimal   `json:"peak_balance"`
	DayStartBalance   decimal.Decimal   `json:"day_start_balance"`
	DailyPnL          decimal.Decimal   `json:"daily_pnl"`
	Mode              types.TradingMode `json:"mode"`
	ConsecutiveWins   int               `json:"consecutive_wins"`
	ConsecutiveLosses int               `json:"consecutive_losses"`
	HaltReason        string            `json:"halt_reason"`
	DayStart          time.Time         `json:"day_start"`

	OpenPositions []types.Position                   `json:"open_positions"`
	LastOutcomes  map[types.Crypto][]types.Direction `json:"last_outcomes"`

	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep enough copy for lock-free reads.
func (s *State) clone() State {
	out := *s
	out.OpenPositions = append([]types.Position(nil), s.OpenPositions...)
	out.LastOutcomes = make(map[types.Crypto][]types.Direction, len(s.LastOutcomes))
	for c, dirs := range s.LastOutcomes {
		out.LastOutcomes[c] = append([]types.Direction(nil), dirs...)
	}
	return out
}

// Store owns the state document and its file.
type Store struct {
	mu   sync.Mutex
	path string
	cur  State
}

// Open loads the state file, or bootstraps a fresh state from the venue cash
// balance when no file exists. Unreadable files are fatal.
func Open(path string, venueCash decimal.Decimal) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.cur); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
		}
		if s.cur.LastOutcomes == nil {
			s.cur.LastOutcomes = make(map[types.Crypto][]types.Direction)
		}
		log.Info().
			Str("balance", s.cur.CurrentBalance.StringFixed(2)).
			Str("mode", string(s.cur.Mode)).
			Msg("💾 State loaded")
	case os.IsNotExist(err):
		now := time.Now().UTC()
		s.cur = State{
			CurrentBalance:  venueCash,
			PeakBalance:     venueCash,
			DayStartBalance: venueCash,
			Mode:            types.ModeNormal,
			DayStart:        now,
			LastOutcomes:    make(map[types.Crypto][]types.Direction),
			UpdatedAt:       now,
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		log.Info().
			Str("balance", venueCash.StringFixed(2)).
			Msg("💾 State bootstrapped from venue balance")
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}

	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Metrics returns the guardian's view of the state.
func (s *Store) Metrics() risk.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return risk.Metrics{
		Peak:              s.cur.PeakBalance,
		DayStart:          s.cur.DayStartBalance,
		DailyRealized:     s.cur.DailyPnL,
		ConsecutiveLosses: s.cur.ConsecutiveLosses,
	}
}

// Update applies fn under the lock and persists atomically. If fn returns an
// error nothing is persisted. Peak is enforced monotonic here: no Update may
// lower it.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if next.PeakBalance.LessThan(s.cur.PeakBalance) {
		next.PeakBalance = s.cur.PeakBalance
	}
	// A negative balance means the books are broken. Halt immediately.
	if next.CurrentBalance.IsNegative() && next.Mode != types.ModeHalted {
		next.Mode = types.ModeHalted
		next.HaltReason = "negative-balance"
		log.Error().
			Str("balance", next.CurrentBalance.StringFixed(2)).
			Msg("🚨 CRITICAL: negative balance, halting")
	}
	next.UpdatedAt = time.Now().UTC()

	prev := s.cur
	s.cur = next
	if err := s.persistLocked(); err != nil {
		s.cur = prev
		return err
	}
	return nil
}

// persistLocked writes the document atomically: temp file in the same
// directory, fsync, rename over the live path.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// ─── Domain operations ──────────────────────────────────────────────────────

// Debit records cash spent opening a position.
func (s *Store) Debit(pos types.Position) error {
	return s.Update(func(st *State) error {
		st.CurrentBalance = st.CurrentBalance.Sub(pos.Cost())
		st.OpenPositions = append(st.OpenPositions, pos)
		return nil
	})
}

// CreditRedemption books a confirmed redemption credit. This is the only
// event that raises the peak balance.
func (s *Store) CreditRedemption(amount decimal.Decimal) error {
	return s.Update(func(st *State) error {
		st.CurrentBalance = st.CurrentBalance.Add(amount)
		if st.CurrentBalance.GreaterThan(st.PeakBalance) {
			st.PeakBalance = st.CurrentBalance
		}
		return nil
	})
}

// SettlePosition removes a resolved position, books its realised P&L into
// the daily tally and the win/loss streaks, records the epoch outcome tail,
// and walks the recovery-mode ladder.
func (s *Store) SettlePosition(pos types.Position, resolved types.Direction, pnl decimal.Decimal) error {
	return s.Update(func(st *State) error {
		kept := st.OpenPositions[:0]
		for _, p := range st.OpenPositions {
			if p.ID != pos.ID {
				kept = append(kept, p)
			}
		}
		st.OpenPositions = kept

		st.DailyPnL = st.DailyPnL.Add(pnl)
		if pnl.IsPositive() {
			st.ConsecutiveWins++
			st.ConsecutiveLosses = 0
		} else if pnl.IsNegative() {
			st.ConsecutiveLosses++
			st.ConsecutiveWins = 0
		}

		tail := append(st.LastOutcomes[pos.Crypto], resolved)
		if len(tail) > lastOutcomeDepth {
			tail = tail[len(tail)-lastOutcomeDepth:]
		}
		st.LastOutcomes[pos.Crypto] = tail

		st.applyModeLadder()
		return nil
	})
}

// RecordOutcome appends a resolved epoch direction for a crypto without a
// position settle, keeping the committee's outcome tail current.
func (s *Store) RecordOutcome(crypto types.Crypto, resolved types.Direction) error {
	return s.Update(func(st *State) error {
		tail := append(st.LastOutcomes[crypto], resolved)
		if len(tail) > lastOutcomeDepth {
			tail = tail[len(tail)-lastOutcomeDepth:]
		}
		st.LastOutcomes[crypto] = tail
		return nil
	})
}

// applyModeLadder recomputes the risk mode from the daily loss fraction.
// Halted is sticky: only the sentinel path leaves it.
func (st *State) applyModeLadder() {
	if st.Mode == types.ModeHalted {
		return
	}
	lossFrac := st.dailyLossFraction()
	switch {
	case lossFrac >= haltLoss:
		st.Mode = types.ModeHalted
		st.HaltReason = "daily-loss-30%"
	case lossFrac >= recoveryLoss:
		st.Mode = types.ModeRecovery
	case lossFrac >= defensiveLoss:
		st.Mode = types.ModeDefensive
	case lossFrac >= conservativeLoss:
		st.Mode = types.ModeConservative
	}
}

// dailyLossFraction is today's realised loss over the day-start balance.
func (st *State) dailyLossFraction() float64 {
	if !st.DailyPnL.IsNegative() || st.DayStartBalance.IsZero() {
		return 0
	}
	f, _ := st.DailyPnL.Neg().Div(st.DayStartBalance).Float64()
	return f
}

// Halt forces the halted mode with a reason.
func (s *Store) Halt(reason string) error {
	return s.Update(func(st *State) error {
		if st.Mode == types.ModeHalted {
			return nil
		}
		st.Mode = types.ModeHalted
		st.HaltReason = reason
		log.Error().Str("reason", reason).Msg("🚨 Trading halted")
		return nil
	})
}

// Unhalt clears the halted mode after the operator sentinel appears.
func (s *Store) Unhalt() error {
	return s.Update(func(st *State) error {
		if st.Mode != types.ModeHalted {
			return nil
		}
		st.Mode = types.ModeNormal
		st.HaltReason = ""
		log.Info().Msg("✅ Trading resumed by operator")
		return nil
	})
}

// RollDay runs the midnight-UTC transition: day-start re-based, daily P&L
// reset, and a clean day returns the mode to normal.
func (s *Store) RollDay(now time.Time) error {
	return s.Update(func(st *State) error {
		cleanDay := st.dailyLossFraction() < cleanDayLoss
		st.DayStartBalance = st.CurrentBalance
		st.DailyPnL = decimal.Zero
		st.DayStart = now.UTC()
		if cleanDay && st.Mode != types.ModeHalted {
			st.Mode = types.ModeNormal
		}
		log.Info().
			Str("day_start", st.DayStartBalance.StringFixed(2)).
			Str("mode", string(st.Mode)).
			Msg("🌅 Day rolled")
		return nil
	})
}

// Reconcile compares state cash to the venue balance. Divergence below 2%
// is ignored, 2-10% warns, at or above 10% the venue wins and the overwrite
// is logged CRITICAL. Peak is never raised here.
func (s *Store) Reconcile(venueCash decimal.Decimal) error {
	if venueCash.IsZero() {
		return nil
	}
	return s.Update(func(st *State) error {
		diff := st.CurrentBalance.Sub(venueCash).Abs()
		frac, _ := diff.Div(venueCash).Float64()
		switch {
		case frac >= reconcileCriticalBand:
			log.Error().
				Str("state_balance", st.CurrentBalance.StringFixed(2)).
				Str("venue_balance", venueCash.StringFixed(2)).
				Float64("divergence", frac).
				Msg("🚨 CRITICAL: reconciliation override, venue wins")
			st.CurrentBalance = venueCash
		case frac >= reconcileWarnBand:
			log.Warn().
				Str("state_balance", st.CurrentBalance.StringFixed(2)).
				Str("venue_balance", venueCash.StringFixed(2)).
				Float64("divergence", frac).
				Msg("⚠️ Reconciliation divergence")
		}
		return nil
	})
}

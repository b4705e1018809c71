package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/agents"
	"github.com/0xtide/epochbot/internal/risk"
	"github.com/0xtide/epochbot/internal/types"
)

// pendingRedemption is a won position the venue has not paid out yet.
type pendingRedemption struct {
	pos      types.Position
	resolved types.Direction
}

// resolveDue settles every epoch whose close passed the settlement grace.
// An epoch that cannot be resolved yet stays scheduled for the next pass.
func (e *Engine) resolveDue(ctx context.Context, now time.Time) error {
	for key, open := range e.epochOpens {
		if now.Before(key.epoch.End().Add(resolutionGrace)) {
			continue
		}
		done, err := e.resolveEpoch(ctx, key, open, now)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		delete(e.epochOpens, key)
		delete(e.votesByEpoch, key)
	}
	return nil
}

// resolveEpoch determines the epoch outcome from the consensus mark, settles
// real positions, records outcomes, feeds the accuracy tracker and the
// learning agents, and replays the resolution through the shadow book.
// Returns false when no mark is available yet and the epoch must wait.
func (e *Engine) resolveEpoch(ctx context.Context, key epochKey, open decimal.Decimal, now time.Time) (bool, error) {
	closeMark, ok := e.feed.Mark(key.crypto)
	if !ok {
		if now.Before(key.epoch.End().Add(resolutionDeadline)) {
			log.Warn().
				Str("crypto", string(key.crypto)).
				Int64("epoch", int64(key.epoch)).
				Msg("No close mark, resolution deferred")
			return false, nil
		}
		// Every exchange went stale past the deadline. The last known
		// consensus price is the best remaining close.
		closeMark, ok = e.feed.LastMark(key.crypto)
		if !ok {
			log.Error().
				Str("crypto", string(key.crypto)).
				Int64("epoch", int64(key.epoch)).
				Msg("No price history at resolution deadline")
			return false, nil
		}
		log.Warn().
			Str("crypto", string(key.crypto)).
			Int64("epoch", int64(key.epoch)).
			Str("close", closeMark.StringFixed(2)).
			Msg("Feed stale past deadline, settling on last known mark")
	}
	e.feed.MarkEpochClose(key.crypto)

	resolved := types.Down
	if closeMark.GreaterThan(open) {
		resolved = types.Up
	}
	log.Info().
		Str("crypto", string(key.crypto)).
		Int64("epoch", int64(key.epoch)).
		Str("open", open.StringFixed(2)).
		Str("close", closeMark.StringFixed(2)).
		Str("resolved", string(resolved)).
		Msg("⏱️ Epoch resolved")

	if err := e.settlePositions(ctx, key, resolved); err != nil {
		return false, err
	}

	// Score every directional vote from the final pre-close committee pass.
	outcome := types.Outcome{
		Crypto:     key.crypto,
		Epoch:      key.epoch,
		Resolved:   resolved,
		ResolvedAt: key.epoch.End(),
	}
	for _, v := range e.votesByEpoch[key] {
		e.accuracy.RecordVote(v.Agent, v.Direction, resolved)
	}
	for _, ag := range e.committee {
		if obs, ok := ag.(agents.OutcomeObserver); ok {
			obs.ObserveOutcome(outcome)
		}
	}

	e.shadow.Resolve(key.crypto, key.epoch, resolved)
	return true, nil
}

// settlePositions redeems or writes off the real positions of one epoch and
// records the production outcome rows. A failed redemption moves the
// position into the retry set; its store entry and credit wait there.
func (e *Engine) settlePositions(ctx context.Context, key epochKey, resolved types.Direction) error {
	st := e.store.Snapshot()
	for _, pos := range st.OpenPositions {
		if pos.Crypto != key.crypto || pos.Epoch != key.epoch {
			continue
		}

		if pos.Direction == resolved {
			credit, err := e.gateway.Redeem(ctx, pos)
			if err != nil {
				e.pendingRedemptions[pos.ID] = pendingRedemption{pos: pos, resolved: resolved}
				log.Warn().Err(err).Str("crypto", string(pos.Crypto)).Msg("Redemption failed, queued for retry")
				continue
			}
			if err := e.settleWin(pos, resolved, credit); err != nil {
				return err
			}
		} else {
			pnl := pos.Cost().Neg()
			if err := e.store.SettlePosition(pos, resolved, pnl); err != nil {
				return err
			}
			log.Info().
				Str("crypto", string(pos.Crypto)).
				Str("pnl", pnl.StringFixed(2)).
				Msg("❌ LOSS written off")
			e.writeOutcomeRow(pos, resolved, pnl)
			e.checkHaltAfterSettle()
		}
	}

	// No position: still record the resolved direction for the committee.
	had := false
	for _, pos := range st.OpenPositions {
		if pos.Crypto == key.crypto && pos.Epoch == key.epoch {
			had = true
			break
		}
	}
	if !had {
		return e.store.RecordOutcome(key.crypto, resolved)
	}
	return nil
}

// retryRedemptions re-attempts every queued redemption once per cycle.
func (e *Engine) retryRedemptions(ctx context.Context) error {
	for id, pr := range e.pendingRedemptions {
		credit, err := e.gateway.Redeem(ctx, pr.pos)
		if err != nil {
			log.Warn().Err(err).Str("crypto", string(pr.pos.Crypto)).Msg("Redemption retry failed")
			continue
		}
		if err := e.settleWin(pr.pos, pr.resolved, credit); err != nil {
			return err
		}
		delete(e.pendingRedemptions, id)
	}
	return nil
}

// settleWin books a redeemed win: position closed, credit applied, outcome
// row written, halt classes re-checked.
func (e *Engine) settleWin(pos types.Position, resolved types.Direction, credit decimal.Decimal) error {
	pnl := credit.Sub(pos.Cost())
	if err := e.store.SettlePosition(pos, resolved, pnl); err != nil {
		return err
	}
	if err := e.store.CreditRedemption(credit); err != nil {
		return err
	}
	log.Info().
		Str("crypto", string(pos.Crypto)).
		Str("credit", credit.StringFixed(2)).
		Str("pnl", pnl.StringFixed(2)).
		Msg("✅ WIN redeemed")
	e.writeOutcomeRow(pos, resolved, pnl)
	e.checkHaltAfterSettle()
	return nil
}

// writeOutcomeRow records the production outcome for a settled position.
func (e *Engine) writeOutcomeRow(pos types.Position, resolved types.Direction, pnl decimal.Decimal) {
	if err := e.ledger.WriteOutcome(types.Outcome{
		Strategy:   ProductionStrategy,
		Crypto:     pos.Crypto,
		Epoch:      pos.Epoch,
		Resolved:   resolved,
		Predicted:  pos.Direction,
		PnL:        pnl,
		ResolvedAt: pos.Epoch.End(),
	}); err != nil {
		log.Warn().Err(err).Msg("Production outcome write degraded")
	}
}

// checkHaltAfterSettle enforces the drawdown and consecutive-loss halt
// classes right after a settle, not just at the next entry attempt.
func (e *Engine) checkHaltAfterSettle() {
	st := e.store.Snapshot()
	if st.Mode == types.ModeHalted {
		return
	}
	if risk.Drawdown(st.PeakBalance, st.CurrentBalance) >= e.cfg.MaxDrawdownPct {
		if err := e.store.Halt(risk.VetoDrawdown); err != nil {
			log.Error().Err(err).Msg("Halt persist failed")
		}
		return
	}
	if st.ConsecutiveLosses >= e.cfg.MaxConsecutiveLosses {
		if err := e.store.Halt(risk.VetoConsecutiveLosses); err != nil {
			log.Error().Err(err).Msg("Halt persist failed")
		}
	}
}

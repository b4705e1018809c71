package engine

import (
	"context"

	"github.com/rs/zerolog/log"
)

// startupValidate reconciles state cash with the venue before the first
// cycle. A venue outage here is non-fatal; reconciliation reruns on the
// periodic diff.
func (e *Engine) startupValidate(ctx context.Context) error {
	if e.cfg.DryRun {
		// Synthetic balances would fight the simulated book.
		return nil
	}
	cash, err := e.gateway.CashBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Startup balance read failed, reconciliation deferred")
		return nil
	}
	return e.store.Reconcile(cash)
}

// diffPositions compares the state's open positions with the venue's
// authoritative set. Log-only: unknown venue-side positions never create
// trades, missing local positions are flagged for the operator.
func (e *Engine) diffPositions(ctx context.Context) {
	if e.cfg.DryRun {
		return
	}
	venuePositions, err := e.gateway.Positions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Venue position read failed")
		return
	}

	st := e.store.Snapshot()
	local := make(map[string]bool, len(st.OpenPositions))
	for _, p := range st.OpenPositions {
		local[p.TokenID] = true
	}
	remote := make(map[string]bool, len(venuePositions))
	for _, p := range venuePositions {
		remote[p.TokenID] = true
		if !local[p.TokenID] {
			log.Warn().
				Str("crypto", string(p.Crypto)).
				Str("token", p.TokenID).
				Msg("⚠️ Venue position unknown to state")
		}
	}
	for _, p := range st.OpenPositions {
		if !remote[p.TokenID] {
			log.Warn().
				Str("crypto", string(p.Crypto)).
				Str("token", p.TokenID).
				Msg("⚠️ State position missing at venue")
		}
	}

	if cash, err := e.gateway.CashBalance(ctx); err == nil {
		if err := e.store.Reconcile(cash); err != nil {
			log.Error().Err(err).Msg("Reconcile persist failed")
		}
	}
}

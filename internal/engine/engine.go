package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/agents"
	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/consensus"
	"github.com/0xtide/epochbot/internal/ledger"
	"github.com/0xtide/epochbot/internal/risk"
	"github.com/0xtide/epochbot/internal/shadow"
	"github.com/0xtide/epochbot/internal/state"
	"github.com/0xtide/epochbot/internal/types"
	"github.com/0xtide/epochbot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Scheduler and main loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Clock-driven: a scan tick every scan_interval, epoch resolution 60s after
// each 15-minute boundary, a day roll at midnight UTC, sentinel poll every
// cycle, venue position diff every 30th cycle. Transient downstream errors
// skip the cycle; fatal state errors stop the engine.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	resolutionGrace = 60 * time.Second
	// resolutionDeadline bounds how long a close may wait for a fresh
	// mark; past it the last known consensus price settles the epoch.
	resolutionDeadline = 10 * time.Minute
	positionDiffEach   = 30 // cycles
	degradedAfter    = 2  // consecutive agent errors
	degradedCooldown = 5 * time.Minute
	drainTimeout     = 10 * time.Second
)

// ProductionStrategy names the live book in the ledger.
const ProductionStrategy = "production"

// PriceSource is the slice of the price feed the engine consumes.
// *feed.Feed satisfies it.
type PriceSource interface {
	Mark(c types.Crypto) (decimal.Decimal, bool)
	LastMark(c types.Crypto) (decimal.Decimal, bool)
	MarkEpochClose(c types.Crypto)
	RSI(c types.Crypto) float64
	Prices(c types.Crypto) map[string]decimal.Decimal
	Returns(c types.Crypto) map[string]float64
	Live(c types.Crypto) int
	EpochCloses(c types.Crypto) []float64
	FundingRate(c types.Crypto) float64
}

type epochKey struct {
	crypto types.Crypto
	epoch  types.Epoch
}

type agentHealth struct {
	consecutiveErrors int
	coolUntil         time.Time
}

// Engine wires every component and drives the cycle.
type Engine struct {
	cfg        *config.Config
	feed       PriceSource
	gateway    venue.Gateway
	book       venue.BookReader // nil when the gateway has no depth view
	store      *state.Store
	ledger     *ledger.Ledger
	guardian   *risk.Guardian
	sizer      *risk.Sizer
	committee  []agents.Agent
	aggregator *consensus.Aggregator
	accuracy   *consensus.AccuracyTracker
	shadow     *shadow.Orchestrator

	health       map[string]*agentHealth
	votesByEpoch map[epochKey][]types.Vote
	epochOpens   map[epochKey]decimal.Decimal
	// Won positions whose redemption failed, keyed by position id. The
	// position stays in the store until the venue accepts the redeem.
	pendingRedemptions map[string]pendingRedemption
	cycle              int
}

// New assembles the engine. Gateways implementing venue.BookReader get the
// orderbook depth wired into snapshots automatically.
func New(
	cfg *config.Config,
	fd PriceSource,
	gw venue.Gateway,
	store *state.Store,
	lg *ledger.Ledger,
	sh *shadow.Orchestrator,
	accuracy *consensus.AccuracyTracker,
) *Engine {
	guardian := risk.NewGuardian(cfg, store.Metrics)

	e := &Engine{
		cfg:      cfg,
		feed:     fd,
		gateway:  gw,
		store:    store,
		ledger:   lg,
		guardian: guardian,
		sizer:    risk.NewSizer(cfg),
		accuracy: accuracy,
		shadow:   sh,
		aggregator: consensus.New(consensus.Gates{
			ConsensusThreshold: cfg.ConsensusThreshold,
			MinConfidence:      cfg.MinConfidence,
			MinAgreement:       cfg.MinAgreement,
		}, cfg.AgentWeights, accuracy),
		health:             make(map[string]*agentHealth),
		votesByEpoch:       make(map[epochKey][]types.Vote),
		epochOpens:         make(map[epochKey]decimal.Decimal),
		pendingRedemptions: make(map[string]pendingRedemption),
	}
	e.committee = agents.Build(cfg, agents.Deps{Risk: guardian})
	if br, ok := gw.(venue.BookReader); ok {
		e.book = br
	}

	// Restore adaptive weights from the ledger's vote history.
	for _, ag := range e.committee {
		rate, n, err := lg.AgentAccuracy(ag.Name(), 50)
		if err == nil && n > 0 {
			accuracy.Seed(ag.Name(), rate, n)
		}
	}

	return e
}

// Run drives the engine until the context is cancelled. Only fatal state
// errors propagate.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Int("agents", len(e.committee)).
		Dur("scan_interval", e.cfg.ScanInterval).
		Msg("═══════════ ENGINE STARTED ═══════════")

	if err := e.startupValidate(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	day := time.Now().UTC().Truncate(24 * time.Hour)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("═══════════ ENGINE STOPPING ═══════════")
			return nil
		case now := <-ticker.C:
			e.cycle++
			cctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CycleBudgetS)*time.Second)
			err := e.runCycle(cctx, now)
			cancel()
			if err != nil {
				if errors.Is(err, state.ErrStateCorrupt) {
					return err
				}
				log.Warn().Err(err).Int("cycle", e.cycle).Msg("Cycle skipped")
			}

			if d := now.UTC().Truncate(24 * time.Hour); d.After(day) {
				day = d
				if err := e.store.RollDay(now); err != nil {
					return err
				}
			}
		}
	}
}

// runCycle is one scan pass.
func (e *Engine) runCycle(ctx context.Context, now time.Time) error {
	e.pollSentinel()

	if err := e.resolveDue(ctx, now); err != nil {
		return err
	}
	if err := e.retryRedemptions(ctx); err != nil {
		return err
	}

	markets, err := e.gateway.ListActiveMarkets(ctx)
	if err != nil {
		return err
	}

	if e.cycle%positionDiffEach == 0 {
		e.diffPositions(ctx)
	}

	for i := range markets {
		m := markets[i]
		key := epochKey{m.Crypto, m.Epoch}
		if _, ok := e.epochOpens[key]; !ok {
			if mark, ok := e.feed.Mark(m.Crypto); ok {
				e.epochOpens[key] = mark
			}
		}

		snap := e.buildSnapshot(ctx, &m)
		if err := e.evaluate(ctx, snap); err != nil {
			log.Warn().Err(err).Str("crypto", string(m.Crypto)).Msg("Snapshot evaluation failed")
		}
	}
	return nil
}

// pollSentinel unhalts when the operator drops the resume sentinel file.
func (e *Engine) pollSentinel() {
	st := e.store.Snapshot()
	if st.Mode != types.ModeHalted {
		return
	}
	if _, err := os.Stat(e.cfg.HaltSentinelPath); err != nil {
		return
	}
	if err := e.store.Unhalt(); err != nil {
		log.Error().Err(err).Msg("Unhalt failed")
		return
	}
	os.Remove(e.cfg.HaltSentinelPath)
}

// buildSnapshot assembles the immutable per-cycle view of one market.
func (e *Engine) buildSnapshot(ctx context.Context, m *types.Market) *types.Snapshot {
	st := e.store.Snapshot()

	snap := &types.Snapshot{
		Crypto:        m.Crypto,
		Epoch:         m.Epoch,
		SecondsIn:     m.Epoch.SecondsInto(time.Now()),
		UpAsk:         m.UpAsk,
		DownAsk:       m.DownAsk,
		UpTokenID:     m.UpTokenID,
		DownTokenID:   m.DownTokenID,
		Balance:       st.CurrentBalance,
		OpenPositions: st.OpenPositions,
		Mode:          st.Mode,
		RSI:           e.feed.RSI(m.Crypto),
		Mids:          e.feed.Prices(m.Crypto),
		Returns:       e.feed.Returns(m.Crypto),
		ExchangesLive: e.feed.Live(m.Crypto),
		EpochCloses:   e.feed.EpochCloses(m.Crypto),
		FundingRate:   e.feed.FundingRate(m.Crypto),
		LastOutcomes:  st.LastOutcomes[m.Crypto],
		Taken:         time.Now().UTC(),
	}
	snap.Regime = agents.Classify(snap.EpochCloses)

	if e.book != nil {
		if imb, err := e.book.BookImbalance(ctx, m.UpTokenID, m.DownTokenID); err == nil {
			snap.BookImbalance = imb
		}
	}
	return snap
}

// runCommittee gathers one vote per healthy agent. An erroring agent's vote
// is dropped (Skip); two consecutive errors degrade it for a cool-down.
func (e *Engine) runCommittee(ctx context.Context, snap *types.Snapshot) []types.Vote {
	now := time.Now()
	votes := make([]types.Vote, 0, len(e.committee))
	for _, ag := range e.committee {
		name := ag.Name()
		h := e.health[name]
		if h == nil {
			h = &agentHealth{}
			e.health[name] = h
		}
		if now.Before(h.coolUntil) {
			votes = append(votes, types.Vote{Agent: name, Direction: types.Skip})
			continue
		}

		vote, err := ag.Analyze(ctx, snap)
		if err != nil {
			h.consecutiveErrors++
			if h.consecutiveErrors >= degradedAfter {
				h.coolUntil = now.Add(degradedCooldown)
				log.Warn().
					Str("agent", name).
					Dur("cooldown", degradedCooldown).
					Msg("🤕 Agent degraded")
			}
			log.Warn().Err(err).Str("agent", name).Msg("Agent error, vote dropped")
			votes = append(votes, types.Vote{Agent: name, Direction: types.Skip})
			continue
		}
		h.consecutiveErrors = 0
		vote.Agent = name
		votes = append(votes, vote)
	}
	return votes
}

// evaluate runs the committee, the aggregator, the guardian and, when all
// gates clear, places the trade. The shadow book replays the same votes.
func (e *Engine) evaluate(ctx context.Context, snap *types.Snapshot) error {
	votes := e.runCommittee(ctx, snap)
	key := epochKey{snap.Crypto, snap.Epoch}
	e.votesByEpoch[key] = votes

	regime := regimeFromVotes(votes, snap.Regime)
	decision := e.aggregator.Aggregate(votes, regime)

	e.shadow.Evaluate(snap, votes, regime)

	placed := false
	var entry, sizeUSD decimal.Decimal
	if decision.Tradeable() {
		entry = snap.UpAsk
		tokenID := snap.UpTokenID
		if decision.Direction == types.Down {
			entry = snap.DownAsk
			tokenID = snap.DownTokenID
		}

		if reasons := e.guardian.Check(snap, decision.Direction, entry); len(reasons) > 0 {
			decision.Vetoed = true
			decision.VetoReasons = reasons
			// The verdict never became an order; the vote trace keeps
			// the directional intent.
			decision.Direction = types.None
			for _, r := range reasons {
				if risk.HaltClass(r) {
					if err := e.store.Halt(r); err != nil {
						return err
					}
					break
				}
			}
		} else {
			sizeUSD = e.sizer.Tiered(snap.Balance, snap.Mode, decision.Score)
			if sizeUSD.IsZero() {
				log.Debug().Str("crypto", string(snap.Crypto)).Msg("Size suppressed below minimum bet")
			} else if err := e.place(ctx, snap, decision, tokenID, entry, sizeUSD); err != nil {
				log.Warn().Err(err).Str("crypto", string(snap.Crypto)).Msg("Order failed, snapshot abandoned")
			} else {
				placed = true
			}
		}
	}

	if _, err := e.ledger.RecordDecision(ProductionStrategy, snap, decision, placed, entry, sizeUSD); err != nil {
		log.Warn().Err(err).Msg("Decision write failed")
	}
	return nil
}

// place sends the order and books the debit.
func (e *Engine) place(ctx context.Context, snap *types.Snapshot, d types.Decision, tokenID string, entry, sizeUSD decimal.Decimal) error {
	fill, err := e.gateway.PlaceOrder(ctx, tokenID, sizeUSD)
	if err != nil {
		return err
	}

	pos := types.Position{
		ID:         fill.OrderID,
		Crypto:     snap.Crypto,
		Direction:  d.Direction,
		Shares:     fill.Shares,
		EntryPrice: fill.Price,
		Epoch:      snap.Epoch,
		TokenID:    tokenID,
		OpenedAt:   time.Now().UTC(),
	}
	if err := e.store.Debit(pos); err != nil {
		return err
	}

	log.Info().
		Str("crypto", string(snap.Crypto)).
		Str("direction", string(d.Direction)).
		Str("size", sizeUSD.StringFixed(2)).
		Str("entry", fill.Price.StringFixed(3)).
		Float64("score", d.Score).
		Msg("🎯 Position opened")
	return nil
}

// regimeFromVotes prefers the regime agent's tag, falling back to the
// snapshot's own classification.
func regimeFromVotes(votes []types.Vote, fallback types.Regime) types.Regime {
	for _, v := range votes {
		if v.Agent != agents.NameRegime || v.Details == nil {
			continue
		}
		if tag, ok := v.Details["regime"].(string); ok {
			return types.Regime(tag)
		}
	}
	return fallback
}

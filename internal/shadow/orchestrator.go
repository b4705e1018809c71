package shadow

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/consensus"
	"github.com/0xtide/epochbot/internal/ledger"
	"github.com/0xtide/epochbot/internal/risk"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHADOW ORCHESTRATOR - Parallel strategies on live snapshots
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every configured strategy replays the production committee's votes through
// its own aggregator and sizer against a virtual balance. Decisions and
// outcomes land in the ledger; real funds are never touched.
//
// ═══════════════════════════════════════════════════════════════════════════════

// startingVirtualBalance seeds a strategy that has no performance row yet.
var startingVirtualBalance = decimal.NewFromInt(100)

// strategy is one named shadow configuration, resolved against production
// defaults.
type strategy struct {
	name     string
	agg      *consensus.Aggregator
	enabled  map[string]bool // empty = all agents
	entryCap decimal.Decimal
	kelly    bool
}

// virtualPos is a pending virtual position awaiting epoch resolution.
type virtualPos struct {
	crypto    types.Crypto
	epoch     types.Epoch
	direction types.Direction
	entry     decimal.Decimal
	sizeUSD   decimal.Decimal
	score     float64
}

// Orchestrator owns every shadow strategy and its virtual book.
type Orchestrator struct {
	cfg        *config.Config
	sizer      *risk.Sizer
	ledger     *ledger.Ledger
	strategies []*strategy

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	pending  map[string][]virtualPos
}

// New builds the orchestrator from the configured shadow strategies. The
// accuracy tracker is shared with production so adaptive weights match.
func New(cfg *config.Config, lg *ledger.Ledger, accuracy *consensus.AccuracyTracker) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		sizer:    risk.NewSizer(cfg),
		ledger:   lg,
		balances: make(map[string]decimal.Decimal),
		pending:  make(map[string][]virtualPos),
	}

	for _, sc := range cfg.ShadowStrategies {
		gates := consensus.Gates{
			ConsensusThreshold: cfg.ConsensusThreshold,
			MinConfidence:      cfg.MinConfidence,
			MinAgreement:       cfg.MinAgreement,
		}
		if sc.ConsensusThreshold != nil {
			gates.ConsensusThreshold = *sc.ConsensusThreshold
		}
		if sc.MinConfidence != nil {
			gates.MinConfidence = *sc.MinConfidence
		}
		if sc.MinAgreement != nil {
			gates.MinAgreement = *sc.MinAgreement
		}

		weights := cfg.AgentWeights
		if len(sc.AgentWeights) > 0 {
			weights = sc.AgentWeights
		}

		entryCap := decimal.NewFromFloat(cfg.MaxEntryPrice)
		if sc.MaxEntryPrice != nil {
			entryCap = decimal.NewFromFloat(*sc.MaxEntryPrice)
		}

		st := &strategy{
			name:     sc.Name,
			agg:      consensus.New(gates, weights, accuracy),
			entryCap: entryCap,
			kelly:    sc.Sizing == "kelly",
		}
		if len(sc.AgentsEnabled) > 0 {
			st.enabled = make(map[string]bool, len(sc.AgentsEnabled))
			for _, n := range sc.AgentsEnabled {
				st.enabled[n] = true
			}
		}
		o.strategies = append(o.strategies, st)

		if err := lg.EnsureStrategy(sc.Name); err != nil {
			return nil, err
		}
		o.balances[sc.Name] = startingVirtualBalance
	}

	sort.Slice(o.strategies, func(i, j int) bool { return o.strategies[i].name < o.strategies[j].name })

	if err := o.recover(); err != nil {
		return nil, err
	}

	log.Info().Int("strategies", len(o.strategies)).Msg("👥 Shadow orchestrator ready")
	return o, nil
}

// recover rebuilds pending virtual positions from decision rows that have no
// outcome yet, so a crash between placement and resolution loses nothing.
func (o *Orchestrator) recover() error {
	for _, st := range o.strategies {
		if perf, err := o.ledger.Performance(st.name); err != nil {
			return err
		} else if perf != nil && !perf.VirtualBalance.IsZero() {
			o.balances[st.name] = perf.VirtualBalance
		}

		rows, err := o.ledger.PendingDecisions(st.name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			o.pending[st.name] = append(o.pending[st.name], virtualPos{
				crypto:    types.Crypto(row.Crypto),
				epoch:     types.Epoch(row.Epoch),
				direction: types.Direction(row.Direction),
				entry:     row.EntryPrice,
				sizeUSD:   row.SizeUSD,
				score:     row.Score,
			})
		}
		if n := len(rows); n > 0 {
			log.Info().Str("strategy", st.name).Int("pending", n).Msg("Recovered virtual positions")
		}
	}
	return nil
}

// filterVotes restricts the committee output to a strategy's enable set.
func (st *strategy) filterVotes(votes []types.Vote) []types.Vote {
	if st.enabled == nil {
		return votes
	}
	out := make([]types.Vote, 0, len(votes))
	for _, v := range votes {
		if st.enabled[v.Agent] {
			out = append(out, v)
		}
	}
	return out
}

// Evaluate replays one snapshot's committee votes through every strategy and
// persists a decision row per strategy.
func (o *Orchestrator) Evaluate(snap *types.Snapshot, votes []types.Vote, regime types.Regime) {
	for _, st := range o.strategies {
		decision := st.agg.Aggregate(st.filterVotes(votes), regime)

		entry := snap.UpAsk
		if decision.Direction == types.Down {
			entry = snap.DownAsk
		}

		wouldTrade := decision.Tradeable() && !entry.GreaterThan(st.entryCap)

		var sizeUSD decimal.Decimal
		if wouldTrade {
			o.mu.Lock()
			balance := o.balances[st.name]
			o.mu.Unlock()
			if st.kelly {
				sizeUSD = o.sizer.Kelly(balance, types.ModeNormal, decision.Score, entry)
			} else {
				sizeUSD = o.sizer.Tiered(balance, types.ModeNormal, decision.Score)
			}
			if sizeUSD.IsZero() {
				wouldTrade = false
			}
		}

		if _, err := o.ledger.RecordDecision(st.name, snap, decision, wouldTrade, entry, sizeUSD); err != nil {
			log.Warn().Err(err).Str("strategy", st.name).Msg("Shadow decision write failed")
			continue
		}

		if wouldTrade {
			o.mu.Lock()
			o.pending[st.name] = append(o.pending[st.name], virtualPos{
				crypto:    snap.Crypto,
				epoch:     snap.Epoch,
				direction: decision.Direction,
				entry:     entry,
				sizeUSD:   sizeUSD,
				score:     decision.Score,
			})
			o.mu.Unlock()
			log.Debug().
				Str("strategy", st.name).
				Str("direction", string(decision.Direction)).
				Str("size", sizeUSD.StringFixed(2)).
				Msg("Shadow would trade")
		}
	}
}

// Resolve settles every strategy's pending virtual positions for an epoch.
// Outcome insertion is idempotent: a duplicate logs "already-resolved" and
// leaves the virtual balance untouched. Strategies resolve in name order.
func (o *Orchestrator) Resolve(crypto types.Crypto, epoch types.Epoch, resolved types.Direction) {
	for _, st := range o.strategies {
		o.resolveStrategy(st, crypto, epoch, resolved)
	}
}

func (o *Orchestrator) resolveStrategy(st *strategy, crypto types.Crypto, epoch types.Epoch, resolved types.Direction) {
	o.mu.Lock()
	var pos *virtualPos
	kept := o.pending[st.name][:0]
	for i := range o.pending[st.name] {
		p := o.pending[st.name][i]
		if p.crypto == crypto && p.epoch == epoch && pos == nil {
			cp := p
			pos = &cp
			continue
		}
		kept = append(kept, p)
	}
	o.pending[st.name] = kept
	o.mu.Unlock()

	if pos == nil {
		return
	}

	pnl := virtualPnL(*pos, resolved)

	err := o.ledger.WriteOutcome(types.Outcome{
		Strategy:   st.name,
		Crypto:     crypto,
		Epoch:      epoch,
		Resolved:   resolved,
		Predicted:  pos.direction,
		Confidence: pos.score,
		PnL:        pnl,
		ResolvedAt: epoch.End(),
	})
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		log.Warn().
			Str("strategy", st.name).
			Str("crypto", string(crypto)).
			Int64("epoch", int64(epoch)).
			Msg("Shadow outcome already resolved")
		return
	}
	if err != nil {
		// Spooled by the ledger; balance update still applies so the
		// virtual book tracks reality.
		log.Warn().Err(err).Str("strategy", st.name).Msg("Shadow outcome write degraded")
	}

	o.mu.Lock()
	balance := o.balances[st.name].Add(pnl)
	o.balances[st.name] = balance
	o.mu.Unlock()

	if err := o.ledger.UpdatePerformance(st.name, pnl, balance); err != nil {
		log.Warn().Err(err).Str("strategy", st.name).Msg("Shadow performance update failed")
	}

	log.Info().
		Str("strategy", st.name).
		Str("crypto", string(crypto)).
		Str("pnl", pnl.StringFixed(2)).
		Str("virtual_balance", balance.StringFixed(2)).
		Msg("👥 Shadow resolved")
}

// virtualPnL computes the settlement for a binary position: a winning share
// pays out 1, a losing one 0.
func virtualPnL(pos virtualPos, resolved types.Direction) decimal.Decimal {
	if pos.entry.IsZero() {
		return decimal.Zero
	}
	if pos.direction == resolved {
		shares := pos.sizeUSD.Div(pos.entry)
		return shares.Sub(pos.sizeUSD)
	}
	return pos.sizeUSD.Neg()
}

// Balances returns a copy of the virtual balances, for logging and tests.
func (o *Orchestrator) Balances() map[string]decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(o.balances))
	for k, v := range o.balances {
		out[k] = v
	}
	return out
}

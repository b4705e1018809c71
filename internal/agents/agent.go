package agents

import (
	"context"
	"sort"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT COMMITTEE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each agent is a pure function of the snapshot plus whatever bounded history
// it owns. Agents never mutate shared state and never see each other's votes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Agent produces one vote per snapshot.
type Agent interface {
	Name() string
	Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error)
}

// OutcomeObserver is implemented by agents that learn from resolved epochs.
// The engine feeds every resolved outcome to every observer.
type OutcomeObserver interface {
	ObserveOutcome(types.Outcome)
}

// RiskView exposes the guardian's veto evaluation to the committee without a
// package dependency on the risk internals.
type RiskView interface {
	VetoReasons(snap *types.Snapshot) []string
}

// Deps carries the shared collaborators agents may need.
type Deps struct {
	Risk RiskView
}

// Factory builds one agent instance.
type Factory func(deps Deps) Agent

// Registered agent names.
const (
	NameTechnical   = "technical"
	NameSentiment   = "sentiment"
	NameRegime      = "regime"
	NameGuardian    = "guardian"
	NameOrderbook   = "orderbook"
	NameFunding     = "funding"
	NameCandlestick = "candlestick"
	NameTimeOfDay   = "time_of_day"
	NameMLPredictor = "ml_predictor"
)

// registry maps agent names to factories. Adding an agent is one entry plus
// a type implementing Analyze.
var registry = map[string]Factory{
	NameTechnical:   func(Deps) Agent { return NewTechnical() },
	NameSentiment:   func(Deps) Agent { return NewSentiment() },
	NameRegime:      func(Deps) Agent { return NewRegimeDetector() },
	NameGuardian:    func(d Deps) Agent { return NewGuardian(d.Risk) },
	NameOrderbook:   func(Deps) Agent { return NewOrderbook() },
	NameFunding:     func(Deps) Agent { return NewFunding() },
	NameCandlestick: func(Deps) Agent { return NewCandlestick() },
	NameTimeOfDay:   func(Deps) Agent { return NewTimeOfDay() },
	NameMLPredictor: func(Deps) Agent { return NewMLPredictor() },
}

// Names returns all registered agent names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the enabled committee in deterministic name order.
func Build(cfg *config.Config, deps Deps) []Agent {
	var committee []Agent
	for _, name := range Names() {
		if !cfg.AgentEnabled(name) {
			continue
		}
		committee = append(committee, registry[name](deps))
	}
	return committee
}

// BuildNamed constructs a committee restricted to an explicit enable list,
// used by shadow strategies. An empty list means every registered agent.
func BuildNamed(enabled []string, deps Deps) []Agent {
	if len(enabled) == 0 {
		return Build(&config.Config{}, deps)
	}
	want := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		want[n] = true
	}
	var committee []Agent
	for _, name := range Names() {
		if want[name] {
			committee = append(committee, registry[name](deps))
		}
	}
	return committee
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// skipVote is the common abstention shape.
func skipVote(agent, why string) types.Vote {
	return types.Vote{
		Agent:     agent,
		Direction: types.Skip,
		Details:   map[string]any{"why": why},
	}
}

package agents

import (
	"context"

	"github.com/0xtide/epochbot/internal/types"
)

// Guardian is the veto-only committee member. It always abstains from the
// directional vote; the veto evaluation rides on the details so the full
// trace shows what the risk checks saw at decision time.
type Guardian struct {
	risk RiskView
}

func NewGuardian(risk RiskView) *Guardian { return &Guardian{risk: risk} }

func (g *Guardian) Name() string { return NameGuardian }

func (g *Guardian) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	var reasons []string
	if g.risk != nil {
		reasons = g.risk.VetoReasons(snap)
	}
	return types.Vote{
		Agent:     NameGuardian,
		Direction: types.Skip,
		Details: map[string]any{
			"veto":         len(reasons) > 0,
			"veto_reasons": reasons,
			"mode":         string(snap.Mode),
		},
	}, nil
}

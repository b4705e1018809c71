package agents

import (
	"context"
	"math"
	"sync"

	"github.com/0xtide/epochbot/internal/types"
)

const (
	todMinSamples = 12   // outcomes needed in a bucket before it means anything
	todBiasFloor  = 0.65 // bucket win-rate required to vote
	todWindow     = 200  // bounded history per bucket
)

// TimeOfDay learns hour-of-day directional bias from resolved outcomes. It
// owns its bounded history and abstains until a bucket is both deep and
// skewed enough.
type TimeOfDay struct {
	mu    sync.Mutex
	ups   [24]int
	downs [24]int
}

func NewTimeOfDay() *TimeOfDay { return &TimeOfDay{} }

func (t *TimeOfDay) Name() string { return NameTimeOfDay }

// ObserveOutcome records one resolved epoch into its UTC-hour bucket.
func (t *TimeOfDay) ObserveOutcome(o types.Outcome) {
	hour := o.Epoch.Start().Hour()
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o.Resolved {
	case types.Up:
		t.ups[hour]++
	case types.Down:
		t.downs[hour]++
	}
	// Halve counts once the bucket saturates; keeps the bias adaptive.
	if t.ups[hour]+t.downs[hour] > todWindow {
		t.ups[hour] /= 2
		t.downs[hour] /= 2
	}
}

func (t *TimeOfDay) Analyze(ctx context.Context, snap *types.Snapshot) (types.Vote, error) {
	hour := snap.Epoch.Start().Hour()
	t.mu.Lock()
	ups, downs := t.ups[hour], t.downs[hour]
	t.mu.Unlock()

	total := ups + downs
	if total < todMinSamples {
		return skipVote(NameTimeOfDay, "bucket too shallow"), nil
	}

	upRate := float64(ups) / float64(total)
	var dir types.Direction
	var bias float64
	switch {
	case upRate >= todBiasFloor:
		dir, bias = types.Up, upRate
	case 1-upRate >= todBiasFloor:
		dir, bias = types.Down, 1-upRate
	default:
		return skipVote(NameTimeOfDay, "no hourly bias"), nil
	}

	return types.Vote{
		Agent:      NameTimeOfDay,
		Direction:  dir,
		Confidence: clamp01((bias - 0.5) * 2),
		Quality:    clamp01(math.Sqrt(float64(total) / todWindow)),
		Details:    map[string]any{"hour": hour, "up_rate": upRate, "samples": total},
	}, nil
}

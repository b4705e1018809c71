package consensus

import (
	"sync"

	"github.com/0xtide/epochbot/internal/types"
)

const (
	accuracyWindow  = 50 // rolling resolved outcomes per agent
	accuracyWarmup  = 20 // below this the multiplier stays neutral
	adaptiveMinMult = 0.5
	adaptiveMaxMult = 1.5
)

// AccuracyTracker keeps a rolling per-agent hit record over resolved epochs
// and converts it to the adaptive weight multiplier.
type AccuracyTracker struct {
	mu   sync.RWMutex
	hits map[string][]bool // agent -> rolling correct/incorrect, oldest first
}

func NewAccuracyTracker() *AccuracyTracker {
	return &AccuracyTracker{hits: make(map[string][]bool)}
}

// RecordVote scores one agent's directional vote against the resolved
// outcome. Neutral and Skip votes are not scored.
func (a *AccuracyTracker) RecordVote(agent string, voted, resolved types.Direction) {
	if voted != types.Up && voted != types.Down {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.hits[agent], voted == resolved)
	if len(h) > accuracyWindow {
		h = h[len(h)-accuracyWindow:]
	}
	a.hits[agent] = h
}

// Seed primes an agent's rolling record from a persisted hit rate, used at
// startup so adaptive weights survive a restart. The synthetic record has
// round(rate x n) hits spread across n entries.
func (a *AccuracyTracker) Seed(agent string, rate float64, n int) {
	if n <= 0 {
		return
	}
	if n > accuracyWindow {
		n = accuracyWindow
	}
	hits := int(rate*float64(n) + 0.5)
	h := make([]bool, n)
	for i := 0; i < hits && i < n; i++ {
		h[i] = true
	}
	a.mu.Lock()
	a.hits[agent] = h
	a.mu.Unlock()
}

// Accuracy returns the rolling hit rate and how many outcomes back it.
func (a *AccuracyTracker) Accuracy(agent string) (float64, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := a.hits[agent]
	if len(h) == 0 {
		return 0, 0
	}
	correct := 0
	for _, hit := range h {
		if hit {
			correct++
		}
	}
	return float64(correct) / float64(len(h)), len(h)
}

// Multiplier maps recent accuracy to the adaptive weight multiplier:
// clamp(0.5, 1.5, 0.5 + 2.5 x (accuracy - 0.5)), neutral 1.0 until the
// warmup window fills.
func (a *AccuracyTracker) Multiplier(agent string) float64 {
	acc, n := a.Accuracy(agent)
	if n < accuracyWarmup {
		return 1.0
	}
	m := 0.5 + 2.5*(acc-0.5)
	if m < adaptiveMinMult {
		return adaptiveMinMult
	}
	if m > adaptiveMaxMult {
		return adaptiveMaxMult
	}
	return m
}

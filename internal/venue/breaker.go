package venue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	breakerTripAfter = 5 // consecutive failures before opening
	breakerBaseHold  = 10 * time.Second
	breakerMaxHold   = 5 * time.Minute
)

// breaker wraps gobreaker with an exponential re-open hold: each consecutive
// trip doubles the cool-down, capped at breakerMaxHold. A closed circuit
// resets the schedule.
type breaker struct {
	cb *gobreaker.CircuitBreaker

	mu        sync.Mutex
	trips     int
	holdUntil time.Time
}

func newBreaker(name string) *breaker {
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerBaseHold,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})
	return b
}

func (b *breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		hold := breakerBaseHold << b.trips
		if hold > breakerMaxHold {
			hold = breakerMaxHold
		}
		b.trips++
		b.holdUntil = time.Now().Add(hold)
		log.Warn().
			Str("endpoint", name).
			Int("trips", b.trips).
			Dur("hold", hold).
			Msg("⚡ Circuit breaker opened")
	case gobreaker.StateClosed:
		b.trips = 0
		b.holdUntil = time.Time{}
		log.Info().Str("endpoint", name).Msg("Circuit breaker closed")
	}
}

// Execute runs fn through the breaker, honouring the exponential hold.
func (b *breaker) Execute(fn func() (any, error)) (any, error) {
	b.mu.Lock()
	held := time.Now().Before(b.holdUntil)
	b.mu.Unlock()
	if held {
		return nil, ErrUnavailable
	}
	return b.cb.Execute(fn)
}

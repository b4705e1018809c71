package feed

import (
	"sync"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/types"
)

// HistoryDepth is the number of rolling samples kept per (crypto, exchange).
// At the 15s sampling cadence this spans five minutes - the lookback used for
// the short-horizon return.
const HistoryDepth = 20

// rsiPeriod is the classic 14-sample RSI window.
const rsiPeriod = 14

// series is a fixed-capacity append-only ring of float64 samples.
type series struct {
	vals []float64
	cap  int
}

func newSeries(cap int) *series {
	return &series{vals: make([]float64, 0, cap), cap: cap}
}

func (s *series) push(v float64) {
	if len(s.vals) == s.cap {
		copy(s.vals, s.vals[1:])
		s.vals[len(s.vals)-1] = v
		return
	}
	s.vals = append(s.vals, v)
}

func (s *series) snapshot() []float64 {
	out := make([]float64, len(s.vals))
	copy(out, s.vals)
	return out
}

func (s *series) last() (float64, bool) {
	if len(s.vals) == 0 {
		return 0, false
	}
	return s.vals[len(s.vals)-1], true
}

// History holds the bounded per-exchange mid-price rings and the per-epoch
// close series used for RSI and regime detection. Reads return copies so the
// committee can hold them without locking.
type History struct {
	mu     sync.RWMutex
	mids   map[types.Crypto]map[string]*series
	stamps map[types.Crypto]map[string]time.Time
	closes map[types.Crypto]*series
}

// NewHistory creates empty rolling history for all cryptos.
func NewHistory() *History {
	h := &History{
		mids:   make(map[types.Crypto]map[string]*series),
		stamps: make(map[types.Crypto]map[string]time.Time),
		closes: make(map[types.Crypto]*series),
	}
	for _, c := range types.AllCryptos() {
		h.mids[c] = make(map[string]*series)
		h.stamps[c] = make(map[string]time.Time)
		h.closes[c] = newSeries(HistoryDepth)
	}
	return h
}

// Record appends one mid-price sample for an exchange.
func (h *History) Record(c types.Crypto, exchange string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.mids[c][exchange]
	if !ok {
		s = newSeries(HistoryDepth)
		h.mids[c][exchange] = s
	}
	s.push(price)
	h.stamps[c][exchange] = at
}

// RecordEpochClose appends a per-epoch closing price.
func (h *History) RecordEpochClose(c types.Crypto, close float64) {
	if close <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes[c].push(close)
}

// Mids returns the latest mid per exchange, restricted to samples newer than
// staleAfter.
func (h *History) Mids(c types.Crypto, staleAfter time.Duration, now time.Time) map[string]decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for ex, s := range h.mids[c] {
		if now.Sub(h.stamps[c][ex]) > staleAfter {
			continue
		}
		if v, ok := s.last(); ok {
			out[ex] = decimal.NewFromFloat(v)
		}
	}
	return out
}

// LastMids returns the most recent sample per exchange regardless of age.
func (h *History) LastMids(c types.Crypto) map[string]decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for ex, s := range h.mids[c] {
		if v, ok := s.last(); ok {
			out[ex] = decimal.NewFromFloat(v)
		}
	}
	return out
}

// Live counts exchanges with a fresh price.
func (h *History) Live(c types.Crypto, staleAfter time.Duration, now time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for ex := range h.mids[c] {
		if now.Sub(h.stamps[c][ex]) <= staleAfter {
			n++
		}
	}
	return n
}

// Return computes the fractional price change across the rolling window for
// one exchange. Zero when fewer than two samples exist.
func (h *History) Return(c types.Crypto, exchange string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.mids[c][exchange]
	if !ok || len(s.vals) < 2 || s.vals[0] == 0 {
		return 0
	}
	return (s.vals[len(s.vals)-1] - s.vals[0]) / s.vals[0]
}

// Returns computes the short-horizon return per exchange.
func (h *History) Returns(c types.Crypto) map[string]float64 {
	h.mu.RLock()
	exchanges := make([]string, 0, len(h.mids[c]))
	for ex := range h.mids[c] {
		exchanges = append(exchanges, ex)
	}
	h.mu.RUnlock()

	out := make(map[string]float64, len(exchanges))
	for _, ex := range exchanges {
		out[ex] = h.Return(c, ex)
	}
	return out
}

// EpochCloses returns the recorded per-epoch closes, oldest first.
func (h *History) EpochCloses(c types.Crypto) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closes[c].snapshot()
}

// RSI computes RSI(14) over the primary exchange's mid samples. Returns 0
// until the warmup window is full.
func (h *History) RSI(c types.Crypto, exchange string) float64 {
	h.mu.RLock()
	var prices []float64
	if s, ok := h.mids[c][exchange]; ok {
		prices = s.snapshot()
	}
	h.mu.RUnlock()
	return RSI14(prices)
}

// RSI14 computes the latest RSI(14) value for a price series, 0 if the
// series is too short.
func RSI14(prices []float64) float64 {
	if len(prices) < rsiPeriod+1 {
		return 0
	}
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	out := momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(in)
	var last float64
	for v := range out {
		last = v
	}
	return last
}

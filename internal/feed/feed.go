package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE FEED - Multi-exchange mid prices with rolling history
// ═══════════════════════════════════════════════════════════════════════════════
//
// Binance streams trades over WebSocket; Coinbase and Kraken are polled over
// HTTP. Every sampleInterval the latest price per exchange is pushed into the
// rolling history, giving each (crypto, exchange) a 5-minute window of 20
// samples for returns and RSI.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ExchangeBinance  = "binance"
	ExchangeCoinbase = "coinbase"
	ExchangeKraken   = "kraken"

	binanceWSURL   = "wss://stream.binance.com:9443/stream"
	coinbaseAPIURL = "https://api.coinbase.com/v2/prices/%s-USD/spot"
	krakenAPIURL   = "https://api.kraken.com/0/public/Ticker?pair=%s"

	sampleInterval = 15 * time.Second
	// StaleAfter bounds how old a sample may be and still count as live.
	StaleAfter = 45 * time.Second

	fundingAPIURL   = "https://fapi.binance.com/fapi/v1/premiumIndex?symbol=%sUSDT"
	fundingInterval = 5 * time.Minute
)

// krakenPairs maps our symbols to Kraken's pair naming.
var krakenPairs = map[types.Crypto]string{
	types.BTC: "XBTUSD",
	types.ETH: "ETHUSD",
	types.SOL: "SOLUSD",
	types.XRP: "XRPUSD",
}

// Feed provides multi-exchange mid prices and short rolling history.
type Feed struct {
	history *History
	symbols []types.Crypto

	httpClient *http.Client

	mu      sync.RWMutex
	latest  map[types.Crypto]float64 // streamed Binance price, updated tick by tick
	funding map[types.Crypto]float64
	running bool
	cancel  context.CancelFunc
}

// New creates a feed for the given underlyings.
func New(symbols []types.Crypto) *Feed {
	return &Feed{
		history:    NewHistory(),
		symbols:    symbols,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		latest:     make(map[types.Crypto]float64),
		funding:    make(map[types.Crypto]float64),
	}
}

// Start launches the stream reader and poll loops. Non-blocking.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	go f.streamLoop(ctx)
	go f.sampleLoop(ctx)
	go f.fundingLoop(ctx)

	log.Info().
		Int("symbols", len(f.symbols)).
		Dur("sample_interval", sampleInterval).
		Msg("📈 Price feed started")
}

// Stop terminates all feed loops.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	f.cancel()
	log.Info().Msg("Price feed stopped")
}

// Prices returns the fresh mid per exchange for a crypto.
func (f *Feed) Prices(c types.Crypto) map[string]decimal.Decimal {
	return f.history.Mids(c, StaleAfter, time.Now())
}

// Returns gives the short-horizon fractional return per exchange.
func (f *Feed) Returns(c types.Crypto) map[string]float64 {
	return f.history.Returns(c)
}

// Live counts exchanges currently delivering fresh prices.
func (f *Feed) Live(c types.Crypto) int {
	return f.history.Live(c, StaleAfter, time.Now())
}

// RSI returns RSI(14) over the Binance mid history, 0 during warmup.
func (f *Feed) RSI(c types.Crypto) float64 {
	return f.history.RSI(c, ExchangeBinance)
}

// EpochCloses returns the per-epoch close series, oldest first.
func (f *Feed) EpochCloses(c types.Crypto) []float64 {
	return f.history.EpochCloses(c)
}

// FundingRate returns the latest perp funding rate, 0 when unknown.
func (f *Feed) FundingRate(c types.Crypto) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.funding[c]
}

// Mark returns the current consensus mark price: the median of fresh
// exchange mids. Used to record per-epoch opens and closes.
func (f *Feed) Mark(c types.Crypto) (decimal.Decimal, bool) {
	return medianMid(f.Prices(c))
}

// LastMark returns the consensus mark with no staleness bound: the median
// of the last sample recorded per exchange, however old. Only the
// deadline fallback in epoch resolution should rely on it.
func (f *Feed) LastMark(c types.Crypto) (decimal.Decimal, bool) {
	return medianMid(f.history.LastMids(c))
}

func medianMid(mids map[string]decimal.Decimal) (decimal.Decimal, bool) {
	if len(mids) == 0 {
		return decimal.Zero, false
	}
	vals := make([]float64, 0, len(mids))
	for _, m := range mids {
		v, _ := m.Float64()
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	return decimal.NewFromFloat(vals[len(vals)/2]), true
}

// MarkEpochClose records the consensus mark as the close of an epoch.
func (f *Feed) MarkEpochClose(c types.Crypto) {
	if mark, ok := f.Mark(c); ok {
		v, _ := mark.Float64()
		f.history.RecordEpochClose(c, v)
	}
}

// ─── Binance WebSocket stream ───────────────────────────────────────────────

type binanceStreamMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

// streamLoop keeps a combined trade stream open, reconnecting with backoff.
func (f *Feed) streamLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := f.readStream(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Binance stream dropped")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		} else {
			backoff = time.Second
		}
	}
}

func (f *Feed) readStream(ctx context.Context) error {
	streams := make([]string, 0, len(f.symbols))
	for _, c := range f.symbols {
		streams = append(streams, strings.ToLower(string(c))+"usdt@trade")
	}
	url := binanceWSURL + "?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial binance: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg binanceStreamMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		price, err := strconv.ParseFloat(msg.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		sym := strings.TrimSuffix(msg.Data.Symbol, "USDT")
		c, err := types.ParseCrypto(sym)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.latest[c] = price
		f.mu.Unlock()
	}
}

// ─── Sampling and HTTP polling ──────────────────────────────────────────────

// sampleLoop pushes one sample per exchange into history every interval.
func (f *Feed) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	f.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sampleOnce(ctx)
		}
	}
}

func (f *Feed) sampleOnce(ctx context.Context) {
	now := time.Now()
	for _, c := range f.symbols {
		f.mu.RLock()
		binancePrice := f.latest[c]
		f.mu.RUnlock()
		if binancePrice > 0 {
			f.history.Record(c, ExchangeBinance, binancePrice, now)
		}

		if p, err := f.fetchCoinbase(ctx, c); err == nil {
			f.history.Record(c, ExchangeCoinbase, p, now)
		}
		if p, err := f.fetchKraken(ctx, c); err == nil {
			f.history.Record(c, ExchangeKraken, p, now)
		}
	}
}

func (f *Feed) fetchCoinbase(ctx context.Context, c types.Crypto) (float64, error) {
	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, fmt.Sprintf(coinbaseAPIURL, c), &body); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(body.Data.Amount, 64)
}

func (f *Feed) fetchKraken(ctx context.Context, c types.Crypto) (float64, error) {
	pair, ok := krakenPairs[c]
	if !ok {
		return 0, fmt.Errorf("no kraken pair for %s", c)
	}
	var body struct {
		Result map[string]struct {
			Close []string `json:"c"`
		} `json:"result"`
	}
	if err := f.getJSON(ctx, fmt.Sprintf(krakenAPIURL, pair), &body); err != nil {
		return 0, err
	}
	for _, tick := range body.Result {
		if len(tick.Close) > 0 {
			return strconv.ParseFloat(tick.Close[0], 64)
		}
	}
	return 0, fmt.Errorf("kraken: empty ticker for %s", pair)
}

// fundingLoop refreshes perp funding rates for the funding agent.
func (f *Feed) fundingLoop(ctx context.Context) {
	ticker := time.NewTicker(fundingInterval)
	defer ticker.Stop()

	f.fetchFunding(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.fetchFunding(ctx)
		}
	}
}

func (f *Feed) fetchFunding(ctx context.Context) {
	for _, c := range f.symbols {
		var body struct {
			LastFundingRate string `json:"lastFundingRate"`
		}
		if err := f.getJSON(ctx, fmt.Sprintf(fundingAPIURL, c), &body); err != nil {
			continue
		}
		rate, err := strconv.ParseFloat(body.LastFundingRate, 64)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.funding[c] = rate
		f.mu.Unlock()
	}
}

func (f *Feed) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

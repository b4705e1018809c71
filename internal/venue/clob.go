package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOB CLIENT - Market discovery, order placement, positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Market discovery goes through the gamma API; orders and positions through
// the CLOB. Reads and orders run through separate rate buckets and circuit
// breakers so a throttled order path never starves discovery.
//
// In dry-run mode mutating calls return synthetic fills at the last seen ask
// and nothing touches the venue or the chain.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	callTimeout  = 8 * time.Second
	readRate     = 10 // reads per second
	orderRate    = 2  // orders per second
	sharesPlaces = 2  // venue share increment: 0.01
)

// Client is the production Gateway implementation.
type Client struct {
	http  *resty.Client
	gamma *resty.Client
	chain *ChainClient

	readLimiter  *rate.Limiter
	orderLimiter *rate.Limiter
	readBreaker  *breaker
	orderBreaker *breaker

	apiKey     string
	apiSecret  string
	passphrase string
	address    string
	dryRun     bool

	mu       sync.RWMutex
	lastAsks map[string]decimal.Decimal // tokenID -> last seen best ask
}

// NewClient builds the CLOB gateway. chain may be nil in dry-run mode.
func NewClient(cfg *config.Config, chain *ChainClient) *Client {
	mk := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(callTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err == nil && r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	c := &Client{
		http:         mk(cfg.CLOBBaseURL),
		gamma:        mk(cfg.GammaBaseURL),
		chain:        chain,
		readLimiter:  rate.NewLimiter(rate.Limit(readRate), readRate),
		orderLimiter: rate.NewLimiter(rate.Limit(orderRate), 1),
		readBreaker:  newBreaker("clob-reads"),
		orderBreaker: newBreaker("clob-orders"),
		apiKey:       cfg.CLOBApiKey,
		apiSecret:    cfg.CLOBApiSecret,
		passphrase:   cfg.CLOBPassphrase,
		address:      cfg.WalletAddress,
		dryRun:       cfg.DryRun,
		lastAsks:     make(map[string]decimal.Decimal),
	}

	mode := "LIVE"
	if c.dryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Msg("🚀 Venue client initialized")
	return c
}

// ─── Market discovery ───────────────────────────────────────────────────────

// gammaMarket mirrors the gamma API market object, fields we care about only.
type gammaMarket struct {
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	EndDateRaw    string `json:"endDate"`
	ClobTokenIDs  string `json:"clobTokenIds"`  // JSON-encoded array
	OutcomePrices string `json:"outcomePrices"` // JSON-encoded array, same order
	Outcomes      string `json:"outcomes"`      // JSON-encoded array, e.g. ["Up","Down"]
	Closed        bool   `json:"closed"`
}

// ListActiveMarkets returns the open 15-minute up/down markets for the
// supported cryptos.
func (c *Client) ListActiveMarkets(ctx context.Context) ([]types.Market, error) {
	if err := c.readLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.readBreaker.Execute(func() (any, error) {
		var raw []gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"closed":     "false",
				"tag_slug":   "crypto",
				"recurrence": "15m",
				"limit":      "100",
			}).
			SetResult(&raw).
			Get("/markets")
		if cerr := categorize(err, statusOf(resp)); cerr != nil {
			return nil, fmt.Errorf("list markets: %w", cerr)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []types.Market
	for _, gm := range res.([]gammaMarket) {
		m, ok := parseGammaMarket(gm, now)
		if !ok {
			continue
		}
		out = append(out, m)
	}

	c.mu.Lock()
	for _, m := range out {
		c.lastAsks[m.UpTokenID] = m.UpAsk
		c.lastAsks[m.DownTokenID] = m.DownAsk
	}
	c.mu.Unlock()

	return out, nil
}

// parseGammaMarket converts one gamma row into a Market, rejecting anything
// that is not an open 15-minute up/down market for a supported crypto.
func parseGammaMarket(gm gammaMarket, now time.Time) (types.Market, bool) {
	if gm.Closed {
		return types.Market{}, false
	}
	crypto, ok := cryptoFromSlug(gm.Slug)
	if !ok {
		return types.Market{}, false
	}
	end, err := time.Parse(time.RFC3339, gm.EndDateRaw)
	if err != nil || !end.After(now) {
		return types.Market{}, false
	}

	var tokens, prices, outcomes []string
	if json.Unmarshal([]byte(gm.ClobTokenIDs), &tokens) != nil ||
		json.Unmarshal([]byte(gm.OutcomePrices), &prices) != nil ||
		json.Unmarshal([]byte(gm.Outcomes), &outcomes) != nil {
		return types.Market{}, false
	}
	if len(tokens) != 2 || len(prices) != 2 || len(outcomes) != 2 {
		return types.Market{}, false
	}

	m := types.Market{
		Crypto:         crypto,
		Epoch:          types.EpochAt(end.Add(-time.Second)),
		ConditionID:    gm.ConditionID,
		SecondsToClose: int(end.Sub(now) / time.Second),
	}
	for i, outcome := range outcomes {
		price, err := decimal.NewFromString(prices[i])
		if err != nil {
			return types.Market{}, false
		}
		switch strings.ToLower(outcome) {
		case "up", "yes":
			m.UpTokenID, m.UpAsk = tokens[i], price
		case "down", "no":
			m.DownTokenID, m.DownAsk = tokens[i], price
		}
	}
	if m.UpTokenID == "" || m.DownTokenID == "" {
		return types.Market{}, false
	}
	return m, true
}

// cryptoFromSlug extracts the underlying from slugs like
// "bitcoin-up-or-down-june-5-3pm-et".
func cryptoFromSlug(slug string) (types.Crypto, bool) {
	switch {
	case strings.HasPrefix(slug, "bitcoin-") || strings.HasPrefix(slug, "btc-"):
		return types.BTC, true
	case strings.HasPrefix(slug, "ethereum-") || strings.HasPrefix(slug, "eth-"):
		return types.ETH, true
	case strings.HasPrefix(slug, "solana-") || strings.HasPrefix(slug, "sol-"):
		return types.SOL, true
	case strings.HasPrefix(slug, "xrp-") || strings.HasPrefix(slug, "ripple-"):
		return types.XRP, true
	}
	return "", false
}

// ─── Orders ─────────────────────────────────────────────────────────────────

type orderResponse struct {
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"error"`
	Taking  string `json:"takingAmount"` // shares received
	Making  string `json:"makingAmount"` // USDC spent
}

// PlaceOrder spends sizeUSD on a token as a marketable limit at the last
// seen ask. Fill price and shares come from the venue response.
func (c *Client) PlaceOrder(ctx context.Context, tokenID string, sizeUSD decimal.Decimal) (types.Fill, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return types.Fill{}, err
	}

	ask := c.lastAsk(tokenID)
	if ask.IsZero() {
		return types.Fill{}, fmt.Errorf("place order: no ask for token: %w", ErrInsufficientLiquidity)
	}

	if c.dryRun {
		shares := sizeUSD.Div(ask).Round(sharesPlaces)
		fill := types.Fill{
			OrderID: fmt.Sprintf("DRY_%d", time.Now().UnixNano()),
			TokenID: tokenID,
			Shares:  shares,
			Price:   ask,
		}
		log.Info().
			Str("order_id", fill.OrderID).
			Str("size_usd", sizeUSD.StringFixed(2)).
			Str("price", ask.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return fill, nil
	}

	payload := map[string]any{
		"tokenID":    tokenID,
		"price":      ask.String(),
		"size":       sizeUSD.Div(ask).Round(sharesPlaces).String(),
		"side":       "BUY",
		"type":       "FOK",
		"expiration": time.Now().Add(time.Minute).Unix(),
		"nonce":      time.Now().UnixNano(),
	}

	res, err := c.orderBreaker.Execute(func() (any, error) {
		var result orderResponse
		resp, err := c.authed(ctx).SetBody(payload).SetResult(&result).Post("/order")
		if cerr := categorize(err, statusOf(resp)); cerr != nil {
			return nil, fmt.Errorf("place order: %w", cerr)
		}
		if result.Error != "" {
			if strings.Contains(strings.ToLower(result.Error), "liquidity") {
				return nil, fmt.Errorf("place order: %s: %w", result.Error, ErrInsufficientLiquidity)
			}
			return nil, fmt.Errorf("place order: %s: %w", result.Error, ErrRejected)
		}
		return result, nil
	})
	if err != nil {
		return types.Fill{}, err
	}

	r := res.(orderResponse)

	shares, _ := decimal.NewFromString(r.Taking)
	spent, _ := decimal.NewFromString(r.Making)
	price := ask
	if !shares.IsZero() {
		price = spent.Div(shares)
	}

	log.Info().
		Str("order_id", r.OrderID).
		Str("status", r.Status).
		Str("shares", shares.StringFixed(2)).
		Str("price", price.StringFixed(3)).
		Msg("✅ Order placed")

	return types.Fill{OrderID: r.OrderID, TokenID: tokenID, Shares: shares, Price: price}, nil
}

// ─── Order book ─────────────────────────────────────────────────────────────

type bookResponse struct {
	Bids []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
}

// BookImbalance compares resting bid depth on the two sides of a market.
// Returns (upDepth - downDepth) / (upDepth + downDepth).
func (c *Client) BookImbalance(ctx context.Context, upTokenID, downTokenID string) (float64, error) {
	upDepth, err := c.bidDepth(ctx, upTokenID)
	if err != nil {
		return 0, err
	}
	downDepth, err := c.bidDepth(ctx, downTokenID)
	if err != nil {
		return 0, err
	}
	total := upDepth + downDepth
	if total == 0 {
		return 0, nil
	}
	return (upDepth - downDepth) / total, nil
}

// bidDepth sums notional bid depth across the top of book.
func (c *Client) bidDepth(ctx context.Context, tokenID string) (float64, error) {
	if err := c.readLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := c.readBreaker.Execute(func() (any, error) {
		var book bookResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&book).
			Get("/book")
		if cerr := categorize(err, statusOf(resp)); cerr != nil {
			return nil, fmt.Errorf("book: %w", cerr)
		}
		return book, nil
	})
	if err != nil {
		return 0, err
	}

	book := res.(bookResponse)
	depth := 0.0
	levels := len(book.Bids)
	if levels > 5 {
		levels = 5
	}
	for _, lvl := range book.Bids[:levels] {
		price, _ := decimal.NewFromString(lvl.Price)
		size, _ := decimal.NewFromString(lvl.Size)
		notional, _ := price.Mul(size).Float64()
		depth += notional
	}
	return depth, nil
}

// ─── Positions, redemption, balance ─────────────────────────────────────────

type venuePosition struct {
	TokenID     string `json:"asset"`
	ConditionID string `json:"conditionId"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	Outcome     string `json:"outcome"`
	Slug        string `json:"slug"`
	EndDate     string `json:"endDate"`
}

// Positions fetches the venue's authoritative open positions.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	if c.dryRun {
		return nil, nil // the state store is authoritative in dry-run
	}
	if err := c.readLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.readBreaker.Execute(func() (any, error) {
		var raw []venuePosition
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("user", c.address).
			SetResult(&raw).
			Get("/positions")
		if cerr := categorize(err, statusOf(resp)); cerr != nil {
			return nil, fmt.Errorf("positions: %w", cerr)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	var out []types.Position
	for _, vp := range res.([]venuePosition) {
		crypto, ok := cryptoFromSlug(vp.Slug)
		if !ok {
			continue
		}
		shares, err := decimal.NewFromString(vp.Size)
		if err != nil || shares.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(vp.AvgPrice)
		dir := types.Up
		if strings.EqualFold(vp.Outcome, "down") || strings.EqualFold(vp.Outcome, "no") {
			dir = types.Down
		}
		pos := types.Position{
			ID:          vp.TokenID,
			Crypto:      crypto,
			Direction:   dir,
			Shares:      shares,
			EntryPrice:  entry,
			TokenID:     vp.TokenID,
			ConditionID: vp.ConditionID,
		}
		if end, err := time.Parse(time.RFC3339, vp.EndDate); err == nil {
			pos.Epoch = types.EpochAt(end.Add(-time.Second))
		}
		out = append(out, pos)
	}
	return out, nil
}

// Redeem converts a resolved winning position to cash on the settlement
// chain. A winning share redeems for exactly one unit of collateral.
func (c *Client) Redeem(ctx context.Context, pos types.Position) (decimal.Decimal, error) {
	if c.dryRun {
		credit := pos.Shares
		log.Info().
			Str("crypto", string(pos.Crypto)).
			Str("credit", credit.StringFixed(2)).
			Msg("📝 DRY RUN: Position would be redeemed")
		return credit, nil
	}
	if c.chain == nil {
		return decimal.Zero, fmt.Errorf("redeem: no chain client: %w", ErrUnavailable)
	}
	if err := c.chain.RedeemPositions(ctx, pos.ConditionID); err != nil {
		return decimal.Zero, fmt.Errorf("redeem %s epoch %d: %w", pos.Crypto, pos.Epoch, err)
	}
	return pos.Shares, nil
}

// CashBalance reads the settlement-chain USDC balance.
func (c *Client) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(100), nil // simulated bankroll
	}
	if c.chain == nil {
		return decimal.Zero, fmt.Errorf("cash balance: no chain client: %w", ErrUnavailable)
	}
	return c.chain.USDCBalance(ctx)
}

// ─── helpers ────────────────────────────────────────────────────────────────

func (c *Client) lastAsk(tokenID string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAsks[tokenID]
}

func (c *Client) authed(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("POLY-API-KEY", c.apiKey).
		SetHeader("POLY-PASSPHRASE", c.passphrase).
		SetHeader("POLY-TIMESTAMP", fmt.Sprintf("%d", time.Now().Unix())).
		SetHeader("POLY-ADDRESS", c.address)
}

func statusOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

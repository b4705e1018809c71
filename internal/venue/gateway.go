package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/0xtide/epochbot/internal/types"
)

// Gateway abstracts the trading venue. The engine and shadow book depend on
// this contract only; the CLOB client and the dry-run synthetic fills both
// satisfy it.
type Gateway interface {
	// ListActiveMarkets returns the live 15-minute binary markets for the
	// supported cryptos, with token ids and current best asks.
	ListActiveMarkets(ctx context.Context) ([]types.Market, error)

	// PlaceOrder spends sizeUSD on the given outcome token at the best
	// available ask. Returns the fill or a taxonomy error.
	PlaceOrder(ctx context.Context, tokenID string, sizeUSD decimal.Decimal) (types.Fill, error)

	// Positions returns the venue's authoritative open positions.
	Positions(ctx context.Context) ([]types.Position, error)

	// Redeem converts a resolved winning position to settlement currency and
	// returns the credited amount.
	Redeem(ctx context.Context, pos types.Position) (decimal.Decimal, error)

	// CashBalance reads the settlement-chain cash balance.
	CashBalance(ctx context.Context) (decimal.Decimal, error)
}

// BookReader is the optional depth view used by the orderbook agent.
// Implementations return an imbalance in [-1,1]: positive means deeper
// resting demand on the Up side.
type BookReader interface {
	BookImbalance(ctx context.Context, upTokenID, downTokenID string) (float64, error)
}

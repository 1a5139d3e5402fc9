// Package broker defines the brokerage contract the engine trades through
// and its Alpaca implementation.
//
// The interface is deliberately thin: orders, positions, account, clock,
// bars and latest prices. Everything above it works in float64; decimal
// conversion happens only inside the adapter. All failures carry an
// ErrorKind so callers branch on structured kinds, never on message text.
package broker

import (
	"context"
	"time"

	"trend-bot/pkg/types"
)

// AccountSnapshot is the engine's view of the brokerage account.
type AccountSnapshot struct {
	Equity                float64
	Cash                  float64
	BuyingPower           float64
	DaytradingBuyingPower float64
	IsPatternDayTrader    bool
}

// Clock is the broker's market clock.
type Clock struct {
	Now       time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Trade is the latest trade print for a symbol.
type Trade struct {
	Price float64
	Ts    time.Time
}

// Quote is the latest NBBO quote for a symbol.
type Quote struct {
	Bid float64
	Ask float64
	Ts  time.Time
}

// BracketLegs carries the optional protective legs of a bracket entry.
type BracketLegs struct {
	TakeProfitLimit float64
	StopLossStop    float64
}

// OrderRequest describes one order submission. ClientOrderID must be
// deterministic per attempt so retries are idempotent (§ executor).
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Qty           float64
	Type          types.OrderType
	TimeInForce   string // "day", "gtc"
	LimitPrice    float64
	StopPrice     float64
	TrailPercent  float64
	ClientOrderID string
	Bracket       *BracketLegs // non-nil → submit as an atomic bracket
}

// Timeframe selects bar granularity.
type Timeframe string

const (
	TimeframeMinute Timeframe = "1Min"
	TimeframeDay    Timeframe = "1Day"
)

// Broker is the contract over the brokerage. Implementations must be safe
// for concurrent use. Every method honors the context deadline; the
// adapter retries only idempotent reads.
type Broker interface {
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	GetClock(ctx context.Context) (Clock, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	ListPositions(ctx context.Context) ([]types.Position, error)
	ListOrders(ctx context.Context, statusFilter string) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	ReplaceOrder(ctx context.Context, orderID string, qty, limitPrice, stopPrice float64) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, symbol string) error

	GetBars(ctx context.Context, symbols []string, tf Timeframe, start, end time.Time, limit int) (map[string][]types.Bar, error)
	GetLatestTrade(ctx context.Context, symbol string) (Trade, error)
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}

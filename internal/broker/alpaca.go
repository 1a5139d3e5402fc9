package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

// Alpaca implements Broker against the Alpaca trading and market data
// APIs. The SDK clients carry their own HTTP timeout; contexts are checked
// at call boundaries and between retry attempts.
type Alpaca struct {
	trade  *alpaca.Client
	data   *marketdata.Client
	limits *rateLimiter

	readRetries int
	retryWait   time.Duration
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca builds the adapter from broker config.
func NewAlpaca(cfg config.BrokerConfig) *Alpaca {
	return &Alpaca{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		limits:      newRateLimiter(),
		readRetries: 3,
		retryWait:   500 * time.Millisecond,
	}
}

// withReadRetry retries an idempotent read on transient failures with
// exponential backoff. Mutating calls never go through here. bucket is
// the rate-limit bucket for the API surface the read hits.
func (a *Alpaca) withReadRetry(ctx context.Context, op string, bucket *tokenBucket, fn func() error) error {
	wait := a.retryWait
	var err error
	for attempt := 0; attempt <= a.readRetries; attempt++ {
		if ctx.Err() != nil {
			return classify(op, ctx.Err())
		}
		if err = bucket.wait(ctx); err != nil {
			return classify(op, err)
		}
		if err = fn(); err == nil {
			return nil
		}
		err = classify(op, err)
		if !Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return classify(op, ctx.Err())
		case <-time.After(wait):
			wait *= 2
		}
	}
	return err
}

func (a *Alpaca) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	var snap AccountSnapshot
	err := a.withReadRetry(ctx, "get_account", a.limits.trading, func() error {
		acct, err := a.trade.GetAccount()
		if err != nil {
			return err
		}
		snap = AccountSnapshot{
			Equity:                acct.Equity.InexactFloat64(),
			Cash:                  acct.Cash.InexactFloat64(),
			BuyingPower:           acct.BuyingPower.InexactFloat64(),
			DaytradingBuyingPower: acct.DaytradingBuyingPower.InexactFloat64(),
			IsPatternDayTrader:    acct.PatternDayTrader,
		}
		return nil
	})
	return snap, err
}

func (a *Alpaca) GetClock(ctx context.Context) (Clock, error) {
	var clock Clock
	err := a.withReadRetry(ctx, "get_clock", a.limits.trading, func() error {
		c, err := a.trade.GetClock()
		if err != nil {
			return err
		}
		clock = Clock{
			Now:       c.Timestamp,
			IsOpen:    c.IsOpen,
			NextOpen:  c.NextOpen,
			NextClose: c.NextClose,
		}
		return nil
	})
	return clock, err
}

func (a *Alpaca) IsMarketOpen(ctx context.Context) (bool, error) {
	clock, err := a.GetClock(ctx)
	if err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

func (a *Alpaca) ListPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := a.withReadRetry(ctx, "list_positions", a.limits.trading, func() error {
		positions, err := a.trade.GetPositions()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, p := range positions {
			out = append(out, mapPosition(p))
		}
		return nil
	})
	return out, err
}

func (a *Alpaca) ListOrders(ctx context.Context, statusFilter string) ([]types.Order, error) {
	var out []types.Order
	err := a.withReadRetry(ctx, "list_orders", a.limits.trading, func() error {
		orders, err := a.trade.GetOrders(alpaca.GetOrdersRequest{
			Status: statusFilter,
			Limit:  500,
			Nested: true,
		})
		if err != nil {
			return err
		}
		out = out[:0]
		for i := range orders {
			out = append(out, mapOrder(&orders[i]))
		}
		return nil
	})
	return out, err
}

func (a *Alpaca) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var out types.Order
	err := a.withReadRetry(ctx, "get_order", a.limits.trading, func() error {
		o, err := a.trade.GetOrder(orderID)
		if err != nil {
			return err
		}
		out = mapOrder(o)
		return nil
	})
	return out, err
}

func (a *Alpaca) GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, error) {
	var out types.Order
	err := a.withReadRetry(ctx, "get_order_by_client_id", a.limits.trading, func() error {
		o, err := a.trade.GetOrderByClientOrderID(clientOrderID)
		if err != nil {
			return err
		}
		out = mapOrder(o)
		return nil
	})
	return out, err
}

func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	if err := a.limits.trading.wait(ctx); err != nil {
		return types.Order{}, classify("submit_order", err)
	}

	qty := decimal.NewFromFloat(req.Qty)
	tif := alpaca.Day
	if strings.EqualFold(req.TimeInForce, "gtc") {
		tif = alpaca.GTC
	}

	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		lp := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &lp
	}
	if req.StopPrice > 0 {
		sp := decimal.NewFromFloat(req.StopPrice)
		placeReq.StopPrice = &sp
	}
	if req.TrailPercent > 0 {
		tp := decimal.NewFromFloat(req.TrailPercent)
		placeReq.TrailPercent = &tp
	}
	if req.Bracket != nil {
		placeReq.OrderClass = alpaca.Bracket
		if req.Bracket.TakeProfitLimit > 0 {
			limit := decimal.NewFromFloat(req.Bracket.TakeProfitLimit)
			placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &limit}
		}
		if req.Bracket.StopLossStop > 0 {
			stop := decimal.NewFromFloat(req.Bracket.StopLossStop)
			placeReq.StopLoss = &alpaca.StopLoss{StopPrice: &stop}
		}
	}

	o, err := a.trade.PlaceOrder(placeReq)
	if err != nil {
		return types.Order{}, classify("submit_order", err)
	}
	return mapOrder(o), nil
}

func (a *Alpaca) ReplaceOrder(ctx context.Context, orderID string, qty, limitPrice, stopPrice float64) (types.Order, error) {
	if err := a.limits.trading.wait(ctx); err != nil {
		return types.Order{}, classify("replace_order", err)
	}

	req := alpaca.ReplaceOrderRequest{}
	if qty > 0 {
		q := decimal.NewFromFloat(qty)
		req.Qty = &q
	}
	if limitPrice > 0 {
		lp := decimal.NewFromFloat(limitPrice)
		req.LimitPrice = &lp
	}
	if stopPrice > 0 {
		sp := decimal.NewFromFloat(stopPrice)
		req.StopPrice = &sp
	}

	o, err := a.trade.ReplaceOrder(orderID, req)
	if err != nil {
		return types.Order{}, classify("replace_order", err)
	}
	return mapOrder(o), nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.limits.trading.wait(ctx); err != nil {
		return classify("cancel_order", err)
	}
	if err := a.trade.CancelOrder(orderID); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (a *Alpaca) ClosePosition(ctx context.Context, symbol string) error {
	if err := a.limits.trading.wait(ctx); err != nil {
		return classify("close_position", err)
	}
	if _, err := a.trade.ClosePosition(symbol, alpaca.ClosePositionRequest{}); err != nil {
		return classify("close_position", err)
	}
	return nil
}

func (a *Alpaca) GetBars(ctx context.Context, symbols []string, tf Timeframe, start, end time.Time, limit int) (map[string][]types.Bar, error) {
	timeframe := marketdata.OneMin
	if tf == TimeframeDay {
		timeframe = marketdata.OneDay
	}

	var out map[string][]types.Bar
	err := a.withReadRetry(ctx, "get_bars", a.limits.data, func() error {
		raw, err := a.data.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame:  timeframe,
			Start:      start,
			End:        end,
			TotalLimit: limit * len(symbols),
		})
		if err != nil {
			return err
		}
		out = make(map[string][]types.Bar, len(raw))
		for symbol, bars := range raw {
			series := make([]types.Bar, 0, len(bars))
			for _, b := range bars {
				series = append(series, types.Bar{
					Symbol: symbol,
					Ts:     b.Timestamp,
					Open:   b.Open,
					High:   b.High,
					Low:    b.Low,
					Close:  b.Close,
					Volume: float64(b.Volume),
				})
			}
			if limit > 0 && len(series) > limit {
				series = series[len(series)-limit:]
			}
			out[symbol] = series
		}
		return nil
	})
	return out, err
}

func (a *Alpaca) GetLatestTrade(ctx context.Context, symbol string) (Trade, error) {
	var out Trade
	err := a.withReadRetry(ctx, "get_latest_trade", a.limits.data, func() error {
		t, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("no trade for %s", symbol)
		}
		out = Trade{Price: t.Price, Ts: t.Timestamp}
		return nil
	})
	return out, err
}

func (a *Alpaca) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	var out Quote
	err := a.withReadRetry(ctx, "get_latest_quote", a.limits.data, func() error {
		q, err := a.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("no quote for %s", symbol)
		}
		out = Quote{Bid: q.BidPrice, Ask: q.AskPrice, Ts: q.Timestamp}
		return nil
	})
	return out, err
}

// mapPosition converts an SDK position. Alpaca reports short positions
// with negative qty; the engine keeps qty positive and tracks side.
func mapPosition(p alpaca.Position) types.Position {
	qty := p.Qty.InexactFloat64()
	side := types.Buy
	if qty < 0 {
		side = types.Sell
		qty = -qty
	}

	pos := types.Position{
		Symbol:        p.Symbol,
		Side:          side,
		Qty:           qty,
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
	}
	if p.MarketValue != nil {
		mv := p.MarketValue.InexactFloat64()
		if mv < 0 {
			mv = -mv
		}
		pos.MarketValue = mv
	}
	if p.UnrealizedPL != nil {
		pos.UnrealizedPnL = p.UnrealizedPL.InexactFloat64()
	}
	if p.UnrealizedPLPC != nil {
		pos.UnrealizedPnLPct = p.UnrealizedPLPC.InexactFloat64() * 100
	}
	return pos
}

func mapOrder(o *alpaca.Order) types.Order {
	out := types.Order{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.Side(o.Side),
		Type:          types.OrderType(o.Type),
		Status:        types.OrderStatus(strings.ToLower(string(o.Status))),
		FilledQty:     o.FilledQty.InexactFloat64(),
		SubmittedAt:   o.SubmittedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		out.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

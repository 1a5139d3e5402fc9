package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trend-bot/pkg/types"
)

// Mock implements Broker in-memory for tests. State is scriptable:
// positions and orders can be seeded directly, fills simulated with
// FillOrder, and cancels forced into the already-filled race with
// RaceOnCancel.
type Mock struct {
	mu sync.Mutex

	Account   AccountSnapshot
	ClockNow  Clock
	Positions map[string]types.Position
	OrdersMap map[string]types.Order
	Bars      map[string][]types.Bar
	DailyBars map[string][]types.Bar
	Trades    map[string]Trade
	Quotes    map[string]Quote

	// RaceOnCancel lists order IDs whose cancel returns KindRaceCondition.
	RaceOnCancel map[string]bool
	// FailSubmit, when set, is returned by the next SubmitOrder call.
	FailSubmit error
	// BarsErr, when set, fails every GetBars call.
	BarsErr error
	// AutoFill fills entries immediately on submit.
	AutoFill bool

	Submitted []OrderRequest
	Canceled  []string
	Closed    []string

	nextID int
}

var _ Broker = (*Mock)(nil)

// NewMock creates a mock with an open market and the given equity.
func NewMock(equity float64) *Mock {
	now := time.Now()
	return &Mock{
		Account: AccountSnapshot{
			Equity:      equity,
			Cash:        equity,
			BuyingPower: equity * 2,
		},
		ClockNow:     Clock{Now: now, IsOpen: true, NextClose: now.Add(4 * time.Hour)},
		Positions:    make(map[string]types.Position),
		OrdersMap:    make(map[string]types.Order),
		Bars:         make(map[string][]types.Bar),
		DailyBars:    make(map[string][]types.Bar),
		Trades:       make(map[string]Trade),
		Quotes:       make(map[string]Quote),
		RaceOnCancel: make(map[string]bool),
	}
}

func (m *Mock) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Account, nil
}

func (m *Mock) GetClock(ctx context.Context) (Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ClockNow, nil
}

func (m *Mock) IsMarketOpen(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ClockNow.IsOpen, nil
}

func (m *Mock) ListPositions(ctx context.Context) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.Positions))
	for _, p := range m.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Mock) ListOrders(ctx context.Context, statusFilter string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.OrdersMap))
	for _, o := range m.OrdersMap {
		if statusFilter == "open" && o.Status.Terminal() {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *Mock) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.OrdersMap[orderID]
	if !ok {
		return types.Order{}, &Error{Kind: KindNotFound, Op: "get_order", Err: fmt.Errorf("order %s", orderID)}
	}
	return o, nil
}

func (m *Mock) GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.OrdersMap {
		if o.ClientOrderID == clientOrderID {
			return o, nil
		}
	}
	return types.Order{}, &Error{Kind: KindNotFound, Op: "get_order_by_client_id", Err: fmt.Errorf("client order %s", clientOrderID)}
}

func (m *Mock) SubmitOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSubmit != nil {
		err := m.FailSubmit
		m.FailSubmit = nil
		return types.Order{}, err
	}

	// Idempotence: same client order ID returns the existing order.
	for _, o := range m.OrdersMap {
		if req.ClientOrderID != "" && o.ClientOrderID == req.ClientOrderID {
			return o, nil
		}
	}

	m.nextID++
	order := types.Order{
		OrderID:       fmt.Sprintf("mock-%d", m.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		Status:        types.StatusNew,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		SubmittedAt:   time.Now(),
	}
	m.OrdersMap[order.OrderID] = order
	m.Submitted = append(m.Submitted, req)

	if req.Bracket != nil {
		m.seedLegLocked(order, types.OrderStop, req.Bracket.StopLossStop, 0)
		m.seedLegLocked(order, types.OrderLimit, 0, req.Bracket.TakeProfitLimit)
	}

	if m.AutoFill {
		m.fillLocked(order.OrderID, req.Qty, m.priceForLocked(req))
		order = m.OrdersMap[order.OrderID]
	}
	return order, nil
}

func (m *Mock) seedLegLocked(parent types.Order, typ types.OrderType, stopPrice, limitPrice float64) {
	m.nextID++
	leg := types.Order{
		OrderID:       fmt.Sprintf("mock-%d", m.nextID),
		ClientOrderID: parent.ClientOrderID + "-leg-" + string(typ),
		Symbol:        parent.Symbol,
		Side:          parent.Side.Opposite(),
		Qty:           parent.Qty,
		Type:          typ,
		Status:        types.StatusNew, // held until parent fills; close enough for tests
		StopPrice:     stopPrice,
		LimitPrice:    limitPrice,
		SubmittedAt:   time.Now(),
		Linkage:       parent.OrderID,
	}
	m.OrdersMap[leg.OrderID] = leg
}

func (m *Mock) priceForLocked(req OrderRequest) float64 {
	if t, ok := m.Trades[req.Symbol]; ok {
		return t.Price
	}
	if req.LimitPrice > 0 {
		return req.LimitPrice
	}
	return req.StopPrice
}

// FillOrder marks an order filled and updates the mock position, the way
// the real broker's position endpoint would reflect it.
func (m *Mock) FillOrder(orderID string, qty, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillLocked(orderID, qty, price)
}

func (m *Mock) fillLocked(orderID string, qty, price float64) {
	o, ok := m.OrdersMap[orderID]
	if !ok {
		return
	}
	now := time.Now()
	o.FilledQty = qty
	o.FilledAvgPrice = price
	o.FilledAt = &now
	if qty >= o.Qty {
		o.Status = types.StatusFilled
	} else {
		o.Status = types.StatusPartiallyFilled
	}
	m.OrdersMap[orderID] = o

	pos := m.Positions[o.Symbol]
	if pos.Symbol == "" {
		pos = types.Position{Symbol: o.Symbol, Side: o.Side, AvgEntryPrice: price, EntryTime: now}
	}
	if o.Side == pos.Side {
		pos.Qty += qty
	} else {
		pos.Qty -= qty
	}
	pos.CurrentPrice = price
	pos.MarketValue = pos.Qty * price
	if pos.Qty <= 0 {
		delete(m.Positions, o.Symbol)
		return
	}
	m.Positions[o.Symbol] = pos
}

func (m *Mock) ReplaceOrder(ctx context.Context, orderID string, qty, limitPrice, stopPrice float64) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.OrdersMap[orderID]
	if !ok {
		return types.Order{}, &Error{Kind: KindNotFound, Op: "replace_order", Err: fmt.Errorf("order %s", orderID)}
	}
	if qty > 0 {
		o.Qty = qty
	}
	if limitPrice > 0 {
		o.LimitPrice = limitPrice
	}
	if stopPrice > 0 {
		o.StopPrice = stopPrice
	}
	m.OrdersMap[orderID] = o
	return o, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RaceOnCancel[orderID] {
		// The race means the fill landed first; reflect that.
		if o, ok := m.OrdersMap[orderID]; ok && !o.Status.Terminal() {
			price := o.LimitPrice
			if price == 0 {
				price = o.StopPrice
			}
			if t, ok := m.Trades[o.Symbol]; ok {
				price = t.Price
			}
			m.fillLocked(orderID, o.Qty, price)
		}
		return &Error{
			Kind: KindRaceCondition,
			Op:   "cancel_order",
			Err:  fmt.Errorf("code %d: order is already in filled state", alpacaCodeAlreadyFilled),
		}
	}
	o, ok := m.OrdersMap[orderID]
	if !ok {
		return &Error{Kind: KindNotFound, Op: "cancel_order", Err: fmt.Errorf("order %s", orderID)}
	}
	o.Status = types.StatusCanceled
	m.OrdersMap[orderID] = o
	m.Canceled = append(m.Canceled, orderID)
	return nil
}

func (m *Mock) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Positions, symbol)
	m.Closed = append(m.Closed, symbol)
	// Broker cancels the symbol's working orders alongside the close.
	for id, o := range m.OrdersMap {
		if o.Symbol == symbol && !o.Status.Terminal() {
			o.Status = types.StatusCanceled
			m.OrdersMap[id] = o
		}
	}
	return nil
}

func (m *Mock) GetBars(ctx context.Context, symbols []string, tf Timeframe, start, end time.Time, limit int) (map[string][]types.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BarsErr != nil {
		return nil, m.BarsErr
	}
	src := m.Bars
	if tf == TimeframeDay {
		src = m.DailyBars
	}
	out := make(map[string][]types.Bar, len(symbols))
	for _, s := range symbols {
		out[s] = append([]types.Bar(nil), src[s]...)
	}
	return out, nil
}

func (m *Mock) GetLatestTrade(ctx context.Context, symbol string) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Trades[symbol]
	if !ok {
		return Trade{}, &Error{Kind: KindNotFound, Op: "get_latest_trade", Err: fmt.Errorf("no trade for %s", symbol)}
	}
	return t, nil
}

func (m *Mock) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.Quotes[symbol]
	if !ok {
		return Quote{}, &Error{Kind: KindNotFound, Op: "get_latest_quote", Err: fmt.Errorf("no quote for %s", symbol)}
	}
	return q, nil
}

// SetTrade scripts the latest trade print for a symbol.
func (m *Mock) SetTrade(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades[symbol] = Trade{Price: price, Ts: time.Now()}
	if pos, ok := m.Positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.MarketValue = pos.Qty * price
		if pos.Side == types.Buy {
			pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Qty
		} else {
			pos.UnrealizedPnL = (pos.AvgEntryPrice - price) * pos.Qty
		}
		m.Positions[symbol] = pos
	}
}

// OpenStopOrders returns working stop orders for a symbol, a convenience
// for protection-audit assertions.
func (m *Mock) OpenStopOrders(symbol string) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.OrdersMap {
		if o.Symbol == symbol && !o.Status.Terminal() &&
			(o.Type == types.OrderStop || o.Type == types.OrderTrailingStop ||
				strings.HasPrefix(string(o.Type), "stop")) {
			out = append(out, o)
		}
	}
	return out
}

// Package state holds the single shared mutable container of the bot.
//
// TradingState owns the position/order/feature/metrics maps; every read
// and write goes through its guarded API. Components hold a reference to
// it and to the broker, nothing else is shared. A small append-only event
// bus fans out state changes to the broadcaster and any other consumer.
package state

import (
	"sync"
	"time"

	"trend-bot/pkg/types"
)

// EventType enumerates bus event kinds.
type EventType string

const (
	EventLog       EventType = "log"
	EventSignal    EventType = "signal"
	EventOrder     EventType = "order"
	EventPosition  EventType = "position"
	EventOpened    EventType = "opened"
	EventClosed    EventType = "closed"
	EventPnLUpdate EventType = "pnl_update"
	EventMetrics   EventType = "metrics"
	EventRegime    EventType = "regime"
)

// Event is one bus message. Per-symbol order is preserved by publishing
// from within the symbol's critical section; global order is not.
type Event struct {
	Type   EventType   `json:"type"`
	Symbol string      `json:"symbol,omitempty"`
	Ts     time.Time   `json:"ts"`
	Data   interface{} `json:"data,omitempty"`
}

// TradingState is the guarded shared state.
type TradingState struct {
	mu sync.RWMutex

	positions map[string]types.Position
	orders    map[string]types.Order // keyed by broker order ID
	features  map[string]types.Features
	metrics   types.Metrics
	regime    types.Regime
	watchlist []types.Opportunity

	tradingEnabled bool
	disableReason  string
	dayRealizedPnL float64

	lastExit   map[string]time.Time // symbol → time of last exit
	lossStreak map[string]int       // symbol → consecutive losses

	// symLocks serializes feature→signal→order→audit per symbol.
	symMu    sync.Mutex
	symLocks map[string]*sync.Mutex

	subsMu sync.RWMutex
	subs   []chan Event
}

// New creates an empty state with trading enabled.
func New() *TradingState {
	return &TradingState{
		positions:      make(map[string]types.Position),
		orders:         make(map[string]types.Order),
		features:       make(map[string]types.Features),
		lastExit:       make(map[string]time.Time),
		lossStreak:     make(map[string]int),
		symLocks:       make(map[string]*sync.Mutex),
		tradingEnabled: true,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Per-symbol serialization
// ————————————————————————————————————————————————————————————————————————

// SymbolLock returns the mutex that serializes all pipeline stages for
// one symbol. Cross-symbol work interleaves freely.
func (s *TradingState) SymbolLock(symbol string) *sync.Mutex {
	s.symMu.Lock()
	defer s.symMu.Unlock()
	l, ok := s.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.symLocks[symbol] = l
	}
	return l
}

// ————————————————————————————————————————————————————————————————————————
// Event bus
// ————————————————————————————————————————————————————————————————————————

// Subscribe returns a new buffered event channel. Slow consumers lose
// events rather than blocking publishers.
func (s *TradingState) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// Publish fans an event out to all subscribers, non-blocking.
func (s *TradingState) Publish(evt Event) {
	if evt.Ts.IsZero() {
		evt.Ts = time.Now()
	}
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position returns the open position for a symbol, if any.
func (s *TradingState) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Positions returns a snapshot of all open positions.
func (s *TradingState) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// OpenPositionCount returns the number of open positions.
func (s *TradingState) OpenPositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// SetPosition upserts a position.
func (s *TradingState) SetPosition(p types.Position) {
	s.mu.Lock()
	s.positions[p.Symbol] = p
	s.mu.Unlock()
}

// RemovePosition deletes a position and returns it if present.
func (s *TradingState) RemovePosition(symbol string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if ok {
		delete(s.positions, symbol)
	}
	return p, ok
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// SetOrder upserts an order record by broker order ID.
func (s *TradingState) SetOrder(o types.Order) {
	if o.OrderID == "" {
		return
	}
	s.mu.Lock()
	s.orders[o.OrderID] = o
	s.mu.Unlock()
}

// Orders returns a snapshot of tracked orders.
func (s *TradingState) Orders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// RemoveOrder drops an order record.
func (s *TradingState) RemoveOrder(orderID string) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
}

// PruneTerminalOrders drops records whose status is terminal and older
// than the cutoff, keeping the map bounded across a session.
func (s *TradingState) PruneTerminalOrders(olderThan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.orders {
		if o.Status.Terminal() && o.SubmittedAt.Before(olderThan) {
			delete(s.orders, id)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Features, regime, watchlist
// ————————————————————————————————————————————————————————————————————————

// SetFeatures stores a feature snapshot.
func (s *TradingState) SetFeatures(f types.Features) {
	s.mu.Lock()
	s.features[f.Symbol] = f
	s.mu.Unlock()
}

// Features returns the snapshot for a symbol.
func (s *TradingState) Features(symbol string) (types.Features, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[symbol]
	return f, ok
}

// SetRegime stores the current regime.
func (s *TradingState) SetRegime(r types.Regime) {
	s.mu.Lock()
	s.regime = r
	s.mu.Unlock()
}

// Regime returns the current regime.
func (s *TradingState) Regime() types.Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regime
}

// SetWatchlist replaces the active watchlist.
func (s *TradingState) SetWatchlist(ops []types.Opportunity) {
	s.mu.Lock()
	s.watchlist = ops
	s.mu.Unlock()
}

// Watchlist returns the active watchlist.
func (s *TradingState) Watchlist() []types.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Opportunity(nil), s.watchlist...)
}

// ————————————————————————————————————————————————————————————————————————
// Metrics & trading switch
// ————————————————————————————————————————————————————————————————————————

// SetMetrics replaces the account metrics. The circuit-breaker flag is
// carried over so a metrics refresh cannot silently re-enable trading.
func (s *TradingState) SetMetrics(m types.Metrics) {
	s.mu.Lock()
	m.CircuitBreakerTriggered = !s.tradingEnabled && s.disableReason != ""
	m.UpdatedAt = time.Now()
	s.metrics = m
	s.mu.Unlock()
}

// Metrics returns the latest account metrics.
func (s *TradingState) Metrics() types.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// TradingEnabled reports whether new entries are allowed.
func (s *TradingState) TradingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradingEnabled
}

// DisableTrading latches the circuit breaker. Existing positions are
// still managed; only new entries stop.
func (s *TradingState) DisableTrading(reason string) {
	s.mu.Lock()
	changed := s.tradingEnabled
	s.tradingEnabled = false
	s.disableReason = reason
	s.metrics.CircuitBreakerTriggered = true
	s.mu.Unlock()
	if changed {
		s.Publish(Event{Type: EventLog, Data: "trading disabled: " + reason})
	}
}

// EnableTrading clears the latch (operator action).
func (s *TradingState) EnableTrading() {
	s.mu.Lock()
	s.tradingEnabled = true
	s.disableReason = ""
	s.metrics.CircuitBreakerTriggered = false
	s.mu.Unlock()
	s.Publish(Event{Type: EventLog, Data: "trading enabled"})
}

// DisableReason returns why trading is off, empty when enabled.
func (s *TradingState) DisableReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disableReason
}

// ————————————————————————————————————————————————————————————————————————
// Realized PnL, cooldowns, loss streaks
// ————————————————————————————————————————————————————————————————————————

// RecordExit books a confirmed exit: realized day PnL moves only through
// here, and the symbol's cooldown clock and loss streak update with it.
func (s *TradingState) RecordExit(symbol string, pnl float64, at time.Time) {
	s.mu.Lock()
	s.dayRealizedPnL += pnl
	s.lastExit[symbol] = at
	if pnl < 0 {
		s.lossStreak[symbol]++
	} else {
		s.lossStreak[symbol] = 0
	}
	s.mu.Unlock()
}

// AddRealizedPnL books realized PnL from a partial exit. Unlike
// RecordExit it leaves the cooldown clock and loss streak alone, since
// the position is still open.
func (s *TradingState) AddRealizedPnL(pnl float64) {
	s.mu.Lock()
	s.dayRealizedPnL += pnl
	s.mu.Unlock()
}

// DayRealizedPnL returns today's realized PnL.
func (s *TradingState) DayRealizedPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dayRealizedPnL
}

// ResetDay clears day-scoped aggregates (called at session start).
func (s *TradingState) ResetDay() {
	s.mu.Lock()
	s.dayRealizedPnL = 0
	s.mu.Unlock()
}

// LastExit returns when the symbol last exited a position.
func (s *TradingState) LastExit(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastExit[symbol]
	return t, ok
}

// LossStreak returns the symbol's consecutive-loss count.
func (s *TradingState) LossStreak(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lossStreak[symbol]
}

// HydrateCooldowns seeds exit times and loss streaks from persistence on
// restart so cooldown rules survive a process bounce.
func (s *TradingState) HydrateCooldowns(lastExit map[string]time.Time, streaks map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, t := range lastExit {
		s.lastExit[sym] = t
	}
	for sym, n := range streaks {
		s.lossStreak[sym] = n
	}
}

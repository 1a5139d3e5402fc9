// Package manager supervises open positions.
//
// Each cycle it reconciles local state against the broker (the broker is
// always the source of truth for quantities), audits that every position
// carries a working protective stop, walks the R-multiple stop ladder
// and partial-profit schedule, and enforces the end-of-day flatten. The
// manager keeps running after the circuit breaker trips: the breaker
// only stops new entries, never the defense of what is already open.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/executor"
	"trend-bot/internal/risk"
	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// adoptedStopPct is the protective floor applied to positions discovered
// at the broker with no known entry plan.
const adoptedStopPct = 0.015

// auditFailureLimit trips the circuit breaker: this many consecutive
// cycles unable to restore protection means something is structurally
// wrong with order placement.
const auditFailureLimit = 3

// TradeRecorder receives completed (or partial) round trips for
// persistence. Implementations must not block the caller.
type TradeRecorder interface {
	RecordTrade(rec types.TradeRecord)
}

// Manager runs the position supervision cycle.
type Manager struct {
	broker   broker.Broker
	state    *state.TradingState
	exec     *executor.Executor
	gate     *risk.Gate
	recorder TradeRecorder
	cfg      config.ManagerConfig
	eodExit  config.ClockTime
	logger   *slog.Logger

	// missingStopSince implements the protection-audit grace window.
	missingStopSince map[string]time.Time
	auditFailures    int

	wins, losses            int
	grossProfit, grossLoss  float64
	flattenedToday          bool
	lastCycleDay            int
}

// New creates a position manager. recorder may be nil.
func New(b broker.Broker, st *state.TradingState, exec *executor.Executor, gate *risk.Gate, recorder TradeRecorder, cfg config.ManagerConfig, eodExit config.ClockTime, logger *slog.Logger) *Manager {
	return &Manager{
		broker:           b,
		state:            st,
		exec:             exec,
		gate:             gate,
		recorder:         recorder,
		cfg:              cfg,
		eodExit:          eodExit,
		logger:           logger.With("component", "manager"),
		missingStopSince: make(map[string]time.Time),
	}
}

// Run executes the management cycle until ctx is cancelled. A panic in
// one cycle is logged and the next cycle proceeds.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("cycle panic", "panic", r, "stack", string(debug.Stack()))
					}
				}()
				m.Cycle(ctx)
			}()
		}
	}
}

// Cycle runs one full supervision pass.
func (m *Manager) Cycle(ctx context.Context) {
	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		m.logger.Warn("clock unavailable, skipping cycle", "error", err)
		return
	}
	acct, err := m.broker.GetAccount(ctx)
	if err != nil {
		m.logger.Warn("account unavailable, skipping cycle", "error", err)
		return
	}

	m.rollDay(clock.Now)
	m.reconcile(ctx)

	// EOD flatten preempts everything else in the cycle. Positions go
	// first, then a full order sweep: an entry in flight with no position
	// yet would otherwise survive and fill after the session close.
	if m.cfg.ForceEODExit && !m.flattenedToday && m.eodExit.After(clock.Now) && clock.IsOpen {
		m.FlattenAll(ctx, "eod")
		m.cancelAllOrders(ctx)
		m.flattenedToday = true
	} else {
		m.auditProtection(ctx)
		m.manageLadders(ctx)
		m.sweepRemnants(ctx, acct.Equity)
	}

	if m.gate.DailyLossBreached(acct.Equity) && m.state.TradingEnabled() {
		m.state.DisableTrading(fmt.Sprintf("daily loss cap: %.2f", m.state.DayRealizedPnL()))
	}

	m.publishMetrics(acct)
}

// rollDay resets day-scoped aggregates on the first cycle of a new
// Eastern calendar day.
func (m *Manager) rollDay(now time.Time) {
	day := now.In(config.Eastern).YearDay()
	if m.lastCycleDay != 0 && day != m.lastCycleDay {
		m.state.ResetDay()
		m.flattenedToday = false
		if !m.state.TradingEnabled() {
			m.state.EnableTrading()
		}
	}
	m.lastCycleDay = day
}

// reconcile diffs broker truth against local state: adopts unknown
// positions, syncs quantities and prices, and books exits for positions
// the broker no longer holds.
func (m *Manager) reconcile(ctx context.Context) {
	brokerPositions, err := m.broker.ListPositions(ctx)
	if err != nil {
		m.logger.Warn("reconcile skipped", "error", err)
		return
	}

	atBroker := make(map[string]types.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		atBroker[p.Symbol] = p
	}

	for _, local := range m.state.Positions() {
		remote, held := atBroker[local.Symbol]
		if !held {
			m.bookClose(local, local.CurrentPrice, "reconcile")
			continue
		}
		delete(atBroker, local.Symbol)

		lock := m.state.SymbolLock(local.Symbol)
		lock.Lock()
		cur, ok := m.state.Position(local.Symbol)
		if !ok {
			lock.Unlock()
			continue
		}
		if remote.Qty < cur.Qty {
			m.logger.Info("external size reduction", "symbol", cur.Symbol, "from", cur.Qty, "to", remote.Qty)
		}
		cur.Qty = remote.Qty
		cur.CurrentPrice = remote.CurrentPrice
		cur.MarketValue = remote.MarketValue
		cur.UnrealizedPnL = remote.UnrealizedPnL
		cur.UnrealizedPnLPct = remote.UnrealizedPnLPct
		m.state.SetPosition(cur)
		lock.Unlock()

		m.state.Publish(state.Event{Type: state.EventPnLUpdate, Symbol: cur.Symbol, Data: cur})
	}

	// Anything left was opened outside the engine (manual trade, restart
	// gap). Adopt it with a protective floor; the audit attaches the stop.
	for _, remote := range atBroker {
		adopted := remote
		adopted.OriginalQty = remote.Qty
		if adopted.StopLoss == 0 {
			dist := adopted.AvgEntryPrice * adoptedStopPct
			if adopted.Side == types.Sell {
				adopted.StopLoss = adopted.AvgEntryPrice + dist
			} else {
				adopted.StopLoss = adopted.AvgEntryPrice - dist
			}
		}
		m.state.SetPosition(adopted)
		m.state.Publish(state.Event{Type: state.EventOpened, Symbol: adopted.Symbol, Data: adopted})
		m.logger.Info("adopted position", "symbol", adopted.Symbol, "qty", adopted.Qty, "stop", adopted.StopLoss)
	}
}

// bookClose finalizes a position the broker no longer holds.
func (m *Manager) bookClose(pos types.Position, exitPrice float64, reason string) {
	removed, ok := m.state.RemovePosition(pos.Symbol)
	if !ok {
		return
	}
	if exitPrice == 0 {
		exitPrice = removed.CurrentPrice
	}

	pnl := realized(removed.Side, removed.AvgEntryPrice, exitPrice, removed.Qty)
	now := time.Now()
	m.state.RecordExit(removed.Symbol, pnl, now)
	m.tally(pnl)

	rec := types.TradeRecord{
		Symbol:     removed.Symbol,
		Side:       removed.Side,
		Qty:        removed.Qty,
		EntryPrice: removed.AvgEntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  removed.EntryTime,
		ExitTime:   &now,
		PnL:        pnl,
		Reason:     reason,
	}
	if removed.AvgEntryPrice > 0 {
		rec.PnLPct = pnl / (removed.AvgEntryPrice * removed.Qty) * 100
	}
	if removed.InitialRisk > 0 {
		rec.RMultiple = realized(removed.Side, removed.AvgEntryPrice, exitPrice, 1) / removed.InitialRisk
	}
	if m.recorder != nil {
		m.recorder.RecordTrade(rec)
	}

	m.state.Publish(state.Event{Type: state.EventClosed, Symbol: removed.Symbol, Data: rec})
	m.logger.Info("position closed",
		"symbol", removed.Symbol,
		"pnl", fmt.Sprintf("%.2f", pnl),
		"reason", reason,
	)
}

func (m *Manager) tally(pnl float64) {
	if pnl >= 0 {
		m.wins++
		m.grossProfit += pnl
	} else {
		m.losses++
		m.grossLoss += -pnl
	}
}

// sweepRemnants closes leftover slivers from partial exits: positions
// worth less than the configured fraction of equity that have already
// been reduced.
func (m *Manager) sweepRemnants(ctx context.Context, equity float64) {
	for _, pos := range m.state.Positions() {
		reduced := len(pos.PartialsTaken) > 0 || pos.Qty < pos.OriginalQty
		if !reduced || math.Abs(pos.MarketValue) >= equity*m.cfg.RemnantPct {
			continue
		}
		m.logger.Info("closing remnant", "symbol", pos.Symbol, "value", pos.MarketValue)
		m.closePosition(ctx, pos, "remnant")
	}
}

// FlattenAll closes every open position. Used by the EOD rule and the
// operator flatten command.
func (m *Manager) FlattenAll(ctx context.Context, reason string) {
	for _, pos := range m.state.Positions() {
		m.closePosition(ctx, pos, reason)
	}
}

// CloseSymbol closes one position on operator request.
func (m *Manager) CloseSymbol(ctx context.Context, symbol, reason string) error {
	pos, ok := m.state.Position(symbol)
	if !ok {
		return fmt.Errorf("no open position in %s", symbol)
	}
	m.closePosition(ctx, pos, reason)
	return nil
}

// closePosition cancels the protective legs and exits at market.
func (m *Manager) closePosition(ctx context.Context, pos types.Position, reason string) {
	lock := m.state.SymbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := m.state.Position(pos.Symbol)
	if !ok {
		return
	}

	// A protective leg can fill while we cancel it. The position is
	// already flat then; book the broker's fill instead of market-exiting
	// nothing.
	if filled := m.cancelProtection(ctx, pos.Symbol); filled != nil {
		m.bookClose(pos, filled.FilledAvgPrice, reason)
		return
	}

	order, err := m.exec.Exit(ctx, pos, pos.Qty, types.IntentFlatten)
	if err != nil {
		m.logger.Error("flatten failed", "symbol", pos.Symbol, "error", err)
		// Last resort: let the broker liquidate however it can.
		if cerr := m.broker.ClosePosition(ctx, pos.Symbol); cerr != nil {
			m.logger.Error("broker close failed", "symbol", pos.Symbol, "error", cerr)
			return
		}
		m.bookClose(pos, pos.CurrentPrice, reason)
		return
	}
	m.bookClose(pos, order.FilledAvgPrice, reason)
}

// cancelProtection cancels all open child orders for a symbol. A cancel
// racing a fill means the leg executed; the filled order is refetched
// and returned so the caller can book the exit at the broker's price.
func (m *Manager) cancelProtection(ctx context.Context, symbol string) *types.Order {
	open, err := m.broker.ListOrders(ctx, "open")
	if err != nil {
		m.logger.Warn("list orders failed", "symbol", symbol, "error", err)
		return nil
	}
	var filled *types.Order
	for _, o := range open {
		if o.Symbol != symbol {
			continue
		}
		err := m.broker.CancelOrder(ctx, o.OrderID)
		switch {
		case err == nil:
		case broker.IsRace(err):
			final, gerr := m.broker.GetOrder(ctx, o.OrderID)
			if gerr != nil {
				m.logger.Warn("race refetch failed", "symbol", symbol, "order_id", o.OrderID, "error", gerr)
				continue
			}
			if final.Status == types.StatusFilled {
				m.logger.Info("protective leg filled during cancel",
					"symbol", symbol, "order_id", o.OrderID, "price", final.FilledAvgPrice)
				filled = &final
			}
		default:
			m.logger.Warn("cancel failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
		}
	}
	return filled
}

// cancelAllOrders sweeps every working order, any symbol, any intent.
func (m *Manager) cancelAllOrders(ctx context.Context) {
	open, err := m.broker.ListOrders(ctx, "open")
	if err != nil {
		m.logger.Warn("order sweep skipped", "error", err)
		return
	}
	for _, o := range open {
		if err := m.broker.CancelOrder(ctx, o.OrderID); err != nil && !broker.IsRace(err) {
			m.logger.Warn("cancel failed", "symbol", o.Symbol, "order_id", o.OrderID, "error", err)
		}
	}
}

// publishMetrics refreshes account-level aggregates in shared state.
func (m *Manager) publishMetrics(acct broker.AccountSnapshot) {
	total := m.wins + m.losses
	metrics := types.Metrics{
		Equity:        acct.Equity,
		Cash:          acct.Cash,
		BuyingPower:   acct.BuyingPower,
		DayPnL:        m.state.DayRealizedPnL(),
		Wins:          m.wins,
		Losses:        m.losses,
		TotalTrades:   total,
		OpenPositions: m.state.OpenPositionCount(),
	}
	if total > 0 {
		metrics.WinRate = float64(m.wins) / float64(total)
	}
	if m.grossLoss > 0 {
		metrics.ProfitFactor = m.grossProfit / m.grossLoss
	}
	m.state.SetMetrics(metrics)
	m.state.Publish(state.Event{Type: state.EventMetrics, Data: m.state.Metrics()})
}

// rankByProfit orders open positions by R-multiple, best first. Trailing
// is granted to the top N when the cap is set.
func (m *Manager) rankByProfit() []types.Position {
	positions := m.state.Positions()
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].RMultiple() > positions[j].RMultiple()
	})
	return positions
}

// realized returns signed PnL for qty shares between entry and exit.
func realized(side types.Side, entry, exit, qty float64) float64 {
	if side == types.Sell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

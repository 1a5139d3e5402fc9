package manager

import (
	"context"
	"fmt"
	"math"
	"time"

	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// partialRung is one step of the profit ladder: at level R, harvest frac
// of the original size. The final rung closes whatever remains.
type partialRung struct {
	level float64
	frac  float64
	rest  bool
}

var partialLadder = []partialRung{
	{level: 2.0, frac: 0.50},
	{level: 3.0, frac: 0.25},
	{level: 4.0, rest: true},
}

// manageLadders walks every position through the stop ladder, trailing
// stop and partial-profit schedule. Positions are ranked by R-multiple
// so the trailing cap goes to the most profitable ones.
func (m *Manager) manageLadders(ctx context.Context) {
	open, err := m.broker.ListOrders(ctx, "open")
	if err != nil {
		m.logger.Warn("ladder pass skipped", "error", err)
		return
	}

	for i, pos := range m.rankByProfit() {
		trailAllowed := m.cfg.TrailingEnabled &&
			(m.cfg.MaxTrailingPositions == 0 || i < m.cfg.MaxTrailingPositions)

		lock := m.state.SymbolLock(pos.Symbol)
		lock.Lock()
		if cur, ok := m.state.Position(pos.Symbol); ok {
			m.managePosition(ctx, cur, open, trailAllowed)
		}
		lock.Unlock()
	}
}

// managePosition applies stop improvements and the partial ladder to one
// position. Caller holds the symbol lock.
func (m *Manager) managePosition(ctx context.Context, pos types.Position, open []types.Order, trailAllowed bool) {
	if pos.InitialRisk <= 0 || pos.Qty <= 0 {
		return
	}
	r := pos.RMultiple()

	desired := ladderStop(pos, r)
	if trailAllowed && r >= m.cfg.TrailingActivationR {
		if !pos.TrailingActive {
			pos.TrailingActive = true
			m.logger.Info("trailing activated", "symbol", pos.Symbol, "r", fmt.Sprintf("%.2f", r))
		}
		desired = better(pos.Side, desired, m.trailingStop(pos))
	}
	// Stops only tighten.
	desired = better(pos.Side, desired, pos.StopLoss)
	desired = math.Round(desired*100) / 100

	if improves(pos.Side, desired, pos.StopLoss) {
		if m.moveStop(ctx, pos, open, desired) {
			pos.StopLoss = desired
			m.state.SetPosition(pos)
			m.state.Publish(state.Event{Type: state.EventPosition, Symbol: pos.Symbol, Data: pos})
			m.logger.Info("stop raised",
				"symbol", pos.Symbol,
				"stop", desired,
				"r", fmt.Sprintf("%.2f", r),
			)
		}
	} else {
		m.state.SetPosition(pos)
	}

	m.takePartials(ctx, pos, open, r)
}

// ladderStop maps the current R-multiple to the locked-in stop level.
// Below 1R the initial stop stands.
func ladderStop(pos types.Position, r float64) float64 {
	var lockR float64
	switch {
	case r >= 4.0:
		lockR = 2.0
	case r >= 3.0:
		lockR = 1.5
	case r >= 2.0:
		lockR = 1.0
	case r >= 1.5:
		lockR = 0.5
	case r >= 1.0:
		lockR = 0
	default:
		return pos.StopLoss
	}
	if pos.Side == types.Sell {
		return pos.AvgEntryPrice - lockR*pos.InitialRisk
	}
	return pos.AvgEntryPrice + lockR*pos.InitialRisk
}

// trailingStop computes the trail level: the wider of the percent
// distance and the R-scaled distance behind the current price.
func (m *Manager) trailingStop(pos types.Position) float64 {
	dist := pos.CurrentPrice * m.cfg.TrailingDistancePct
	if rDist := m.cfg.TrailingDistanceR * pos.InitialRisk; rDist > dist {
		dist = rDist
	}
	if pos.Side == types.Sell {
		return pos.CurrentPrice + dist
	}
	return pos.CurrentPrice - dist
}

// moveStop replaces the working stop order at the new level.
func (m *Manager) moveStop(ctx context.Context, pos types.Position, open []types.Order, stopPrice float64) bool {
	stop := findLeg(open, pos, types.OrderStop, types.OrderTrailingStop)
	if stop == nil {
		// The audit owns reconstruction; do not race it here.
		return false
	}
	if _, err := m.broker.ReplaceOrder(ctx, stop.OrderID, pos.Qty, 0, stopPrice); err != nil {
		m.logger.Warn("stop move failed", "symbol", pos.Symbol, "error", err)
		return false
	}
	return true
}

// takePartials harvests at most one ladder rung per cycle so fills and
// leg resizes settle between steps.
func (m *Manager) takePartials(ctx context.Context, pos types.Position, open []types.Order, r float64) {
	if !m.cfg.PartialProfits {
		return
	}

	for _, rung := range partialLadder {
		if r < rung.level || pos.PartialTaken(rung.level) {
			continue
		}

		qty := math.Floor(pos.OriginalQty * rung.frac)
		if rung.rest || qty >= pos.Qty {
			qty = pos.Qty
		}
		if qty <= 0 {
			return
		}

		if m.cfg.PartialShadowMode {
			pos.PartialsTaken = append(pos.PartialsTaken, rung.level)
			m.state.SetPosition(pos)
			m.logger.Info("shadow partial",
				"symbol", pos.Symbol,
				"r_level", rung.level,
				"would_sell", qty,
			)
			return
		}

		if rung.rest || qty >= pos.Qty {
			m.exitRest(ctx, pos, fmt.Sprintf("ladder_%.0fr", rung.level))
			return
		}
		m.takePartial(ctx, pos, open, rung.level, qty)
		return
	}
}

// takePartial shrinks the protective legs to the remaining size, then
// exits qty shares at market and books the realized slice.
func (m *Manager) takePartial(ctx context.Context, pos types.Position, open []types.Order, level, qty float64) {
	remaining := pos.Qty - qty

	// Qty-only replaces: zero prices leave the working levels untouched,
	// so a stop raised earlier in this cycle is not dragged back.
	if stop := findLeg(open, pos, types.OrderStop, types.OrderTrailingStop); stop != nil {
		if _, err := m.broker.ReplaceOrder(ctx, stop.OrderID, remaining, 0, 0); err != nil {
			m.logger.Warn("stop shrink before partial failed", "symbol", pos.Symbol, "error", err)
			return
		}
	}
	if tp := findLeg(open, pos, types.OrderLimit); tp != nil {
		if _, err := m.broker.ReplaceOrder(ctx, tp.OrderID, remaining, 0, 0); err != nil {
			m.logger.Warn("take-profit shrink before partial failed", "symbol", pos.Symbol, "error", err)
		}
	}

	order, err := m.exec.Exit(ctx, pos, qty, types.IntentPartial)
	if err != nil {
		m.logger.Error("partial exit failed", "symbol", pos.Symbol, "r_level", level, "error", err)
		return
	}

	pnl := realized(pos.Side, pos.AvgEntryPrice, order.FilledAvgPrice, order.FilledQty)
	m.state.AddRealizedPnL(pnl)

	pos.Qty -= order.FilledQty
	pos.PartialsTaken = append(pos.PartialsTaken, level)
	m.state.SetPosition(pos)
	m.state.Publish(state.Event{Type: state.EventPosition, Symbol: pos.Symbol, Data: pos})

	now := time.Now()
	rec := types.TradeRecord{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Qty:           order.FilledQty,
		EntryPrice:    pos.AvgEntryPrice,
		ExitPrice:     order.FilledAvgPrice,
		EntryTime:     pos.EntryTime,
		ExitTime:      &now,
		PnL:           pnl,
		RMultiple:     level,
		Reason:        fmt.Sprintf("partial_%.0fr", level),
		ClientOrderID: order.ClientOrderID,
	}
	if m.recorder != nil {
		m.recorder.RecordTrade(rec)
	}

	m.logger.Info("partial taken",
		"symbol", pos.Symbol,
		"r_level", level,
		"qty", order.FilledQty,
		"pnl", fmt.Sprintf("%.2f", pnl),
	)
}

// exitRest closes the remaining shares of a laddered position. Caller
// holds the symbol lock, so this does not go through closePosition.
func (m *Manager) exitRest(ctx context.Context, pos types.Position, reason string) {
	m.cancelProtection(ctx, pos.Symbol)
	order, err := m.exec.Exit(ctx, pos, pos.Qty, types.IntentFlatten)
	if err != nil {
		m.logger.Error("ladder exit failed", "symbol", pos.Symbol, "error", err)
		return
	}
	m.bookClose(pos, order.FilledAvgPrice, reason)
}

// better returns the tighter of two stop levels for the side.
func better(side types.Side, a, b float64) float64 {
	if side == types.Sell {
		if a == 0 {
			return b
		}
		if b == 0 || a < b {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

// improves reports whether the candidate tightens the stop by at least a
// cent.
func improves(side types.Side, candidate, current float64) bool {
	if side == types.Sell {
		return current == 0 || current-candidate >= 0.01
	}
	return candidate-current >= 0.01
}

package manager

import (
	"context"
	"time"

	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// auditProtection verifies every open position has a working stop of the
// right size. A position may be momentarily naked right after entry or
// after a leg cancel; the grace window absorbs that. Past the grace the
// audit cancels whatever stale children remain and rebuilds both legs.
func (m *Manager) auditProtection(ctx context.Context) {
	open, err := m.broker.ListOrders(ctx, "open")
	if err != nil {
		m.logger.Warn("protection audit skipped", "error", err)
		m.noteAuditResult(false)
		return
	}

	healthy := true
	for _, pos := range m.state.Positions() {
		lock := m.state.SymbolLock(pos.Symbol)
		lock.Lock()
		cur, ok := m.state.Position(pos.Symbol)
		if !ok {
			lock.Unlock()
			continue
		}
		if !m.auditOne(ctx, cur, open) {
			healthy = false
		}
		lock.Unlock()
	}
	m.noteAuditResult(healthy)
}

// auditOne checks one position. Returns false when healing failed.
func (m *Manager) auditOne(ctx context.Context, pos types.Position, open []types.Order) bool {
	stop := findLeg(open, pos, types.OrderStop, types.OrderTrailingStop)

	if stop == nil {
		since, tracked := m.missingStopSince[pos.Symbol]
		if !tracked {
			m.missingStopSince[pos.Symbol] = time.Now()
			return true
		}
		if time.Since(since) < m.cfg.ProtectionGrace {
			return true
		}

		m.logger.Warn("position unprotected past grace, rebuilding legs",
			"symbol", pos.Symbol, "naked_for", time.Since(since).Round(time.Second))
		if filled := m.cancelProtection(ctx, pos.Symbol); filled != nil {
			// A stale leg filled mid-cancel: the position just exited.
			m.bookClose(pos, filled.FilledAvgPrice, "stop")
			delete(m.missingStopSince, pos.Symbol)
			return true
		}
		if err := m.exec.AttachProtection(ctx, pos, ""); err != nil {
			m.logger.Error("protection rebuild failed", "symbol", pos.Symbol, "error", err)
			return false
		}
		delete(m.missingStopSince, pos.Symbol)
		m.state.Publish(state.Event{Type: state.EventLog, Symbol: pos.Symbol, Data: "protection rebuilt"})
		return true
	}

	delete(m.missingStopSince, pos.Symbol)

	// Size shuffle: after a partial exit the legs must cover exactly the
	// remaining shares, or the broker holds shares hostage / leaves some
	// naked.
	if stop.Qty != pos.Qty && pos.Qty > 0 {
		if _, err := m.broker.ReplaceOrder(ctx, stop.OrderID, pos.Qty, 0, 0); err != nil {
			m.logger.Warn("stop resize failed", "symbol", pos.Symbol, "error", err)
			return false
		}
	}
	if tp := findLeg(open, pos, types.OrderLimit); tp != nil && tp.Qty != pos.Qty && pos.Qty > 0 {
		if _, err := m.broker.ReplaceOrder(ctx, tp.OrderID, pos.Qty, 0, 0); err != nil {
			m.logger.Warn("take-profit resize failed", "symbol", pos.Symbol, "error", err)
		}
	}
	return true
}

// noteAuditResult tracks consecutive audit failures and trips the
// circuit breaker at the limit. Any clean pass resets the count.
func (m *Manager) noteAuditResult(healthy bool) {
	if healthy {
		m.auditFailures = 0
		return
	}
	m.auditFailures++
	if m.auditFailures >= auditFailureLimit && m.state.TradingEnabled() {
		m.state.DisableTrading("protection audit failed repeatedly")
	}
}

// findLeg returns the open exit-side order of one of the given types for
// the position, or nil.
func findLeg(open []types.Order, pos types.Position, kinds ...types.OrderType) *types.Order {
	exit := pos.Side.Opposite()
	for i := range open {
		o := open[i]
		if o.Symbol != pos.Symbol || o.Side != exit {
			continue
		}
		for _, k := range kinds {
			if o.Type == k {
				return &open[i]
			}
		}
	}
	return nil
}

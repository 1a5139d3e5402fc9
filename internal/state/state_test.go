package state

import (
	"testing"
	"time"

	"trend-bot/pkg/types"
)

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	s := New()
	ch := s.Subscribe()

	// Overrun the subscriber buffer; the publisher must keep going.
	for i := 0; i < 300; i++ {
		s.Publish(Event{Type: EventLog, Data: i})
	}
	if len(ch) != 256 {
		t.Errorf("buffered events = %d, want the full 256", len(ch))
	}

	evt := <-ch
	if evt.Ts.IsZero() {
		t.Error("publish did not stamp a timestamp")
	}
}

func TestRecordExitTracksStreakAndCooldown(t *testing.T) {
	t.Parallel()
	s := New()
	at := time.Now()

	s.RecordExit("AAPL", -50, at)
	s.RecordExit("AAPL", -30, at.Add(time.Minute))
	if got := s.LossStreak("AAPL"); got != 2 {
		t.Errorf("streak after two losses = %d, want 2", got)
	}
	if last, ok := s.LastExit("AAPL"); !ok || !last.Equal(at.Add(time.Minute)) {
		t.Errorf("last exit = %v %v, want the second exit time", last, ok)
	}

	// A winner clears the streak.
	s.RecordExit("AAPL", 100, at.Add(2*time.Minute))
	if got := s.LossStreak("AAPL"); got != 0 {
		t.Errorf("streak after a win = %d, want 0", got)
	}
	if got := s.DayRealizedPnL(); got != 20 {
		t.Errorf("day pnl = %v, want 20", got)
	}
}

func TestAddRealizedPnLLeavesCooldownAlone(t *testing.T) {
	t.Parallel()
	s := New()

	s.AddRealizedPnL(-75)
	if got := s.DayRealizedPnL(); got != -75 {
		t.Errorf("day pnl = %v, want -75", got)
	}
	if _, ok := s.LastExit("AAPL"); ok {
		t.Error("partial exit booked a cooldown")
	}
	if got := s.LossStreak("AAPL"); got != 0 {
		t.Errorf("partial exit bumped the loss streak to %d", got)
	}

	s.ResetDay()
	if got := s.DayRealizedPnL(); got != 0 {
		t.Errorf("day pnl after reset = %v, want 0", got)
	}
}

func TestDisableTradingLatches(t *testing.T) {
	t.Parallel()
	s := New()
	if !s.TradingEnabled() {
		t.Fatal("new state must start enabled")
	}

	s.DisableTrading("daily loss limit")
	if s.TradingEnabled() {
		t.Fatal("disable did not stick")
	}
	if got := s.DisableReason(); got != "daily loss limit" {
		t.Errorf("reason = %q", got)
	}

	// A metrics refresh must not clear the breaker flag.
	s.SetMetrics(types.Metrics{Equity: 100_000})
	if !s.Metrics().CircuitBreakerTriggered {
		t.Error("metrics refresh dropped the circuit-breaker flag")
	}

	s.EnableTrading()
	if !s.TradingEnabled() {
		t.Error("enable did not clear the latch")
	}
	s.SetMetrics(types.Metrics{Equity: 100_000})
	if s.Metrics().CircuitBreakerTriggered {
		t.Error("breaker flag survived re-enable")
	}
}

func TestPruneTerminalOrders(t *testing.T) {
	t.Parallel()
	s := New()
	old := time.Now().Add(-2 * time.Hour)

	s.SetOrder(types.Order{OrderID: "stale-filled", Status: types.StatusFilled, SubmittedAt: old})
	s.SetOrder(types.Order{OrderID: "fresh-filled", Status: types.StatusFilled, SubmittedAt: time.Now()})
	s.SetOrder(types.Order{OrderID: "stale-open", Status: types.StatusNew, SubmittedAt: old})

	s.PruneTerminalOrders(time.Now().Add(-time.Hour))

	remaining := map[string]bool{}
	for _, o := range s.Orders() {
		remaining[o.OrderID] = true
	}
	if remaining["stale-filled"] {
		t.Error("stale terminal order survived the prune")
	}
	if !remaining["fresh-filled"] || !remaining["stale-open"] {
		t.Errorf("prune dropped live records: %v", remaining)
	}
}

func TestRemovePosition(t *testing.T) {
	t.Parallel()
	s := New()
	s.SetPosition(types.Position{Symbol: "AAPL", Qty: 10})

	p, ok := s.RemovePosition("AAPL")
	if !ok || p.Qty != 10 {
		t.Errorf("removed = %+v %v", p, ok)
	}
	if _, ok := s.RemovePosition("AAPL"); ok {
		t.Error("second remove reported a position")
	}
	if s.OpenPositionCount() != 0 {
		t.Errorf("open count = %d, want 0", s.OpenPositionCount())
	}
}

func TestSymbolLockIsStable(t *testing.T) {
	t.Parallel()
	s := New()
	if s.SymbolLock("AAPL") != s.SymbolLock("AAPL") {
		t.Error("same symbol returned different locks")
	}
	if s.SymbolLock("AAPL") == s.SymbolLock("MSFT") {
		t.Error("different symbols share a lock")
	}
}

func TestHydrateCooldowns(t *testing.T) {
	t.Parallel()
	s := New()
	at := time.Now().Add(-30 * time.Minute)

	s.HydrateCooldowns(
		map[string]time.Time{"AAPL": at},
		map[string]int{"AAPL": 2},
	)

	if last, ok := s.LastExit("AAPL"); !ok || !last.Equal(at) {
		t.Errorf("hydrated exit = %v %v", last, ok)
	}
	if got := s.LossStreak("AAPL"); got != 2 {
		t.Errorf("hydrated streak = %d, want 2", got)
	}
}

func TestWatchlistSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	s := New()
	s.SetWatchlist([]types.Opportunity{{Symbol: "AAPL"}, {Symbol: "MSFT"}})

	wl := s.Watchlist()
	wl[0].Symbol = "XXXX"
	if s.Watchlist()[0].Symbol != "AAPL" {
		t.Error("caller mutation leaked into shared state")
	}
}

package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositions:         5,
		MaxPositionPct:       0.10,
		BaseRiskPct:          0.005,
		MinNotionalPct:       0.005,
		LongThreshold:        60,
		ShortThreshold:       65,
		SymbolCooldown:       2 * time.Hour,
		ConsecutiveLossLimit: 2,
		DailyLossCapPct:      0.03,
		BuyingPowerBuffer:    0.20,
	}
}

func newTestGate(st *state.TradingState) *Gate {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cutoff, _ := config.ParseEasternClock("15:30")
	return NewGate(testRiskConfig(), config.StrategyConfig{ADXMin: 20}, cutoff, st, logger)
}

// seedFlow gives a symbol a snapshot that clears the volatility filter.
func seedFlow(st *state.TradingState, symbol string) {
	st.SetFeatures(types.Features{Symbol: symbol, Valid: true, ADX: 30, VolumeRatio: 2.0})
}

func testSignal() types.Signal {
	return types.Signal{
		Symbol:      "AAPL",
		Side:        types.Buy,
		EntryRef:    20,
		InitialStop: 18,
		TakeProfit:  30,
		Confidence:  65,
		Ts:          time.Now(),
	}
}

func testAccount() broker.AccountSnapshot {
	return broker.AccountSnapshot{Equity: 100_000, Cash: 100_000, BuyingPower: 200_000}
}

// morningET is a mid-session Eastern timestamp, well before the cutoff.
func morningET() time.Time {
	return time.Date(2026, 3, 10, 10, 30, 0, 0, config.Eastern)
}

func TestApproveSizesFromEquityAndMultipliers(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetRegime(types.Regime{
		Kind:                   types.RegimeBroadBullish,
		PositionSizeMultiplier: 1.5,
		SentimentScore:         50,
	})
	seedFlow(st, "AAPL")
	g := newTestGate(st)

	// 100k * 0.005 * conf 1.0 * regime 1.5 * sentiment 1.0 = 750 dollar risk.
	// Risk per share is $2, so 375 shares.
	d := g.Approve(testSignal(), testAccount(), true, morningET())
	if !d.Approved {
		t.Fatalf("rejected: %s (%s)", d.Reason, d.Detail)
	}
	if d.Qty != 375 {
		t.Errorf("qty = %v, want 375", d.Qty)
	}
}

func TestApproveStopFloorWidensRisk(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetRegime(types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50})
	seedFlow(st, "AAPL")

	// Lift the per-symbol cap so the floored risk drives the size.
	cfg := testRiskConfig()
	cfg.MaxPositionPct = 1.0
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cutoff, _ := config.ParseEasternClock("15:30")
	g := NewGate(cfg, config.StrategyConfig{ADXMin: 20}, cutoff, st, logger)

	// Stop only $0.05 away: the 1.5% floor ($0.30 on a $20 entry) governs.
	sig := testSignal()
	sig.InitialStop = 19.95

	d := g.Approve(sig, testAccount(), true, morningET())
	if !d.Approved {
		t.Fatalf("rejected: %s (%s)", d.Reason, d.Detail)
	}
	// 100k * 0.005 / 0.30 = 1666.6 → 1666; unfloored it would be 10000.
	if d.Qty != 1666 {
		t.Errorf("qty = %v, want 1666", d.Qty)
	}
}

func TestApproveEquityCap(t *testing.T) {
	t.Parallel()
	st := state.New()
	// Broad bullish sizing on a wide account would want more than 10% of
	// equity in one name; the cap wins.
	st.SetRegime(types.Regime{PositionSizeMultiplier: 1.5, SentimentScore: 90})
	seedFlow(st, "AAPL")
	g := newTestGate(st)

	sig := testSignal()
	sig.Confidence = 90    // 1.25x
	sig.InitialStop = 19.7 // floored to $0.30
	acct := testAccount()
	acct.Equity = 20_000
	acct.BuyingPower = 400_000

	d := g.Approve(sig, acct, true, morningET())
	if !d.Approved {
		t.Fatalf("rejected: %s (%s)", d.Reason, d.Detail)
	}
	// 10% of 20k at $20 = 100 shares max; risk-based size is far larger.
	if d.Qty != 100 {
		t.Errorf("qty = %v, want equity-capped 100", d.Qty)
	}
}

func TestApproveRejectionPipeline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(st *state.TradingState)
		sig    func() types.Signal
		acct   func() broker.AccountSnapshot
		open   bool
		now    time.Time
		reason types.RejectReason
	}{
		{
			name:   "circuit breaker",
			setup:  func(st *state.TradingState) { st.DisableTrading("daily loss cap") },
			reason: types.ReasonDisabled,
		},
		{
			name:   "market closed",
			open:   false,
			reason: types.ReasonMarketClosed,
		},
		{
			name:   "entry cutoff",
			now:    time.Date(2026, 3, 10, 15, 30, 0, 0, config.Eastern),
			reason: types.ReasonEntryCutoff,
		},
		{
			name: "position exists",
			setup: func(st *state.TradingState) {
				st.SetPosition(types.Position{Symbol: "AAPL", Side: types.Buy, Qty: 10})
			},
			reason: types.ReasonPositionExists,
		},
		{
			name: "cap reached",
			setup: func(st *state.TradingState) {
				for _, sym := range []string{"MSFT", "NVDA", "AMZN", "META", "TSLA"} {
					st.SetPosition(types.Position{Symbol: sym, Side: types.Buy, Qty: 1})
				}
			},
			reason: types.ReasonCapReached,
		},
		{
			name: "cooldown",
			setup: func(st *state.TradingState) {
				st.RecordExit("AAPL", 12.0, morningET().Add(-30*time.Minute))
			},
			reason: types.ReasonCooldown,
		},
		{
			name: "below threshold",
			sig: func() types.Signal {
				s := testSignal()
				s.Confidence = 55
				return s
			},
			reason: types.ReasonBelowThreshold,
		},
		{
			name: "weak adx filtered",
			setup: func(st *state.TradingState) {
				st.SetFeatures(types.Features{Symbol: "AAPL", Valid: true, ADX: 15, VolumeRatio: 2.0})
			},
			reason: types.ReasonVolatilityFilter,
		},
		{
			name: "thin volume filtered",
			setup: func(st *state.TradingState) {
				st.SetFeatures(types.Features{Symbol: "AAPL", Valid: true, ADX: 30, VolumeRatio: 1.1})
			},
			reason: types.ReasonVolatilityFilter,
		},
		{
			name:   "no feature snapshot",
			reason: types.ReasonVolatilityFilter,
		},
		{
			name: "invalid snapshot filtered",
			setup: func(st *state.TradingState) {
				st.SetFeatures(types.Features{Symbol: "AAPL", Valid: false, ADX: 30, VolumeRatio: 2.0})
			},
			reason: types.ReasonVolatilityFilter,
		},
		{
			name:  "insufficient buying power",
			setup: func(st *state.TradingState) { seedFlow(st, "AAPL") },
			acct: func() broker.AccountSnapshot {
				return broker.AccountSnapshot{Equity: 100_000, BuyingPower: 20}
			},
			reason: types.ReasonInsufficientBP,
		},
		{
			name:  "below min notional",
			setup: func(st *state.TradingState) { seedFlow(st, "AAPL") },
			acct: func() broker.AccountSnapshot {
				// Tiny dollar risk against a huge equity base: a handful of
				// shares never clears 0.5% of equity.
				return broker.AccountSnapshot{Equity: 10_000_000, BuyingPower: 3_000}
			},
			reason: types.ReasonBelowMinSize,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := state.New()
			st.SetRegime(types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50})
			if tt.setup != nil {
				tt.setup(st)
			}
			g := newTestGate(st)

			sig := testSignal()
			if tt.sig != nil {
				sig = tt.sig()
			}
			acct := testAccount()
			if tt.acct != nil {
				acct = tt.acct()
			}
			open := true
			if tt.name == "market closed" {
				open = tt.open
			}
			now := morningET()
			if !tt.now.IsZero() {
				now = tt.now
			}

			d := g.Approve(sig, acct, open, now)
			if d.Approved {
				t.Fatalf("approved qty %v, want rejection %s", d.Qty, tt.reason)
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %s (%s), want %s", d.Reason, d.Detail, tt.reason)
			}
		})
	}
}

func TestVolatilityFilterHonorsConfiguredADXFloor(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetRegime(types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50})
	st.SetFeatures(types.Features{Symbol: "AAPL", Valid: true, ADX: 22, VolumeRatio: 2.0})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cutoff, _ := config.ParseEasternClock("15:30")
	g := NewGate(testRiskConfig(), config.StrategyConfig{ADXMin: 25}, cutoff, st, logger)

	d := g.Approve(testSignal(), testAccount(), true, morningET())
	if d.Approved || d.Reason != types.ReasonVolatilityFilter {
		t.Fatalf("decision = %+v, want rejection under the raised ADX floor", d)
	}

	st.SetFeatures(types.Features{Symbol: "AAPL", Valid: true, ADX: 26, VolumeRatio: 2.0})
	if d := g.Approve(testSignal(), testAccount(), true, morningET()); !d.Approved {
		t.Errorf("rejected above the floor: %s (%s)", d.Reason, d.Detail)
	}
}

func TestCooldownDoublesAfterLossStreak(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetRegime(types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50})
	seedFlow(st, "AAPL")
	seedFlow(st, "MSFT")
	g := newTestGate(st)

	// Two losses in a row, last exit 3h ago: the base 2h cooldown has
	// lapsed, but the doubled 4h window has not.
	exit := morningET().Add(-3 * time.Hour)
	st.RecordExit("AAPL", -50, exit.Add(-time.Hour))
	st.RecordExit("AAPL", -30, exit)

	d := g.Approve(testSignal(), testAccount(), true, morningET())
	if d.Approved || d.Reason != types.ReasonCooldown {
		t.Fatalf("decision = %+v, want doubled cooldown rejection", d)
	}

	// A winning symbol with the same timing passes.
	st.RecordExit("MSFT", 80, exit)
	sig := testSignal()
	sig.Symbol = "MSFT"
	if d := g.Approve(sig, testAccount(), true, morningET()); !d.Approved {
		t.Errorf("winner after base cooldown rejected: %s (%s)", d.Reason, d.Detail)
	}
}

func TestThresholdAdaptsToRegimeAndSentiment(t *testing.T) {
	t.Parallel()
	st := state.New()
	g := newTestGate(st)

	tests := []struct {
		name   string
		side   types.Side
		regime types.Regime
		want   float64
	}{
		{"neutral long", types.Buy, types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50}, 60},
		{"neutral short", types.Sell, types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 50}, 65},
		{"strong trend eases long", types.Buy, types.Regime{PositionSizeMultiplier: 1.5, SentimentScore: 50}, 55},
		{"defensive raises long", types.Buy, types.Regime{PositionSizeMultiplier: 0.5, SentimentScore: 50}, 75},
		{"greed raises long bar", types.Buy, types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 100}, 70},
		{"greed eases short bar", types.Sell, types.Regime{PositionSizeMultiplier: 1.0, SentimentScore: 100}, 55},
		{"adjustment clamped at +25", types.Buy, types.Regime{PositionSizeMultiplier: 0.25, SentimentScore: 100}, 85},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := g.threshold(tt.side, tt.regime); got != tt.want {
				t.Errorf("threshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequiredVolumeRatio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		regime types.Regime
		want   float64
	}{
		{"choppy", types.Regime{Kind: types.RegimeChoppy, VIX: 15}, 1.0},
		{"high vix", types.Regime{Kind: types.RegimeBroadNeutral, VIX: 28}, 1.2},
		{"normal", types.Regime{Kind: types.RegimeBroadBullish, VIX: 18}, 1.5},
	}
	for _, tt := range tests {
		if got := requiredVolumeRatio(tt.regime); got != tt.want {
			t.Errorf("%s: requiredVolumeRatio = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMultiplierBounds(t *testing.T) {
	t.Parallel()
	if got := confMultiplier(90); got != 1.25 {
		t.Errorf("confMultiplier(90) = %v, want 1.25", got)
	}
	if got := confMultiplier(78); got != 1.1 {
		t.Errorf("confMultiplier(78) = %v, want 1.1", got)
	}
	if got := confMultiplier(65); got != 1.0 {
		t.Errorf("confMultiplier(65) = %v, want 1.0", got)
	}
	if got := sentimentMultiplier(5); got != 0.8 {
		t.Errorf("sentimentMultiplier(5) = %v, want 0.8", got)
	}
	if got := sentimentMultiplier(50); got != 1.0 {
		t.Errorf("sentimentMultiplier(50) = %v, want 1.0", got)
	}
	if got := sentimentMultiplier(95); got != 1.1 {
		t.Errorf("sentimentMultiplier(95) = %v, want 1.1", got)
	}
}

func TestDailyLossBreached(t *testing.T) {
	t.Parallel()
	st := state.New()
	g := newTestGate(st)

	st.AddRealizedPnL(-2_999)
	if g.DailyLossBreached(100_000) {
		t.Error("breached below the 3% cap")
	}
	st.AddRealizedPnL(-1)
	if !g.DailyLossBreached(100_000) {
		t.Error("not breached exactly at the 3% cap")
	}
	if g.DailyLossBreached(0) {
		t.Error("zero equity must never read as breached")
	}
}

package strategy

import (
	"math"
	"testing"
	"time"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		EMAShort:              9,
		EMALong:               21,
		ADXMin:                20,
		MinDiffPct:            0.05,
		MaxDiffPct:            1.0,
		MinStopPct:            0.015,
		StopATRMult:           2.5,
		TPATRMult:             5.0,
		RRMin:                 2.0,
		LongOnly:              false,
		RequireDailyAlignment: true,
	}
}

// crossFeatures is a fresh bullish 9/21 cross with a healthy spread.
func crossFeatures() types.Features {
	return types.Features{
		Symbol:          "AAPL",
		Ts:              time.Now(),
		Valid:           true,
		Price:           100,
		EMAShort:        100.2,
		EMALong:         100.0,
		PrevEMAShort:    99.9,
		PrevEMALong:     100.0,
		ATR:             1.0,
		RSI:             55,
		ADX:             28,
		VWAP:            99.0,
		VolumeRatio:     1.2,
		DailyAligned:    true,
		ConfidenceScore: 60,
	}
}

func TestEvaluateEmitsLongOnFreshCross(t *testing.T) {
	t.Parallel()
	s := New(testStrategyConfig())

	sig, rej := s.Evaluate(crossFeatures(), 100)
	if rej != nil {
		t.Fatalf("rejected: %s", rej.Reason)
	}
	if sig.Side != types.Buy {
		t.Errorf("side = %s, want buy", sig.Side)
	}
	// ATR distance 2.5 beats the 1.5% floor, so the stop sits 2.5 below.
	if sig.InitialStop != 97.5 {
		t.Errorf("stop = %v, want 97.5", sig.InitialStop)
	}
	if sig.TakeProfit != 105 {
		t.Errorf("target = %v, want 105", sig.TakeProfit)
	}
	// Base 60 plus daily alignment (+10); VWAP is too far for its bonus.
	if sig.Confidence != 70 {
		t.Errorf("confidence = %v, want 70", sig.Confidence)
	}
}

func TestEvaluateStopFloorWhenATRTight(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.RRMin = 1.0
	s := New(cfg)

	// ATR 0.5: 2.5x gives 1.25, below the 1.5% floor of 1.50.
	f := crossFeatures()
	f.ATR = 0.5

	sig, rej := s.Evaluate(f, 100)
	if rej != nil {
		t.Fatalf("rejected: %s", rej.Reason)
	}
	if sig.InitialStop != 98.5 {
		t.Errorf("stop = %v, want percent floor at 98.5", sig.InitialStop)
	}
}

func TestEvaluateVWAPBonus(t *testing.T) {
	t.Parallel()
	s := New(testStrategyConfig())

	f := crossFeatures()
	f.VWAP = 100.1 // within 0.3% of price

	sig, rej := s.Evaluate(f, 100)
	if rej != nil {
		t.Fatalf("rejected: %s", rej.Reason)
	}
	if sig.Confidence != 75 {
		t.Errorf("confidence = %v, want 75 with vwap bonus", sig.Confidence)
	}
}

func TestEvaluateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(cfg *config.StrategyConfig, f *types.Features)
		price  float64
		reason string
	}{
		{
			name:   "insufficient history",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) { f.Valid = false },
			reason: "insufficient_history",
		},
		{
			name:   "no price",
			price:  -1,
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {},
			reason: "no_price",
		},
		{
			name: "no crossover",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				f.PrevEMAShort = 100.1 // short was already above long
			},
			reason: "no_crossover",
		},
		{
			name: "long only suppresses short",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				cfg.LongOnly = true
				f.EMAShort = 99.8
				f.PrevEMAShort = 100.1
			},
			reason: "long_only",
		},
		{
			name: "crossover too fresh",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				f.EMAShort = 100.02
			},
			reason: "crossover_too_fresh",
		},
		{
			name: "extended crossover",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				f.EMAShort = 101.5 // 1.5% spread, past the 1.0% cap
			},
			reason: "extended_crossover",
		},
		{
			name: "weak trend",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				f.ADX = 15
			},
			reason: "weak_trend",
		},
		{
			name: "daily misaligned",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				f.DailyAligned = false
			},
			reason: "daily_misaligned",
		},
		{
			name: "reward risk below floor",
			mutate: func(cfg *config.StrategyConfig, f *types.Features) {
				// Tiny ATR: stop floored at 1.5% but the target lands at
				// 0.5, nowhere near 2R.
				f.ATR = 0.1
			},
			reason: "rr_below_floor",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testStrategyConfig()
			f := crossFeatures()
			tt.mutate(&cfg, &f)

			price := 100.0
			if tt.price != 0 {
				price = tt.price
			}

			_, rej := New(cfg).Evaluate(f, price)
			if rej == nil {
				t.Fatal("expected rejection")
			}
			if rej.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", rej.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluateShortMirrorsLevels(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.RequireDailyAlignment = false
	s := New(cfg)

	f := crossFeatures()
	f.EMAShort = 99.8
	f.PrevEMAShort = 100.1
	f.DailyAligned = false

	sig, rej := s.Evaluate(f, 100)
	if rej != nil {
		t.Fatalf("rejected: %s", rej.Reason)
	}
	if sig.Side != types.Sell {
		t.Fatalf("side = %s, want sell", sig.Side)
	}
	if sig.InitialStop != 102.5 || sig.TakeProfit != 95 {
		t.Errorf("levels = stop %v target %v, want 102.5 / 95", sig.InitialStop, sig.TakeProfit)
	}
	if math.Abs(sig.RiskPerShare()-2.5) > 1e-9 {
		t.Errorf("risk per share = %v, want 2.5", sig.RiskPerShare())
	}
}

package features

import (
	"math"
	"testing"
	"time"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

func testEngine() *Engine {
	return NewEngine(config.StrategyConfig{
		EMAShort: 9,
		EMALong:  21,
		ConfidenceWeights: config.ConfidenceWeights{
			Technical:  0.35,
			Momentum:   0.25,
			Volume:     0.20,
			Volatility: 0.10,
			Regime:     0.10,
		},
	})
}

// trendingBars builds n minute bars drifting up from base, all within one
// Eastern session so the VWAP covers every bar.
func trendingBars(symbol string, n int, base float64) []types.Bar {
	start := time.Date(2026, 3, 10, 9, 30, 0, 0, config.Eastern)
	bars := make([]types.Bar, n)
	price := base
	for i := range bars {
		o := price
		price += 0.05
		bars[i] = types.Bar{
			Symbol: symbol,
			Ts:     start.Add(time.Duration(i) * time.Minute),
			Open:   o,
			High:   price + 0.10,
			Low:    o - 0.10,
			Close:  price,
			Volume: 10_000 + float64(i%7)*500,
		}
	}
	return bars
}

func TestComputeValidSnapshot(t *testing.T) {
	t.Parallel()
	e := testEngine()

	bars := trendingBars("AAPL", 80, 100)
	price := bars[len(bars)-1].Close
	f := e.Compute("AAPL", bars, price, nil, types.RegimeBroadBullish)

	if !f.Valid {
		t.Fatal("snapshot invalid with ample history")
	}
	if f.EMAShort <= f.EMALong {
		t.Errorf("uptrend EMAs inverted: short %v long %v", f.EMAShort, f.EMALong)
	}
	if f.ATR <= 0 {
		t.Errorf("ATR = %v, want > 0", f.ATR)
	}
	if f.RSI <= 50 {
		t.Errorf("RSI = %v in a steady uptrend, want > 50", f.RSI)
	}
	if f.VWAP <= 0 || f.VWAP >= price {
		t.Errorf("session VWAP = %v, want between 0 and last close %v", f.VWAP, price)
	}
	if f.VolumeRatio <= 0 {
		t.Errorf("volume ratio = %v, want > 0", f.VolumeRatio)
	}
	if f.ConfidenceScore <= 0 || f.ConfidenceScore > 100 {
		t.Errorf("confidence = %v, want in (0, 100]", f.ConfidenceScore)
	}
	if f.DailyAligned {
		t.Error("daily alignment true without daily history")
	}
}

func TestComputeShortHistoryInvalid(t *testing.T) {
	t.Parallel()
	e := testEngine()

	bars := trendingBars("AAPL", e.MinBars()-1, 100)
	f := e.Compute("AAPL", bars, 101, nil, types.RegimeBroadNeutral)
	if f.Valid {
		t.Error("snapshot valid below the minimum bar count")
	}
	if f.ConfidenceScore != 0 {
		t.Errorf("confidence = %v on invalid snapshot, want 0", f.ConfidenceScore)
	}
}

func TestMinBarsCoversAllIndicators(t *testing.T) {
	t.Parallel()
	// ADX seeding (2x14+1) and MACD (26+9) both exceed the EMA window.
	if got := minBars(21); got != 35 {
		t.Errorf("minBars(21) = %d, want 35", got)
	}
	if got := minBars(50); got != 51 {
		t.Errorf("minBars(50) = %d, want 51", got)
	}
}

func TestDailyAligned(t *testing.T) {
	t.Parallel()
	if dailyAligned(trendingBars("SPY", 10, 400)) {
		t.Error("aligned with under 22 daily bars")
	}
	if !dailyAligned(trendingBars("SPY", 40, 400)) {
		t.Error("uptrending daily bars not aligned")
	}

	down := trendingBars("SPY", 40, 400)
	for i := range down {
		down[i].Close = 400 - float64(i)*0.5
	}
	if dailyAligned(down) {
		t.Error("downtrending daily bars read as aligned")
	}
}

func TestSessionVWAPIgnoresPriorDays(t *testing.T) {
	t.Parallel()
	// Yesterday traded at 50, today at 100: a session-anchored VWAP must
	// not see yesterday.
	yesterday := trendingBars("AAPL", 30, 50)
	for i := range yesterday {
		yesterday[i].Ts = yesterday[i].Ts.AddDate(0, 0, -1)
	}
	today := trendingBars("AAPL", 30, 100)

	vwap := sessionVWAP(toSeries(append(yesterday, today...)))
	if vwap < 99 {
		t.Errorf("vwap = %v, contaminated by the prior session", vwap)
	}
}

func TestVolumeStats(t *testing.T) {
	t.Parallel()
	volume := make([]float64, volumePeriod+1)
	for i := range volume {
		volume[i] = 1000
	}
	volume[len(volume)-1] = 3000

	avg, ratio, z := volumeStats(volume)
	if avg != 1000 {
		t.Errorf("avg = %v, want 1000", avg)
	}
	if ratio != 3 {
		t.Errorf("ratio = %v, want 3", ratio)
	}
	// Flat window has zero variance, so no z-score.
	if z != 0 {
		t.Errorf("z = %v, want 0 for a flat window", z)
	}

	if _, ratio, _ := volumeStats(volume[:5]); ratio != 0 {
		t.Errorf("short window ratio = %v, want 0", ratio)
	}
}

func TestRSIScoreBands(t *testing.T) {
	t.Parallel()
	if got := rsiScore(55); got != 100 {
		t.Errorf("rsiScore(55) = %v, want 100", got)
	}
	if got := rsiScore(85); got != 20 {
		t.Errorf("rsiScore(85) = %v, want 20", got)
	}
	if got := rsiScore(15); got != 10 {
		t.Errorf("rsiScore(15) = %v, want 10", got)
	}
}

func TestScaleRangeAndClamp(t *testing.T) {
	t.Parallel()
	if got := scaleRange(27.5, 15, 40); got != 50 {
		t.Errorf("scaleRange midpoint = %v, want 50", got)
	}
	if got := scaleRange(10, 15, 40); got != 0 {
		t.Errorf("scaleRange below = %v, want 0", got)
	}
	if got := scaleRange(50, 15, 40); got != 100 {
		t.Errorf("scaleRange above = %v, want 100", got)
	}
	if got := clamp(0, 100, math.Inf(1)); got != 100 {
		t.Errorf("clamp(+inf) = %v, want 100", got)
	}
}

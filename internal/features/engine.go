package features

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

// Engine computes feature snapshots from bar history. Stateless apart
// from configuration; safe for concurrent use.
type Engine struct {
	emaShort int
	emaLong  int
	weights  config.ConfidenceWeights
}

// NewEngine creates a feature engine with the configured EMA periods and
// confidence blend.
func NewEngine(cfg config.StrategyConfig) *Engine {
	return &Engine{
		emaShort: cfg.EMAShort,
		emaLong:  cfg.EMALong,
		weights:  cfg.ConfidenceWeights,
	}
}

// MinBars returns the bar count below which snapshots come back invalid.
func (e *Engine) MinBars() int {
	return minBars(e.emaLong)
}

// Compute builds a Features snapshot for one symbol from minute bars, the
// latest trade price, daily bars (trend filter) and the current regime.
// A window shorter than the longest indicator period yields Valid=false
// and callers must treat the snapshot as insufficient.
func (e *Engine) Compute(symbol string, bars []types.Bar, price float64, daily []types.Bar, regime types.RegimeKind) types.Features {
	f := types.Features{
		Symbol: symbol,
		Ts:     time.Now(),
		Price:  price,
		Regime: regime,
	}
	if len(bars) > 0 {
		f.Ts = bars[len(bars)-1].Ts
	}
	if len(bars) < e.MinBars() {
		return f
	}

	s := toSeries(bars)

	emaS := talib.Ema(s.close, e.emaShort)
	emaL := talib.Ema(s.close, e.emaLong)
	macd, macdSig, macdHist := talib.Macd(s.close, macdFast, macdSlow, macdSignal)

	f.Valid = true
	f.EMAShort = last(emaS)
	f.EMALong = last(emaL)
	f.PrevEMAShort = prev(emaS)
	f.PrevEMALong = prev(emaL)
	f.ATR = last(talib.Atr(s.high, s.low, s.close, atrPeriod))
	f.RSI = last(talib.Rsi(s.close, rsiPeriod))
	f.MACD = last(macd)
	f.MACDSignal = last(macdSig)
	f.MACDHist = last(macdHist)
	f.ADX = last(talib.Adx(s.high, s.low, s.close, adxPeriod))
	f.PlusDI = last(talib.PlusDI(s.high, s.low, s.close, adxPeriod))
	f.MinusDI = last(talib.MinusDI(s.high, s.low, s.close, adxPeriod))
	f.OBV = last(talib.Obv(s.close, s.volume))
	f.VWAP = sessionVWAP(s)
	f.Volume = s.volume[len(s.volume)-1]
	f.VolumeAvg, f.VolumeRatio, f.VolumeZ = volumeStats(s.volume)
	f.DailyAligned = dailyAligned(daily)

	f.ConfidenceScore = e.confidence(f)
	return f
}

// dailyAligned checks the daily trend filter: EMA9 above EMA21 on daily
// bars. Too little daily history reads as not aligned.
func dailyAligned(daily []types.Bar) bool {
	if len(daily) < 22 {
		return false
	}
	closes := make([]float64, len(daily))
	for i, b := range daily {
		closes[i] = b.Close
	}
	return last(talib.Ema(closes, 9)) > last(talib.Ema(closes, 21))
}

// confidence blends five 0–100 component scores into the composite.
// Components are individually clamped so no single input can dominate
// beyond its weight.
func (e *Engine) confidence(f types.Features) float64 {
	technical := clamp(0, 100,
		scaleRange(f.ADX, 15, 40)*0.45+
			scaleRange(math.Abs(f.EMADiffPct()), 0.05, 0.6)*0.30+
			rsiScore(f.RSI)*0.25)

	momentum := clamp(0, 100, macdScore(f))
	volume := clamp(0, 100, scaleRange(f.VolumeRatio, 0.8, 2.5))
	volatility := clamp(0, 100, atrScore(f))
	regime := regimeScore(f.Regime, f.EMAShort > f.EMALong)

	w := e.weights
	score := technical*w.Technical +
		momentum*w.Momentum +
		volume*w.Volume +
		volatility*w.Volatility +
		regime*w.Regime
	return clamp(0, 100, score)
}

// scaleRange maps x linearly from [lo, hi] onto [0, 100].
func scaleRange(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp(0, 100, (x-lo)/(hi-lo)*100)
}

// rsiScore rewards the 45–65 band and fades toward both extremes.
func rsiScore(rsi float64) float64 {
	switch {
	case rsi >= 45 && rsi <= 65:
		return 100
	case rsi > 65:
		return clamp(0, 100, 100-(rsi-65)*4)
	default:
		return clamp(0, 100, 100-(45-rsi)*3)
	}
}

// macdScore combines histogram sign and magnitude relative to price.
func macdScore(f types.Features) float64 {
	if f.Price == 0 {
		return 0
	}
	magnitude := scaleRange(math.Abs(f.MACDHist)/f.Price*10000, 0, 8)
	if f.MACDHist > 0 == (f.EMAShort > f.EMALong) {
		return 50 + magnitude/2
	}
	return 50 - magnitude/2
}

// atrScore prefers a tradable volatility band: roughly 0.5%–3% ATR of
// price. Too quiet gives nothing to trail; too wild blows through stops.
func atrScore(f types.Features) float64 {
	if f.Price == 0 {
		return 0
	}
	atrPct := f.ATR / f.Price * 100
	switch {
	case atrPct < 0.2:
		return 20
	case atrPct <= 3.0:
		return 100 - scaleRange(atrPct, 1.5, 3.0)*0.5
	default:
		return clamp(0, 100, 50-(atrPct-3.0)*15)
	}
}

// regimeScore rewards alignment between the symbol's trend direction and
// the overall market regime.
func regimeScore(regime types.RegimeKind, bullish bool) float64 {
	switch regime {
	case types.RegimeBroadBullish:
		if bullish {
			return 100
		}
		return 30
	case types.RegimeBroadBearish:
		if !bullish {
			return 100
		}
		return 30
	case types.RegimeNarrowBullish:
		if bullish {
			return 75
		}
		return 40
	case types.RegimeNarrowBearish:
		if !bullish {
			return 75
		}
		return 40
	case types.RegimeChoppy:
		return 35
	default:
		return 55
	}
}

func clamp(lo, hi, x float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

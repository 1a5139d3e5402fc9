// Package features turns bar history into per-symbol indicator snapshots.
//
// Indicator math comes from go-talib (EMA, ATR, RSI, MACD, ADX/DI, OBV);
// the session-anchored VWAP and rolling volume statistics are computed
// here because they depend on session boundaries talib has no notion of.
package features

import (
	"math"
	"time"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

const (
	atrPeriod    = 14
	rsiPeriod    = 14
	adxPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	volumePeriod = 20
)

// minBars is the shortest history that yields every indicator. ADX needs
// 2×period bars to seed Wilder smoothing; MACD needs slow+signal.
func minBars(emaLong int) int {
	n := 2*adxPeriod + 1
	if m := macdSlow + macdSignal; m > n {
		n = m
	}
	if emaLong+1 > n {
		n = emaLong + 1
	}
	return n
}

type series struct {
	high, low, close, volume []float64
	ts                       []time.Time
}

func toSeries(bars []types.Bar) series {
	s := series{
		high:   make([]float64, len(bars)),
		low:    make([]float64, len(bars)),
		close:  make([]float64, len(bars)),
		volume: make([]float64, len(bars)),
		ts:     make([]time.Time, len(bars)),
	}
	for i, b := range bars {
		s.high[i] = b.High
		s.low[i] = b.Low
		s.close[i] = b.Close
		s.volume[i] = b.Volume
		s.ts[i] = b.Ts
	}
	return s
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

func prev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return xs[len(xs)-2]
}

// sessionVWAP computes VWAP anchored at the start of the current trading
// session (US/Eastern calendar day of the last bar).
func sessionVWAP(s series) float64 {
	if len(s.close) == 0 {
		return 0
	}
	day := s.ts[len(s.ts)-1].In(config.Eastern)
	y, m, d := day.Date()

	var pv, vol float64
	for i := range s.close {
		by, bm, bd := s.ts[i].In(config.Eastern).Date()
		if by != y || bm != m || bd != d {
			continue
		}
		typical := (s.high[i] + s.low[i] + s.close[i]) / 3
		pv += typical * s.volume[i]
		vol += s.volume[i]
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// volumeStats returns the rolling mean, the last/mean ratio, and the
// z-score of the latest volume over the trailing window.
func volumeStats(volume []float64) (avg, ratio, z float64) {
	if len(volume) < volumePeriod+1 {
		return 0, 0, 0
	}
	window := volume[len(volume)-volumePeriod-1 : len(volume)-1]
	var sum float64
	for _, v := range window {
		sum += v
	}
	avg = sum / float64(len(window))
	if avg == 0 {
		return avg, 0, 0
	}

	var varSum float64
	for _, v := range window {
		varSum += (v - avg) * (v - avg)
	}
	std := math.Sqrt(varSum / float64(len(window)))

	cur := volume[len(volume)-1]
	ratio = cur / avg
	if std > 0 {
		z = (cur - avg) / std
	}
	return avg, ratio, z
}

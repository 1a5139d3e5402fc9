// Package strategy detects EMA-crossover entries with momentum
// confirmation.
//
// A signal fires only on a fresh cross: the short EMA was at or below the
// long EMA on the previous bar and is above it now (mirror for shorts),
// the spread is developing but not extended, and ADX confirms a trend is
// actually underway. Everything else is a rejection with a named reason.
package strategy

import (
	"fmt"
	"math"
	"time"

	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

// Strategy evaluates feature snapshots for entries. Stateless; safe for
// concurrent use.
type Strategy struct {
	cfg config.StrategyConfig
}

// New creates the strategy from config.
func New(cfg config.StrategyConfig) *Strategy {
	return &Strategy{cfg: cfg}
}

// Rejection explains why no signal was emitted.
type Rejection struct {
	Symbol string
	Reason string
}

// Evaluate inspects one symbol's features and either proposes a signal or
// explains the rejection. price is the latest trade print, used as the
// entry reference.
func (s *Strategy) Evaluate(f types.Features, price float64) (types.Signal, *Rejection) {
	if !f.Valid {
		return types.Signal{}, &Rejection{f.Symbol, "insufficient_history"}
	}
	if price <= 0 {
		return types.Signal{}, &Rejection{f.Symbol, "no_price"}
	}

	side, ok := s.crossover(f)
	if !ok {
		return types.Signal{}, &Rejection{f.Symbol, "no_crossover"}
	}
	if side == types.Sell && s.cfg.LongOnly {
		return types.Signal{}, &Rejection{f.Symbol, "long_only"}
	}

	diff := math.Abs(f.EMADiffPct())
	if diff < s.cfg.MinDiffPct {
		return types.Signal{}, &Rejection{f.Symbol, "crossover_too_fresh"}
	}
	if diff > s.cfg.MaxDiffPct {
		return types.Signal{}, &Rejection{f.Symbol, "extended_crossover"}
	}
	if f.ADX < s.cfg.ADXMin {
		return types.Signal{}, &Rejection{f.Symbol, "weak_trend"}
	}
	if s.cfg.RequireDailyAlignment && side == types.Buy && !f.DailyAligned {
		return types.Signal{}, &Rejection{f.Symbol, "daily_misaligned"}
	}

	stop := s.initialStop(side, price, f.ATR)
	target := s.takeProfit(side, price, f.ATR)

	riskPerShare := math.Abs(price - stop)
	reward := math.Abs(target - price)
	if riskPerShare <= 0 || reward/riskPerShare < s.cfg.RRMin {
		return types.Signal{}, &Rejection{f.Symbol, "rr_below_floor"}
	}

	confidence, reasons := s.adjustConfidence(f, side, price, diff)

	return types.Signal{
		Symbol:      f.Symbol,
		Side:        side,
		EntryRef:    price,
		InitialStop: stop,
		TakeProfit:  target,
		Confidence:  confidence,
		Reasons:     reasons,
		Ts:          time.Now(),
	}, nil
}

// crossover detects a fresh cross on this bar.
func (s *Strategy) crossover(f types.Features) (types.Side, bool) {
	if f.PrevEMAShort <= f.PrevEMALong && f.EMAShort > f.EMALong {
		return types.Buy, true
	}
	if f.PrevEMAShort >= f.PrevEMALong && f.EMAShort < f.EMALong {
		return types.Sell, true
	}
	return "", false
}

// initialStop is the wider of the percent floor and the ATR distance,
// on the protective side of entry.
func (s *Strategy) initialStop(side types.Side, entry, atr float64) float64 {
	dist := entry * s.cfg.MinStopPct
	if atrDist := s.cfg.StopATRMult * atr; atrDist > dist {
		dist = atrDist
	}
	if side == types.Sell {
		return entry + dist
	}
	return entry - dist
}

func (s *Strategy) takeProfit(side types.Side, entry, atr float64) float64 {
	dist := s.cfg.TPATRMult * atr
	if side == types.Sell {
		return entry - dist
	}
	return entry + dist
}

// adjustConfidence applies bounded entry-quality adjustments on top of
// the feature composite: VWAP proximity +5, near-extended spread −15,
// daily alignment +10.
func (s *Strategy) adjustConfidence(f types.Features, side types.Side, price, diff float64) (float64, []string) {
	confidence := f.ConfidenceScore
	reasons := []string{
		fmt.Sprintf("ema cross %s (spread %.2f%%)", side, f.EMADiffPct()),
		fmt.Sprintf("adx %.1f", f.ADX),
	}

	if f.VWAP > 0 && math.Abs(price-f.VWAP)/f.VWAP < 0.003 {
		confidence += 5
		reasons = append(reasons, "near vwap")
	}
	if diff > s.cfg.MaxDiffPct*0.7 {
		confidence -= 15
		reasons = append(reasons, "spread stretching")
	}
	if f.DailyAligned && side == types.Buy {
		confidence += 10
		reasons = append(reasons, "daily trend aligned")
	}
	if f.VolumeRatio >= 1.5 {
		reasons = append(reasons, fmt.Sprintf("volume %.1fx", f.VolumeRatio))
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence, reasons
}

// Package risk is the approval pipeline between a signal and an order.
//
// Every proposed entry, autonomous or operator-issued, passes through
// the same gate: trading switch, market clock, position caps, cooldowns,
// the adaptive confidence threshold, the volatility filter and finally
// sizing. The gate never submits anything; it only answers
// approved/rejected with a stable reason and a quantity.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// Decision is the gate's verdict on one proposed entry.
type Decision struct {
	Approved bool
	Qty      float64
	Reason   types.RejectReason
	Detail   string
}

func rejected(reason types.RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Gate vets and sizes entries against account and state.
type Gate struct {
	cfg         config.RiskConfig
	adxMin      float64
	entryCutoff config.ClockTime
	state       *state.TradingState
	logger      *slog.Logger
}

// NewGate creates the risk gate. The ADX floor is shared with the
// strategy so the two filters cannot diverge.
func NewGate(cfg config.RiskConfig, strat config.StrategyConfig, entryCutoff config.ClockTime, st *state.TradingState, logger *slog.Logger) *Gate {
	adxMin := strat.ADXMin
	if adxMin <= 0 {
		adxMin = 20
	}
	return &Gate{
		cfg:         cfg,
		adxMin:      adxMin,
		entryCutoff: entryCutoff,
		state:       st,
		logger:      logger.With("component", "risk"),
	}
}

// Approve runs the full pipeline for a proposed entry. now is the broker
// clock reading for this tick, not the machine clock.
func (g *Gate) Approve(sig types.Signal, acct broker.AccountSnapshot, marketOpen bool, now time.Time) Decision {
	// 1. Trading switch / circuit breaker.
	if !g.state.TradingEnabled() {
		return rejected(types.ReasonDisabled, g.state.DisableReason())
	}

	// 2. Market open, 8. entry cutoff. Exactly at the cutoff counts as past.
	if !marketOpen {
		return rejected(types.ReasonMarketClosed, "")
	}
	if g.entryCutoff.After(now) {
		return rejected(types.ReasonEntryCutoff, g.entryCutoff.On(now).Format("15:04 MST"))
	}

	// 3. Position caps: global count, one per symbol.
	if _, exists := g.state.Position(sig.Symbol); exists {
		return rejected(types.ReasonPositionExists, sig.Symbol)
	}
	if g.state.OpenPositionCount() >= g.cfg.MaxPositions {
		return rejected(types.ReasonCapReached, fmt.Sprintf("%d/%d", g.state.OpenPositionCount(), g.cfg.MaxPositions))
	}

	// 4. Symbol cooldown; consecutive losses double it.
	if last, ok := g.state.LastExit(sig.Symbol); ok {
		cooldown := g.cfg.SymbolCooldown
		if g.state.LossStreak(sig.Symbol) >= g.cfg.ConsecutiveLossLimit {
			cooldown *= 2
		}
		if since := now.Sub(last); since < cooldown {
			return rejected(types.ReasonCooldown, fmt.Sprintf("%s remaining", (cooldown - since).Round(time.Minute)))
		}
	}

	regime := g.state.Regime()

	// 5. Adaptive confidence threshold.
	threshold := g.threshold(sig.Side, regime)
	if sig.Confidence < threshold {
		return rejected(types.ReasonBelowThreshold, fmt.Sprintf("%.0f < %.0f", sig.Confidence, threshold))
	}

	// 6. Volatility / flow filter. A missing or invalid snapshot is no
	// evidence of tradable flow; fail closed.
	f, ok := g.state.Features(sig.Symbol)
	if !ok || !f.Valid {
		return rejected(types.ReasonVolatilityFilter, "no feature snapshot")
	}
	if f.ADX < g.adxMin {
		return rejected(types.ReasonVolatilityFilter, fmt.Sprintf("adx %.1f", f.ADX))
	}
	if minRatio := requiredVolumeRatio(regime); f.VolumeRatio < minRatio {
		return rejected(types.ReasonVolatilityFilter, fmt.Sprintf("volume %.2fx < %.1fx", f.VolumeRatio, minRatio))
	}

	// 7. Sizing.
	return g.size(sig, acct, regime)
}

// threshold computes the adaptive confidence bar. Baselines are 60 long /
// 65 short; regime and sentiment shift it by at most ±25 combined.
func (g *Gate) threshold(side types.Side, regime types.Regime) float64 {
	base := g.cfg.LongThreshold
	if side == types.Sell {
		base = g.cfg.ShortThreshold
	}

	var adj float64
	// Defensive regimes demand more conviction; strong trends a bit less.
	if m := regime.PositionSizeMultiplier; m > 0 {
		if m < 1.0 {
			adj += (1.0 - m) * 30
		} else if m > 1.0 {
			adj -= (m - 1.0) * 10
		}
	}
	// Crowd extremes fade the crowd: greed raises the long bar, fear the
	// short bar.
	dev := (regime.SentimentScore - 50) / 50 // −1 … +1
	if side == types.Buy {
		adj += dev * 10
	} else {
		adj -= dev * 10
	}

	adj = math.Max(-25, math.Min(25, adj))
	return base + adj
}

// requiredVolumeRatio is the regime-dependent participation floor.
func requiredVolumeRatio(regime types.Regime) float64 {
	switch {
	case regime.Kind == types.RegimeChoppy:
		return 1.0
	case regime.VIX > 25:
		return 1.2
	default:
		return 1.5
	}
}

// size computes quantity from bounded multipliers and caps.
func (g *Gate) size(sig types.Signal, acct broker.AccountSnapshot, regime types.Regime) Decision {
	entry := sig.EntryRef

	// Risk per share, hard-floored at 1.5% of entry.
	riskPerShare := sig.RiskPerShare()
	if floor := entry * 0.015; riskPerShare < floor {
		riskPerShare = floor
	}
	if riskPerShare <= 0 {
		return rejected(types.ReasonBelowMinSize, "zero risk per share")
	}

	regimeMult := regime.PositionSizeMultiplier
	if regimeMult <= 0 {
		regimeMult = 1.0
	}

	dollarRisk := acct.Equity * g.cfg.BaseRiskPct *
		confMultiplier(sig.Confidence) * regimeMult * sentimentMultiplier(regime.SentimentScore)

	qty := math.Floor(dollarRisk / riskPerShare)

	// Buying-power cap with buffer.
	bpCap := math.Floor(acct.BuyingPower * (1 - g.cfg.BuyingPowerBuffer) / entry)
	if qty > bpCap {
		qty = bpCap
	}
	if qty <= 0 {
		return rejected(types.ReasonInsufficientBP, fmt.Sprintf("bp %.0f", acct.BuyingPower))
	}

	// Per-symbol equity cap.
	if eqCap := math.Floor(acct.Equity * g.cfg.MaxPositionPct / entry); qty > eqCap {
		qty = eqCap
	}

	// Minimum viable size.
	if qty*entry < acct.Equity*g.cfg.MinNotionalPct {
		return rejected(types.ReasonBelowMinSize, fmt.Sprintf("notional %.0f", qty*entry))
	}

	g.logger.Debug("entry approved",
		"symbol", sig.Symbol,
		"side", sig.Side,
		"qty", qty,
		"risk_per_share", riskPerShare,
		"dollar_risk", dollarRisk,
	)
	return Decision{Approved: true, Qty: qty}
}

// confMultiplier scales risk by conviction, bounded to [1.0, 1.25].
func confMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 85:
		return 1.25
	case confidence >= 75:
		return 1.1
	default:
		return 1.0
	}
}

// sentimentMultiplier is bounded to [0.8, 1.1]. The neutral band is 1.0.
func sentimentMultiplier(score float64) float64 {
	switch {
	case score < 20:
		return 0.8
	case score < 40:
		return 0.9
	case score <= 60:
		return 1.0
	case score <= 80:
		return 1.05
	default:
		return 1.1
	}
}

// DailyLossBreached reports whether realized day PnL has blown through
// the configured cap. The position manager flips the circuit breaker on
// a true result.
func (g *Gate) DailyLossBreached(equity float64) bool {
	if equity <= 0 {
		return false
	}
	return g.state.DayRealizedPnL() <= -(equity * g.cfg.DailyLossCapPct)
}

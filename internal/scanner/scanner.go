// Package scanner turns the seed universe into a scored watchlist.
//
// On each refresh the scanner pulls minute bars for the whole universe,
// computes feature snapshots, scores every candidate 0-110 and emits the
// top MaxSymbols as the active watchlist. A failed refresh keeps the
// last good list; before the first success the static watchlist from
// config stands in.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/features"
	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// ScanResult is one completed refresh: the ranked watchlist.
type ScanResult struct {
	Opportunities []types.Opportunity
	ScannedAt     time.Time
}

// Scanner scores the universe on a fixed cadence.
type Scanner struct {
	broker   broker.Broker
	engine   *features.Engine
	state    *state.TradingState
	cfg      config.WatchlistConfig
	logger   *slog.Logger
	resultCh chan ScanResult

	lastGood []types.Opportunity
	lastScan time.Time
}

// New creates a scanner.
func New(b broker.Broker, eng *features.Engine, st *state.TradingState, cfg config.WatchlistConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		broker:   b,
		engine:   eng,
		state:    st,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads ranked watchlists from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the refresh loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// Refresh runs one scan immediately, honoring the cadence limit. Used by
// the engine at startup and by operator-triggered rescans.
func (s *Scanner) Refresh(ctx context.Context) []types.Opportunity {
	s.refresh(ctx)
	return s.Watchlist()
}

// Watchlist returns the current best list: last good scan, or the static
// config watchlist before any scan has succeeded.
func (s *Scanner) Watchlist() []types.Opportunity {
	if len(s.lastGood) > 0 {
		return s.lastGood
	}
	static := make([]types.Opportunity, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		static = append(static, types.Opportunity{Symbol: sym, Grade: "C", Reasons: []string{"static watchlist"}})
	}
	return static
}

func (s *Scanner) refresh(ctx context.Context) {
	// Cadence limit: operator rescans cannot hammer the data API.
	if !s.lastScan.IsZero() && time.Since(s.lastScan) < s.cfg.RefreshInterval/2 {
		return
	}

	if !s.cfg.UseDynamic {
		s.publish(ScanResult{Opportunities: s.Watchlist(), ScannedAt: time.Now()})
		return
	}

	ops, err := s.scanUniverse(ctx)
	if err != nil {
		s.logger.Error("scan failed, keeping previous watchlist", "error", err)
		s.publish(ScanResult{Opportunities: s.Watchlist(), ScannedAt: time.Now()})
		return
	}
	s.lastScan = time.Now()

	if len(ops) > s.cfg.MaxSymbols {
		ops = ops[:s.cfg.MaxSymbols]
	}
	s.lastGood = ops

	s.logger.Info("scan complete",
		"universe", len(s.cfg.Universe),
		"selected", len(ops),
		"top", topSymbols(ops, 5),
	)
	s.publish(ScanResult{Opportunities: ops, ScannedAt: s.lastScan})
}

// publish replaces any stale unread result, never blocking.
func (s *Scanner) publish(r ScanResult) {
	select {
	case s.resultCh <- r:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- r
	}
}

// scanUniverse fetches bars in batches, builds feature snapshots and
// returns candidates ranked by score.
func (s *Scanner) scanUniverse(ctx context.Context) ([]types.Opportunity, error) {
	lookback := s.engine.MinBars() + 30
	end := time.Now()
	start := end.Add(-time.Duration(lookback*3) * time.Minute)

	regime := s.state.Regime()

	var ops []types.Opportunity
	const batch = 50
	for i := 0; i < len(s.cfg.Universe); i += batch {
		j := i + batch
		if j > len(s.cfg.Universe) {
			j = len(s.cfg.Universe)
		}

		bars, err := s.broker.GetBars(ctx, s.cfg.Universe[i:j], broker.TimeframeMinute, start, end, lookback)
		if err != nil {
			return nil, fmt.Errorf("fetch bars batch %d: %w", i/batch, err)
		}

		for sym, series := range bars {
			if len(series) < s.engine.MinBars() {
				continue
			}
			price := series[len(series)-1].Close
			f := s.engine.Compute(sym, series, price, nil, regime.Kind)
			if !f.Valid {
				continue
			}
			s.state.SetFeatures(f)

			score, grade, reasons := Score(f, regime)
			ops = append(ops, types.Opportunity{
				Symbol:    sym,
				Score:     score,
				Grade:     grade,
				Reasons:   reasons,
				ScannedAt: time.Now(),
			})
		}
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].Score > ops[j].Score })
	return ops, nil
}

// Score rates one candidate 0-110. The base components sum to 100; the
// volume-burst and regime-alignment bonuses can push past it, and the
// overbought/stretched penalties pull it back.
func Score(f types.Features, regime types.Regime) (float64, string, []string) {
	var reasons []string

	// Trend quality: ADX strength plus directional agreement, 0-30.
	trend := scale(f.ADX, 15, 40) * 20
	if (f.EMAShort > f.EMALong) == (f.PlusDI > f.MinusDI) {
		trend += 10
	}

	// Momentum: MACD histogram agreeing with the EMA direction, 0-25.
	var momentum float64
	if f.Price > 0 {
		mag := scale(math.Abs(f.MACDHist)/f.Price*10000, 0, 8)
		if f.MACDHist > 0 == (f.EMAShort > f.EMALong) {
			momentum = 12.5 + mag*12.5
		} else {
			momentum = 12.5 - mag*12.5
		}
	}

	// Participation: volume ratio over the trailing average, 0-20.
	volume := scale(f.VolumeRatio, 0.8, 2.5) * 20

	// Volatility suitability: enough range to trade, not enough to hurt,
	// 0-15.
	var vol float64
	if f.Price > 0 {
		atrPct := f.ATR / f.Price * 100
		switch {
		case atrPct < 0.2:
			vol = 3
		case atrPct <= 3.0:
			vol = 15 - scale(atrPct, 1.5, 3.0)*5
		default:
			vol = math.Max(0, 7-(atrPct-3.0)*3)
		}
	}

	// Setup proximity: a small EMA spread means a cross is near or fresh,
	// 0-10.
	diff := math.Abs(f.EMADiffPct())
	proximity := (1 - scale(diff, 0, 1.0)) * 10

	score := trend + momentum + volume + vol + proximity

	if f.VolumeZ > 2.0 {
		score += 5
		reasons = append(reasons, fmt.Sprintf("volume burst %.1fσ", f.VolumeZ))
	}
	bullish := f.EMAShort > f.EMALong
	if (bullish && (regime.Kind == types.RegimeBroadBullish || regime.Kind == types.RegimeNarrowBullish)) ||
		(!bullish && (regime.Kind == types.RegimeBroadBearish || regime.Kind == types.RegimeNarrowBearish)) {
		score += 5
		reasons = append(reasons, "regime aligned")
	}

	if f.RSI > 75 {
		score -= 15
		reasons = append(reasons, fmt.Sprintf("rsi overbought %.0f", f.RSI))
	}
	if diff > 1.5 {
		score -= 10
		reasons = append(reasons, fmt.Sprintf("ema stretched %.2f%%", diff))
	}

	if score < 0 {
		score = 0
	}
	if score > 110 {
		score = 110
	}
	return score, gradeFor(score), reasons
}

func gradeFor(score float64) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 80:
		return "A"
	case score >= 65:
		return "B"
	case score >= 50:
		return "C"
	case score >= 35:
		return "D"
	default:
		return "F"
	}
}

func scale(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	v := (x - lo) / (hi - lo)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func topSymbols(ops []types.Opportunity, n int) []string {
	if len(ops) < n {
		n = len(ops)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ops[i].Symbol
	}
	return out
}

// Package regime classifies overall market conditions and reads crowd
// sentiment.
//
// Classification uses breadth across a small index basket (how many of
// SPY/QQQ/IWM/DIA are in a daily uptrend), trend strength (ADX on the
// index) and a volatility reading derived from index ATR as a VIX proxy.
// Every regime permits trading; the output only scales position size and
// nudges the confidence threshold.
package regime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	talib "github.com/markcheno/go-talib"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/pkg/types"
)

// indexBasket is the breadth universe. SPY doubles as the trend/volatility
// reference index.
var indexBasket = []string{"SPY", "QQQ", "IWM", "DIA"}

// Sensor refreshes the market regime on its own cadence. The latest
// reading is cached; a failed refresh keeps the previous one.
type Sensor struct {
	broker    broker.Broker
	http      *resty.Client
	cfg       config.SentimentConfig
	logger    *slog.Logger

	mu      sync.RWMutex
	current types.Regime
}

// NewSensor creates a regime sensor.
func NewSensor(b broker.Broker, cfg config.SentimentConfig, logger *slog.Logger) *Sensor {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Sensor{
		broker: b,
		http:   client,
		cfg:    cfg,
		logger: logger.With("component", "regime"),
		current: types.Regime{
			Kind:                   types.RegimeBroadNeutral,
			PositionSizeMultiplier: 1.0,
			SentimentScore:         50,
			SentimentClass:         "neutral",
		},
	}
}

// Current returns the latest regime reading.
func (s *Sensor) Current() types.Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh recomputes the regime from index daily bars and the sentiment
// feed. On partial failure it degrades gracefully: sentiment falls back
// to neutral, a bar failure keeps the previous classification.
func (s *Sensor) Refresh(ctx context.Context) (types.Regime, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -90)

	bars, err := s.broker.GetBars(ctx, indexBasket, broker.TimeframeDay, start, end, 60)
	if err != nil {
		return s.Current(), fmt.Errorf("fetch index bars: %w", err)
	}

	breadth := breadthScore(bars)
	adx, vixProxy := indexReadings(bars["SPY"])
	kind := classify(breadth, adx)
	score, class := s.fetchSentiment(ctx)

	r := types.Regime{
		Kind:                   kind,
		BreadthScore:           breadth,
		TrendStrength:          adx,
		VIX:                    vixProxy,
		PositionSizeMultiplier: SizeMultiplier(kind, vixProxy),
		SentimentScore:         score,
		SentimentClass:         class,
		UpdatedAt:              time.Now(),
	}

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	s.logger.Info("regime refreshed",
		"regime", r.Kind,
		"breadth", fmt.Sprintf("%.2f", breadth),
		"adx", fmt.Sprintf("%.1f", adx),
		"vix_proxy", fmt.Sprintf("%.1f", vixProxy),
		"sentiment", score,
		"size_mult", r.PositionSizeMultiplier,
	)
	return r, nil
}

// breadthScore is the fraction of the basket in a daily uptrend
// (EMA9 > EMA21 on closes).
func breadthScore(bars map[string][]types.Bar) float64 {
	var up, total int
	for _, series := range bars {
		if len(series) < 22 {
			continue
		}
		closes := make([]float64, len(series))
		for i, b := range series {
			closes[i] = b.Close
		}
		ema9 := talib.Ema(closes, 9)
		ema21 := talib.Ema(closes, 21)
		total++
		if ema9[len(ema9)-1] > ema21[len(ema21)-1] {
			up++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(up) / float64(total)
}

// indexReadings computes ADX(14) on the index and a VIX proxy from its
// ATR as an annualized percent of price.
func indexReadings(spy []types.Bar) (adx, vixProxy float64) {
	if len(spy) < 29 {
		return 0, 20
	}
	high := make([]float64, len(spy))
	low := make([]float64, len(spy))
	closes := make([]float64, len(spy))
	for i, b := range spy {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}
	adxSeries := talib.Adx(high, low, closes, 14)
	adx = adxSeries[len(adxSeries)-1]

	atrSeries := talib.Atr(high, low, closes, 14)
	atr := atrSeries[len(atrSeries)-1]
	price := closes[len(closes)-1]
	if price > 0 {
		// Daily ATR% scaled by √252 approximates annualized volatility.
		vixProxy = atr / price * 100 * 15.87
	}
	return adx, vixProxy
}

func classify(breadth, adx float64) types.RegimeKind {
	if adx < 18 {
		return types.RegimeChoppy
	}
	switch {
	case breadth >= 0.75:
		return types.RegimeBroadBullish
	case breadth <= 0.25:
		return types.RegimeBroadBearish
	case breadth > 0.5:
		return types.RegimeNarrowBullish
	case breadth < 0.5:
		return types.RegimeNarrowBearish
	default:
		return types.RegimeBroadNeutral
	}
}

// SizeMultiplier maps a regime to its position-size multiplier. Choppy is
// dynamic by volatility: the wilder the tape, the smaller the size.
func SizeMultiplier(kind types.RegimeKind, vix float64) float64 {
	switch kind {
	case types.RegimeBroadBullish, types.RegimeBroadBearish:
		return 1.5
	case types.RegimeBroadNeutral:
		return 1.0
	case types.RegimeNarrowBullish, types.RegimeNarrowBearish:
		return 0.7
	case types.RegimeChoppy:
		switch {
		case vix < 20:
			return 0.75
		case vix <= 30:
			return 0.5
		default:
			return 0.25
		}
	default:
		return 1.0
	}
}

// fngResponse is the fear & greed feed shape.
type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

// fetchSentiment reads the fear/greed index. Failures fall back to a
// neutral 50 rather than blocking regime classification.
func (s *Sensor) fetchSentiment(ctx context.Context) (float64, string) {
	var out fngResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("")
	if err != nil || resp.IsError() || len(out.Data) == 0 {
		s.logger.Warn("sentiment fetch failed, using neutral", "error", err)
		return 50, "neutral"
	}

	v, err := strconv.ParseFloat(out.Data[0].Value, 64)
	if err != nil || v < 0 || v > 100 {
		return 50, "neutral"
	}
	class := out.Data[0].Classification
	if class == "" {
		class = classifySentiment(v)
	}
	return v, class
}

func classifySentiment(score float64) string {
	switch {
	case score < 20:
		return "extreme_fear"
	case score < 40:
		return "fear"
	case score < 60:
		return "neutral"
	case score < 80:
		return "greed"
	default:
		return "extreme_greed"
	}
}

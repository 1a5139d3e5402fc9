// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order and position
// records, per-symbol feature snapshots, signals, regime classification,
// and account-level metrics. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or position.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types the engine submits.
type OrderType string

const (
	OrderMarket       OrderType = "market"
	OrderLimit        OrderType = "limit"
	OrderStop         OrderType = "stop"
	OrderTrailingStop OrderType = "trailing_stop"
)

// OrderIntent labels what role an order plays in a trade. It is folded
// into the deterministic client order ID so retries stay idempotent and
// siblings of one logical trade can be told apart.
type OrderIntent string

const (
	IntentEntry      OrderIntent = "entry"
	IntentStop       OrderIntent = "stop"
	IntentTakeProfit OrderIntent = "tp"
	IntentPartial    OrderIntent = "partial"
	IntentFlatten    OrderIntent = "flatten"
)

// RegimeKind classifies overall market conditions. All regimes permit
// trading; they only scale position size and confidence thresholds.
type RegimeKind string

const (
	RegimeBroadBullish  RegimeKind = "broad_bullish"
	RegimeBroadBearish  RegimeKind = "broad_bearish"
	RegimeBroadNeutral  RegimeKind = "broad_neutral"
	RegimeNarrowBullish RegimeKind = "narrow_bullish"
	RegimeNarrowBearish RegimeKind = "narrow_bearish"
	RegimeChoppy        RegimeKind = "choppy"
)

// RejectReason is the stable vocabulary for why the risk gate refused an
// entry. These strings surface in logs, API responses and stream events.
type RejectReason string

const (
	ReasonDisabled         RejectReason = "disabled"
	ReasonMarketClosed     RejectReason = "market_closed"
	ReasonEntryCutoff      RejectReason = "entry_cutoff"
	ReasonCapReached       RejectReason = "cap_reached"
	ReasonPositionExists   RejectReason = "position_exists"
	ReasonCooldown         RejectReason = "cooldown"
	ReasonBelowThreshold   RejectReason = "below_threshold"
	ReasonVolatilityFilter RejectReason = "volatility_filter"
	ReasonInsufficientBP   RejectReason = "insufficient_buying_power"
	ReasonBelowMinSize     RejectReason = "below_min_size"
)

// ————————————————————————————————————————————————————————————————————————
// Market data & features
// ————————————————————————————————————————————————————————————————————————

// Bar is one OHLCV bar. Immutable once produced.
type Bar struct {
	Symbol string    `json:"symbol"`
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Features is the per-symbol indicator snapshot the strategy and risk
// layers read. Valid is false when the bar window was shorter than the
// longest indicator period; callers must treat such snapshots as
// insufficient evidence rather than zeros.
type Features struct {
	Symbol string    `json:"symbol"`
	Ts     time.Time `json:"ts"`
	Valid  bool      `json:"valid"`

	Price        float64 `json:"price"`
	EMAShort     float64 `json:"ema_short"`
	EMALong      float64 `json:"ema_long"`
	PrevEMAShort float64 `json:"prev_ema_short"`
	PrevEMALong  float64 `json:"prev_ema_long"`
	ATR          float64 `json:"atr"`
	RSI          float64 `json:"rsi"`
	MACD         float64 `json:"macd"`
	MACDSignal   float64 `json:"macd_signal"`
	MACDHist     float64 `json:"macd_hist"`
	ADX          float64 `json:"adx"`
	PlusDI       float64 `json:"plus_di"`
	MinusDI      float64 `json:"minus_di"`
	VWAP         float64 `json:"vwap"`
	OBV          float64 `json:"obv"`
	Volume       float64 `json:"volume"`
	VolumeAvg    float64 `json:"volume_avg"`
	VolumeRatio  float64 `json:"volume_ratio"`
	VolumeZ      float64 `json:"volume_z"`

	// Daily-timeframe trend filter (EMA9 > EMA21 on daily bars).
	DailyAligned bool `json:"daily_aligned"`

	Regime          RegimeKind `json:"regime"`
	ConfidenceScore float64    `json:"confidence_score"`
}

// EMADiffPct returns the short/long EMA spread in percent. Positive means
// the short EMA is above the long.
func (f Features) EMADiffPct() float64 {
	if f.EMALong == 0 {
		return 0
	}
	return (f.EMAShort/f.EMALong - 1) * 100
}

// ————————————————————————————————————————————————————————————————————————
// Signals, orders, positions
// ————————————————————————————————————————————————————————————————————————

// Signal is a proposed entry emitted by the strategy. Transient: it is
// consumed by the risk gate and executor within the same tick.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	EntryRef    float64   `json:"entry_ref"` // latest trade price at evaluation time
	InitialStop float64   `json:"initial_stop"`
	TakeProfit  float64   `json:"take_profit"`
	Confidence  float64   `json:"confidence"`
	Reasons     []string  `json:"reasons"`
	Ts          time.Time `json:"ts"`
}

// RiskPerShare returns |entryRef − initialStop|, the R unit for the trade.
func (s Signal) RiskPerShare() float64 {
	r := s.EntryRef - s.InitialStop
	if r < 0 {
		r = -r
	}
	return r
}

// OrderStatus mirrors broker order state, normalized to lower case.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is the engine's view of a broker order. Linkage ties bracket
// siblings (entry / stop / take-profit) to one logical trade.
type Order struct {
	OrderID        string      `json:"order_id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Qty            float64     `json:"qty"`
	Type           OrderType   `json:"type"`
	Intent         OrderIntent `json:"intent"`
	Status         OrderStatus `json:"status"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
	Linkage        string      `json:"linkage"` // shared across bracket siblings
}

// Position is one open position. Created on first fill, mutated by the
// position manager, destroyed on flat. Qty reflects the broker's truth
// after reconciliation; the engine never assumes it.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Qty              float64   `json:"qty"`
	OriginalQty      float64   `json:"original_qty"`
	AvgEntryPrice    float64   `json:"avg_entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	MarketValue      float64   `json:"market_value"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	StopLoss         float64   `json:"stop_loss"`
	TakeProfit       float64   `json:"take_profit"`
	EntryTime        time.Time `json:"entry_time"`

	InitialRisk    float64   `json:"initial_risk"`             // per-share R at entry
	PartialsTaken  []float64 `json:"partials_taken,omitempty"` // R levels already harvested
	TrailingActive bool      `json:"trailing_active"`
}

// RMultiple returns current unrealized profit in units of initial risk.
// Zero when the initial risk is unknown (e.g. adopted positions).
func (p Position) RMultiple() float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	if p.Side == Sell {
		return (p.AvgEntryPrice - p.CurrentPrice) / p.InitialRisk
	}
	return (p.CurrentPrice - p.AvgEntryPrice) / p.InitialRisk
}

// PartialTaken reports whether the ladder rung at rLevel was harvested.
func (p Position) PartialTaken(rLevel float64) bool {
	for _, r := range p.PartialsTaken {
		if r == rLevel {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Account-level aggregates
// ————————————————————————————————————————————————————————————————————————

// Metrics holds account-level aggregates, refreshed every position cycle.
type Metrics struct {
	Equity                  float64   `json:"equity"`
	Cash                    float64   `json:"cash"`
	BuyingPower             float64   `json:"buying_power"`
	DayPnL                  float64   `json:"day_pnl"`
	TotalPnL                float64   `json:"total_pnl"`
	Wins                    int       `json:"wins"`
	Losses                  int       `json:"losses"`
	TotalTrades             int       `json:"total_trades"`
	WinRate                 float64   `json:"win_rate"`
	ProfitFactor            float64   `json:"profit_factor"`
	OpenPositions           int       `json:"open_positions"`
	MaxPositions            int       `json:"max_positions"`
	CircuitBreakerTriggered bool      `json:"circuit_breaker_triggered"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Regime is the current market classification plus sentiment reading.
// Single instance, refreshed on its own cadence.
type Regime struct {
	Kind                   RegimeKind `json:"regime"`
	BreadthScore           float64    `json:"breadth_score"`
	TrendStrength          float64    `json:"trend_strength"` // index ADX
	VIX                    float64    `json:"vix"`
	PositionSizeMultiplier float64    `json:"position_size_multiplier"`
	SentimentScore         float64    `json:"sentiment_score"` // 0 extreme fear … 100 extreme greed
	SentimentClass         string     `json:"sentiment_class"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Opportunity is one scanner result: a scored watchlist candidate.
type Opportunity struct {
	Symbol    string    `json:"symbol"`
	Score     float64   `json:"score"` // 0–110
	Grade     string    `json:"grade"` // A+ … F
	Reasons   []string  `json:"reasons,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// TradeRecord is a completed (or partial) round trip as persisted.
type TradeRecord struct {
	ID            string     `json:"id" db:"id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Side          Side       `json:"side" db:"side"`
	Qty           float64    `json:"qty" db:"qty"`
	EntryPrice    float64    `json:"entry_price" db:"entry_price"`
	ExitPrice     float64    `json:"exit_price" db:"exit_price"`
	EntryTime     time.Time  `json:"entry_time" db:"entry_time"`
	ExitTime      *time.Time `json:"exit_time,omitempty" db:"exit_time"`
	PnL           float64    `json:"pnl" db:"pnl"`
	PnLPct        float64    `json:"pnl_pct" db:"pnl_pct"`
	RMultiple     float64    `json:"r_multiple" db:"r_multiple"`
	Reason        string     `json:"reason" db:"reason"`
	ClientOrderID string     `json:"client_order_id" db:"client_order_id"`
}

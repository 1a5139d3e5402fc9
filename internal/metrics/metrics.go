// Package metrics exposes process-level prometheus instrumentation.
//
// Collectors are registered on the default registry via promauto; the
// API server mounts Handler() at /metrics. The engine feeds the
// event-driven collectors from the state bus so no trading component
// imports prometheus directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_signals_emitted_total",
		Help: "Entry signals emitted by the strategy, by side.",
	}, []string{"side"})

	EntriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_entries_rejected_total",
		Help: "Entries refused by the risk gate, by reason.",
	}, []string{"reason"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_submitted_total",
		Help: "Orders submitted to the broker, by intent.",
	}, []string{"intent"})

	PositionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_positions_opened_total",
		Help: "Positions opened.",
	})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_positions_closed_total",
		Help: "Positions closed, by reason.",
	}, []string{"reason"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Currently open positions.",
	})

	DayPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_day_realized_pnl",
		Help: "Realized PnL for the current trading day.",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_account_equity",
		Help: "Account equity from the last refresh.",
	})

	CircuitBreaker = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_circuit_breaker_active",
		Help: "1 when new entries are halted.",
	})

	FillWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_fill_wait_seconds",
		Help:    "Time from submission to confirmed fill.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_broker_errors_total",
		Help: "Broker call failures, by error kind.",
	}, []string{"kind"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

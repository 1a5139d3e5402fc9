// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Scanner scores the universe and maintains the active watchlist.
//  2. The signal loop computes features for watched symbols, asks the
//     strategy for entries and routes approvals through the risk gate to
//     the executor.
//  3. The position manager reconciles, protects and manages what is open.
//  4. The regime sensor refreshes market classification on its own
//     cadence; persistence and metrics hang off the state event bus.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/executor"
	"trend-bot/internal/features"
	"trend-bot/internal/manager"
	"trend-bot/internal/metrics"
	"trend-bot/internal/persist"
	"trend-bot/internal/regime"
	"trend-bot/internal/risk"
	"trend-bot/internal/scanner"
	"trend-bot/internal/state"
	"trend-bot/internal/strategy"
	"trend-bot/pkg/types"
)

// brokerCallTimeout bounds every broker call made from the loops.
const brokerCallTimeout = 10 * time.Second

// Engine owns the lifecycle of all trading goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	broker   broker.Broker
	state    *state.TradingState
	features *features.Engine
	sensor   *regime.Sensor
	scanner  *scanner.Scanner
	strat    *strategy.Strategy
	gate     *risk.Gate
	exec     *executor.Executor
	manager  *manager.Manager
	store    *persist.Gateway

	// dailyBars caches daily history per watched symbol for the
	// multi-timeframe filter; refreshed when the watchlist changes.
	dailyMu   sync.RWMutex
	dailyBars map[string][]types.Bar

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all engine components. The broker is injectable for tests;
// pass nil to connect to Alpaca from config.
func New(cfg config.Config, b broker.Broker, logger *slog.Logger) (*Engine, error) {
	if b == nil {
		b = broker.NewAlpaca(cfg.Broker)
	}

	st := state.New()
	featEngine := features.NewEngine(cfg.Strategy)
	sensor := regime.NewSensor(b, cfg.Sentiment, logger)
	scan := scanner.New(b, featEngine, st, cfg.Watchlist, logger)
	strat := strategy.New(cfg.Strategy)

	entryCutoff, err := config.ParseEasternClock(cfg.Manager.EntryCutoff)
	if err != nil {
		return nil, fmt.Errorf("entry cutoff: %w", err)
	}
	eodExit, err := config.ParseEasternClock(cfg.Manager.EODExit)
	if err != nil {
		return nil, fmt.Errorf("eod exit: %w", err)
	}

	gate := risk.NewGate(cfg.Risk, cfg.Strategy, entryCutoff, st, logger)
	exec := executor.New(b, st, cfg.Executor, logger)

	store, err := persist.Open(cfg.Store.DBPath, cfg.Store.Workers, logger)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}

	mgr := manager.New(b, st, exec, gate, store, cfg.Manager, eodExit, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		broker:    b,
		state:     st,
		features:  featEngine,
		sensor:    sensor,
		scanner:   scan,
		strat:     strat,
		gate:      gate,
		exec:      exec,
		manager:   mgr,
		store:     store,
		dailyBars: make(map[string][]types.Bar),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// State exposes shared state for the API layer.
func (e *Engine) State() *state.TradingState {
	return e.state
}

// Start hydrates from persistence and the broker, then launches the
// scanner, regime, signal, manager and bridge goroutines.
func (e *Engine) Start() error {
	if err := e.hydrate(); err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	e.store.SaveParameters(e.cfg)

	e.run("scanner", func() { e.scanner.Run(e.ctx) })
	e.run("watchlist", e.consumeWatchlists)
	e.run("regime", e.regimeLoop)
	e.run("signals", e.signalLoop)
	e.run("manager", func() { e.manager.Run(e.ctx) })
	e.run("metrics-bridge", e.bridgeMetrics)

	e.logger.Info("engine started",
		"universe", len(e.cfg.Watchlist.Universe),
		"max_positions", e.cfg.Risk.MaxPositions,
	)
	return nil
}

// Stop cancels all loops and waits for in-flight work to finish.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.cancel()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Error("close persistence", "error", err)
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) run(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
		if e.ctx.Err() == nil {
			e.logger.Warn("loop exited early", "loop", name)
		}
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Hydration
// ————————————————————————————————————————————————————————————————————————

// hydrate restores state after a restart: ladder progress and stop
// levels from position snapshots, cooldowns and the day PnL baseline
// from trade history, and the initial regime reading. The first manager
// cycle reconciles everything against broker truth.
func (e *Engine) hydrate() error {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	snapshots, err := e.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range snapshots {
		e.state.SetPosition(pos)
	}

	lastExit, streaks, err := e.store.LoadCooldowns(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return err
	}
	e.state.HydrateCooldowns(lastExit, streaks)

	dayStart := config.ClockTime{}.On(time.Now())
	pnl, err := e.store.DayPnL(ctx, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if pnl != 0 {
		e.state.AddRealizedPnL(pnl)
	}

	if r, err := e.sensor.Refresh(ctx); err != nil {
		e.logger.Warn("initial regime refresh failed, starting neutral", "error", err)
	} else {
		e.state.SetRegime(r)
	}

	// Broker truth wins over anything persisted.
	e.manager.Cycle(ctx)

	e.logger.Info("hydration complete",
		"positions", e.state.OpenPositionCount(),
		"cooldowns", len(lastExit),
		"day_pnl", fmt.Sprintf("%.2f", pnl),
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Loops
// ————————————————————————————————————————————————————————————————————————

// regimeLoop refreshes market classification on the sentiment cadence.
func (e *Engine) regimeLoop() {
	ticker := time.NewTicker(e.cfg.Sentiment.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
			if r, err := e.sensor.Refresh(ctx); err != nil {
				e.logger.Warn("regime refresh failed", "error", err)
			} else {
				e.state.SetRegime(r)
				e.state.Publish(state.Event{Type: state.EventRegime, Data: r})
			}
			cancel()
		}
	}
}

// consumeWatchlists applies scanner results and refreshes the daily-bar
// cache for the selected symbols.
func (e *Engine) consumeWatchlists() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.scanner.Results():
			e.state.SetWatchlist(result.Opportunities)
			e.refreshDailyBars(symbolsOf(result.Opportunities))
			e.logger.Debug("watchlist updated", "symbols", len(result.Opportunities))
		}
	}
}

func (e *Engine) refreshDailyBars(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	end := time.Now()
	bars, err := e.broker.GetBars(ctx, symbols, broker.TimeframeDay, end.AddDate(0, 0, -60), end, 40)
	if err != nil {
		e.logger.Warn("daily bars refresh failed", "error", err)
		return
	}
	e.dailyMu.Lock()
	e.dailyBars = bars
	e.dailyMu.Unlock()
}

func (e *Engine) daily(symbol string) []types.Bar {
	e.dailyMu.RLock()
	defer e.dailyMu.RUnlock()
	return e.dailyBars[symbol]
}

// signalLoop evaluates the watchlist for entries on a short cadence
// during market hours. Each iteration is panic-isolated.
func (e *Engine) signalLoop() {
	ticker := time.NewTicker(e.cfg.Engine.SignalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("signal tick panic", "panic", r, "stack", string(debug.Stack()))
					}
				}()
				e.signalTick()
			}()
		}
	}
}

// signalTick runs one evaluation pass over the watchlist.
func (e *Engine) signalTick() {
	ctx, cancel := context.WithTimeout(e.ctx, brokerCallTimeout)
	clock, err := e.broker.GetClock(ctx)
	cancel()
	if err != nil {
		e.logger.Warn("clock unavailable, skipping tick", "error", err)
		return
	}
	if !clock.IsOpen {
		return
	}

	watchlist := e.state.Watchlist()
	if len(watchlist) == 0 {
		return
	}

	symbols := make([]string, 0, len(watchlist))
	for _, op := range watchlist {
		if _, open := e.state.Position(op.Symbol); !open {
			symbols = append(symbols, op.Symbol)
		}
	}
	if len(symbols) == 0 {
		return
	}

	ctx, cancel = context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	lookback := e.features.MinBars() + 10
	bars, err := e.broker.GetBars(ctx, symbols, broker.TimeframeMinute,
		time.Now().Add(-time.Duration(lookback*3)*time.Minute), time.Now(), lookback)
	if err != nil {
		e.logger.Warn("signal bars fetch failed", "error", err)
		return
	}

	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		e.logger.Warn("account fetch failed, skipping tick", "error", err)
		return
	}

	currentRegime := e.state.Regime()
	for _, symbol := range symbols {
		series := bars[symbol]
		if len(series) == 0 {
			continue
		}
		e.evaluateSymbol(ctx, symbol, series, acct, clock, currentRegime)
	}
}

// evaluateSymbol runs the feature→signal→gate→execute pipeline for one
// symbol under its lock.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, series []types.Bar, acct broker.AccountSnapshot, clock broker.Clock, currentRegime types.Regime) {
	lock := e.state.SymbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	price := series[len(series)-1].Close
	f := e.features.Compute(symbol, series, price, e.daily(symbol), currentRegime.Kind)
	e.state.SetFeatures(f)
	if !f.Valid {
		return
	}
	e.store.SaveFeatures(f)

	sig, rejection := e.strat.Evaluate(f, price)
	if rejection != nil {
		return
	}

	e.state.Publish(state.Event{Type: state.EventSignal, Symbol: symbol, Data: sig})
	metrics.SignalsEmitted.WithLabelValues(string(sig.Side)).Inc()
	e.store.SavePrediction(sig, f)

	decision := e.gate.Approve(sig, acct, clock.IsOpen, clock.Now)
	if !decision.Approved {
		metrics.EntriesRejected.WithLabelValues(string(decision.Reason)).Inc()
		e.logger.Info("entry rejected",
			"symbol", symbol,
			"reason", decision.Reason,
			"detail", decision.Detail,
		)
		return
	}

	submitted := time.Now()
	pos, err := e.exec.OpenPosition(ctx, sig, decision.Qty, !clock.IsOpen)
	if err != nil {
		e.logger.Error("entry failed", "symbol", symbol, "error", err)
		metrics.BrokerErrors.WithLabelValues(broker.KindOf(err).String()).Inc()
		return
	}
	metrics.FillWait.Observe(time.Since(submitted).Seconds())
	metrics.PositionsOpened.Inc()
	e.store.SavePosition(pos)
}

// bridgeMetrics mirrors bus events into prometheus collectors and keeps
// position snapshots persisted as they change.
func (e *Engine) bridgeMetrics() {
	events := e.state.Subscribe()
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-events:
			switch evt.Type {
			case state.EventMetrics:
				if m, ok := evt.Data.(types.Metrics); ok {
					metrics.Equity.Set(m.Equity)
					metrics.DayPnL.Set(m.DayPnL)
					metrics.OpenPositions.Set(float64(m.OpenPositions))
					if m.CircuitBreakerTriggered {
						metrics.CircuitBreaker.Set(1)
					} else {
						metrics.CircuitBreaker.Set(0)
					}
				}
			case state.EventOrder:
				if o, ok := evt.Data.(types.Order); ok {
					metrics.OrdersSubmitted.WithLabelValues(string(o.Intent)).Inc()
				}
			case state.EventPosition, state.EventOpened:
				if p, ok := evt.Data.(types.Position); ok {
					e.store.SavePosition(p)
				}
			case state.EventClosed:
				if rec, ok := evt.Data.(types.TradeRecord); ok {
					metrics.PositionsClosed.WithLabelValues(rec.Reason).Inc()
					e.store.DeletePosition(rec.Symbol)
				}
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Operator controls (api.Controller)
// ————————————————————————————————————————————————————————————————————————

// Pause halts new entries. Open positions stay fully managed.
func (e *Engine) Pause(reason string) {
	e.state.DisableTrading(reason)
}

// Resume re-enables entries, clearing any breaker latch.
func (e *Engine) Resume() {
	e.state.EnableTrading()
}

// Flatten closes all open positions at market.
func (e *Engine) Flatten(ctx context.Context) {
	e.manager.FlattenAll(ctx, "operator")
}

// CloseSymbol closes one position at market.
func (e *Engine) CloseSymbol(ctx context.Context, symbol string) error {
	return e.manager.CloseSymbol(ctx, symbol, "operator")
}

func symbolsOf(ops []types.Opportunity) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Symbol
	}
	return out
}

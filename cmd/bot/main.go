// Trend Bot — an autonomous intraday equity trading engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: scanner → features → strategy → gate → executor loops
//	scanner/scanner.go   — scores the seed universe into a ranked watchlist
//	features/            — talib indicator snapshots (EMA, ATR, RSI, MACD, ADX, VWAP, volume)
//	strategy/emacross.go — EMA-crossover entries with momentum confirmation
//	risk/gate.go         — approval pipeline: caps, cooldowns, thresholds, position sizing
//	executor/            — bracket submission, deterministic client IDs, fill verification
//	manager/             — reconciliation, protection audit, stop ladder, partials, EOD flatten
//	regime/sensor.go     — market regime classification and sentiment
//	broker/              — Alpaca adapter behind the Broker interface
//	persist/gateway.go   — SQLite persistence (trades, positions, features, predictions)
//	api/                 — REST + WebSocket operator surface, prometheus metrics
//
// How it trades:
//
//	The scanner keeps a ranked watchlist of the most tradable symbols.
//	A fresh EMA(9/21) crossover with trend and volume confirmation becomes
//	a signal; the risk gate sizes it against account equity and the market
//	regime, and the executor opens a bracket position. The manager then
//	ratchets the stop up the R-multiple ladder, harvests partial profits
//	at 2R/3R/4R, and flattens everything before the close.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"trend-bot/internal/api"
	"trend-bot/internal/config"
	"trend-bot/internal/engine"
)

func main() {
	// Credentials come from the environment; .env is a convenience for
	// local runs and absent in production.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, nil, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng.State(), eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("trend bot started",
		"max_positions", cfg.Risk.MaxPositions,
		"base_risk_pct", cfg.Risk.BaseRiskPct,
		"long_only", cfg.Strategy.LongOnly,
		"broker", cfg.Broker.BaseURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

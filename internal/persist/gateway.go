// Package persist is the SQLite gateway for trades, positions, feature
// snapshots, shadow-mode predictions and parameter history.
//
// Writes flow through a bounded worker pool so a slow disk never stalls
// the trading loops: callers enqueue and move on, and a full queue drops
// the write with a log line rather than blocking. Persistence failures
// are never fatal to trading. Reads (restart hydration) are synchronous.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"trend-bot/pkg/types"
)

const (
	queueSize    = 512
	writeRetries = 2
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id              TEXT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		qty             REAL NOT NULL,
		entry_price     REAL NOT NULL,
		exit_price      REAL NOT NULL,
		entry_time      TIMESTAMP NOT NULL,
		exit_time       TIMESTAMP,
		pnl             REAL NOT NULL,
		pnl_pct         REAL NOT NULL,
		r_multiple      REAL NOT NULL,
		reason          TEXT NOT NULL,
		client_order_id TEXT UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_exit ON trades(symbol, exit_time)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol     TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		symbol  TEXT NOT NULL,
		ts      TIMESTAMP NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (symbol, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS ml_predictions (
		id         TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		signal_ts  TIMESTAMP NOT NULL,
		side       TEXT NOT NULL,
		confidence REAL NOT NULL,
		features   TEXT NOT NULL,
		PRIMARY KEY (symbol, signal_ts)
	)`,
	`CREATE TABLE IF NOT EXISTS trading_parameters (
		id         TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		params     TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 0
	)`,
}

// Gateway owns the database handle and the async write pool.
type Gateway struct {
	db     *sqlx.DB
	logger *slog.Logger

	jobs chan func()
	wg   sync.WaitGroup

	entropy *ulid.MonotonicEntropy
	idMu    sync.Mutex
}

// Open opens (creating if needed) the SQLite database and starts the
// write workers.
func Open(dbPath string, workers int, logger *slog.Logger) (*Gateway, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", dbPath, err)
	}
	// SQLite serializes writers anyway; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	if workers <= 0 {
		workers = 2
	}
	g := &Gateway{
		db:      db,
		logger:  logger.With("component", "persist"),
		jobs:    make(chan func(), queueSize),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	return g, nil
}

// Close drains the write queue and closes the database.
func (g *Gateway) Close() error {
	close(g.jobs)
	g.wg.Wait()
	return g.db.Close()
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for job := range g.jobs {
		job()
	}
}

// enqueue schedules an async write. A full queue drops the write.
func (g *Gateway) enqueue(name string, fn func() error) {
	job := func() {
		var err error
		for attempt := 0; attempt <= writeRetries; attempt++ {
			if err = fn(); err == nil {
				return
			}
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
		g.logger.Error("persist failed", "op", name, "error", err)
	}
	select {
	case g.jobs <- job:
	default:
		g.logger.Warn("persist queue full, dropping write", "op", name)
	}
}

func (g *Gateway) newID() string {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// ————————————————————————————————————————————————————————————————————————
// Async writes
// ————————————————————————————————————————————————————————————————————————

// RecordTrade persists one round trip (full or partial). Keyed by
// client_order_id when present, so a duplicate report updates in place.
func (g *Gateway) RecordTrade(rec types.TradeRecord) {
	if rec.ID == "" {
		rec.ID = g.newID()
	}
	g.enqueue("trade", func() error {
		_, err := g.db.NamedExec(`
			INSERT INTO trades (id, symbol, side, qty, entry_price, exit_price,
				entry_time, exit_time, pnl, pnl_pct, r_multiple, reason, client_order_id)
			VALUES (:id, :symbol, :side, :qty, :entry_price, :exit_price,
				:entry_time, :exit_time, :pnl, :pnl_pct, :r_multiple, :reason,
				NULLIF(:client_order_id, ''))
			ON CONFLICT(client_order_id) DO UPDATE SET
				qty = excluded.qty,
				exit_price = excluded.exit_price,
				exit_time = excluded.exit_time,
				pnl = excluded.pnl,
				pnl_pct = excluded.pnl_pct,
				r_multiple = excluded.r_multiple,
				reason = excluded.reason`,
			rec)
		return err
	})
}

// SavePosition snapshots an open position so ladder progress survives a
// restart.
func (g *Gateway) SavePosition(pos types.Position) {
	payload, err := json.Marshal(pos)
	if err != nil {
		g.logger.Error("marshal position", "symbol", pos.Symbol, "error", err)
		return
	}
	g.enqueue("position", func() error {
		_, err := g.db.Exec(`
			INSERT INTO positions (symbol, payload, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			pos.Symbol, string(payload), time.Now())
		return err
	})
}

// DeletePosition removes a closed position's snapshot.
func (g *Gateway) DeletePosition(symbol string) {
	g.enqueue("position_delete", func() error {
		_, err := g.db.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
		return err
	})
}

// SaveFeatures persists a feature snapshot, idempotent on (symbol, ts).
func (g *Gateway) SaveFeatures(f types.Features) {
	payload, err := json.Marshal(f)
	if err != nil {
		g.logger.Error("marshal features", "symbol", f.Symbol, "error", err)
		return
	}
	g.enqueue("features", func() error {
		_, err := g.db.Exec(`
			INSERT INTO features (symbol, ts, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(symbol, ts) DO UPDATE SET payload = excluded.payload`,
			f.Symbol, f.Ts, string(payload))
		return err
	})
}

// SavePrediction logs the feature vector and confidence behind one
// emitted signal. Shadow data only; nothing reads it on the hot path.
func (g *Gateway) SavePrediction(sig types.Signal, f types.Features) {
	payload, err := json.Marshal(f)
	if err != nil {
		g.logger.Error("marshal prediction", "symbol", sig.Symbol, "error", err)
		return
	}
	id := g.newID()
	g.enqueue("prediction", func() error {
		_, err := g.db.Exec(`
			INSERT INTO ml_predictions (id, symbol, signal_ts, side, confidence, features)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, signal_ts) DO UPDATE SET
				side = excluded.side,
				confidence = excluded.confidence,
				features = excluded.features`,
			id, sig.Symbol, sig.Ts, string(sig.Side), sig.Confidence, string(payload))
		return err
	})
}

// SaveParameters records the active knobs at startup, flipping any
// previous rows inactive.
func (g *Gateway) SaveParameters(params any) {
	payload, err := json.Marshal(params)
	if err != nil {
		g.logger.Error("marshal parameters", "error", err)
		return
	}
	id := g.newID()
	g.enqueue("parameters", func() error {
		tx, err := g.db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`UPDATE trading_parameters SET active = 0 WHERE active = 1`); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO trading_parameters (id, created_at, params, active)
			VALUES (?, ?, ?, 1)`,
			id, time.Now(), string(payload)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ————————————————————————————————————————————————————————————————————————
// Synchronous hydration reads
// ————————————————————————————————————————————————————————————————————————

// LoadPositions restores persisted position snapshots, keyed by symbol.
// The caller must reconcile them against broker truth before trusting
// quantities.
func (g *Gateway) LoadPositions(ctx context.Context) (map[string]types.Position, error) {
	var rows []struct {
		Symbol  string `db:"symbol"`
		Payload string `db:"payload"`
	}
	if err := g.db.SelectContext(ctx, &rows, `SELECT symbol, payload FROM positions`); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	out := make(map[string]types.Position, len(rows))
	for _, row := range rows {
		var pos types.Position
		if err := json.Unmarshal([]byte(row.Payload), &pos); err != nil {
			g.logger.Warn("corrupt position snapshot, skipping", "symbol", row.Symbol, "error", err)
			continue
		}
		out[row.Symbol] = pos
	}
	return out, nil
}

// LoadCooldowns rebuilds per-symbol last-exit times and consecutive-loss
// streaks from recent trade history.
func (g *Gateway) LoadCooldowns(ctx context.Context, since time.Time) (map[string]time.Time, map[string]int, error) {
	var rows []struct {
		Symbol   string       `db:"symbol"`
		ExitTime sql.NullTime `db:"exit_time"`
		PnL      float64      `db:"pnl"`
	}
	if err := g.db.SelectContext(ctx, &rows, `
		SELECT symbol, exit_time, pnl FROM trades
		WHERE exit_time IS NOT NULL AND exit_time >= ?
		ORDER BY exit_time ASC`, since); err != nil {
		return nil, nil, fmt.Errorf("load cooldowns: %w", err)
	}

	lastExit := make(map[string]time.Time)
	streaks := make(map[string]int)
	for _, row := range rows {
		if !row.ExitTime.Valid {
			continue
		}
		lastExit[row.Symbol] = row.ExitTime.Time
		if row.PnL < 0 {
			streaks[row.Symbol]++
		} else {
			streaks[row.Symbol] = 0
		}
	}
	return lastExit, streaks, nil
}

// DayPnL sums realized PnL for trades exited on the given Eastern day.
// Used to restore the circuit-breaker baseline after a midday restart.
func (g *Gateway) DayPnL(ctx context.Context, dayStart, dayEnd time.Time) (float64, error) {
	var pnl sql.NullFloat64
	if err := g.db.GetContext(ctx, &pnl, `
		SELECT SUM(pnl) FROM trades
		WHERE exit_time IS NOT NULL AND exit_time >= ? AND exit_time < ?`,
		dayStart, dayEnd); err != nil {
		return 0, fmt.Errorf("day pnl: %w", err)
	}
	return pnl.Float64, nil
}

// Package executor owns order submission and fill verification.
//
// The entry path is a small state machine: price the order as a
// marketable limit, submit (bracket when enabled), poll for the fill
// with adaptive backoff, and confirm the fill through more than one
// independent signal before the position is considered open. Cancels
// that race a fill are treated as fills, never as clean exits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"trend-bot/internal/broker"
	"trend-bot/internal/config"
	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// ErrNoFill means the entry never filled within the wait cap and was
// cleanly canceled. Not an error state for the caller beyond logging.
var ErrNoFill = errors.New("entry not filled within timeout")

// ErrSlippage means the marketable limit would have crossed the slippage
// cap, so nothing was submitted.
var ErrSlippage = errors.New("quote beyond slippage cap")

const (
	pollInitial = 500 * time.Millisecond
	pollMax     = 2 * time.Second
)

// Executor submits and verifies orders. Safe for concurrent use across
// symbols; the caller serializes per symbol via the state's symbol lock.
type Executor struct {
	broker broker.Broker
	state  *state.TradingState
	cfg    config.ExecutorConfig
	logger *slog.Logger
}

// New creates an executor.
func New(b broker.Broker, st *state.TradingState, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		broker: b,
		state:  st,
		cfg:    cfg,
		logger: logger.With("component", "executor"),
	}
}

// OpenPosition runs the full entry path for an approved signal and
// returns the opened position. extendedHours widens the limit buffer.
func (e *Executor) OpenPosition(ctx context.Context, sig types.Signal, qty float64, extendedHours bool) (types.Position, error) {
	clientID := ClientOrderID(sig.Symbol, types.IntentEntry, sig.Ts)

	// Idempotency: a retry of the same logical attempt adopts the order
	// already working at the broker instead of submitting a second one.
	if existing, err := e.broker.GetOrderByClientID(ctx, clientID); err == nil && existing.OrderID != "" {
		e.logger.Info("adopting in-flight entry", "symbol", sig.Symbol, "client_order_id", clientID)
		return e.awaitEntry(ctx, sig, existing, qty)
	}

	limit, err := e.marketableLimit(ctx, sig, extendedHours)
	if err != nil {
		return types.Position{}, err
	}

	req := broker.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           qty,
		Type:          types.OrderLimit,
		TimeInForce:   "day",
		LimitPrice:    limit,
		ClientOrderID: clientID,
	}
	if e.cfg.BracketOrders {
		req.Bracket = &broker.BracketLegs{
			TakeProfitLimit: roundCents(sig.TakeProfit),
			StopLossStop:    roundCents(sig.InitialStop),
		}
	}

	order, err := e.submitWithRetry(ctx, req)
	if err != nil {
		return types.Position{}, fmt.Errorf("submit entry %s: %w", sig.Symbol, err)
	}
	order.Intent = types.IntentEntry
	order.Linkage = clientID
	e.state.SetOrder(order)
	e.state.Publish(state.Event{Type: state.EventOrder, Symbol: sig.Symbol, Data: order})

	return e.awaitEntry(ctx, sig, order, qty)
}

// awaitEntry waits for the entry fill, attaches protection in sequential
// mode, and builds the position record.
func (e *Executor) awaitEntry(ctx context.Context, sig types.Signal, order types.Order, qty float64) (types.Position, error) {
	filled, err := e.waitForFill(ctx, order, qty)
	if err != nil {
		return types.Position{}, err
	}

	pos := types.Position{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           filled.FilledQty,
		OriginalQty:   filled.FilledQty,
		AvgEntryPrice: filled.FilledAvgPrice,
		CurrentPrice:  filled.FilledAvgPrice,
		StopLoss:      roundCents(sig.InitialStop),
		TakeProfit:    roundCents(sig.TakeProfit),
		EntryTime:     time.Now(),
		InitialRisk:   math.Abs(filled.FilledAvgPrice - sig.InitialStop),
	}
	if filled.FilledAt != nil {
		pos.EntryTime = *filled.FilledAt
	}

	if !e.cfg.BracketOrders {
		if err := e.AttachProtection(ctx, pos, filled.ClientOrderID); err != nil {
			// Fail closed: a position without a working stop must not
			// survive the entry path.
			e.logger.Error("protective legs failed, closing position", "symbol", pos.Symbol, "error", err)
			if closeErr := e.broker.ClosePosition(ctx, pos.Symbol); closeErr != nil {
				return types.Position{}, fmt.Errorf("attach protection: %v; emergency close: %w", err, closeErr)
			}
			return types.Position{}, fmt.Errorf("attach protection %s: %w", pos.Symbol, err)
		}
	}

	e.state.SetPosition(pos)
	e.state.Publish(state.Event{Type: state.EventOpened, Symbol: pos.Symbol, Data: pos})
	e.logger.Info("position opened",
		"symbol", pos.Symbol,
		"side", pos.Side,
		"qty", pos.Qty,
		"avg_price", pos.AvgEntryPrice,
		"stop", pos.StopLoss,
		"target", pos.TakeProfit,
	)
	return pos, nil
}

// AttachProtection places the stop and take-profit legs for a position
// that lacks them. Used in sequential entry mode and by the protection
// audit when it rebuilds missing legs.
func (e *Executor) AttachProtection(ctx context.Context, pos types.Position, linkage string) error {
	exit := pos.Side.Opposite()

	stopReq := broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exit,
		Qty:           pos.Qty,
		Type:          types.OrderStop,
		TimeInForce:   "gtc",
		StopPrice:     roundCents(pos.StopLoss),
		ClientOrderID: ClientOrderID(pos.Symbol, types.IntentStop, time.Now()),
	}
	stopOrder, err := e.submitWithRetry(ctx, stopReq)
	if err != nil {
		return fmt.Errorf("place stop: %w", err)
	}
	stopOrder.Intent = types.IntentStop
	stopOrder.Linkage = linkage
	e.state.SetOrder(stopOrder)

	if pos.TakeProfit > 0 {
		tpReq := broker.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          exit,
			Qty:           pos.Qty,
			Type:          types.OrderLimit,
			TimeInForce:   "gtc",
			LimitPrice:    roundCents(pos.TakeProfit),
			ClientOrderID: ClientOrderID(pos.Symbol, types.IntentTakeProfit, time.Now()),
		}
		tpOrder, err := e.submitWithRetry(ctx, tpReq)
		if err != nil {
			// The stop is the leg that matters; cancel it only if we are
			// about to fail closed, which the caller decides.
			if cancelErr := e.broker.CancelOrder(ctx, stopOrder.OrderID); cancelErr != nil && !broker.IsRace(cancelErr) {
				e.logger.Warn("orphan stop cancel failed", "symbol", pos.Symbol, "error", cancelErr)
			}
			return fmt.Errorf("place take profit: %w", err)
		}
		tpOrder.Intent = types.IntentTakeProfit
		tpOrder.Linkage = linkage
		e.state.SetOrder(tpOrder)
	}
	return nil
}

// Exit closes qty shares of a position at market with the given intent
// (partial, flatten). It waits for the fill and returns the filled order.
func (e *Executor) Exit(ctx context.Context, pos types.Position, qty float64, intent types.OrderIntent) (types.Order, error) {
	req := broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Qty:           qty,
		Type:          types.OrderMarket,
		TimeInForce:   "day",
		ClientOrderID: ClientOrderID(pos.Symbol, intent, time.Now()),
	}

	order, err := e.submitWithRetry(ctx, req)
	if err != nil {
		return types.Order{}, fmt.Errorf("submit %s %s: %w", intent, pos.Symbol, err)
	}
	order.Intent = intent
	e.state.SetOrder(order)
	e.state.Publish(state.Event{Type: state.EventOrder, Symbol: pos.Symbol, Data: order})

	return e.waitForFill(ctx, order, qty)
}

// marketableLimit prices the entry aggressively enough to fill but
// refuses to cross the slippage cap relative to the signal's reference.
func (e *Executor) marketableLimit(ctx context.Context, sig types.Signal, extendedHours bool) (float64, error) {
	quote, err := e.broker.GetLatestQuote(ctx, sig.Symbol)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", sig.Symbol, err)
	}

	buffer := e.cfg.LimitBufferRegular
	if extendedHours {
		buffer = e.cfg.LimitBufferExtended
	}

	var limit float64
	if sig.Side == types.Buy {
		limit = quote.Ask * (1 + buffer)
		if limit > sig.EntryRef*(1+e.cfg.MaxSlippagePct) {
			return 0, fmt.Errorf("%w: limit %.2f vs ref %.2f", ErrSlippage, limit, sig.EntryRef)
		}
	} else {
		limit = quote.Bid * (1 - buffer)
		if limit < sig.EntryRef*(1-e.cfg.MaxSlippagePct) {
			return 0, fmt.Errorf("%w: limit %.2f vs ref %.2f", ErrSlippage, limit, sig.EntryRef)
		}
	}
	return roundCents(limit), nil
}

// submitWithRetry retries transient submit failures with exponential
// backoff. The deterministic client ID makes the retry idempotent: if
// the first attempt actually landed, the broker returns the original
// order for the duplicate ID.
func (e *Executor) submitWithRetry(ctx context.Context, req broker.OrderRequest) (types.Order, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.Order{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		order, err := e.broker.SubmitOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !broker.Retryable(err) {
			// A rejected submit (buying power, halted symbol) will not
			// improve with retries.
			return types.Order{}, err
		}
		e.logger.Warn("submit retry", "symbol", req.Symbol, "attempt", attempt+1, "error", err)
	}
	return types.Order{}, lastErr
}

// waitForFill polls the order with adaptive backoff until the fill is
// confirmed, the timeout lapses, or the order goes terminal some other
// way. On timeout it cancels; a cancel that races a fill is a fill.
func (e *Executor) waitForFill(ctx context.Context, order types.Order, qty float64) (types.Order, error) {
	deadline := time.Now().Add(e.cfg.FillTimeout)
	interval := pollInitial

	for {
		current, err := e.broker.GetOrder(ctx, order.OrderID)
		if err == nil {
			e.state.SetOrder(current)
			if e.fillConfirmed(ctx, current, qty) {
				return current, nil
			}
			switch current.Status {
			case types.StatusCanceled, types.StatusExpired:
				return current, ErrNoFill
			case types.StatusRejected:
				return current, fmt.Errorf("order rejected: %s %s", current.Symbol, current.ClientOrderID)
			}
		} else if !broker.Retryable(err) {
			return types.Order{}, fmt.Errorf("poll order %s: %w", order.OrderID, err)
		}

		if time.Now().After(deadline) {
			return e.cancelUnfilled(ctx, order, qty)
		}

		select {
		case <-ctx.Done():
			return types.Order{}, ctx.Err()
		case <-time.After(interval):
		}
		if interval < pollMax {
			interval *= 2
			if interval > pollMax {
				interval = pollMax
			}
		}
	}
}

// fillConfirmed demands agreement of at least two independent signals
// (status word, filled quantity, fill timestamp) before trusting a fill.
// When the order record is ambiguous, the broker's position delta is the
// ultimate arbiter.
func (e *Executor) fillConfirmed(ctx context.Context, o types.Order, qty float64) bool {
	signals := 0
	if o.Status == types.StatusFilled {
		signals++
	}
	if o.FilledQty >= qty {
		signals++
	}
	if o.FilledAt != nil {
		signals++
	}
	if signals >= 2 {
		return true
	}
	if signals == 1 {
		return e.positionDelta(ctx, o, qty)
	}
	return false
}

// positionDelta checks whether the broker's position for the symbol
// reflects the fill.
func (e *Executor) positionDelta(ctx context.Context, o types.Order, qty float64) bool {
	positions, err := e.broker.ListPositions(ctx)
	if err != nil {
		return false
	}
	prior, _ := e.state.Position(o.Symbol)
	for _, p := range positions {
		if p.Symbol != o.Symbol {
			continue
		}
		switch o.Intent {
		case types.IntentEntry:
			return p.Qty >= prior.Qty+qty
		default:
			return p.Qty <= prior.Qty-qty
		}
	}
	// Symbol absent at the broker: a full exit confirms, an entry does not.
	return o.Intent != types.IntentEntry && prior.Qty <= qty
}

// cancelUnfilled cancels a timed-out order. A race error means the fill
// beat the cancel; re-fetch and report the fill.
func (e *Executor) cancelUnfilled(ctx context.Context, order types.Order, qty float64) (types.Order, error) {
	err := e.broker.CancelOrder(ctx, order.OrderID)
	if err != nil && broker.IsRace(err) {
		e.logger.Info("cancel raced fill, treating as filled", "symbol", order.Symbol, "order_id", order.OrderID)
		current, ferr := e.broker.GetOrder(ctx, order.OrderID)
		if ferr != nil {
			return types.Order{}, fmt.Errorf("refetch after cancel race: %w", ferr)
		}
		e.state.SetOrder(current)
		return current, nil
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("cancel unfilled %s: %w", order.OrderID, err)
	}

	// The cancel may still have crossed a partial fill; trust the final
	// order record.
	current, ferr := e.broker.GetOrder(ctx, order.OrderID)
	if ferr == nil {
		e.state.SetOrder(current)
		if current.FilledQty > 0 {
			return current, nil
		}
	}
	e.logger.Warn("entry canceled unfilled", "symbol", order.Symbol, "order_id", order.OrderID)
	return order, ErrNoFill
}

// roundCents snaps a price to the penny grid the broker accepts.
func roundCents(p float64) float64 {
	return math.Round(p*100) / 100
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"trend-bot/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to localhost; origin checks add nothing there.
		return true
	},
}

// Controller is the slice of engine behavior the operator endpoints
// need. Commands route through the same gate/manager paths as
// autonomous actions.
type Controller interface {
	Pause(reason string)
	Resume()
	Flatten(ctx context.Context)
	CloseSymbol(ctx context.Context, symbol string) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	state      *state.TradingState
	controller Controller
	hub        *Hub
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st *state.TradingState, ctrl Controller, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		state:      st,
		controller: ctrl,
		hub:        hub,
		logger:     logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatus returns the engine's control state and account metrics.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		TradingEnabled: h.state.TradingEnabled(),
		DisableReason:  h.state.DisableReason(),
		Metrics:        h.state.Metrics(),
		Regime:         h.state.Regime(),
		DayPnL:         h.state.DayRealizedPnL(),
	})
}

// HandlePositions returns all open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Positions())
}

// HandleOrders returns tracked orders.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Orders())
}

// HandleOpportunities returns the active scored watchlist.
func (h *Handlers) HandleOpportunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Watchlist())
}

// HandlePause halts new entries. Open positions stay managed.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.controller.Pause("operator pause")
	h.logger.Info("trading paused by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// HandleResume re-enables entries, clearing any breaker latch.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.controller.Resume()
	h.logger.Info("trading resumed by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleFlatten closes every open position at market.
func (h *Handlers) HandleFlatten(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.logger.Warn("operator flatten requested")
	h.controller.Flatten(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "flattening"})
}

// HandleClose closes one position: POST /close/{symbol}.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/close/"))
	if symbol == "" || strings.Contains(symbol, "/") {
		http.Error(w, "missing symbol", http.StatusBadRequest)
		return
	}
	if err := h.controller.CloseSymbol(r.Context(), symbol); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("operator close", "symbol", symbol)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing", "symbol": symbol})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection and replays a snapshot before
// live events flow.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(h.state)
	data, err := json.Marshal(state.Event{Type: "snapshot", Data: snapshot})
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

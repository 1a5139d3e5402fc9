package api

import (
	"time"

	"trend-bot/internal/state"
	"trend-bot/pkg/types"
)

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	TradingEnabled bool          `json:"trading_enabled"`
	DisableReason  string        `json:"disable_reason,omitempty"`
	Metrics        types.Metrics `json:"metrics"`
	Regime         types.Regime  `json:"regime"`
	DayPnL         float64       `json:"day_pnl"`
}

// Snapshot is the full state replay sent to a WebSocket client on
// connect, before live events start flowing.
type Snapshot struct {
	TradingEnabled bool                `json:"trading_enabled"`
	DisableReason  string              `json:"disable_reason,omitempty"`
	Positions      []types.Position    `json:"positions"`
	Orders         []types.Order       `json:"orders"`
	Watchlist      []types.Opportunity `json:"watchlist"`
	Metrics        types.Metrics       `json:"metrics"`
	Regime         types.Regime        `json:"regime"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// BuildSnapshot assembles the replay from shared state.
func BuildSnapshot(st *state.TradingState) Snapshot {
	return Snapshot{
		TradingEnabled: st.TradingEnabled(),
		DisableReason:  st.DisableReason(),
		Positions:      st.Positions(),
		Orders:         st.Orders(),
		Watchlist:      st.Watchlist(),
		Metrics:        st.Metrics(),
		Regime:         st.Regime(),
		GeneratedAt:    time.Now(),
	}
}

// Package api exposes the operator surface: REST endpoints for status
// and control, a WebSocket stream of state events, and prometheus
// metrics. Operator commands go through the same engine paths as
// autonomous decisions; the API holds no trading logic of its own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trend-bot/internal/config"
	"trend-bot/internal/metrics"
	"trend-bot/internal/state"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	state    *state.TradingState
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires routes, hub and handlers.
func NewServer(cfg config.APIConfig, st *state.TradingState, ctrl Controller, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(st, ctrl, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/positions", handlers.HandlePositions)
	mux.HandleFunc("/orders", handlers.HandleOrders)
	mux.HandleFunc("/opportunities", handlers.HandleOpportunities)
	mux.HandleFunc("/pause", handlers.HandlePause)
	mux.HandleFunc("/resume", handlers.HandleResume)
	mux.HandleFunc("/flatten", handlers.HandleFlatten)
	mux.HandleFunc("/close/", handlers.HandleClose)
	mux.HandleFunc("/stream", handlers.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		state:    st,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event bridge and the listener. Blocks until
// the server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.bridgeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// bridgeEvents forwards the state bus onto the WebSocket hub.
func (s *Server) bridgeEvents() {
	for evt := range s.state.Subscribe() {
		s.hub.BroadcastEvent(evt)
	}
}

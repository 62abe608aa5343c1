// Package api serves the read-only status HTTP API.
//
// Everything it returns comes from the status store: the status document,
// positions, order history, the JSONL histories and a server-sent event
// stream of status events. There are no mutation endpoints; operating the
// agent happens through configuration and signals only.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-agent/internal/config"
	"futures-agent/internal/status"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.APIConfig
	store    *status.Store
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	// ctx is the base context of every request; Stop cancels it so the
	// event-stream handlers unblock before Shutdown waits on them.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the routes and subscribes the event hub to the status
// store.
func NewServer(cfg config.APIConfig, store *status.Store, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(store, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/orders", handlers.HandleOrders)
	mux.HandleFunc("GET /api/history/ai", handlers.HandleAIHistory)
	mux.HandleFunc("GET /api/history/close", handlers.HandleCloseHistory)
	mux.HandleFunc("GET /api/events/stream", handlers.HandleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream writes for the connection's
		// whole lifetime.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	store.Subscribe(hub.Broadcast)

	return &Server{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the hub and blocks serving HTTP until Stop.
func (s *Server) Start() error {
	go s.hub.Run(s.ctx)

	s.logger.Info("status api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, closing event streams first.
func (s *Server) Stop() error {
	s.logger.Info("stopping status api")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

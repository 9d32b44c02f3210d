// Package api serves the monitor's status over HTTP: a liveness probe at
// /health and the full runtime snapshot at /api/status.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"binance-monitor/internal/config"
)

// Server runs the status HTTP API.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new status server around the given provider.
func NewServer(cfg config.APIConfig, provider StatusProvider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

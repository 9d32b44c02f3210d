// Binance Market Monitor — watches BTC order books and trade flow on Binance
// spot and USDⓈ-M futures and pushes alerts to Telegram forum topics.
//
// Architecture:
//
//	main.go              — entry point: loads config, connects storage, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → books → trackers → alert router, owns all goroutines
//	exchange/ws.go       — combined-stream WebSocket feeds (depth diffs, agg trades, forced orders) with auto-reconnect
//	exchange/client.go   — rate-limited REST client for depth snapshots
//	market/book.go       — diff-synced order book mirror with wall detection
//	market/coordinator.go— REST anchoring, desync recovery and periodic depth metrics
//	walls/tracker.go     — wall lifecycles: crossing alerts, spoof warnings, confirmations, gone reasons
//	trades/aggregator.go — minute buckets, CVD, large/mega trade detection
//	liq/filter.go        — forced-order filter and grading
//	alert/router.go      — dedup, cooldowns, micro-batching, Telegram delivery with retries
//	digest/digest.go     — periodic market summaries on aligned boundaries
//	store/               — PostgreSQL persistence (pgx) with embedded migrations
//	archive/             — JSONL export of aged rows to S3-compatible storage
//
// What it watches:
//
//	Large resting orders (walls) appearing, persisting or vanishing near mid,
//	aggressive flow imbalance (CVD) and outsized prints, and futures
//	liquidation cascades. Every signal lands in a dedicated Telegram topic so
//	a desk can follow just the channels it cares about.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"binance-monitor/internal/api"
	"binance-monitor/internal/config"
	"binance-monitor/internal/engine"
	"binance-monitor/internal/store"
)

func main() {
	// .env is optional; real deployments set MONITOR_* in the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MONITOR_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Store.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, st, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	logger.Info("binance monitor started",
		"symbol", cfg.Symbol,
		"wall_alert_usd", cfg.Walls.AlertUSD,
		"archive", cfg.Archive.Enabled,
		"api", cfg.API.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	st.Close()
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

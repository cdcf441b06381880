// MEP Arbitrage Agent — an automated two-leg arbitrage bot for the MEP
// dollar trade on Matba Rofex: sovereign bonds listed in both ARS and USD.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: runs the trading loop, wires feed → strategy → account
//	strategy/signals.go     — implied FX math: signal detection and order sizing per direction
//	strategy/reference.go   — EMA reference estimator for the fair MEP rate
//	strategy/coordinator.go — two-leg execution: buy leg, sell leg, wait/grace windows, unwind
//	strategy/probe.go       — latency probe: median venue RTT retunes the reference half-life
//	market/discovery.go     — instrument listing → ARS/USD pair derivation ("D"-suffix rule)
//	market/board.go         — top-of-book quote board fed by the market-data stream
//	exchange/client.go      — REST client for the Primary API (token auth, instruments, account)
//	exchange/ws.go          — WebSocket feed: market data, order entry, execution reports
//	account/reconciler.go   — positions from fills; cash from account report or fill deltas
//	control/watcher.go      — control.json poller: live overrides and one-shot operator actions
//	status/publisher.go     — status/books/positions snapshots and the trades/reports CSVs
//
// How it makes money:
//
//	The same bond trades in pesos (AL30) and in dollars (AL30D). The ratio of
//	the two prices is an implied ARS/USD exchange rate. When one listing lags
//	the other, the implied rate diverges from its smoothed reference: buying
//	the cheap listing and selling the dear one converts currency at a better
//	rate than the market consensus. Each conversion is two legs: buy first,
//	then sell the acquired bonds on the other listing.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mep-arb/internal/config"
	"mep-arb/internal/engine"
)

func main() {
	// Load config. The default file is optional: built-in defaults plus
	// MEP_* env vars are a complete paper-trading setup.
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MEP_CONFIG"); p != "" {
		cfgPath = p
	} else if _, err := os.Stat(cfgPath); err != nil {
		cfgPath = ""
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

	eng := engine.New(cfg, logger)
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("mep arbitrage agent started",
		"env", cfg.Env,
		"thresh_pct", cfg.Trading.ThreshPct,
		"min_notional_ars", cfg.Trading.MinNotionalARS,
		"unwind_mode", cfg.Trading.UnwindMode,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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

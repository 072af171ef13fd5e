// sigpilot - Telegram signal copier for MT5-style brokers
//
// Pipeline:
// 1. Parse provider messages into structured signals
// 2. Rate-limit, merge conflicting signals, apply reverse/routing rules
// 3. Size the lot, gate on spread and margin, optionally wait for pullback
// 4. Place through the broker bridge with retries
// 5. Manage fills: partial TPs, trailing, break-even, spread adjustments,
//    and signal edits, until flat
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/core"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/bot"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/storage"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ sigpilot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()

	// Broker: the MT5 bridge live, the paper broker in dry runs.
	var brk broker.Broker
	if cfg.DryRun {
		brk = broker.NewPaper(clk, decimal.NewFromInt(10000))
		log.Info().Msg("📝 Dry run: paper broker, no real orders")
	} else {
		bridge := broker.NewBridge(cfg.BridgeURL, cfg.Magic)
		if err := bridge.Connect(); err != nil {
			log.Fatal().Err(err).Msg("Broker bridge unreachable")
		}
		defer bridge.Close()
		brk = bridge
	}

	var db *storage.Database
	if cfg.DatabaseDSN != "" {
		db, err = storage.New(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open history database")
		}
	}
	var store *storage.Store
	if cfg.StateDir != "" {
		store, err = storage.NewStore(cfg.StateDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open state directory")
		}
	}

	bus := events.NewBus()
	engine := core.New(cfg, brk, clk, bus, db, store)
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Engine failed to start")
	}

	// Telegram: operator commands in, provider signals in, alerts out.
	var tg *bot.Bot
	if cfg.TelegramToken != "" {
		tg, err = bot.New(cfg, engine, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Telegram connect failed")
		}
		tg.SetIngestor(engine)
		tg.WatchEvents(bus)
		tg.Start()
	} else {
		log.Warn().Msg("No TELEGRAM_TOKEN, running headless")
	}

	// Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down...")

	cancel()
	if tg != nil {
		tg.Stop()
	}
	engine.Stop()
	bus.Close()
	log.Info().Msg("👋 Bye")
}

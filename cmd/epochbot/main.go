// Epochbot - Autonomous trading engine for 15-minute binary crypto markets
//
// A committee of signal agents votes on every scan snapshot; a weighted
// consensus aggregator, a risk guardian and a tiered sizer turn the votes
// into (small) positions. Shadow strategies replay every snapshot against
// alternative configurations without touching real funds.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/0xtide/epochbot/internal/config"
	"github.com/0xtide/epochbot/internal/consensus"
	"github.com/0xtide/epochbot/internal/engine"
	"github.com/0xtide/epochbot/internal/feed"
	"github.com/0xtide/epochbot/internal/ledger"
	"github.com/0xtide/epochbot/internal/shadow"
	"github.com/0xtide/epochbot/internal/state"
	"github.com/0xtide/epochbot/internal/venue"
)

const version = "1.0.0"

// Exit codes per the operational contract.
const (
	exitClean      = 0
	exitConfig     = 2
	exitState      = 3
	exitDependency = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		return exitConfig
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Msg("═══════════ EPOCHBOT ═══════════")

	// Settlement chain is only needed live.
	var chain *venue.ChainClient
	if !cfg.DryRun {
		chain, err = venue.NewChainClient(cfg.ChainRPCURL, cfg.WalletPrivateKey)
		if err != nil {
			log.Error().Err(err).Msg("Settlement chain unavailable")
			return exitDependency
		}
		defer chain.Close()
	}

	gateway := venue.NewClient(cfg, chain)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 15*time.Second)
	venueCash, err := gateway.CashBalance(bootCtx)
	bootCancel()
	if err != nil {
		if _, statErr := os.Stat(cfg.StatePath); statErr != nil {
			// No persisted state and no venue: nothing to bootstrap from.
			log.Error().Err(err).Msg("Venue unavailable and no local state")
			return exitDependency
		}
		log.Warn().Err(err).Msg("Venue balance read failed, trusting local state")
		venueCash = decimal.Zero
	}

	store, err := state.Open(cfg.StatePath, venueCash)
	if err != nil {
		log.Error().Err(err).Msg("State store unusable")
		return exitState
	}

	lg, err := ledger.Open(cfg.LedgerDSN, cfg.SpoolPath)
	if err != nil {
		log.Error().Err(err).Msg("Outcome ledger unavailable")
		return exitDependency
	}
	defer lg.Close()

	if err := lg.EnsureStrategy(engine.ProductionStrategy); err != nil {
		log.Error().Err(err).Msg("Strategy registration failed")
		return exitDependency
	}

	accuracy := consensus.NewAccuracyTracker()
	orchestrator, err := shadow.New(cfg, lg, accuracy)
	if err != nil {
		log.Error().Err(err).Msg("Shadow orchestrator failed")
		return exitDependency
	}

	prices := feed.New(cfg.CryptoSymbols())
	eng := engine.New(cfg, prices, gateway, store, lg, orchestrator, accuracy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prices.Start(ctx)
	defer prices.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	// Bound the drain after a signal so a stuck cycle cannot block exit.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		select {
		case runErr = <-done:
		case <-time.After(10 * time.Second):
			log.Error().Msg("Drain timed out, forcing exit")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, state.ErrStateCorrupt) {
			log.Error().Err(runErr).Msg("Fatal state error")
			return exitState
		}
		log.Error().Err(runErr).Msg("Engine stopped with error")
		return exitDependency
	}

	log.Info().Msg("Clean shutdown")
	return exitClean
}

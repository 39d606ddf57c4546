// Command grid_trader runs the live grid trading engine for one
// perpetual contract.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/engine"
	"grid_trader/internal/exchange/binance"
	"grid_trader/internal/infrastructure/metrics"
	"grid_trader/internal/journal"
	"grid_trader/internal/reconciler"
	"grid_trader/internal/state"
	"grid_trader/internal/strategy"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/logging"
)

const (
	exitConfigError  = 1
	exitVenueError   = 2
	exitCorruptState = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to static config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		switch {
		case errors.Is(err, apperrors.ErrStateCorrupt):
			logger.Error("State file is corrupt, refusing to start", "error", err)
			logger.Sync()
			os.Exit(exitCorruptState)
		case apperrors.IsFatal(err):
			logger.Error("Venue rejected the session", "error", err)
			logger.Sync()
			os.Exit(exitVenueError)
		default:
			logger.Error("Engine terminated with error", "error", err)
			logger.Sync()
			os.Exit(exitConfigError)
		}
	}
}

func run(cfg *config.Config, logger core.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	symbol := core.Symbol{
		Name:     cfg.Trading.Symbol,
		TickSize: cfg.TickSizeDecimal(),
		StepSize: cfg.StepSizeDecimal(),
	}

	watcher, err := config.NewWatcher(
		cfg.Trading.ParamsFile,
		time.Duration(cfg.Timing.ConfigReloadInterval)*time.Second,
		logger,
	)
	if err != nil {
		return fmt.Errorf("params load failed: %w", err)
	}
	params := watcher.Current()

	venue, err := binance.New(binance.Config{
		APIKey:    cfg.Venue.APIKey,
		SecretKey: cfg.Venue.SecretKey,
		BaseURL:   cfg.Venue.BaseURL,
		Testnet:   cfg.Venue.Testnet,
		Symbol:    symbol,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Margin mode and leverage are pinned before any order goes out.
	if err := venue.SetMarginModeIsolated(ctx); err != nil {
		return fmt.Errorf("isolated margin setup failed: %w", err)
	}
	// BOTH requires equal leverages (validated at parse), so the long
	// value covers the dual-sided case too.
	leverage := params.LeverageLong
	if params.TradeDirection == core.DirectionShort {
		leverage = params.LeverageShort
	}
	if err := venue.SetLeverage(ctx, leverage); err != nil {
		return fmt.Errorf("leverage setup failed: %w", err)
	}
	logger.Info("Venue prepared", "symbol", symbol.Name, "leverage", leverage, "testnet", cfg.Venue.Testnet)

	store, err := state.NewStore(cfg.Trading.StateFile)
	if err != nil {
		return err
	}
	snapshot, err := store.Load()
	if err != nil {
		return err
	}
	var initial strategy.State
	if snapshot != nil {
		initial = *snapshot
		logger.Info("Resuming from persisted state",
			"side", initial.PositionSide, "level", initial.CurrentLevel, "capital", initial.Capital)
	} else {
		initial = strategy.NewState(symbol.Name, params.InitialCapital)
		logger.Info("Starting fresh", "capital", params.InitialCapital)
	}

	var history *journal.HistoryStore
	if cfg.Trading.HistoryDBFile != "" {
		history, err = journal.NewHistoryStore(cfg.Trading.HistoryDBFile)
		if err != nil {
			return err
		}
	}
	trades, err := journal.NewCSVJournal(cfg.Trading.TradesFile, history)
	if err != nil {
		return err
	}
	defer trades.Close()

	collector := metrics.NewCollector()
	if cfg.System.MetricsPort > 0 {
		metricsSrv := metrics.NewServer(cfg.System.MetricsPort, logger)
		metricsSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.Timing.ShutdownGrace)*time.Second)
			defer cancel()
			metricsSrv.Stop(shutdownCtx)
		}()
	}

	alerts := alert.NewManager(logger)
	if cfg.System.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.System.TelegramBotToken, cfg.System.TelegramChatID))
	}

	machine := strategy.NewMachine(symbol)
	rec := reconciler.New(venue, machine, store, trades, watcher, alerts, collector, symbol, initial, logger)

	stream := binance.NewKlineStream(
		symbol.Name,
		cfg.Venue.WSBaseURL,
		cfg.Venue.Testnet,
		time.Duration(cfg.Timing.WSSilenceTimeout)*time.Second,
		logger,
	)
	stream.OnReconnect = collector.WSReconnects.Inc

	eng := engine.New(
		stream,
		rec,
		watcher,
		time.Duration(cfg.Timing.HeartbeatInterval)*time.Second,
		time.Duration(cfg.Timing.ConfigReloadInterval)*time.Second,
		logger,
	)

	logger.Info("Grid trader starting", "symbol", symbol.Name, "direction", params.TradeDirection)
	return eng.Run(ctx)
}

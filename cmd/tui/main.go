package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/bot"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
	"github.com/rovshanmuradov/solana-copybot/internal/ui"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// The dashboard owns the terminal: logs go to the file and the log pane.
	buf := logger.NewLogBuffer(500)
	lc := logger.DefaultConfig()
	lc.Debug = cfg.DebugLogging
	lc.Console = false
	lc.Buffer = buf
	if cfg.LogFile != "" {
		lc.LogFile = cfg.LogFile
	}
	appLogger, err := logger.New(lc)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync(appLogger) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := bot.NewRunner(cfg, appLogger, bot.Options{})
	if err != nil {
		appLogger.Error("Failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}

	updates := ui.NewUpdateSender(256)
	subs := runner.Bus().SubscribeAll(updates)

	dash := ui.NewDashboard(ctx, runner, updates, buf, ui.Options{
		Wallet:       cfg.OwnWallet,
		PaperTrading: cfg.PaperTrading,
	})
	program := tea.NewProgram(dash, tea.WithAltScreen(), tea.WithContext(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			err = nil
		}
		// Quitting the dashboard stops the engine.
		subs.Unsubscribe()
		stop()
		return err
	})
	if err := g.Wait(); err != nil {
		appLogger.Error("Copybot stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/bot"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to config file")
	flag.Parse()

	// .env is optional; COPYBOT_* variables override the file.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lc := logger.DefaultConfig()
	lc.Debug = cfg.DebugLogging
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
	if err := runner.Run(ctx); err != nil {
		appLogger.Error("Engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

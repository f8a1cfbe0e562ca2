package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/export"
	"github.com/rovshanmuradov/solana-copybot/internal/journal"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to config file")
	format := flag.String("format", "csv", "Export format: csv or json")
	since := flag.Duration("since", 24*time.Hour, "Export attempts newer than this")
	token := flag.String("token", "", "Only export this token mint")
	reason := flag.String("reason", "", "Only export this exit reason")
	onlySuccess := flag.Bool("success", false, "Only export successful attempts")
	out := flag.String("out", "exports", "Output directory")
	daily := flag.Bool("daily", false, "Write today's daily report instead")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lc := logger.DefaultConfig()
	lc.LogFile = ""
	appLogger, err := logger.New(lc)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync(appLogger) }()

	j, err := journal.Open(cfg.JournalPath, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open journal", zap.Error(err))
	}
	defer j.Close()

	now := time.Now()
	from := now.Add(-*since)
	if *daily {
		from = now.UTC().Truncate(24 * time.Hour)
	}
	attempts, err := j.AttemptsBetween(context.Background(), from, time.Time{})
	if err != nil {
		appLogger.Fatal("Failed to read journal", zap.Error(err))
	}

	exporter := export.NewExporter(appLogger)
	var path string
	if *daily {
		path, err = exporter.ExportDailyReport(attempts, now, *out)
	} else {
		opts := export.Options{
			Format:      export.Format(*format),
			Start:       from,
			Token:       *token,
			Reason:      *reason,
			OnlySuccess: *onlySuccess,
			OutputDir:   *out,
		}
		attempts = export.Filter(attempts, opts)
		path, err = exporter.Export(attempts, opts)
	}
	if err != nil {
		appLogger.Fatal("Export failed", zap.Error(err))
	}

	export.PrintSummary(os.Stdout, export.Summarize(attempts))
	if path != "" {
		fmt.Println("wrote", path)
	}
}

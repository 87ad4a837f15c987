package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFile     string
		once        bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	flag.BoolVar(&once, "once", false, "Render the files given as arguments and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		if flag.NArg() == 0 {
			logger.Error("-once needs at least one document path")
			os.Exit(2)
		}
		started := time.Now()
		summary, err := rt.RunOnce(ctx, flag.Args())
		logger.Info("batch finished",
			slog.Int("done", summary.Done),
			slog.Int("failed", summary.Failed),
			slog.Int("pending", summary.Pending),
			slog.Int("skipped", summary.Skipped),
			slog.String("elapsed", strings.TrimSpace(humanize.RelTime(started, time.Now(), "", ""))))
		if err != nil {
			logger.Error("batch exited with error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Command auricle runs the always-on audio front-end: it captures microphone
// audio, watches for a wake phrase, streams utterances to the configured
// speech service and plays the synthesized replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auricle-dev/auricle/internal/app"
	"github.com/auricle-dev/auricle/internal/config"
	"github.com/auricle-dev/auricle/internal/observe"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config file %q not found; copy configs/example.yaml and adjust it\n", *configPath)
			return 1
		}
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("starting auricle",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", string(cfg.Server.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("init metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("build pipeline", "err", err)
		return 1
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline stopped", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.Level(),
	}))
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/db"
	httpserver "github.com/padorange/hubeau/services/api/http"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connection error", "error", err)
		os.Exit(2)
	}
	defer store.Close()

	srv := httpserver.New(cfg, store, prometheus.NewRegistry(), logger)
	logger.Info("REST API listening", "addr", cfg.ListenAddr(), "driver", cfg.DatabaseDriver)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		store.Close()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"checkq/internal/config"
	"checkq/internal/logging"
	"checkq/internal/store"
)

// setup loads config, initializes logging, and connects the store client.
// Every subcommand starts here.
func setup(processID func(*config.Config) string) (*config.Config, *store.Client, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(processID(cfg))

	st := store.New(store.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := st.Ping(context.Background()); err != nil {
		return nil, nil, nil, fmt.Errorf("connect to store at %s: %w", cfg.RedisAddr, err)
	}
	return cfg, st, logger, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. Long-lived
// components receive it and run their own Shutdown on cancellation.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()
	return ctx, cancel
}

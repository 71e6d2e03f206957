// Package main is the ksid daemon entry point: it loads configuration,
// assembles the daemon, and runs it until an interrupt or shutdown
// signal is received.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/ksid/internal/config"
	"github.com/tenzoki/ksid/internal/daemon"
)

func main() {
	var configFile string
	if len(os.Args) >= 2 {
		configFile = os.Args[1]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("ksid: failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	d, err := daemon.New(cfg, logger)
	if err != nil {
		log.Fatalf("ksid: failed to assemble daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	logger.Info("ksid started", "socket", cfg.Socket.Path, "store", cfg.Store.Dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn("shutdown timeout exceeded")
		}
	case err := <-done:
		if err != nil {
			logger.Error("daemon exited with error", "error", err)
		}
		cancel()
	}

	if err := d.Close(); err != nil {
		logger.Error("error closing daemon", "error", err)
	}
}

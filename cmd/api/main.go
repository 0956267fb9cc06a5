package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/contexta-gateway/internal/app"
	"github.com/markdave123-py/contexta-gateway/internal/config"
	"github.com/markdave123-py/contexta-gateway/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- application.Server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutting down", "timeout", cfg.ShutdownTimeout, "active_jobs", application.Service.ActiveJobs())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return application.Server.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/autopr/internal/app"
	"github.com/nadmax/autopr/internal/config"
	"github.com/nadmax/autopr/internal/logging"
	"github.com/nadmax/autopr/internal/worker"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTOPR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close worker resources", zap.Error(err))
		}
	}()

	w := worker.NewWorker(cfg.WorkerID, a.Queue, a.Machine, logger)
	w.SetPollInterval(cfg.QueuePollInterval)
	w.SetCIPollInterval(cfg.CIPollInterval)
	w.SetHeartbeat(a.Store, cfg.HeartbeatInterval)

	w.Start(ctx)

	logger.Info("shutting down worker", zap.String("worker_id", cfg.WorkerID))
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/autopr/internal/api"
	"github.com/nadmax/autopr/internal/app"
	"github.com/nadmax/autopr/internal/config"
	"github.com/nadmax/autopr/internal/logging"
	"github.com/nadmax/autopr/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTOPR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
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
			logger.Warn("failed to close server resources", zap.Error(err))
		}
	}()

	apiHandler := api.NewAPI(a.Machine, a.Queue, a.Dispatcher, a.Dashboard, logger)
	handler := middleware.LoggingMiddleware(logger)(middleware.MetricsMiddleware(apiHandler))

	go startMetricsCollector(ctx, newCollector(a.Queue, a.Dashboard, logger), 10*time.Second)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("redis_addr", cfg.RedisAddr),
			zap.Bool("durable_store", a.Repo != nil),
		)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

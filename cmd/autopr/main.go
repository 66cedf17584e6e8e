// Package main implements the autopr CLI, which drives a task to a finished pull
// request in-process and keeps its checkpoints in a local SQLite database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/autopr/internal/app"
	"github.com/nadmax/autopr/internal/checkpoint"
	"github.com/nadmax/autopr/internal/config"
	"github.com/nadmax/autopr/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
	version    = "dev"

	// errTaskFailed makes the process exit non-zero after an error record was printed.
	errTaskFailed = errors.New("task finished with error status")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command tree under ctx and returns the process exit code.
// Canceling ctx stops a running task at its next checkpoint.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTaskFailed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}

var rootCmd = &cobra.Command{
	Use:   "autopr",
	Short: "Turn a goal into a pull request and shepherd it through CI",
	Long: `autopr plans a goal against a GitHub repository, writes the content,
opens a pull request and watches CI, committing fixes until the checks pass
or the retry budget runs out. The final result record is printed as JSON.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AUTOPR_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// env holds what every subcommand needs. close releases it.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *checkpoint.Store
	app    *app.App
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Checkpointer: store, WithoutQueue: true})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, store: store, app: a}, nil
}

func (e *env) close() {
	if err := e.app.Close(); err != nil {
		e.logger.Warn("failed to close connections", zap.Error(err))
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close checkpoint store", zap.Error(err))
	}
	_ = e.logger.Sync()
}

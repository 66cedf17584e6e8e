// Package app assembles the orchestrator and its collaborators from configuration.
// The server, the worker and the CLI all build their components here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/autopr/internal/config"
	"github.com/nadmax/autopr/internal/dashboard"
	"github.com/nadmax/autopr/internal/dispatch"
	"github.com/nadmax/autopr/internal/githost"
	"github.com/nadmax/autopr/internal/kvstore"
	"github.com/nadmax/autopr/internal/llm"
	"github.com/nadmax/autopr/internal/notify"
	"github.com/nadmax/autopr/internal/orchestrator"
	"github.com/nadmax/autopr/internal/queue"
	"github.com/nadmax/autopr/internal/ratelimit"
	"github.com/nadmax/autopr/internal/repository"
	"github.com/nadmax/autopr/internal/steps"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	// Checkpointer replaces the Redis checkpoint hash.
	Checkpointer orchestrator.Checkpointer
	// WithoutQueue skips the job queue. Redis is then only used for rate limiting,
	// and an unreachable server is tolerated.
	WithoutQueue bool
	// GitHub overrides the client built from the configured token.
	GitHub *githost.Client
}

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Queue      *queue.Queue
	Store      kvstore.Store
	Repo       repository.RunRepository
	Machine    *orchestrator.Machine
	Dispatcher *dispatch.Dispatcher
	Dashboard  *dashboard.Dashboard

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}

	if err := a.connectRedis(ctx, opts.WithoutQueue); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.connectPostgres(ctx)

	gh := opts.GitHub
	if gh == nil {
		var err error
		gh, err = githost.New(ctx, cfg.GitHubToken, cfg.GitHubBaseBranch)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	generator, err := a.generator()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	runner := steps.NewRunner()
	steps.RegisterDefaults(runner, steps.Defaults{
		Generator:     generator,
		Publisher:     gh,
		Guard:         ratelimit.NewPRGuard(a.Store, logger),
		MaxPRsPerHour: cfg.RateLimitMaxPerHour,
	})

	machineOpts := []orchestrator.Option{
		orchestrator.WithFixer(githost.NewFixer(gh, generator, logger)),
		orchestrator.WithMaxRetries(cfg.MaxRetries),
		orchestrator.WithTenant(cfg.TenantID),
		orchestrator.WithLogger(logger),
	}
	if a.Repo != nil {
		machineOpts = append(machineOpts, orchestrator.WithRecorder(repository.NewRecorder(a.Repo, cfg.TenantID, logger)))
	}

	switch {
	case opts.Checkpointer != nil:
		machineOpts = append(machineOpts, orchestrator.WithCheckpointer(opts.Checkpointer))
	case a.Queue != nil:
		machineOpts = append(machineOpts, orchestrator.WithCheckpointer(a.Queue))
	}

	if cfg.EmailEnabled() {
		sink, err := notify.NewEmailSink(notify.EmailConfig{
			APIKey:      cfg.EmailAPIKey,
			FromName:    cfg.FromName,
			FromAddress: cfg.FromAddress,
			To:          cfg.NotifyEmail,
		}, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to configure email notifications: %w", err)
		}
		machineOpts = append(machineOpts, orchestrator.WithResultSinks(sink))
	}

	a.Machine = orchestrator.New(runner, gh, machineOpts...)

	if a.Queue != nil {
		a.Dispatcher = dispatch.NewDispatcher(a.Queue, a.Store, cfg.IdempotencyTTL, logger)
		a.Dashboard = dashboard.NewDashboard(a.Queue, a.Repo, logger)
	}

	return a, nil
}

func (a *App) connectRedis(ctx context.Context, withoutQueue bool) error {
	if !withoutQueue {
		q, err := queue.NewQueue(a.Config.RedisAddr)
		if err != nil {
			return err
		}
		a.Queue = q
		a.Store = kvstore.NewRedisStoreFromClient(q.Client())
		a.closers = append(a.closers, q.Close)
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		a.Logger.Warn("redis unreachable, rate limiting will fail open",
			zap.String("redis_addr", a.Config.RedisAddr),
			zap.Error(err),
		)
	}
	a.Store = kvstore.NewRedisStoreFromClient(client)
	a.closers = append(a.closers, client.Close)

	return nil
}

// connectPostgres attaches the durable run store when a DSN is configured. An
// unreachable database is logged and the task runs without durable records.
func (a *App) connectPostgres(ctx context.Context) {
	if a.Config.PostgresDSN == "" {
		return
	}

	repo, err := repository.NewPostgresRunRepository(a.Config.PostgresDSN, a.Logger)
	if err != nil {
		a.Logger.Warn("durable task store unavailable", zap.Error(err))
		return
	}

	if err := repo.Migrate(ctx); err != nil {
		a.Logger.Warn("failed to migrate task_runs", zap.Error(err))
	}

	a.Repo = repo
	a.closers = append(a.closers, repo.Close)
}

func (a *App) generator() (llm.Generator, error) {
	if a.Config.AnthropicAPIKey == "" {
		a.Logger.Info("no anthropic_api_key configured, using static content")
		return llm.Static{}, nil
	}

	client, err := llm.NewAnthropicClient(llm.Config{
		APIKey:  a.Config.AnthropicAPIKey,
		Model:   a.Config.AnthropicModel,
		BaseURL: a.Config.AnthropicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic client: %w", err)
	}

	return client, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

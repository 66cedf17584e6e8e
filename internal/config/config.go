// Package config loads autopr configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024

type Config struct {
	MaxRetries          int           `koanf:"max_retries"`
	IdempotencyTTL      time.Duration `koanf:"idempotency_ttl"`
	RateLimitMaxPerHour int           `koanf:"rate_limit_max_per_hour"`
	CIPollInterval      time.Duration `koanf:"ci_poll_interval"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	QueuePollInterval   time.Duration `koanf:"queue_poll_interval"`

	RedisAddr   string `koanf:"redis_addr"`
	PostgresDSN string `koanf:"postgres_dsn"`
	StateDir    string `koanf:"state_dir"`
	TenantID    string `koanf:"tenant_id"`
	WorkerID    string `koanf:"worker_id"`
	Port        string `koanf:"port"`

	GitHubToken      string `koanf:"github_token"`
	GitHubBaseBranch string `koanf:"github_base_branch"`

	AnthropicAPIKey  string `koanf:"anthropic_api_key"`
	AnthropicModel   string `koanf:"anthropic_model"`
	AnthropicBaseURL string `koanf:"anthropic_base_url"`

	EmailAPIKey string `koanf:"email_api_key"`
	FromName    string `koanf:"from_name"`
	FromAddress string `koanf:"from_address"`
	NotifyEmail string `koanf:"notify_email"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Load reads configuration from the environment only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile reads the YAML file at path (when non-empty), then overrides it with
// environment variables. Variable names are lowercased into flat keys:
//
//	MAX_RETRIES -> max_retries
//	RATE_LIMIT_MAX_PER_HOUR -> rate_limit_max_per_hour
func LoadWithFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	return content, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.RateLimitMaxPerHour == 0 {
		cfg.RateLimitMaxPerHour = 10
	}
	if cfg.CIPollInterval == 0 {
		cfg.CIPollInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.QueuePollInterval == 0 {
		cfg.QueuePollInterval = time.Second
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".autopr")
		} else {
			cfg.StateDir = ".autopr"
		}
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "default"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.GitHubBaseBranch == "" {
		cfg.GitHubBaseBranch = "main"
	}
	if cfg.AnthropicModel == "" {
		cfg.AnthropicModel = "claude-sonnet-4-5-20250929"
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.RateLimitMaxPerHour < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_max_per_hour must be >= 0, got %d", c.RateLimitMaxPerHour))
	}
	if c.IdempotencyTTL < time.Second {
		errs = append(errs, fmt.Errorf("idempotency_ttl must be at least 1s, got %s", c.IdempotencyTTL))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// EmailEnabled reports whether result notifications can be sent.
func (c *Config) EmailEnabled() bool {
	return c.EmailAPIKey != "" && c.FromAddress != "" && c.NotifyEmail != ""
}

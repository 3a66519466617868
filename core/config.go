package core

import (
	"fmt"
	"strings"
	"time"
)

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	SweepInterval  time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
	SweepBatchSize int           `koanf:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

type SecretsConfig struct {
	GitHubWebhookSecret string `koanf:"github_webhook_secret" mapstructure:"github_webhook_secret"`
	JiraWebhookSecret   string `koanf:"jira_webhook_secret" mapstructure:"jira_webhook_secret"`
}

type Config struct {
	ServiceName     string        `koanf:"service_name" mapstructure:"service_name"`
	SyncTimeout     time.Duration `koanf:"sync_timeout" mapstructure:"sync_timeout"`
	PlatformTimeout time.Duration `koanf:"platform_timeout" mapstructure:"platform_timeout"`
	Retry           RetryConfig   `koanf:"retry" mapstructure:"retry"`
	Secrets         SecretsConfig `koanf:"secrets" mapstructure:"secrets"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:     "issuesync",
		SyncTimeout:     10 * time.Second,
		PlatformTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			SweepInterval:  15 * time.Second,
			SweepBatchSize: 50,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("core: sync_timeout must not be negative")
	}
	if c.PlatformTimeout < 0 {
		return fmt.Errorf("core: platform_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.max_attempts must not be negative")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("core: retry backoff durations must not be negative")
	}
	return nil
}

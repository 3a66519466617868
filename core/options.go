package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct{}

func (staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver merges defaults, loaded config, and runtime overrides in
// ascending precedence.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || cfg.SyncTimeout != 0 {
		layer["sync_timeout"] = cfg.SyncTimeout
	}
	if includeZero || cfg.PlatformTimeout != 0 {
		layer["platform_timeout"] = cfg.PlatformTimeout
	}

	retry := map[string]any{}
	if includeZero || cfg.Retry.MaxAttempts != 0 {
		retry["max_attempts"] = cfg.Retry.MaxAttempts
	}
	if includeZero || cfg.Retry.InitialBackoff != 0 {
		retry["initial_backoff"] = cfg.Retry.InitialBackoff
	}
	if includeZero || cfg.Retry.MaxBackoff != 0 {
		retry["max_backoff"] = cfg.Retry.MaxBackoff
	}
	if includeZero || cfg.Retry.SweepInterval != 0 {
		retry["sweep_interval"] = cfg.Retry.SweepInterval
	}
	if includeZero || cfg.Retry.SweepBatchSize != 0 {
		retry["sweep_batch_size"] = cfg.Retry.SweepBatchSize
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	secrets := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Secrets.GitHubWebhookSecret) != "" {
		secrets["github_webhook_secret"] = cfg.Secrets.GitHubWebhookSecret
	}
	if includeZero || strings.TrimSpace(cfg.Secrets.JiraWebhookSecret) != "" {
		secrets["jira_webhook_secret"] = cfg.Secrets.JiraWebhookSecret
	}
	if len(secrets) > 0 {
		layer["secrets"] = secrets
	}

	return layer
}

// ResolveConfig loads configuration through the provider, then resolves the
// defaults/loaded/runtime layers.
func ResolveConfig(
	ctx context.Context,
	provider ConfigProvider,
	resolver OptionsResolver,
	runtime Config,
) (Config, error) {
	defaults := DefaultConfig()
	loaded := defaults
	if provider != nil {
		var err error
		loaded, err = provider.Load(ctx, defaults)
		if err != nil {
			return Config{}, err
		}
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

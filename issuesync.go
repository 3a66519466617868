// Package issuesync assembles the webhook sync service: verified intake,
// idempotent delivery dedupe, entity resolution, canonical status sync, and
// the durable retry queue behind it.
package issuesync

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/shiplog/issuesync/adapters/gojob"
	"github.com/shiplog/issuesync/adapters/gologger"
	synccommand "github.com/shiplog/issuesync/command"
	"github.com/shiplog/issuesync/core"
	"github.com/shiplog/issuesync/identity"
	githubclient "github.com/shiplog/issuesync/platform/github"
	jiraclient "github.com/shiplog/issuesync/platform/jira"
	"github.com/shiplog/issuesync/retry"
	sqlstore "github.com/shiplog/issuesync/store/sql"
	syncengine "github.com/shiplog/issuesync/sync"
	"github.com/shiplog/issuesync/webhooks"
)

type Config = core.Config

type RetryConfig = core.RetryConfig

type SecretsConfig = core.SecretsConfig

type Platform = core.Platform

type WebhookEvent = core.WebhookEvent

type SyncOutcome = core.SyncOutcome

type EntityMapping = core.EntityMapping
type EntityState = core.EntityState
type PullRequestMetadata = core.PullRequestMetadata
type RetryTask = core.RetryTask
type DeadLetter = core.DeadLetter

type InboundRequest = core.InboundRequest
type InboundResult = core.InboundResult

const (
	PlatformGitHub = core.PlatformGitHub
	PlatformJira   = core.PlatformJira
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type settings struct {
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	stores            core.StoreProvider
	factory           core.RepositoryStoreFactory
	persistenceClient any
	mappingCache      repositorycache.CacheService
	notifier          core.OperatorNotifier
	platforms         map[core.Platform]core.PlatformClient
	now               func() time.Time
}

type Option func(*settings)

func WithLogger(logger core.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *settings) {
		s.loggerProvider = provider
	}
}

// WithPersistenceClient wires the stores from a go-persistence-bun client, or
// anything else exposing DB() *bun.DB.
func WithPersistenceClient(client any) Option {
	return func(s *settings) {
		s.persistenceClient = client
	}
}

func WithRepositoryFactory(factory core.RepositoryStoreFactory) Option {
	return func(s *settings) {
		s.factory = factory
	}
}

func WithStoreProvider(stores core.StoreProvider) Option {
	return func(s *settings) {
		s.stores = stores
	}
}

// WithMappingCache layers a read-through cache over the mapping store.
func WithMappingCache(cache repositorycache.CacheService) Option {
	return func(s *settings) {
		s.mappingCache = cache
	}
}

func WithNotifier(notifier core.OperatorNotifier) Option {
	return func(s *settings) {
		s.notifier = notifier
	}
}

func WithPlatformClient(platform core.Platform, client core.PlatformClient) Option {
	return func(s *settings) {
		if s.platforms == nil {
			s.platforms = map[core.Platform]core.PlatformClient{}
		}
		s.platforms[platform] = client
	}
}

func WithGitHubAPI(cfg githubclient.Config) Option {
	return func(s *settings) {
		if s.platforms == nil {
			s.platforms = map[core.Platform]core.PlatformClient{}
		}
		s.platforms[core.PlatformGitHub] = githubclient.NewClient(cfg)
	}
}

// WithJiraAPI wires the Jira changelog client. Jira has no default client
// because its base URL is tenant specific.
func WithJiraAPI(cfg jiraclient.Config) Option {
	return func(s *settings) {
		client, err := jiraclient.NewClient(cfg)
		if err != nil {
			return
		}
		if s.platforms == nil {
			s.platforms = map[core.Platform]core.PlatformClient{}
		}
		s.platforms[core.PlatformJira] = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// Service owns the assembled pipeline. Intake feeds the engine, the engine
// queues transient failures, and the coordinator drains them.
type Service struct {
	config      core.Config
	logger      core.Logger
	provider    core.LoggerProvider
	stores      core.StoreProvider
	resolver    *identity.Resolver
	engine      *syncengine.Engine
	intake      *webhooks.Intake
	coordinator *retry.Coordinator
	commands    Commands
}

// Commands bundles the go-command handlers bound to the service pipeline.
type Commands struct {
	ProcessWebhook *synccommand.ProcessWebhookCommand
	SyncEvent      *synccommand.SyncEventCommand
	SweepRetries   *synccommand.SweepRetriesCommand
}

// New builds a service from runtime config. Zero config fields fall back to
// DefaultConfig values before validation.
func New(cfg Config, options ...Option) (*Service, error) {
	resolved, err := core.GoOptionsResolver{}.Resolve(core.DefaultConfig(), core.DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}

	s := settings{}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	provider, logger := gologger.Resolve(resolved.ServiceName, s.loggerProvider, s.logger)

	stores, err := buildStores(s)
	if err != nil {
		return nil, err
	}

	mappings := stores.MappingStore()
	if s.mappingCache != nil {
		cached, err := sqlstore.NewCachedEntityMappingStore(mappings, s.mappingCache)
		if err != nil {
			return nil, err
		}
		mappings = cached
	}
	resolver := identity.NewResolver(mappings)

	platforms := map[core.Platform]core.PlatformClient{
		core.PlatformGitHub: githubclient.NewClient(githubclient.Config{
			RequestTimeout: resolved.PlatformTimeout,
		}),
	}
	for platform, client := range s.platforms {
		platforms[platform] = client
	}

	engine := syncengine.NewEngine(resolver, stores.EntityStateStore(), stores.PullRequestMetadataStore(), stores.RetryTaskStore())
	engine.Platforms = platforms
	engine.Logger = logger
	engine.SyncTimeout = resolved.SyncTimeout
	engine.PlatformTimeout = resolved.PlatformTimeout
	engine.InitialRetryDelay = resolved.Retry.InitialBackoff
	if s.now != nil {
		engine.Now = s.now
	}

	templates := map[core.Platform]webhooks.PlatformWebhookTemplate{
		core.PlatformGitHub: webhooks.NewGitHubWebhookTemplate(resolved.Secrets.GitHubWebhookSecret),
		core.PlatformJira:   webhooks.NewJiraWebhookTemplate(resolved.Secrets.JiraWebhookSecret),
	}
	intake := webhooks.NewIntake(templates, stores.DeliveryLedger(), engine)
	intake.Notifier = s.notifier
	intake.Logger = logger
	intake.RetryDelay = resolved.Retry.InitialBackoff
	if s.now != nil {
		intake.Now = s.now
	}

	coordinator, err := retry.NewCoordinator(stores.RetryTaskStore(), stores.DeadLetterStore(), engine, retry.CoordinatorConfig{
		BatchSize:      resolved.Retry.SweepBatchSize,
		MaxAttempts:    resolved.Retry.MaxAttempts,
		InitialBackoff: resolved.Retry.InitialBackoff,
		MaxBackoff:     resolved.Retry.MaxBackoff,
		SweepInterval:  resolved.Retry.SweepInterval,
	})
	if err != nil {
		return nil, err
	}
	coordinator.WithNotifier(s.notifier).WithLogger(logger)
	if s.now != nil {
		coordinator.WithClock(s.now)
	}

	return &Service{
		config:      resolved,
		logger:      logger,
		provider:    provider,
		stores:      stores,
		resolver:    resolver,
		engine:      engine,
		intake:      intake,
		coordinator: coordinator,
		commands: Commands{
			ProcessWebhook: synccommand.NewProcessWebhookCommand(intake),
			SyncEvent:      synccommand.NewSyncEventCommand(engine),
			SweepRetries:   synccommand.NewSweepRetriesCommand(coordinator),
		},
	}, nil
}

// Setup resolves layered configuration through the provider first, then
// builds the service with cfg applied as the runtime layer.
func Setup(ctx context.Context, provider core.ConfigProvider, cfg Config, options ...Option) (*Service, error) {
	resolved, err := core.ResolveConfig(ctx, provider, core.GoOptionsResolver{}, cfg)
	if err != nil {
		return nil, err
	}
	return New(resolved, options...)
}

func buildStores(s settings) (core.StoreProvider, error) {
	if s.stores != nil {
		return s.stores, nil
	}
	factory := s.factory
	if factory == nil {
		factory = sqlstore.NewRepositoryFactory()
	}
	if s.persistenceClient == nil {
		return nil, fmt.Errorf("issuesync: a store provider or persistence client is required")
	}
	return factory.BuildStores(s.persistenceClient)
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Stores() core.StoreProvider {
	if s == nil {
		return nil
	}
	return s.stores
}

func (s *Service) Resolver() *identity.Resolver {
	if s == nil {
		return nil
	}
	return s.resolver
}

func (s *Service) Engine() *syncengine.Engine {
	if s == nil {
		return nil
	}
	return s.engine
}

func (s *Service) Intake() *webhooks.Intake {
	if s == nil {
		return nil
	}
	return s.intake
}

func (s *Service) Coordinator() *retry.Coordinator {
	if s == nil {
		return nil
	}
	return s.coordinator
}

func (s *Service) Commands() Commands {
	if s == nil {
		return Commands{}
	}
	return s.commands
}

// EventEnqueuer publishes webhook events onto a go-job queue for asynchronous
// processing.
func (s *Service) EventEnqueuer(enqueuer queue.Enqueuer) *gojob.EventEnqueuer {
	return gojob.NewEventEnqueuer(enqueuer)
}

// EventConsumer drains queued webhook events through the sync engine. The nack
// policy follows the service retry config.
func (s *Service) EventConsumer() *gojob.EventConsumer {
	if s == nil {
		return nil
	}
	return gojob.NewEventConsumer(s.engine, gojob.RetryPolicy{
		MaxAttempts:     s.config.Retry.MaxAttempts,
		MaxDelay:        s.config.Retry.MaxBackoff,
		DeadLetterOnMax: true,
	}, s.logger)
}

// WorkerHook reports queue worker lifecycle transitions through the service
// logger.
func (s *Service) WorkerHook() worker.Hook {
	if s == nil {
		return nil
	}
	return gojob.NewLoggingHook(s.logger)
}

// ProcessWebhook runs one inbound delivery through verification, dedupe, and
// the sync engine.
func (s *Service) ProcessWebhook(ctx context.Context, req InboundRequest) (InboundResult, error) {
	if s == nil || s.intake == nil {
		return InboundResult{}, fmt.Errorf("issuesync: service is not initialized")
	}
	return s.intake.Process(ctx, req)
}

// Run drives the retry sweep loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s == nil || s.coordinator == nil {
		return fmt.Errorf("issuesync: service is not initialized")
	}
	return s.coordinator.Run(ctx)
}

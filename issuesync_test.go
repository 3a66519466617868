package issuesync_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	issuesync "github.com/shiplog/issuesync"
	synccommand "github.com/shiplog/issuesync/command"
	"github.com/shiplog/issuesync/core"
	"github.com/shiplog/issuesync/migrations"
	"github.com/shiplog/issuesync/retry"
)

type servicePersistenceConfig struct {
	server string
}

func (c servicePersistenceConfig) GetDebug() bool                { return false }
func (c servicePersistenceConfig) GetDriver() string             { return "sqlite3" }
func (c servicePersistenceConfig) GetServer() string             { return c.server }
func (c servicePersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c servicePersistenceConfig) GetOtelIdentifier() string     { return "issuesync-service-tests" }

type fixedCycleClient struct {
	cycles int
	calls  int
}

func (c *fixedCycleClient) ReviewCycleCount(context.Context, string, int) (int, error) {
	c.calls++
	return c.cycles, nil
}

func newServiceClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:issuesync-service-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(servicePersistenceConfig{server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = migrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != migrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestServiceProcessesSignedGitHubDelivery(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newServiceClient(t)
	defer cleanup()

	platformClient := &fixedCycleClient{cycles: 2}
	cfg := issuesync.DefaultConfig()
	cfg.Secrets.GitHubWebhookSecret = "gh-secret"
	cfg.Secrets.JiraWebhookSecret = "jira-secret"

	service, err := issuesync.New(cfg,
		issuesync.WithPersistenceClient(client),
		issuesync.WithPlatformClient(issuesync.PlatformGitHub, platformClient),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	body := []byte(`{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"title": "Ship the release workflow",
			"state": "closed",
			"merged": true,
			"additions": 120,
			"deletions": 14,
			"created_at": "2026-03-01T10:00:00Z",
			"merged_at": "2026-03-01T13:30:00Z",
			"user": {"login": "mira"}
		},
		"repository": {"full_name": "acme/widgets"}
	}`)

	result, err := service.ProcessWebhook(ctx, issuesync.InboundRequest{
		Platform: issuesync.PlatformGitHub,
		Headers: map[string]string{
			"X-GitHub-Event":      "pull_request",
			"X-GitHub-Delivery":   "delivery-e2e-1",
			"X-Hub-Signature-256": signBody("gh-secret", body),
		},
		Body: body,
	})
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if !result.Accepted || result.StatusCode != 200 {
		t.Fatalf("unexpected result %+v", result)
	}
	internalID, _ := result.Metadata["internal_id"].(string)
	if internalID == "" {
		t.Fatalf("expected internal id in result metadata, got %+v", result.Metadata)
	}

	state, err := service.Stores().EntityStateStore().GetState(ctx, internalID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != core.StatusReleased || state.StatusLabel != "merged" {
		t.Fatalf("unexpected state %+v", state)
	}

	meta, err := service.Stores().PullRequestMetadataStore().GetMetadata(ctx, internalID)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if meta.Number != 42 || meta.Author != "mira" || meta.ReviewCycles != 2 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.TimeToMergeHours == nil || *meta.TimeToMergeHours != 3.5 {
		t.Fatalf("expected 3.5 merge hours, got %v", meta.TimeToMergeHours)
	}
	if platformClient.calls != 1 {
		t.Fatalf("expected one review cycle lookup, got %d", platformClient.calls)
	}

	// Redelivery of the same delivery id is acknowledged without reprocessing.
	result, err = service.ProcessWebhook(ctx, issuesync.InboundRequest{
		Platform: issuesync.PlatformGitHub,
		Headers: map[string]string{
			"X-GitHub-Event":      "pull_request",
			"X-GitHub-Delivery":   "delivery-e2e-1",
			"X-Hub-Signature-256": signBody("gh-secret", body),
		},
		Body: body,
	})
	if err != nil {
		t.Fatalf("redeliver webhook: %v", err)
	}
	if deduped, _ := result.Metadata["deduped"].(bool); !deduped {
		t.Fatalf("expected deduped redelivery, got %+v", result.Metadata)
	}
	if platformClient.calls != 1 {
		t.Fatalf("expected no second review cycle lookup, got %d", platformClient.calls)
	}
}

type queueDeliveryStub struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *queueDeliveryStub) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *queueDeliveryStub) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *queueDeliveryStub) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type queueEnqueuerStub struct {
	last *job.ExecutionMessage
}

func (s *queueEnqueuerStub) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

func TestServiceCommandsProcessSignedDelivery(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newServiceClient(t)
	defer cleanup()

	cfg := issuesync.DefaultConfig()
	cfg.Secrets.JiraWebhookSecret = "jira-secret"

	service, err := issuesync.New(cfg, issuesync.WithPersistenceClient(client))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	body := []byte(`{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-41","fields":{"status":{"name":"In Progress"}}}}`)
	collector := gocmd.NewResult[core.InboundResult]()
	err = service.Commands().ProcessWebhook.Execute(
		gocmd.ContextWithResult(ctx, collector),
		synccommand.ProcessWebhookMessage{Request: core.InboundRequest{
			Platform: core.PlatformJira,
			Headers: map[string]string{
				"X-Atlassian-Webhook-Identifier": "delivery-cmd-1",
				"X-Hub-Signature":                signBody("jira-secret", body),
			},
			Body: body,
		}},
	)
	if err != nil {
		t.Fatalf("execute process webhook: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatal("expected stored inbound result")
	}
	if !result.Accepted || result.StatusCode != 200 {
		t.Fatalf("unexpected result %+v", result)
	}

	mapping, err := service.Stores().MappingStore().FindMapping(ctx, core.PlatformJira, "PROJ-41")
	if err != nil {
		t.Fatalf("find mapping: %v", err)
	}
	state, err := service.Stores().EntityStateStore().GetState(ctx, mapping.InternalID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != core.StatusActive {
		t.Fatalf("expected active status, got %s", state.Status)
	}

	sweepCollector := gocmd.NewResult[retry.SweepStats]()
	err = service.Commands().SweepRetries.Execute(
		gocmd.ContextWithResult(ctx, sweepCollector),
		synccommand.SweepRetriesMessage{BatchSize: 10},
	)
	if err != nil {
		t.Fatalf("execute sweep retries: %v", err)
	}
	stats, ok := sweepCollector.Load()
	if !ok {
		t.Fatal("expected stored sweep stats")
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected empty retry queue, got %+v", stats)
	}
}

func TestServiceEventConsumerDrainsQueuedEvent(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newServiceClient(t)
	defer cleanup()

	service, err := issuesync.New(issuesync.DefaultConfig(), issuesync.WithPersistenceClient(client))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-77",
		DeliveryID:  "delivery-q1",
		Payload:     []byte(`{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-77","fields":{"status":{"name":"Done"}}}}`),
		ReceivedAt:  time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC),
	}

	enqueuer := &queueEnqueuerStub{}
	if err := service.EventEnqueuer(enqueuer).EnqueueEvent(ctx, event); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.IdempotencyKey != "delivery-q1" {
		t.Fatalf("expected queued message, got %+v", enqueuer.last)
	}

	delivery := &queueDeliveryStub{msg: enqueuer.last}
	if err := service.EventConsumer().Handle(ctx, delivery, 1); err != nil {
		t.Fatalf("handle delivery: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
	}

	mapping, err := service.Stores().MappingStore().FindMapping(ctx, core.PlatformJira, "PROJ-77")
	if err != nil {
		t.Fatalf("find mapping: %v", err)
	}
	state, err := service.Stores().EntityStateStore().GetState(ctx, mapping.InternalID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != core.StatusReleased {
		t.Fatalf("expected released status, got %s", state.Status)
	}

	if service.WorkerHook() == nil {
		t.Fatal("expected worker hook")
	}
}

func TestServiceRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newServiceClient(t)
	defer cleanup()

	cfg := issuesync.DefaultConfig()
	cfg.Secrets.GitHubWebhookSecret = "gh-secret"

	service, err := issuesync.New(cfg, issuesync.WithPersistenceClient(client))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	body := []byte(`{"action":"opened"}`)
	result, err := service.ProcessWebhook(ctx, issuesync.InboundRequest{
		Platform: issuesync.PlatformGitHub,
		Headers: map[string]string{
			"X-GitHub-Event":      "pull_request",
			"X-Hub-Signature-256": signBody("wrong-secret", body),
		},
		Body: body,
	})
	if !core.IsSecurityRejection(err) {
		t.Fatalf("expected security rejection, got %v", err)
	}
	if result.Accepted || result.StatusCode != 401 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestServiceRequiresStores(t *testing.T) {
	if _, err := issuesync.New(issuesync.DefaultConfig()); err == nil {
		t.Fatal("expected missing store wiring to fail")
	}
}

func TestServiceConfigDefaultsApplied(t *testing.T) {
	client, cleanup := newServiceClient(t)
	defer cleanup()

	service, err := issuesync.New(issuesync.Config{ServiceName: "issuesync-edge"},
		issuesync.WithPersistenceClient(client))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	cfg := service.Config()
	if cfg.ServiceName != "issuesync-edge" {
		t.Fatalf("expected runtime service name, got %q", cfg.ServiceName)
	}
	if cfg.SyncTimeout != 10*time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected defaults to fill zero fields, got %+v", cfg)
	}
}

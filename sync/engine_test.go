package sync

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shiplog/issuesync/core"
	"github.com/shiplog/issuesync/retry"
)

type stubResolver struct {
	mappings map[string]core.EntityMapping
	err      error
}

func newStubResolver() *stubResolver {
	return &stubResolver{mappings: map[string]core.EntityMapping{}}
}

func (r *stubResolver) Resolve(_ context.Context, platform core.Platform, externalKey string) (core.EntityMapping, error) {
	if r.err != nil {
		return core.EntityMapping{}, r.err
	}
	key := string(platform) + ":" + externalKey
	if mapping, ok := r.mappings[key]; ok {
		return mapping, nil
	}
	mapping := core.EntityMapping{
		ExternalKey: externalKey,
		InternalID:  "ent-" + strconv.Itoa(len(r.mappings)+1),
		Platform:    platform,
	}
	r.mappings[key] = mapping
	return mapping, nil
}

func (r *stubResolver) WithEntityLock(_ core.Platform, _ string, fn func() error) error {
	return fn()
}

type memoryStateStore struct {
	states   map[string]core.EntityState
	getErr   error
	putErr   error
	putCalls int
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: map[string]core.EntityState{}}
}

func (s *memoryStateStore) GetState(_ context.Context, internalID string) (core.EntityState, error) {
	if s.getErr != nil {
		return core.EntityState{}, s.getErr
	}
	state, ok := s.states[internalID]
	if !ok {
		return core.EntityState{}, core.ErrEntityStateNotFound
	}
	return state, nil
}

func (s *memoryStateStore) PutState(_ context.Context, state core.EntityState) error {
	s.putCalls++
	if s.putErr != nil {
		return s.putErr
	}
	s.states[state.InternalID] = state
	return nil
}

type memoryMetadataStore struct {
	rows map[string]core.PullRequestMetadata
}

func newMemoryMetadataStore() *memoryMetadataStore {
	return &memoryMetadataStore{rows: map[string]core.PullRequestMetadata{}}
}

func (s *memoryMetadataStore) PutMetadata(_ context.Context, meta core.PullRequestMetadata) error {
	s.rows[meta.InternalID] = meta
	return nil
}

func (s *memoryMetadataStore) GetMetadata(_ context.Context, internalID string) (core.PullRequestMetadata, error) {
	meta, ok := s.rows[internalID]
	if !ok {
		return core.PullRequestMetadata{}, errors.New("metadata not found")
	}
	return meta, nil
}

type memoryRetryStore struct {
	tasks []core.RetryTask
}

func (s *memoryRetryStore) Enqueue(_ context.Context, task core.RetryTask) (core.RetryTask, error) {
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *memoryRetryStore) Claim(_ context.Context, now time.Time, limit int) ([]core.RetryTask, error) {
	var claimed []core.RetryTask
	for i := range s.tasks {
		if len(claimed) >= limit {
			break
		}
		task := &s.tasks[i]
		if task.Status != core.RetryTaskStatusPending {
			continue
		}
		if task.NextAttemptAt != nil && task.NextAttemptAt.After(now) {
			continue
		}
		task.Status = core.RetryTaskStatusInFlight
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

func (s *memoryRetryStore) Update(_ context.Context, task core.RetryTask) (core.RetryTask, error) {
	for i := range s.tasks {
		if s.tasks[i].ID == task.ID {
			s.tasks[i] = task
			return task, nil
		}
	}
	return core.RetryTask{}, core.ErrRetryTaskNotFound
}

func (s *memoryRetryStore) Complete(_ context.Context, taskID string) error {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			s.tasks[i].Status = core.RetryTaskStatusSucceeded
			return nil
		}
	}
	return core.ErrRetryTaskNotFound
}

type stubPlatformClient struct {
	cycles int
	err    error
}

func (c *stubPlatformClient) ReviewCycleCount(context.Context, string, int) (int, error) {
	return c.cycles, c.err
}

func newTestEngine(resolver Resolver, states *memoryStateStore, metadata *memoryMetadataStore, retries *memoryRetryStore) *Engine {
	engine := NewEngine(resolver, states, metadata, retries)
	engine.Now = func() time.Time {
		return time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	}
	return engine
}

func githubPullRequestEvent(kind string, body string) core.WebhookEvent {
	return core.WebhookEvent{
		Platform:    core.PlatformGitHub,
		Kind:        kind,
		ExternalKey: "acme/widgets#42",
		DeliveryID:  "delivery-1",
		Payload:     []byte(body),
	}
}

func TestProcessEventMergedPullRequest(t *testing.T) {
	states := newMemoryStateStore()
	metadata := newMemoryMetadataStore()
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), states, metadata, retries)
	engine.Platforms = map[core.Platform]core.PlatformClient{
		core.PlatformGitHub: &stubPlatformClient{cycles: 3},
	}

	body := `{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"title": "Add release pipeline",
			"state": "closed",
			"merged": true,
			"additions": 120,
			"deletions": 12,
			"created_at": "2026-03-01T10:00:00Z",
			"merged_at": "2026-03-01T13:30:00Z",
			"user": {"login": "mira"}
		},
		"repository": {"full_name": "acme/widgets"}
	}`

	outcome, err := engine.ProcessEvent(context.Background(), githubPullRequestEvent("pull_request", body))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Kind != core.SyncOutcomeSuccess {
		t.Fatalf("expected success outcome, got %+v", outcome)
	}

	state := states.states[outcome.InternalID]
	if state.Status != core.StatusReleased {
		t.Fatalf("expected released status for merged pull request, got %s", state.Status)
	}
	if state.StatusLabel != "merged" {
		t.Fatalf("expected merged label, got %q", state.StatusLabel)
	}

	meta := metadata.rows[outcome.InternalID]
	if meta.Number != 42 || meta.Author != "mira" || meta.Additions != 120 || meta.Deletions != 12 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.ReviewCycles != 3 {
		t.Fatalf("expected review cycles from platform client, got %d", meta.ReviewCycles)
	}
	if meta.TimeToMergeHours == nil || *meta.TimeToMergeHours != 3.5 {
		t.Fatalf("expected 3.5 hours to merge, got %v", meta.TimeToMergeHours)
	}
}

func TestProcessEventRoundsTimeToMerge(t *testing.T) {
	states := newMemoryStateStore()
	metadata := newMemoryMetadataStore()
	engine := newTestEngine(newStubResolver(), states, metadata, &memoryRetryStore{})

	body := `{
		"action": "closed",
		"pull_request": {
			"number": 7,
			"state": "closed",
			"merged": true,
			"created_at": "2026-03-01T10:00:00Z",
			"merged_at": "2026-03-01T10:20:00Z",
			"user": {"login": "mira"}
		},
		"repository": {"full_name": "acme/widgets"}
	}`

	outcome, err := engine.ProcessEvent(context.Background(), githubPullRequestEvent("pull_request", body))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	meta := metadata.rows[outcome.InternalID]
	if meta.TimeToMergeHours == nil || *meta.TimeToMergeHours != 0.33 {
		t.Fatalf("expected 0.33 hours, got %v", meta.TimeToMergeHours)
	}
}

func TestProcessEventUnknownNeverOverwritesKnown(t *testing.T) {
	states := newMemoryStateStore()
	resolver := newStubResolver()
	engine := newTestEngine(resolver, states, newMemoryMetadataStore(), &memoryRetryStore{})

	active := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-9","fields":{"status":{"name":"In Progress"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-9",
		Payload:     []byte(active),
	}
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if states.states[outcome.InternalID].Status != core.StatusActive {
		t.Fatalf("expected active status, got %s", states.states[outcome.InternalID].Status)
	}

	mystery := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-9","fields":{"status":{"name":"Pondering"}}}}`
	event.Payload = []byte(mystery)
	if _, err := engine.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	state := states.states[outcome.InternalID]
	if state.Status != core.StatusActive {
		t.Fatalf("unknown status must not overwrite known, got %s", state.Status)
	}
	if state.StatusLabel != "In Progress" {
		t.Fatalf("expected label preserved, got %q", state.StatusLabel)
	}
}

func TestProcessEventFirstContactUnknownIsRecorded(t *testing.T) {
	states := newMemoryStateStore()
	engine := newTestEngine(newStubResolver(), states, newMemoryMetadataStore(), &memoryRetryStore{})

	body := `{"webhookEvent":"jira:issue_created","issue":{"key":"PROJ-1","fields":{"status":{"name":"Pondering"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_created",
		ExternalKey: "PROJ-1",
		Payload:     []byte(body),
	}
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if states.states[outcome.InternalID].Status != core.StatusUnknown {
		t.Fatalf("first contact with unknown label records unknown, got %s", states.states[outcome.InternalID].Status)
	}
}

func TestProcessEventStatusRegressionApplied(t *testing.T) {
	states := newMemoryStateStore()
	engine := newTestEngine(newStubResolver(), states, newMemoryMetadataStore(), &memoryRetryStore{})

	done := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-2","fields":{"status":{"name":"Done"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-2",
		Payload:     []byte(done),
	}
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	reopened := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-2","fields":{"status":{"name":"In Progress"}}}}`
	event.Payload = []byte(reopened)
	if _, err := engine.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if states.states[outcome.InternalID].Status != core.StatusActive {
		t.Fatalf("regressions apply as delivered, got %s", states.states[outcome.InternalID].Status)
	}
}

func TestProcessEventTransientFailureQueuesRetry(t *testing.T) {
	states := newMemoryStateStore()
	states.putErr = errors.New("connection refused")
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), states, newMemoryMetadataStore(), retries)

	body := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-3","fields":{"status":{"name":"Done"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-3",
		Payload:     []byte(body),
	}
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("transient failure should queue, not fail: %v", err)
	}
	if outcome.Kind != core.SyncOutcomeRetryQueued {
		t.Fatalf("expected retry queued outcome, got %+v", outcome)
	}
	if len(retries.tasks) != 1 {
		t.Fatalf("expected one queued task, got %d", len(retries.tasks))
	}
	task := retries.tasks[0]
	if task.Status != core.RetryTaskStatusPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("failed inline attempt must count, got %d", task.Attempts)
	}
	if task.NextAttemptAt == nil {
		t.Fatal("expected scheduled next attempt")
	}
	if task.Event.ExternalKey != "PROJ-3" {
		t.Fatalf("task must carry the event, got %+v", task.Event)
	}
}

func TestProcessEventMalformedPayloadRejected(t *testing.T) {
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), newMemoryStateStore(), newMemoryMetadataStore(), retries)

	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-4",
		Payload:     []byte(`{notjson`),
	}
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("malformed payloads reject without error: %v", err)
	}
	if outcome.Kind != core.SyncOutcomeRejected {
		t.Fatalf("expected rejected outcome, got %+v", outcome)
	}
	if len(retries.tasks) != 0 {
		t.Fatal("malformed payloads must not be retried")
	}
}

func TestApplyDoesNotEnqueue(t *testing.T) {
	states := newMemoryStateStore()
	states.putErr = errors.New("connection refused")
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), states, newMemoryMetadataStore(), retries)

	body := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-5","fields":{"status":{"name":"Done"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-5",
		Payload:     []byte(body),
	}
	_, err := engine.Apply(context.Background(), event)
	if !core.IsTransientFailure(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if len(retries.tasks) != 0 {
		t.Fatal("Apply must not enqueue retries")
	}
}

type deadLetterLog struct {
	letters []core.DeadLetter
}

func (s *deadLetterLog) Record(_ context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	s.letters = append(s.letters, letter)
	return letter, nil
}

func (s *deadLetterLog) List(context.Context, int) ([]core.DeadLetter, error) {
	return append([]core.DeadLetter(nil), s.letters...), nil
}

type operatorLog struct {
	letters []core.DeadLetter
}

func (n *operatorLog) NotifyDeadLetter(_ context.Context, letter core.DeadLetter) {
	n.letters = append(n.letters, letter)
}

func (n *operatorLog) NotifySecurityRejection(context.Context, core.WebhookEvent, string) {}

func TestThreeConsecutiveFailuresDeadLetterWithOneNotification(t *testing.T) {
	base := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	states := newMemoryStateStore()
	states.putErr = errors.New("connection refused")
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), states, newMemoryMetadataStore(), retries)

	body := `{"webhookEvent":"jira:issue_updated","issue":{"key":"PROJ-8","fields":{"status":{"name":"Done"}}}}`
	event := core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        "jira:issue_updated",
		ExternalKey: "PROJ-8",
		Payload:     []byte(body),
	}

	// Failure one happens inline on the delivery path.
	outcome, err := engine.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Kind != core.SyncOutcomeRetryQueued {
		t.Fatalf("expected retry queued outcome, got %+v", outcome)
	}
	if states.putCalls != 1 {
		t.Fatalf("expected one state write attempt, got %d", states.putCalls)
	}

	letters := &deadLetterLog{}
	notifier := &operatorLog{}
	coordinator, err := retry.NewCoordinator(retries, letters, engine, retry.CoordinatorConfig{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
	})
	if err != nil {
		t.Fatalf("coordinator construction failed: %v", err)
	}
	current := base.Add(time.Minute)
	coordinator.WithClock(func() time.Time { return current }).WithNotifier(notifier)

	// Failure two requeues, failure three dead-letters.
	stats, err := coordinator.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if stats.Requeued != 1 {
		t.Fatalf("expected requeue after second failure, got %+v", stats)
	}

	current = current.Add(time.Minute)
	stats, err = coordinator.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("expected dead letter after third failure, got %+v", stats)
	}
	if states.putCalls != 3 {
		t.Fatalf("expected three state write attempts, got %d", states.putCalls)
	}
	if retries.tasks[0].Status != core.RetryTaskStatusDead {
		t.Fatalf("expected dead task, got %s", retries.tasks[0].Status)
	}
	if len(notifier.letters) != 1 {
		t.Fatalf("expected one operator notification, got %d", len(notifier.letters))
	}
	if notifier.letters[0].Attempts != 3 || notifier.letters[0].ExternalKey != "PROJ-8" {
		t.Fatalf("unexpected dead letter %+v", notifier.letters[0])
	}

	// A dead task never runs again.
	current = current.Add(time.Minute)
	stats, err = coordinator.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("third sweep failed: %v", err)
	}
	if stats.Claimed != 0 || states.putCalls != 3 || len(notifier.letters) != 1 {
		t.Fatalf("dead task must stay dead, stats %+v, writes %d", stats, states.putCalls)
	}
}

func TestProcessEventReviewCycleFailureQueuesRetry(t *testing.T) {
	retries := &memoryRetryStore{}
	engine := newTestEngine(newStubResolver(), newMemoryStateStore(), newMemoryMetadataStore(), retries)
	engine.Platforms = map[core.Platform]core.PlatformClient{
		core.PlatformGitHub: &stubPlatformClient{err: errors.New("rate limited")},
	}

	body := `{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"state": "closed",
			"merged": true,
			"created_at": "2026-03-01T10:00:00Z",
			"merged_at": "2026-03-01T11:00:00Z",
			"user": {"login": "mira"}
		},
		"repository": {"full_name": "acme/widgets"}
	}`
	outcome, err := engine.ProcessEvent(context.Background(), githubPullRequestEvent("pull_request", body))
	if err != nil {
		t.Fatalf("platform failure should queue retry: %v", err)
	}
	if outcome.Kind != core.SyncOutcomeRetryQueued {
		t.Fatalf("expected retry queued outcome, got %+v", outcome)
	}
	if len(retries.tasks) != 1 {
		t.Fatalf("expected one queued task, got %d", len(retries.tasks))
	}
}

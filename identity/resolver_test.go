package identity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shiplog/issuesync/core"
)

type memoryMappingStore struct {
	mu       sync.Mutex
	mappings map[string]core.EntityMapping
	creates  int
	findErr  error
}

func newMemoryMappingStore() *memoryMappingStore {
	return &memoryMappingStore{mappings: map[string]core.EntityMapping{}}
}

func (s *memoryMappingStore) FindMapping(_ context.Context, platform core.Platform, externalKey string) (core.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return core.EntityMapping{}, s.findErr
	}
	mapping, ok := s.mappings[LockKey(platform, externalKey)]
	if !ok {
		return core.EntityMapping{}, core.ErrMappingNotFound
	}
	return mapping, nil
}

func (s *memoryMappingStore) CreateMapping(_ context.Context, platform core.Platform, externalKey string) (core.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := LockKey(platform, externalKey)
	if existing, ok := s.mappings[key]; ok {
		return existing, nil
	}
	s.creates++
	mapping := core.EntityMapping{
		ExternalKey: externalKey,
		InternalID:  "ent-" + strconv.Itoa(len(s.mappings)+1),
		Platform:    platform,
		CreatedAt:   time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC),
	}
	s.mappings[key] = mapping
	return mapping, nil
}

func TestResolveCreatesOnFirstContact(t *testing.T) {
	store := newMemoryMappingStore()
	resolver := NewResolver(store)

	first, err := resolver.Resolve(context.Background(), core.PlatformJira, "PROJ-12")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.InternalID == "" {
		t.Fatal("expected internal id on first contact")
	}

	second, err := resolver.Resolve(context.Background(), core.PlatformJira, " PROJ-12 ")
	if err != nil {
		t.Fatalf("repeat resolve failed: %v", err)
	}
	if second.InternalID != first.InternalID {
		t.Fatalf("expected stable internal id, got %q then %q", first.InternalID, second.InternalID)
	}
	if store.creates != 1 {
		t.Fatalf("expected single create, got %d", store.creates)
	}
}

func TestResolveValidatesInput(t *testing.T) {
	resolver := NewResolver(newMemoryMappingStore())

	if _, err := resolver.Resolve(context.Background(), core.PlatformGitHub, "  "); err == nil {
		t.Fatal("expected error for blank external key")
	}
	if _, err := resolver.Resolve(context.Background(), core.Platform("svn"), "thing"); !errors.Is(err, core.ErrInvalidPlatform) {
		t.Fatalf("expected ErrInvalidPlatform, got %v", err)
	}
}

func TestResolveClassifiesStoreFailureAsTransient(t *testing.T) {
	store := newMemoryMappingStore()
	store.findErr = errors.New("connection refused")
	resolver := NewResolver(store)

	_, err := resolver.Resolve(context.Background(), core.PlatformGitHub, "acme/widgets#1")
	if !core.IsTransientFailure(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestResolveConcurrentFirstContact(t *testing.T) {
	store := newMemoryMappingStore()
	resolver := NewResolver(store)

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mapping, err := resolver.Resolve(context.Background(), core.PlatformGitHub, "acme/widgets#7")
			if err != nil {
				t.Errorf("resolve failed: %v", err)
				return
			}
			ids[i] = mapping.InternalID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected one internal id for all callers, got %q and %q", ids[0], ids[i])
		}
	}
	if store.creates != 1 {
		t.Fatalf("expected single create under contention, got %d", store.creates)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	locks := NewKeyedMutex()
	unlock := locks.Lock("github:acme/widgets#1")
	unlock()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected lock table drained, got %d entries", remaining)
	}
}

func TestWithEntityLockSerializes(t *testing.T) {
	resolver := NewResolver(newMemoryMappingStore())

	var inside int
	var maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = resolver.WithEntityLock(core.PlatformJira, "PROJ-1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected critical sections serialized, saw %d concurrent holders", maxInside)
	}
}

// Package identity resolves external issue keys and pull request numbers to
// internal entity identifiers with resolve-or-create semantics.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shiplog/issuesync/core"
)

// KeyedMutex serializes work per entity key so resolve-or-create and state
// persistence for one entity never interleave across concurrent deliveries.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyLock{}}
}

// Lock acquires the mutex for key and returns its unlock function. Lock
// entries are reference counted and removed once the last holder releases,
// so the table does not grow with the keyspace.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

type Resolver struct {
	Store core.MappingStore
	Locks *KeyedMutex
}

func NewResolver(store core.MappingStore) *Resolver {
	return &Resolver{
		Store: store,
		Locks: NewKeyedMutex(),
	}
}

// Resolve returns the mapping for (platform, externalKey), creating it on
// first contact. Concurrent first contacts for the same key are serialized
// here, and the store's CreateMapping must still be atomic as a second line
// of defense when several processes share the store.
func (r *Resolver) Resolve(
	ctx context.Context,
	platform core.Platform,
	externalKey string,
) (core.EntityMapping, error) {
	if r == nil || r.Store == nil {
		return core.EntityMapping{}, fmt.Errorf("identity: resolver requires a mapping store")
	}
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return core.EntityMapping{}, fmt.Errorf("identity: external key is required")
	}
	if _, err := core.ParsePlatform(string(platform)); err != nil {
		return core.EntityMapping{}, err
	}

	unlock := r.lock(LockKey(platform, externalKey))
	defer unlock()

	mapping, err := r.Store.FindMapping(ctx, platform, externalKey)
	if err == nil {
		return mapping, nil
	}
	if !isNotFound(err) {
		return core.EntityMapping{}, core.TransientFailure(err, "identity: mapping lookup failed")
	}

	created, err := r.Store.CreateMapping(ctx, platform, externalKey)
	if err != nil {
		return core.EntityMapping{}, core.TransientFailure(err, "identity: mapping create failed")
	}
	return created, nil
}

// WithEntityLock runs fn while holding the entity's lock. The sync engine
// uses this to serialize state writes with resolution for the same key.
func (r *Resolver) WithEntityLock(platform core.Platform, externalKey string, fn func() error) error {
	if r == nil {
		return fn()
	}
	unlock := r.lock(LockKey(platform, externalKey))
	defer unlock()
	return fn()
}

func (r *Resolver) lock(key string) func() {
	if r.Locks == nil {
		r.Locks = NewKeyedMutex()
	}
	return r.Locks.Lock(key)
}

func LockKey(platform core.Platform, externalKey string) string {
	return string(platform) + ":" + strings.TrimSpace(externalKey)
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrMappingNotFound)
}

var _ core.EntityResolver = (*Resolver)(nil)

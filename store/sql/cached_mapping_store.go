package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/shiplog/issuesync/core"
)

const mappingCacheKeyPrefix = "issuesync::entity_mapping::v1"

// CachedEntityMappingStore fronts a mapping store with a read-through cache.
// Mappings are immutable once created, which makes them ideal cache entries:
// the only invalidation is the create path filling the slot.
type CachedEntityMappingStore struct {
	base  core.MappingStore
	cache repositorycache.CacheService
}

func NewCachedEntityMappingStore(
	base core.MappingStore,
	cacheService repositorycache.CacheService,
) (*CachedEntityMappingStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base mapping store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: mapping cache service is required")
	}
	return &CachedEntityMappingStore{base: base, cache: cacheService}, nil
}

// MappingCacheKey returns the deterministic cache key for a mapping lookup:
// issuesync::entity_mapping::v1::<platform>::<external_key> with each segment
// URL-path escaped.
func MappingCacheKey(platform core.Platform, externalKey string) (string, error) {
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return "", fmt.Errorf("sqlstore: external key is required")
	}
	segments := []string{string(platform), externalKey}
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(append([]string{mappingCacheKeyPrefix}, segments...), "::"), nil
}

func (s *CachedEntityMappingStore) FindMapping(
	ctx context.Context,
	platform core.Platform,
	externalKey string,
) (core.EntityMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.EntityMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	cacheKey, err := MappingCacheKey(platform, externalKey)
	if err != nil {
		return core.EntityMapping{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.EntityMapping, error) {
		return s.base.FindMapping(ctx, platform, externalKey)
	})
}

func (s *CachedEntityMappingStore) CreateMapping(
	ctx context.Context,
	platform core.Platform,
	externalKey string,
) (core.EntityMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.EntityMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	mapping, err := s.base.CreateMapping(ctx, platform, externalKey)
	if err != nil {
		return core.EntityMapping{}, err
	}
	cacheKey, keyErr := MappingCacheKey(platform, externalKey)
	if keyErr == nil {
		_ = s.cache.Delete(ctx, cacheKey)
	}
	return mapping, nil
}

var _ core.MappingStore = (*CachedEntityMappingStore)(nil)

package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/settld/go-settle/core"
)

const dedupCacheKeyPrefix = "go-settle::dedup_index::v1"

// CachedDedupIndexStore wraps a dedup index store with a read-through cache.
// The dedup lookup sits on the upload hot path and the mapping is immutable
// once reserved, which makes it an ideal cache candidate. Negative results
// are not cached: a miss must always hit the backing store so a concurrent
// reservation is seen.
type CachedDedupIndexStore struct {
	base  core.DedupIndexStore
	cache repositorycache.CacheService
}

func NewCachedDedupIndexStore(base core.DedupIndexStore, cacheService repositorycache.CacheService) (*CachedDedupIndexStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base dedup index store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: dedup cache service is required")
	}
	return &CachedDedupIndexStore{base: base, cache: cacheService}, nil
}

// DedupCacheKey returns the deterministic cache key contract for dedup
// lookups: go-settle::dedup_index::v1::<tenant>::<content_hash> with each
// segment URL-path escaped.
func DedupCacheKey(tenantID string, contentHash string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if tenantID == "" || contentHash == "" {
		return "", fmt.Errorf("sqlstore: tenant id and content hash are required")
	}
	return strings.Join([]string{
		dedupCacheKeyPrefix,
		url.PathEscape(tenantID),
		url.PathEscape(contentHash),
	}, "::"), nil
}

func (s *CachedDedupIndexStore) Lookup(ctx context.Context, tenantID string, contentHash string) (core.DedupEntry, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: cached dedup index store is not configured")
	}
	cacheKey, err := DedupCacheKey(tenantID, contentHash)
	if err != nil {
		return core.DedupEntry{}, false, err
	}

	type lookupResult struct {
		Entry core.DedupEntry
		Found bool
	}
	result, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (lookupResult, error) {
		entry, found, fetchErr := s.base.Lookup(ctx, tenantID, contentHash)
		if fetchErr != nil {
			return lookupResult{}, fetchErr
		}
		return lookupResult{Entry: entry, Found: found}, nil
	})
	if err != nil {
		return core.DedupEntry{}, false, err
	}
	if !result.Found {
		// Do not let a cached miss shadow a later reservation.
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			return core.DedupEntry{}, false, err
		}
	}
	return result.Entry, result.Found, nil
}

func (s *CachedDedupIndexStore) Reserve(ctx context.Context, entry core.DedupEntry) (core.DedupEntry, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: cached dedup index store is not configured")
	}
	reserved, existed, err := s.base.Reserve(ctx, entry)
	if err != nil {
		return core.DedupEntry{}, false, err
	}
	cacheKey, err := DedupCacheKey(reserved.TenantID, reserved.ContentHash)
	if err != nil {
		return core.DedupEntry{}, false, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.DedupEntry{}, false, err
	}
	return reserved, existed, nil
}

var _ core.DedupIndexStore = (*CachedDedupIndexStore)(nil)

package sqlstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/settld/go-settle/core"
)

type stubDedupIndexStore struct {
	mu           sync.Mutex
	entry        core.DedupEntry
	found        bool
	lookupCalls  int
	reserveCalls int
}

func (s *stubDedupIndexStore) Lookup(_ context.Context, _ string, _ string) (core.DedupEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++
	return s.entry, s.found, nil
}

func (s *stubDedupIndexStore) Reserve(_ context.Context, entry core.DedupEntry) (core.DedupEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveCalls++
	if s.found {
		return s.entry, true, nil
	}
	s.entry = entry
	s.found = true
	return entry, false, nil
}

func newTestDedupCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedDedupIndexStore_Lookup_MissFetchThenHit(t *testing.T) {
	base := &stubDedupIndexStore{
		entry: core.DedupEntry{TenantID: "tenant-a", ContentHash: "cafe01", Token: "run_1"},
		found: true,
	}
	store, err := NewCachedDedupIndexStore(base, newTestDedupCacheService(t))
	if err != nil {
		t.Fatalf("new cached dedup store: %v", err)
	}

	entry, found, err := store.Lookup(context.Background(), "tenant-a", "cafe01")
	if err != nil || !found || entry.Token != "run_1" {
		t.Fatalf("first lookup: entry=%+v found=%v err=%v", entry, found, err)
	}
	if base.lookupCalls != 1 {
		t.Fatalf("expected first lookup to fetch base store once, got %d", base.lookupCalls)
	}

	if _, _, err := store.Lookup(context.Background(), "tenant-a", "cafe01"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if base.lookupCalls != 1 {
		t.Fatalf("expected second lookup to be a cache hit, base calls=%d", base.lookupCalls)
	}
}

func TestCachedDedupIndexStore_Lookup_MissesAreNotCached(t *testing.T) {
	base := &stubDedupIndexStore{found: false}
	store, err := NewCachedDedupIndexStore(base, newTestDedupCacheService(t))
	if err != nil {
		t.Fatalf("new cached dedup store: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, found, err := store.Lookup(context.Background(), "tenant-a", "cafe01"); err != nil || found {
			t.Fatalf("lookup %d: found=%v err=%v", i, found, err)
		}
	}
	if base.lookupCalls != 2 {
		t.Fatalf("negative results must always hit the backing store, base calls=%d", base.lookupCalls)
	}
}

func TestCachedDedupIndexStore_Reserve_InvalidatesCachedKey(t *testing.T) {
	base := &stubDedupIndexStore{
		entry: core.DedupEntry{TenantID: "tenant-a", ContentHash: "cafe01", Token: "run_1"},
		found: true,
	}
	store, err := NewCachedDedupIndexStore(base, newTestDedupCacheService(t))
	if err != nil {
		t.Fatalf("new cached dedup store: %v", err)
	}

	if _, _, err := store.Lookup(context.Background(), "tenant-a", "cafe01"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if base.lookupCalls != 1 {
		t.Fatalf("expected one base read after cache prime, got %d", base.lookupCalls)
	}

	if _, _, err := store.Reserve(context.Background(), core.DedupEntry{
		TenantID: "tenant-a", ContentHash: "cafe01", Token: "run_2",
	}); err != nil {
		t.Fatalf("reserve through cached store: %v", err)
	}
	if base.reserveCalls != 1 {
		t.Fatalf("reserve must pass through, got %d calls", base.reserveCalls)
	}

	if _, _, err := store.Lookup(context.Background(), "tenant-a", "cafe01"); err != nil {
		t.Fatalf("lookup after reserve: %v", err)
	}
	if base.lookupCalls != 2 {
		t.Fatalf("reserve must invalidate the cached key, base calls=%d", base.lookupCalls)
	}
}

func TestDedupCacheKey(t *testing.T) {
	key, err := DedupCacheKey("tenant-a", "CAFE01")
	if err != nil {
		t.Fatalf("DedupCacheKey: %v", err)
	}
	if !strings.HasPrefix(key, dedupCacheKeyPrefix) || !strings.Contains(key, "cafe01") {
		t.Fatalf("unexpected key %q", key)
	}

	same, err := DedupCacheKey("tenant-a", "cafe01")
	if err != nil || same != key {
		t.Fatalf("key must be case-normalized: %q vs %q (%v)", same, key, err)
	}

	escaped, err := DedupCacheKey("tenant/a", "cafe01")
	if err != nil {
		t.Fatalf("DedupCacheKey: %v", err)
	}
	if strings.Contains(strings.TrimPrefix(escaped, dedupCacheKeyPrefix), "/") {
		t.Fatalf("segments must be path-escaped: %q", escaped)
	}

	if _, err := DedupCacheKey("", "cafe01"); err == nil {
		t.Fatalf("empty tenant must be rejected")
	}
	if _, err := DedupCacheKey("tenant-a", "  "); err == nil {
		t.Fatalf("empty hash must be rejected")
	}
}

func TestNewCachedDedupIndexStoreValidation(t *testing.T) {
	if _, err := NewCachedDedupIndexStore(nil, newTestDedupCacheService(t)); err == nil {
		t.Fatalf("missing base store must be rejected")
	}
	if _, err := NewCachedDedupIndexStore(&stubDedupIndexStore{}, nil); err == nil {
		t.Fatalf("missing cache service must be rejected")
	}
}

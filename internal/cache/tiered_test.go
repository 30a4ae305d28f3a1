package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aalhour/rockyardkv/internal/compression"
)

func newTestTieredCache() (*TieredCache[*blockValue], *NVMSecondaryCache) {
	primary := NewLRUCache(1 << 20)
	compressed := NewCompressedSecondaryCache(1<<20, 4)
	nvm := NewNVMSecondaryCache()
	tc := NewTieredCache(primary, compressed, nvm, blockHelper(), compression.NoCompression, 1)
	return tc, nvm
}

func TestTieredCacheMissAllTiersLoadsAndPlaceholders(t *testing.T) {
	tc, _ := newTestTieredCache()
	key := CacheKey{FileNumber: 1, BlockOffset: 10}

	loads := 0
	ah, err := tc.Lookup(key, PriorityLow, func() (*blockValue, error) {
		loads++
		return &blockValue{data: []byte("loaded")}, nil
	})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := WaitAll([]*AsyncHandle{ah}); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if ah.Handle() == nil {
		t.Fatal("expected a resolved primary handle")
	}
	if loads != 1 {
		t.Fatalf("load called %d times, want 1", loads)
	}
	if !tc.compressed.IsPlaceholder(key) {
		t.Error("compressed tier should hold a placeholder after an all-tier miss")
	}
}

func TestTieredCacheNVMHitPromotesPrimaryOnly(t *testing.T) {
	tc, nvm := newTestTieredCache()
	key := CacheKey{FileNumber: 1, BlockOffset: 20}

	// Simulate data already resident in NVM from a prior process lifetime.
	_ = nvm.InsertSaved(key, []byte("from-nvm"), compression.NoCompression, "compressed")

	ah, err := tc.Lookup(key, PriorityLow, func() (*blockValue, error) {
		t.Fatal("load should not run on an NVM hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ah.Handle() == nil {
		t.Fatal("expected promotion to a primary handle")
	}
	if tc.compressed == nil || !tc.compressed.IsPlaceholder(key) {
		t.Error("first NVM hit must leave a placeholder, not real data, in the compressed tier")
	}
}

func TestTieredCacheNVMHitWithPlaceholderPromotesBoth(t *testing.T) {
	tc, nvm := newTestTieredCache()
	key := CacheKey{FileNumber: 1, BlockOffset: 30}

	tc.compressed.InsertPlaceholder(key)
	_ = nvm.InsertSaved(key, []byte("from-nvm-2"), compression.NoCompression, "compressed")

	ah, err := tc.Lookup(key, PriorityLow, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ah.Handle() == nil {
		t.Fatal("expected promotion to a primary handle")
	}
	if tc.compressed.IsPlaceholder(key) {
		t.Error("placeholder should have been replaced by real compressed data")
	}
	data, ok := tc.compressed.Lookup(key, false)
	if !ok || string(data) != "from-nvm-2" {
		t.Errorf("compressed tier after promotion = %q, ok=%v, want %q", data, ok, "from-nvm-2")
	}
}

func TestTieredCacheNamespaceGuard(t *testing.T) {
	tc, _ := newTestTieredCache()
	_, err := tc.Lookup(CacheKey{FileNumber: 2, BlockOffset: 0}, PriorityLow, func() (*blockValue, error) {
		return &blockValue{}, nil
	})
	if err == nil {
		t.Fatal("expected namespace mismatch to be rejected")
	}
}

func TestTieredCacheSingleflightDedup(t *testing.T) {
	tc, _ := newTestTieredCache()
	key := CacheKey{FileNumber: 1, BlockOffset: 40}

	var loads atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 10 {
		wg.Go(func() {
			<-start
			_, err := tc.Lookup(key, PriorityLow, func() (*blockValue, error) {
				loads.Add(1)
				return &blockValue{data: []byte("once")}, nil
			})
			if err != nil {
				t.Errorf("Lookup: %v", err)
			}
		})
	}
	close(start)
	wg.Wait()

	if loads.Load() != 1 {
		t.Errorf("load ran %d times concurrently, want exactly 1", loads.Load())
	}
}

func TestTieredCacheEvictionSpillsToCompressed(t *testing.T) {
	primary := NewLRUCache(20) // tiny: fits one ~20-byte block
	compressed := NewCompressedSecondaryCache(4096, 1)
	nvm := NewNVMSecondaryCache()
	tc := NewTieredCache(primary, compressed, nvm, blockHelper(), compression.NoCompression, 1)

	key1 := CacheKey{FileNumber: 1, BlockOffset: 1}
	key2 := CacheKey{FileNumber: 1, BlockOffset: 2}

	ah1, err := tc.Lookup(key1, PriorityLow, func() (*blockValue, error) {
		return &blockValue{data: []byte("aaaaaaaaaaaaaaaaaaaa")}, nil
	})
	if err != nil {
		t.Fatalf("Lookup key1: %v", err)
	}
	tc.primary.Release(ah1.Handle())

	// Inserting a second entry of similar size should evict key1 from the
	// tiny primary cache and spill its bytes into the compressed tier.
	ah2, err := tc.Lookup(key2, PriorityLow, func() (*blockValue, error) {
		return &blockValue{data: []byte("bbbbbbbbbbbbbbbbbbbb")}, nil
	})
	if err != nil {
		t.Fatalf("Lookup key2: %v", err)
	}
	tc.primary.Release(ah2.Handle())

	data, ok := compressed.Lookup(key1, false)
	if !ok {
		t.Fatal("evicted primary entry should have spilled into the compressed tier")
	}
	if string(data) != "aaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("spilled compressed data = %q, want the evicted value", data)
	}
}

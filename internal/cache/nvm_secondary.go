package cache

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/compression"
)

// NVMSecondaryCache is a SecondaryCache meant to sit on persistent media
// (NVM/SSD) and survive process restarts. The core only specifies this
// tier's interface; an actual on-device implementation is out of scope
// here, so this holds entries in memory behind the same SecondaryCache
// surface the tiered cache expects. A real implementation would replace
// the map below with a file-backed store, without changing any caller.
type NVMSecondaryCache struct {
	mu      sync.Mutex
	entries map[CacheKey]nvmEntry

	hits        atomic.Uint64
	misses      atomic.Uint64
	insertSaved atomic.Uint64
}

type nvmEntry struct {
	data            []byte
	compressionType compression.Type
	sourceTier      string
}

// NewNVMSecondaryCache creates an empty NVM secondary cache stub.
func NewNVMSecondaryCache() *NVMSecondaryCache {
	return &NVMSecondaryCache{entries: make(map[CacheKey]nvmEntry)}
}

// Insert satisfies SecondaryCache; sourceTier is recorded as "unknown"
// since plain Insert callers don't say where the bytes came from.
func (n *NVMSecondaryCache) Insert(key CacheKey, serialized []byte, compressionType compression.Type) error {
	return n.InsertSaved(key, serialized, compressionType, "unknown")
}

// InsertSaved admits an already-compressed form produced by a higher tier
// on eviction, recording which tier it spilled from.
func (n *NVMSecondaryCache) InsertSaved(key CacheKey, serialized []byte, compressionType compression.Type, sourceTier string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[key] = nvmEntry{
		data:            append([]byte(nil), serialized...),
		compressionType: compressionType,
		sourceTier:      sourceTier,
	}
	n.insertSaved.Add(1)
	return nil
}

func (n *NVMSecondaryCache) Lookup(key CacheKey, adviseErase bool) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, ok := n.entries[key]
	if !ok {
		n.misses.Add(1)
		return nil, false
	}
	n.hits.Add(1)
	if adviseErase {
		delete(n.entries, key)
	}

	if entry.compressionType == compression.NoCompression {
		return entry.data, true
	}
	data, err := compression.Decompress(entry.compressionType, entry.data)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (n *NVMSecondaryCache) Erase(key CacheKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.entries, key)
}

// HitCount, MissCount and InsertSavedCount expose the counters the tiered
// cache's admission tests key off of.
func (n *NVMSecondaryCache) HitCount() uint64        { return n.hits.Load() }
func (n *NVMSecondaryCache) MissCount() uint64       { return n.misses.Load() }
func (n *NVMSecondaryCache) InsertSavedCount() uint64 { return n.insertSaved.Load() }

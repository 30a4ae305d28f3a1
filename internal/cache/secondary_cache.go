package cache

import (
	"fmt"
	"sync"

	"github.com/aalhour/rockyardkv/internal/compression"
)

// SecondaryCache is the interface a tiered primary cache falls back to on a
// miss: something larger and slower than the in-memory LRU, holding values
// in a serialized form. Lookup returns the bytes and ok; an entry that is
// only a placeholder (see CompressedSecondaryCache.InsertPlaceholder and
// TieredCache) reads as a miss.
type SecondaryCache interface {
	// Insert stores the already-serialized bytes produced by a primary
	// cache's Helper.SerializeTo under key, compressed with compressionType.
	Insert(key CacheKey, serialized []byte, compressionType compression.Type) error

	// Lookup returns the decompressed bytes previously inserted under key,
	// or ok == false on a miss. advise_erase, when true, tells the
	// secondary cache this is the only read it expects for key so it may
	// drop its own copy once returned.
	Lookup(key CacheKey, adviseErase bool) (data []byte, ok bool)

	// Erase removes key, if present.
	Erase(key CacheKey)
}

// CompressedSecondaryCache is a SecondaryCache that keeps compressed block
// bytes in their own LRU, independent of and typically larger than the
// primary (uncompressed) block cache. It reuses the repository's single
// compression codec rather than rolling its own: the same Type/Compress/
// Decompress this module already uses for SST block bodies.
type CompressedSecondaryCache struct {
	mu    sync.Mutex
	cache *ShardedLRUCache

	spill           SavingSecondaryCache
	spillSourceTier string
}

// SavingSecondaryCache is the subset of NVMSecondaryCache's surface a
// compressed secondary cache needs to spill its own evictions downward.
type SavingSecondaryCache interface {
	InsertSaved(key CacheKey, serialized []byte, compressionType compression.Type, sourceTier string) error
}

// NewCompressedSecondaryCache creates a compressed secondary cache backed by
// a sharded LRU of the given capacity.
func NewCompressedSecondaryCache(capacity uint64, numShards int) *CompressedSecondaryCache {
	c := &CompressedSecondaryCache{
		cache: NewShardedLRUCache(capacity, numShards),
	}
	c.cache.SetEvictionCallback(c.onPrimaryEvict)
	return c
}

// SetNVMSpill wires nvm as the destination for entries evicted from this
// compressed tier (§4.10: "eviction from compressed may optionally spill to
// NVM via InsertSaved"). sourceTier is recorded for NVM's own bookkeeping.
func (c *CompressedSecondaryCache) SetNVMSpill(nvm SavingSecondaryCache, sourceTier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spill = nvm
	c.spillSourceTier = sourceTier
}

func (c *CompressedSecondaryCache) onPrimaryEvict(key CacheKey, raw []byte) {
	c.mu.Lock()
	spill, sourceTier := c.spill, c.spillSourceTier
	c.mu.Unlock()
	if spill == nil {
		return
	}
	entry, err := decodeCompressedEntry(raw)
	if err != nil || entry.placeholder {
		return
	}
	_ = spill.InsertSaved(key, entry.data, entry.compressionType, sourceTier)
}

type compressedEntry struct {
	compressionType compression.Type
	data            []byte
	originalSize    int
	placeholder     bool
}

// placeholderCompressionType is a sentinel never produced by compression.Type's
// real values; it marks an entry as a zero-payload placeholder rather than
// real compressed data.
const placeholderCompressionType = compression.Type(0xFF)

// InsertPlaceholder records that key was recently looked up and missed, so
// the next hit in a lower tier knows to promote a real compressed copy
// rather than leaving another placeholder (the tiered cache's three-queue
// admission policy, §4.10).
func (c *CompressedSecondaryCache) InsertPlaceholder(key CacheKey) {
	entry := &compressedEntry{placeholder: true}
	h := c.cache.Insert(key, encodeCompressedEntry(entry), 0)
	c.cache.Release(h)
}

// IsPlaceholder reports whether key currently holds a placeholder rather
// than real compressed data.
func (c *CompressedSecondaryCache) IsPlaceholder(key CacheKey) bool {
	c.mu.Lock()
	h := c.cache.Lookup(key)
	c.mu.Unlock()
	if h == nil {
		return false
	}
	defer c.cache.Release(h)
	entry, err := decodeCompressedEntry(h.Value())
	return err == nil && entry.placeholder
}

func (c *CompressedSecondaryCache) Insert(key CacheKey, serialized []byte, compressionType compression.Type) error {
	compressed, err := compression.Compress(compressionType, serialized)
	if err != nil {
		return fmt.Errorf("cache: compressed secondary insert: %w", err)
	}

	entry := &compressedEntry{
		compressionType: compressionType,
		data:            compressed,
		originalSize:    len(serialized),
	}
	h := c.cache.Insert(key, encodeCompressedEntry(entry), uint64(len(compressed)))
	c.cache.Release(h)
	return nil
}

func (c *CompressedSecondaryCache) Lookup(key CacheKey, adviseErase bool) ([]byte, bool) {
	c.mu.Lock()
	h := c.cache.Lookup(key)
	c.mu.Unlock()
	if h == nil {
		return nil, false
	}
	defer c.cache.Release(h)

	entry, err := decodeCompressedEntry(h.Value())
	if err != nil || entry.placeholder {
		return nil, false
	}

	if adviseErase {
		c.Erase(key)
	}

	if entry.compressionType == compression.NoCompression {
		return entry.data, true
	}
	data, err := compression.DecompressWithSize(entry.compressionType, entry.data, entry.originalSize)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *CompressedSecondaryCache) Erase(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Erase(key)
}

// encodeCompressedEntry/decodeCompressedEntry give the secondary cache's own
// LRU (which only knows how to store []byte) a fixed header in front of the
// compressed payload: 1 byte compression type, 8 bytes original size.
func encodeCompressedEntry(e *compressedEntry) []byte {
	buf := make([]byte, 9+len(e.data))
	if e.placeholder {
		buf[0] = byte(placeholderCompressionType)
	} else {
		buf[0] = byte(e.compressionType)
	}
	putUint64(buf[1:9], uint64(e.originalSize))
	copy(buf[9:], e.data)
	return buf
}

func decodeCompressedEntry(raw []byte) (*compressedEntry, error) {
	if len(raw) < 9 {
		return nil, fmt.Errorf("cache: compressed entry too short: %d bytes", len(raw))
	}
	ctype := compression.Type(raw[0])
	return &compressedEntry{
		compressionType: ctype,
		placeholder:     ctype == placeholderCompressionType,
		originalSize:    int(getUint64(raw[1:9])),
		data:            raw[9:],
	}, nil
}

func putUint64(b []byte, v uint64) {
	for i := range 8 {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := range 8 {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

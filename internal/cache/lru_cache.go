// Package cache provides caching implementations for RockyardKV.
//
// This package includes an LRU (Least Recently Used) block cache that is used
// to cache SST file data blocks and index blocks, reducing disk I/O and
// improving read performance.
//
// Reference: RocksDB v10.7.5
//   - cache/lru_cache.h
//   - cache/lru_cache.cc
package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Priority classifies a cache entry for the purpose of the high-priority
// pool: index and filter blocks are typically inserted as PriorityHigh so
// that a scan of data blocks cannot evict them out from under a hot query.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// DefaultHighPriorityPoolRatio mirrors RocksDB's default reservation of the
// LRU cache's capacity for high-priority entries.
const DefaultHighPriorityPoolRatio = 0.5

// Cache is the interface for all cache implementations.
type Cache interface {
	// Insert adds a block to the cache. If the key already exists, it updates the value.
	// Returns the handle to the cached block.
	Insert(key CacheKey, value []byte, charge uint64) *Handle

	// InsertWithPriority is like Insert but lets the caller mark the entry
	// PriorityHigh so it survives eviction pressure from PriorityLow entries.
	InsertWithPriority(key CacheKey, value []byte, charge uint64, priority Priority) *Handle

	// Lookup retrieves a block from the cache.
	// Returns nil if not found.
	Lookup(key CacheKey) *Handle

	// Release releases a handle obtained from Insert or Lookup.
	// The caller must call Release when done using the handle.
	Release(handle *Handle)

	// Erase removes a key from the cache.
	Erase(key CacheKey)

	// SetCapacity sets the maximum capacity of the cache.
	SetCapacity(capacity uint64)

	// GetCapacity returns the maximum capacity of the cache.
	GetCapacity() uint64

	// GetUsage returns the current usage of the cache.
	GetUsage() uint64

	// GetPinnedUsage returns the usage of currently pinned entries.
	GetPinnedUsage() uint64

	// GetOccupancyCount returns the number of entries in the cache.
	GetOccupancyCount() uint64

	// Close releases all resources associated with the cache.
	Close()
}

// CacheKey uniquely identifies a cached block.
type CacheKey struct {
	FileNumber  uint64
	BlockOffset uint64
}

// Handle represents a reference to a cached block.
type Handle struct {
	key      CacheKey
	value    []byte
	charge   uint64
	priority Priority
	refs     int32
	deleted  bool
}

// Value returns the cached block data.
func (h *Handle) Value() []byte {
	return h.value
}

// Charge returns the memory charge of this entry.
func (h *Handle) Charge() uint64 {
	return h.charge
}

// Priority returns the entry's cache priority.
func (h *Handle) Priority() Priority {
	return h.priority
}

// =============================================================================
// LRU Cache Implementation
// =============================================================================

// LRUCache is a thread-safe LRU cache with a fixed capacity. A configurable
// fraction of the capacity is reserved for PriorityHigh entries (index and
// filter blocks, typically): they sit in their own LRU list and are only
// considered for eviction once the low-priority list has nothing left to
// give up, matching RocksDB's high-priority pool behavior.
type LRUCache struct {
	mu                    sync.RWMutex
	capacity              uint64
	usage                 uint64
	highUsage             uint64
	highPriorityPoolRatio float64
	table                 map[CacheKey]*list.Element
	lruLow                *list.List // PriorityLow entries, eviction candidates first
	lruHigh               *list.List // PriorityHigh entries, demoted to lruLow before eviction

	// onEvict, if set, is invoked (under c.mu) whenever capacity pressure
	// evicts an entry, receiving its key and the charge-backing bytes. It
	// is how a primary cache spills to a secondary tier on eviction rather
	// than simply dropping the data.
	onEvict func(key CacheKey, value []byte)

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

// SetEvictionCallback installs fn to run whenever capacity pressure evicts
// an entry. Only one callback may be installed; a later call replaces an
// earlier one.
func (c *LRUCache) SetEvictionCallback(fn func(key CacheKey, value []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// lruEntry is the entry stored in the LRU list.
type lruEntry struct {
	handle *Handle
}

// getEntry safely extracts an lruEntry from a list element.
// The type assertion is safe because the list only ever stores *lruEntry.
func getEntry(elem *list.Element) *lruEntry {
	entry, _ := elem.Value.(*lruEntry)
	return entry
}

// NewLRUCache creates a new LRU cache with the given capacity in bytes,
// with no reserved high-priority pool.
func NewLRUCache(capacity uint64) *LRUCache {
	return NewLRUCacheWithPool(capacity, 0)
}

// NewLRUCacheWithPool creates a new LRU cache reserving highPriorityPoolRatio
// (0.0-1.0) of its capacity for PriorityHigh entries.
func NewLRUCacheWithPool(capacity uint64, highPriorityPoolRatio float64) *LRUCache {
	if highPriorityPoolRatio < 0 {
		highPriorityPoolRatio = 0
	}
	if highPriorityPoolRatio > 1 {
		highPriorityPoolRatio = 1
	}
	return &LRUCache{
		capacity:              capacity,
		highPriorityPoolRatio: highPriorityPoolRatio,
		table:                 make(map[CacheKey]*list.Element),
		lruLow:                list.New(),
		lruHigh:               list.New(),
	}
}

func (c *LRUCache) highCapacity() uint64 {
	return uint64(float64(c.capacity) * c.highPriorityPoolRatio)
}

func (c *LRUCache) listFor(pri Priority) *list.List {
	if pri == PriorityHigh {
		return c.lruHigh
	}
	return c.lruLow
}

// Insert adds a block to the cache with PriorityLow.
func (c *LRUCache) Insert(key CacheKey, value []byte, charge uint64) *Handle {
	return c.InsertWithPriority(key, value, charge, PriorityLow)
}

// InsertWithPriority adds a block to the cache under the given priority. If
// the key already exists, its value, charge and priority are updated and it
// moves to the front of its (possibly new) list.
func (c *LRUCache) InsertWithPriority(key CacheKey, value []byte, charge uint64, priority Priority) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if key already exists
	if elem, ok := c.table[key]; ok {
		entry := getEntry(elem)
		oldList := c.listFor(entry.handle.priority)
		c.usage -= entry.handle.charge
		if entry.handle.priority == PriorityHigh {
			c.highUsage -= entry.handle.charge
		}
		entry.handle.value = value
		entry.handle.charge = charge
		entry.handle.priority = priority
		c.usage += charge
		if priority == PriorityHigh {
			c.highUsage += charge
		}
		if oldList != c.listFor(priority) {
			oldList.Remove(elem)
			elem = c.listFor(priority).PushFront(entry)
			c.table[key] = elem
		} else {
			oldList.MoveToFront(elem)
		}
		entry.handle.refs++
		if priority == PriorityHigh {
			c.demoteOverflow()
		}
		return entry.handle
	}

	// Create new handle
	handle := &Handle{
		key:      key,
		value:    value,
		charge:   charge,
		priority: priority,
		refs:     1,
	}

	// Evict entries if needed
	for c.usage+charge > c.capacity && (c.lruLow.Len() > 0 || c.lruHigh.Len() > 0) {
		if !c.evictOne() {
			break
		}
	}

	// Insert new entry
	entry := &lruEntry{handle: handle}
	elem := c.listFor(priority).PushFront(entry)
	c.table[key] = elem
	c.usage += charge
	if priority == PriorityHigh {
		c.highUsage += charge
		c.demoteOverflow()
	}

	return handle
}

// demoteOverflow moves entries from the back of the high-priority list into
// the front of the low-priority list until the high pool is back within its
// reserved capacity, or nothing more can be moved. Must be called with mu
// held.
func (c *LRUCache) demoteOverflow() {
	limit := c.highCapacity()
	for c.highUsage > limit {
		e := c.lruHigh.Back()
		if e == nil {
			return
		}
		entry := getEntry(e)
		c.lruHigh.Remove(e)
		entry.handle.priority = PriorityLow
		c.highUsage -= entry.handle.charge
		newElem := c.lruLow.PushBack(entry)
		c.table[entry.handle.key] = newElem
	}
}

// Lookup retrieves a block from the cache.
func (c *LRUCache) Lookup(key CacheKey) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		entry := getEntry(elem)
		if !entry.handle.deleted {
			// Move to front of its own list (recently used)
			c.listFor(entry.handle.priority).MoveToFront(elem)
			entry.handle.refs++
			c.hits.Add(1)
			return entry.handle
		}
	}

	c.misses.Add(1)
	return nil
}

// Release releases a handle.
func (c *LRUCache) Release(handle *Handle) {
	if handle == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handle.refs--
	if handle.refs == 0 && handle.deleted {
		// Actually remove it now
		c.removeHandle(handle)
	}
}

// Erase removes a key from the cache.
func (c *LRUCache) Erase(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		entry := getEntry(elem)
		entry.handle.deleted = true

		if entry.handle.refs == 0 {
			c.removeHandle(entry.handle)
		}
	}
}

// SetCapacity sets the maximum capacity.
func (c *LRUCache) SetCapacity(capacity uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity

	// Evict if over capacity
	for c.usage > c.capacity && (c.lruLow.Len() > 0 || c.lruHigh.Len() > 0) {
		if !c.evictOne() {
			break
		}
	}
	c.demoteOverflow()
}

// GetCapacity returns the maximum capacity.
func (c *LRUCache) GetCapacity() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// GetUsage returns the current usage.
func (c *LRUCache) GetUsage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

// GetPinnedUsage returns the usage of currently pinned entries.
func (c *LRUCache) GetPinnedUsage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var pinned uint64
	for _, elem := range c.table {
		entry := getEntry(elem)
		if entry.handle.refs > 0 {
			pinned += entry.handle.charge
		}
	}
	return pinned
}

// GetOccupancyCount returns the number of entries.
func (c *LRUCache) GetOccupancyCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.table))
}

// Close releases all resources.
func (c *LRUCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table = make(map[CacheKey]*list.Element)
	c.lruLow.Init()
	c.lruHigh.Init()
	c.usage = 0
	c.highUsage = 0
}

// GetHitCount returns the number of cache hits.
func (c *LRUCache) GetHitCount() uint64 {
	return c.hits.Load()
}

// GetMissCount returns the number of cache misses.
func (c *LRUCache) GetMissCount() uint64 {
	return c.misses.Load()
}

// GetHitRate returns the cache hit rate (0.0 to 1.0).
func (c *LRUCache) GetHitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// evictOne evicts the least recently used unpinned entry, preferring the
// low-priority list so that high-priority entries only give way once the
// low pool has nothing left to offer. Reports whether anything was evicted.
// Must be called with mu held.
func (c *LRUCache) evictOne() bool {
	for _, l := range [2]*list.List{c.lruLow, c.lruHigh} {
		for e := l.Back(); e != nil; e = e.Prev() {
			entry := getEntry(e)
			if entry.handle.refs == 0 && !entry.handle.deleted {
				key, value := entry.handle.key, entry.handle.value
				c.removeEntry(e)
				if c.onEvict != nil {
					c.onEvict(key, value)
				}
				return true
			}
		}
	}
	return false
}

// removeEntry removes an entry from the cache.
// Must be called with mu held.
func (c *LRUCache) removeEntry(elem *list.Element) {
	entry := getEntry(elem)
	delete(c.table, entry.handle.key)
	c.listFor(entry.handle.priority).Remove(elem)
	c.usage -= entry.handle.charge
	if entry.handle.priority == PriorityHigh {
		c.highUsage -= entry.handle.charge
	}
}

// removeHandle removes a handle that has been marked deleted.
// Must be called with mu held.
func (c *LRUCache) removeHandle(handle *Handle) {
	if elem, ok := c.table[handle.key]; ok {
		c.removeEntry(elem)
	}
}

// =============================================================================
// Sharded LRU Cache (for better concurrency)
// =============================================================================

// ShardedLRUCache is an LRU cache with multiple shards for reduced lock contention.
type ShardedLRUCache struct {
	shards    []*LRUCache
	numShards uint64
}

// NewShardedLRUCache creates a new sharded LRU cache with no reserved
// high-priority pool. numShards should be a power of 2 for best performance.
func NewShardedLRUCache(capacity uint64, numShards int) *ShardedLRUCache {
	return NewShardedLRUCacheWithPool(capacity, numShards, 0)
}

// NewShardedLRUCacheWithPool creates a new sharded LRU cache, each shard
// reserving highPriorityPoolRatio of its capacity for PriorityHigh entries.
func NewShardedLRUCacheWithPool(capacity uint64, numShards int, highPriorityPoolRatio float64) *ShardedLRUCache {
	if numShards <= 0 {
		numShards = 16 // Default
	}

	// Round up to power of 2
	numShards = nextPowerOf2(numShards)

	shardCapacity := capacity / uint64(numShards)
	if shardCapacity == 0 {
		shardCapacity = 1
	}

	c := &ShardedLRUCache{
		shards:    make([]*LRUCache, numShards),
		numShards: uint64(numShards),
	}

	for i := range numShards {
		c.shards[i] = NewLRUCacheWithPool(shardCapacity, highPriorityPoolRatio)
	}

	return c
}

func nextPowerOf2(n int) int {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

// shard picks the shard for key by hashing its serialized form with xxh3.
// This is unrelated to any on-disk checksum format; it only needs to
// scatter keys evenly across shards.
func (c *ShardedLRUCache) shard(key CacheKey) *LRUCache {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], key.FileNumber)
	binary.LittleEndian.PutUint64(buf[8:], key.BlockOffset)
	h := xxh3.Hash(buf[:])
	return c.shards[h%c.numShards]
}

// SetEvictionCallback installs fn on every shard.
func (c *ShardedLRUCache) SetEvictionCallback(fn func(key CacheKey, value []byte)) {
	for _, s := range c.shards {
		s.SetEvictionCallback(fn)
	}
}

// Insert adds a block to the cache.
func (c *ShardedLRUCache) Insert(key CacheKey, value []byte, charge uint64) *Handle {
	return c.shard(key).Insert(key, value, charge)
}

// InsertWithPriority adds a block to the cache under the given priority.
func (c *ShardedLRUCache) InsertWithPriority(key CacheKey, value []byte, charge uint64, priority Priority) *Handle {
	return c.shard(key).InsertWithPriority(key, value, charge, priority)
}

// Lookup retrieves a block from the cache.
func (c *ShardedLRUCache) Lookup(key CacheKey) *Handle {
	return c.shard(key).Lookup(key)
}

// Release releases a handle.
func (c *ShardedLRUCache) Release(handle *Handle) {
	if handle == nil {
		return
	}
	c.shard(handle.key).Release(handle)
}

// Erase removes a key from the cache.
func (c *ShardedLRUCache) Erase(key CacheKey) {
	c.shard(key).Erase(key)
}

// SetCapacity sets the maximum capacity.
func (c *ShardedLRUCache) SetCapacity(capacity uint64) {
	shardCapacity := capacity / c.numShards
	if shardCapacity == 0 {
		shardCapacity = 1
	}
	for _, s := range c.shards {
		s.SetCapacity(shardCapacity)
	}
}

// GetCapacity returns the maximum capacity.
func (c *ShardedLRUCache) GetCapacity() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetCapacity()
	}
	return total
}

// GetUsage returns the current usage.
func (c *ShardedLRUCache) GetUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetUsage()
	}
	return total
}

// GetPinnedUsage returns the usage of currently pinned entries.
func (c *ShardedLRUCache) GetPinnedUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetPinnedUsage()
	}
	return total
}

// GetOccupancyCount returns the number of entries.
func (c *ShardedLRUCache) GetOccupancyCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetOccupancyCount()
	}
	return total
}

// Close releases all resources.
func (c *ShardedLRUCache) Close() {
	for _, s := range c.shards {
		s.Close()
	}
}

// GetHitCount returns the total number of cache hits.
func (c *ShardedLRUCache) GetHitCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetHitCount()
	}
	return total
}

// GetMissCount returns the total number of cache misses.
func (c *ShardedLRUCache) GetMissCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetMissCount()
	}
	return total
}

// GetHitRate returns the overall cache hit rate.
func (c *ShardedLRUCache) GetHitRate() float64 {
	hits := c.GetHitCount()
	misses := c.GetMissCount()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

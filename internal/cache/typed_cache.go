package cache

import "fmt"

// Helper is a cached Go type's identity card: how to turn a value of type T
// into the bytes a byte-oriented Cache stores, and how to reconstruct it on
// lookup. It plays the role of RocksDB's CacheItemHelper, collapsed down to
// the three operations (SizeOf, SerializeTo, CreateFrom) a Go cache built on
// []byte actually needs; there is no
// separate "basic" (pointer, no serialization) variant here, since every
// tier below the caller (compressed secondary, NVM secondary) needs bytes
// anyway and a single code path is simpler to reason about.
type Helper[T any] struct {
	// Name identifies the helper in error messages, e.g. "data-block" or
	// "filter-block".
	Name string

	// SizeOf returns the charge a value of type T should carry against
	// cache capacity.
	SizeOf func(value T) uint64

	// SerializeTo turns a value into the bytes stored in the cache.
	SerializeTo func(value T) ([]byte, error)

	// CreateFrom reconstructs a value from previously stored bytes.
	CreateFrom func(data []byte) (T, error)
}

// TypedCache adapts a byte-oriented Cache into one that inserts and looks up
// a specific Go type T, serializing on the way in and reconstructing on the
// way out. It is the Go analogue of RocksDB's typed_cache.h: a thin,
// non-virtual layer that removes []byte casting from every call site that
// caches a particular kind of block.
type TypedCache[T any] struct {
	cache  Cache
	helper Helper[T]
}

// NewTypedCache wraps cache so its Insert/Lookup operate on T via helper.
func NewTypedCache[T any](cache Cache, helper Helper[T]) *TypedCache[T] {
	return &TypedCache[T]{cache: cache, helper: helper}
}

// Insert serializes value with the helper and stores the result under key
// with the given charge and priority.
func (t *TypedCache[T]) Insert(key CacheKey, value T, charge uint64, priority Priority) (*Handle, error) {
	data, err := t.helper.SerializeTo(value)
	if err != nil {
		return nil, fmt.Errorf("cache: %s: SerializeTo: %w", t.helper.Name, err)
	}
	return t.cache.InsertWithPriority(key, data, charge, priority), nil
}

// Lookup reconstructs a T from the bytes stored under key, if present. A nil
// handle and the zero value are returned on a miss; the handle must be
// released with Release once the caller is done with value.
func (t *TypedCache[T]) Lookup(key CacheKey) (value T, handle *Handle, err error) {
	h := t.cache.Lookup(key)
	if h == nil {
		return value, nil, nil
	}
	value, err = t.helper.CreateFrom(h.Value())
	if err != nil {
		t.cache.Release(h)
		var zero T
		return zero, nil, fmt.Errorf("cache: %s: CreateFrom: %w", t.helper.Name, err)
	}
	return value, h, nil
}

// InsertRaw stores already-serialized bytes under key without calling
// SerializeTo again. Used when promoting a value from a lower tier that
// already handed back the serialized form.
func (t *TypedCache[T]) InsertRaw(key CacheKey, data []byte, charge uint64, priority Priority) *Handle {
	return t.cache.InsertWithPriority(key, data, charge, priority)
}

// Release releases a handle obtained from Insert or Lookup.
func (t *TypedCache[T]) Release(handle *Handle) {
	t.cache.Release(handle)
}

// Erase removes key from the underlying cache.
func (t *TypedCache[T]) Erase(key CacheKey) {
	t.cache.Erase(key)
}

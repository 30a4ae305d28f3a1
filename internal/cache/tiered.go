package cache

import (
	"fmt"
	"time"

	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// AsyncHandle represents a possibly-still-completing Lookup result. Every
// tier wired into TieredCache here resolves in-process, so the work the
// spec models as asynchronous is already finished by the time Lookup
// returns; Ready and Wait exist so a caller written against a genuinely
// asynchronous NVM device would not need to change.
type AsyncHandle struct {
	handle *Handle
	err    error
}

// Ready reports whether the handle's value is available. Always true here.
func (a *AsyncHandle) Ready() bool { return true }

// Wait blocks until the handle is ready and returns any error encountered
// while producing it.
func (a *AsyncHandle) Wait() error { return a.err }

// Handle returns the resolved primary-cache handle, or nil on a load
// failure or a load-less miss.
func (a *AsyncHandle) Handle() *Handle { return a.handle }

// WaitAll waits for every handle in a batch, surfacing the first error.
func WaitAll(handles []*AsyncHandle) error {
	for _, h := range handles {
		if err := h.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// TieredCache composes a primary in-memory cache with a compressed
// secondary tier and an NVM secondary tier, implementing the three-queue
// admission policy: a hit in a lower tier promotes upward according to
// what it finds above it, rather than always promoting unconditionally.
//
//  1. Miss everywhere: load(), insert into primary, leave a placeholder in
//     the compressed tier recording the miss.
//  2. Hit in NVM, miss in compressed: promote to primary and leave a
//     placeholder in the compressed tier (no compressed copy on a first
//     NVM hit).
//  3. Hit in NVM, placeholder in compressed: the placeholder proves a
//     recent miss, so this promotes to both primary and compressed.
//
// At most one construction runs per (key, helper) fingerprint: concurrent
// lookups for the same key block on a shared singleflight call instead of
// racing to build duplicate values.
type TieredCache[T any] struct {
	primary         *TypedCache[T]
	compressed      *CompressedSecondaryCache
	nvm             SecondaryCache
	helper          Helper[T]
	compressionType compression.Type
	fileNumber      uint64
	sf              singleflight.Group
	telemetry       *telemetry.TelemetrySink
}

// SetTelemetrySink wires sink so every tier's hit/miss/admission and the
// overall Lookup latency are recorded against it. nil disables reporting.
func (t *TieredCache[T]) SetTelemetrySink(sink *telemetry.TelemetrySink) {
	t.telemetry = sink
}

// EvictableCache is a Cache that can notify a caller when capacity
// pressure evicts an entry, letting TieredCache spill it to the next tier
// down instead of discarding it outright.
type EvictableCache interface {
	Cache
	SetEvictionCallback(fn func(key CacheKey, value []byte))
}

// NewTieredCache composes the three tiers for a single column family /
// table file namespace (fileNumber), used to enforce the common-prefix
// guard: every key this instance admits must belong to that file. If
// primary and compressed are both given, an eviction from primary spills
// its serialized form into compressed automatically (§4.10).
func NewTieredCache[T any](primary EvictableCache, compressed *CompressedSecondaryCache, nvm SecondaryCache, helper Helper[T], compressionType compression.Type, fileNumber uint64) *TieredCache[T] {
	t := &TieredCache[T]{
		primary:         NewTypedCache(primary, helper),
		compressed:      compressed,
		nvm:             nvm,
		helper:          helper,
		compressionType: compressionType,
		fileNumber:      fileNumber,
	}
	if compressed != nil {
		primary.SetEvictionCallback(func(key CacheKey, value []byte) {
			_ = compressed.Insert(key, value, compressionType)
		})
	}
	if nvm != nil && compressed != nil {
		if saving, ok := nvm.(SavingSecondaryCache); ok {
			compressed.SetNVMSpill(saving, "compressed")
		}
	}
	return t
}

func fingerprint(key CacheKey, helperName string) string {
	return fmt.Sprintf("%d:%d:%s", key.FileNumber, key.BlockOffset, helperName)
}

// checkNamespace enforces the common-prefix guard: every key admitted
// through this tiered cache instance must share its file namespace, a
// sanity check on caller key derivation rather than a real prefix scan
// (CacheKey's FileNumber already is that prefix).
func (t *TieredCache[T]) checkNamespace(key CacheKey) error {
	if key.FileNumber != t.fileNumber {
		return fmt.Errorf("cache: key file number %d does not match tiered cache namespace %d", key.FileNumber, t.fileNumber)
	}
	return nil
}

// Lookup resolves key through the tiered stack, calling load only on a
// genuine miss across every tier. priority controls the entry's standing
// in the primary cache once admitted.
func (t *TieredCache[T]) Lookup(key CacheKey, priority Priority, load func() (T, error)) (*AsyncHandle, error) {
	if err := t.checkNamespace(key); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err, _ := t.sf.Do(fingerprint(key, t.helper.Name), func() (any, error) {
		return t.resolve(key, priority, load)
	})
	t.telemetry.ObserveCacheLookupLatency(time.Since(start))
	if err != nil {
		return nil, err
	}
	return result.(*AsyncHandle), nil
}

func (t *TieredCache[T]) resolve(key CacheKey, priority Priority, load func() (T, error)) (*AsyncHandle, error) {
	if _, h, err := t.primary.Lookup(key); err == nil && h != nil {
		t.telemetry.ObserveCacheHit("primary")
		return &AsyncHandle{handle: h}, nil
	}
	t.telemetry.ObserveCacheMiss("primary")

	hadPlaceholder := t.compressed != nil && t.compressed.IsPlaceholder(key)

	// Compressed tier hit with real data: promote to primary. NVM is left
	// untouched since the value was already promoted once before.
	if t.compressed != nil && !hadPlaceholder {
		if data, ok := t.compressed.Lookup(key, false); ok {
			if h, err := t.promoteToPrimary(key, data, priority); err == nil {
				t.telemetry.ObserveCacheHit("compressed")
				t.telemetry.ObserveCacheAdmission("primary")
				return &AsyncHandle{handle: h}, nil
			}
		}
		t.telemetry.ObserveCacheMiss("compressed")
	}

	// NVM or compressed errors are treated as a miss at this tier, never
	// surfaced to the caller (§4.10 failure semantics).
	if t.nvm != nil {
		if data, ok := t.nvm.Lookup(key, false); ok {
			h, err := t.promoteToPrimary(key, data, priority)
			if err == nil {
				t.telemetry.ObserveCacheHit("nvm")
				t.telemetry.ObserveCacheAdmission("primary")
				switch {
				case hadPlaceholder:
					// Outcome 3: the placeholder proves a recent miss;
					// admit a real compressed copy now, replacing it.
					if serialized, serr := t.helper.SerializeTo(mustCreateFrom(t.helper, data)); serr == nil {
						_ = t.compressed.Insert(key, serialized, t.compressionType)
						t.telemetry.ObserveCacheAdmission("compressed")
					}
				case t.compressed != nil:
					// Outcome 2: first NVM hit. Promote to primary only;
					// record the access as a placeholder, not a full copy.
					t.compressed.InsertPlaceholder(key)
				}
				return &AsyncHandle{handle: h}, nil
			}
		} else {
			t.telemetry.ObserveCacheMiss("nvm")
		}
	}

	if load == nil {
		return &AsyncHandle{}, nil
	}
	value, err := load()
	if err != nil {
		return nil, err
	}
	h, ierr := t.primary.Insert(key, value, t.helper.SizeOf(value), priority)
	if ierr != nil {
		return &AsyncHandle{err: ierr}, nil
	}
	t.telemetry.ObserveCacheAdmission("primary")
	if t.compressed != nil {
		t.compressed.InsertPlaceholder(key)
	}
	return &AsyncHandle{handle: h}, nil
}

func (t *TieredCache[T]) promoteToPrimary(key CacheKey, data []byte, priority Priority) (*Handle, error) {
	value, err := t.helper.CreateFrom(data)
	if err != nil {
		return nil, err
	}
	return t.primary.InsertRaw(key, data, t.helper.SizeOf(value), priority), nil
}

// mustCreateFrom exists only to keep resolve's control flow linear in the
// placeholder-promotion path; a CreateFrom failure there simply skips the
// compressed-tier promotion, which is already tolerated elsewhere.
func mustCreateFrom[T any](helper Helper[T], data []byte) T {
	value, _ := helper.CreateFrom(data)
	return value
}

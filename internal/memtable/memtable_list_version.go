package memtable

import (
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/iterator"
	"github.com/aalhour/rockyardkv/internal/rangedel"
)

// MemTableListVersion is an immutable snapshot of a column family's
// memtable set: the mutable-turned-immutable memtables still holding
// unflushed data (memlist, newest first) plus the retained history of
// already-flushed memtables kept around for straggler snapshot reads
// (memlistHistory, newest first).
//
// Once built, a MemTableListVersion is never mutated. Readers obtain one
// via MemTableList.Current and may hold onto it for as long as they need
// consistent results: the memtable set it describes cannot change under
// them, even if MemTableList installs a new version concurrently. This
// replaces manual version refcounting with Go's ordinary GC lifetime: a
// version (and the memtables it points at) stays alive exactly as long as
// something holds the pointer.
type MemTableListVersion struct {
	memlist        []*MemTable
	memlistHistory []*MemTable

	maxWriteBufferNumberToMaintain int
	maxWriteBufferSizeToMaintain   int64
}

// MemTables returns the immutable, newest-first slice of memtables still
// holding data not yet durable in an SST file. Callers must not mutate
// the returned slice.
func (v *MemTableListVersion) MemTables() []*MemTable {
	return v.memlist
}

// HistoryMemTables returns the immutable, newest-first slice of already
// flushed memtables retained for snapshot reads.
func (v *MemTableListVersion) HistoryMemTables() []*MemTable {
	return v.memlistHistory
}

// NumNotFlushed returns the number of memtables that have not yet been
// flushed to an SST file.
func (v *MemTableListVersion) NumNotFlushed() int {
	return len(v.memlist)
}

// NumFlushed returns the number of retained, already-flushed memtables.
func (v *MemTableListVersion) NumFlushed() int {
	return len(v.memlistHistory)
}

// Get looks up key at the given read sequence number across every
// memtable in the version, newest first, the same order writes became
// visible in. It returns the result of the first memtable that finds key;
// it does not accumulate merge operands across memtables (see
// CollectMergeOperands for that).
func (v *MemTableListVersion) Get(key []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool) {
	for _, mem := range v.memlist {
		value, found, deleted = mem.Get(key, seq)
		if found {
			return value, found, deleted
		}
	}
	return nil, false, false
}

// CollectMergeOperands walks the version's memtables newest first,
// accumulating merge operands for key until a base value, a deletion, or
// the memtable set is exhausted.
func (v *MemTableListVersion) CollectMergeOperands(key []byte, seq dbformat.SequenceNumber) (baseValue []byte, operands [][]byte, foundBase bool, deleted bool) {
	for _, mem := range v.memlist {
		base, ops, gotBase, wasDeleted := mem.CollectMergeOperands(key, seq)
		operands = append(operands, ops...)
		if wasDeleted {
			return nil, operands, false, true
		}
		if gotBase {
			return base, operands, true, false
		}
	}
	return nil, operands, false, false
}

// AddRangeTombstoneIterators appends one iterator.Level per memtable that
// carries range tombstones, newest memtable first, matching the order its
// point-data iterator would be given to the merging iterator.
func (v *MemTableListVersion) AddRangeTombstoneIterators(readSeq dbformat.SequenceNumber, levels []iterator.Level) []iterator.Level {
	for _, mem := range v.memlist {
		if !mem.HasRangeTombstones() {
			continue
		}
		frags := mem.GetFragmentedRangeTombstones()
		tomb := rangedel.NewTruncatedRangeDelIterator(frags, nil, nil, readSeq)
		levels = append(levels, iterator.Level{Iter: mem.NewIterator(), Tombstones: tomb})
	}
	return levels
}

// AddIterators appends one iterator.Level per memtable in the version,
// newest first, pairing each memtable's point-data iterator with its
// range-tombstone iterator (nil when the memtable carries none).
func (v *MemTableListVersion) AddIterators(readSeq dbformat.SequenceNumber, levels []iterator.Level) []iterator.Level {
	for _, mem := range v.memlist {
		var tomb iterator.RangeDelIterator
		if mem.HasRangeTombstones() {
			frags := mem.GetFragmentedRangeTombstones()
			tomb = rangedel.NewTruncatedRangeDelIterator(frags, nil, nil, readSeq)
		}
		levels = append(levels, iterator.Level{Iter: mem.NewIterator(), Tombstones: tomb})
	}
	return levels
}

// GetTotalNumEntries returns the total number of point entries across
// every memtable still holding unflushed data.
func (v *MemTableListVersion) GetTotalNumEntries() int64 {
	var total int64
	for _, mem := range v.memlist {
		total += mem.Count()
	}
	return total
}

// ApproximateMemoryUsage returns the combined approximate memory usage of
// every memtable in the version, unflushed and retained history alike.
func (v *MemTableListVersion) ApproximateMemoryUsage() int64 {
	var total int64
	for _, mem := range v.memlist {
		total += mem.ApproximateMemoryUsage()
	}
	for _, mem := range v.memlistHistory {
		total += mem.ApproximateMemoryUsage()
	}
	return total
}

// ApproximateMemoryUsageExcludingLast returns the combined approximate
// memory usage of every memtable except the single most recently added
// one (the active memtable still being written to, in the common case
// where the caller hasn't sealed it yet but still wants write-stall
// accounting for everything behind it).
func (v *MemTableListVersion) ApproximateMemoryUsageExcludingLast() int64 {
	total := v.ApproximateMemoryUsage()
	if len(v.memlist) > 0 {
		total -= v.memlist[0].ApproximateMemoryUsage()
	}
	return total
}

// GetEarliestSequenceNumber returns the smallest sequence number among
// the version's unflushed memtables, or, if includeHistory is true, among
// unflushed and retained-history memtables alike. Returns MaxSequenceNumber
// if there are none.
func (v *MemTableListVersion) GetEarliestSequenceNumber(includeHistory bool) dbformat.SequenceNumber {
	earliest := dbformat.MaxSequenceNumber
	for _, mem := range v.memlist {
		if s := mem.GetEarliestSequenceNumber(); s < earliest {
			earliest = s
		}
	}
	if includeHistory {
		for _, mem := range v.memlistHistory {
			if s := mem.GetEarliestSequenceNumber(); s < earliest {
				earliest = s
			}
		}
	}
	return earliest
}

// memTableListVersionBuilder constructs the next MemTableListVersion from
// the current one plus a batch of structural edits (Add/Remove/TrimHistory).
// It owns no shared state: it copies the parent version's slices once on
// creation and mutates its own copies, so the parent stays untouched for
// any reader still holding it. Build publishes the result; the builder is
// discarded afterward.
type memTableListVersionBuilder struct {
	memlist        []*MemTable
	memlistHistory []*MemTable

	maxWriteBufferNumberToMaintain int
	maxWriteBufferSizeToMaintain   int64
}

func newMemTableListVersionBuilder(parent *MemTableListVersion) *memTableListVersionBuilder {
	b := &memTableListVersionBuilder{
		maxWriteBufferNumberToMaintain: parent.maxWriteBufferNumberToMaintain,
		maxWriteBufferSizeToMaintain:   parent.maxWriteBufferSizeToMaintain,
	}
	b.memlist = append(b.memlist, parent.memlist...)
	b.memlistHistory = append(b.memlistHistory, parent.memlistHistory...)
	return b
}

// add prepends mem to the front of memlist (it is the newest memtable).
func (b *memTableListVersionBuilder) add(mem *MemTable) {
	b.memlist = append([]*MemTable{mem}, b.memlist...)
}

// remove drops mem from memlist. If the version's retention limits
// allow it, mem moves to the front of memlistHistory instead of being
// dropped outright; TrimHistory later reclaims history entries that push
// the version over its retention budget.
func (b *memTableListVersionBuilder) remove(mem *MemTable) {
	for i, m := range b.memlist {
		if m == mem {
			b.memlist = append(append([]*MemTable{}, b.memlist[:i]...), b.memlist[i+1:]...)
			break
		}
	}
	if b.maxWriteBufferNumberToMaintain > 0 || b.maxWriteBufferSizeToMaintain > 0 {
		b.memlistHistory = append([]*MemTable{mem}, b.memlistHistory...)
	}
}

// trimHistory discards the oldest history entries while either the
// combined memory usage of every memtable except the newest unflushed one
// (retained history included) plus usageHint is at or
// above maxWriteBufferSizeToMaintain, or the combined memlist+history
// count exceeds maxWriteBufferNumberToMaintain. A zero-valued limit
// disables that particular check.
func (b *memTableListVersionBuilder) trimHistory(usageHint int64) {
	for len(b.memlistHistory) > 0 {
		sizeExceeded := b.maxWriteBufferSizeToMaintain > 0 &&
			b.excludingLastUsage()+usageHint >= b.maxWriteBufferSizeToMaintain
		countExceeded := b.maxWriteBufferNumberToMaintain > 0 &&
			len(b.memlist)+len(b.memlistHistory) > b.maxWriteBufferNumberToMaintain
		if !sizeExceeded && !countExceeded {
			break
		}
		b.memlistHistory = b.memlistHistory[:len(b.memlistHistory)-1]
	}
}

func (b *memTableListVersionBuilder) excludingLastUsage() int64 {
	var total int64
	for i, mem := range b.memlist {
		if i == 0 {
			continue
		}
		total += mem.ApproximateMemoryUsage()
	}
	for _, mem := range b.memlistHistory {
		total += mem.ApproximateMemoryUsage()
	}
	return total
}

// build publishes the builder's working slices as a new immutable
// MemTableListVersion.
func (b *memTableListVersionBuilder) build() *MemTableListVersion {
	return &MemTableListVersion{
		memlist:                        b.memlist,
		memlistHistory:                 b.memlistHistory,
		maxWriteBufferNumberToMaintain: b.maxWriteBufferNumberToMaintain,
		maxWriteBufferSizeToMaintain:   b.maxWriteBufferSizeToMaintain,
	}
}

// Package iterator provides iterator implementations for RockyardKV.
//
// MergingIterator provides the union of data from multiple child iterators
// (the "levels" of a read: mutable memtable, immutable memtables, and SST
// files newest to oldest), merging them in sorted order with a heap while
// consulting each level's paired range-tombstone iterator to skip keys
// covered by a range deletion without materializing them.
//
// Reference: RocksDB v10.7.5
//   - table/merging_iterator.h
//   - table/merging_iterator.cc (SeekImpl, IsNextDeleted, SeekForPrevImpl)
package iterator

import (
	"bytes"
	"container/heap"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/rangedel"
	"github.com/aalhour/rockyardkv/internal/telemetry"
)

// Iterator is the interface for forward-only iterators in RockyardKV.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	Error() error
}

// InternalIterator is the capability set the merging iterator requires of
// its children: forward and backward positioning plus a sticky error. Any
// concrete iterator embeds this interface rather than a virtual base class.
type InternalIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	SeekForPrev(target []byte)
	Next()
	Prev()
	Error() error
}

// RangeDelIterator is the capability set the merging iterator requires of a
// level's paired tombstone iterator. *rangedel.TruncatedRangeDelIterator
// implements it directly.
type RangeDelIterator interface {
	Valid() bool
	Seek(userKey []byte)
	SeekForPrev(userKey []byte)
	Next()
	Prev()
	StartKey() dbformat.InternalKey
	EndKey() dbformat.InternalKey
	Seq() (dbformat.SequenceNumber, bool)
}

var _ RangeDelIterator = (*rangedel.TruncatedRangeDelIterator)(nil)

// Level pairs one child iterator (newest-to-oldest "level" of a read) with
// its optional range-tombstone iterator over the same sorted run.
type Level struct {
	Iter       InternalIterator
	Tombstones RangeDelIterator // nil if this level carries no tombstones
}

const (
	directionForward = iota
	directionBackward
)

// MergingIterator merges N sorted child iterators, newest level first, with
// range-tombstone-aware cascading seek and visibility filtering.
type MergingIterator struct {
	levels    []Level
	cmp       func(a, b []byte) int
	direction int
	minHeap   *iterHeap
	maxHeap   *iterHeap
	err       error

	telemetry *telemetry.TelemetrySink
}

// SetTelemetrySink wires sink so every cascading-seek re-target caused by a
// covering range tombstone is recorded against it. nil disables reporting.
func (mi *MergingIterator) SetTelemetrySink(sink *telemetry.TelemetrySink) {
	mi.telemetry = sink
}

// NewMergingIterator creates a merging iterator over levels, ordered newest
// (index 0) to oldest. cmp compares internal keys; nil defaults to
// dbformat.CompareInternalKeys.
func NewMergingIterator(levels []Level, cmp func(a, b []byte) int) *MergingIterator {
	if cmp == nil {
		cmp = dbformat.CompareInternalKeys
	}
	mi := &MergingIterator{
		levels: levels,
		cmp:    cmp,
	}
	mi.minHeap = &iterHeap{less: func(a, b []byte) bool { return cmp(a, b) < 0 }}
	mi.maxHeap = &iterHeap{less: func(a, b []byte) bool { return cmp(a, b) > 0 }}
	return mi
}

// Valid returns true if the iterator is positioned at a visible entry.
func (mi *MergingIterator) Valid() bool {
	if mi.err != nil {
		return false
	}
	if mi.direction == directionForward {
		return mi.minHeap.Len() > 0
	}
	return mi.maxHeap.Len() > 0
}

func (mi *MergingIterator) activeHeap() *iterHeap {
	if mi.direction == directionForward {
		return mi.minHeap
	}
	return mi.maxHeap
}

// Key returns the current internal key.
func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	h := mi.activeHeap()
	return mi.levels[h.items[0].index].Iter.Key()
}

// Value returns the current value.
func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	h := mi.activeHeap()
	return mi.levels[h.items[0].index].Iter.Value()
}

// Error returns the sticky status. Once non-nil, Valid() is false forever.
func (mi *MergingIterator) Error() error {
	return mi.err
}

// SeekToFirst positions at the smallest visible key across all levels.
func (mi *MergingIterator) SeekToFirst() {
	mi.err = nil
	mi.direction = directionForward
	mi.minHeap.items = mi.minHeap.items[:0]
	for i := range mi.levels {
		mi.levels[i].Iter.SeekToFirst()
		if err := mi.levels[i].Iter.Error(); err != nil {
			mi.err = err
			return
		}
		mi.pushIfValid(mi.minHeap, i)
	}
	heap.Init(mi.minHeap)
	mi.findNextVisibleForward()
}

// SeekToLast positions at the largest visible key across all levels.
func (mi *MergingIterator) SeekToLast() {
	mi.err = nil
	mi.direction = directionBackward
	mi.maxHeap.items = mi.maxHeap.items[:0]
	for i := range mi.levels {
		mi.levels[i].Iter.SeekToLast()
		if err := mi.levels[i].Iter.Error(); err != nil {
			mi.err = err
			return
		}
		mi.pushIfValid(mi.maxHeap, i)
	}
	heap.Init(mi.maxHeap)
	mi.findNextVisibleBackward()
}

// Seek positions at the first visible key >= target, performing a
// range-tombstone-aware cascading seek through the levels.
func (mi *MergingIterator) Seek(target []byte) {
	mi.err = nil
	mi.direction = directionForward
	mi.seekImpl(target, 0)
	if mi.err != nil {
		return
	}
	mi.findNextVisibleForward()
}

// SeekForPrev positions at the last visible key <= target.
func (mi *MergingIterator) SeekForPrev(target []byte) {
	mi.err = nil
	mi.direction = directionBackward
	mi.seekForPrevImpl(target, 0)
	if mi.err != nil {
		return
	}
	mi.findNextVisibleBackward()
}

// seekImpl implements the cascading seek of spec section 4.3: descend
// through levels startingLevel..N-1, reusing a covering tombstone's end key
// as the next level's seek target so provably-deleted ranges are skipped
// without visiting their child iterators key by key.
func (mi *MergingIterator) seekImpl(target []byte, startingLevel int) {
	currentSearchKey := append([]byte(nil), target...)

	for lvl := startingLevel; lvl < len(mi.levels); lvl++ {
		l := &mi.levels[lvl]
		l.Iter.Seek(currentSearchKey)
		if err := l.Iter.Error(); err != nil {
			mi.err = err
			return
		}
		if l.Tombstones == nil {
			continue
		}
		userKey := dbformat.ExtractUserKey(currentSearchKey)
		l.Tombstones.Seek(userKey)
		if !l.Tombstones.Valid() {
			continue
		}
		if bytes.Compare(l.Tombstones.StartKey().UserKey(), userKey) > 0 {
			continue // tombstone is ahead of the search key; no coverage here
		}
		if _, ok := l.Tombstones.Seq(); !ok {
			continue // covering tombstone not visible at this snapshot
		}
		endUserKey := l.Tombstones.EndKey().UserKey()
		currentSearchKey = dbformat.AppendInternalKey(currentSearchKey[:0], &dbformat.ParsedInternalKey{
			UserKey:  endUserKey,
			Sequence: dbformat.MaxSequenceNumber,
			Type:     dbformat.ValueTypeForSeek,
		})
		mi.telemetry.ObserveMergingIteratorReseek()
	}

	mi.rebuildHeap(mi.minHeap)
}

// seekForPrevImpl is the backward mirror of seekImpl: the tombstone's start
// key (at the lowest visible sequence) becomes the next level's
// SeekForPrev target.
func (mi *MergingIterator) seekForPrevImpl(target []byte, startingLevel int) {
	currentSearchKey := append([]byte(nil), target...)

	for lvl := startingLevel; lvl < len(mi.levels); lvl++ {
		l := &mi.levels[lvl]
		l.Iter.SeekForPrev(currentSearchKey)
		if err := l.Iter.Error(); err != nil {
			mi.err = err
			return
		}
		if l.Tombstones == nil {
			continue
		}
		userKey := dbformat.ExtractUserKey(currentSearchKey)
		l.Tombstones.SeekForPrev(userKey)
		if !l.Tombstones.Valid() {
			continue
		}
		if bytes.Compare(l.Tombstones.EndKey().UserKey(), userKey) <= 0 {
			continue
		}
		if _, ok := l.Tombstones.Seq(); !ok {
			continue
		}
		startUserKey := l.Tombstones.StartKey().UserKey()
		currentSearchKey = dbformat.AppendInternalKey(currentSearchKey[:0], &dbformat.ParsedInternalKey{
			UserKey:  startUserKey,
			Sequence: 0,
			Type:     dbformat.ValueTypeForSeekForPrev,
		})
		mi.telemetry.ObserveMergingIteratorReseek()
	}

	mi.rebuildHeap(mi.maxHeap)
}

// Next advances to the next visible entry, flipping direction first if the
// previous call was Prev/SeekForPrev/SeekToLast.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	if mi.direction != directionForward {
		mi.switchToForward()
		if mi.err != nil {
			return
		}
	}
	top := mi.minHeap.items[0].index
	mi.levels[top].Iter.Next()
	if err := mi.levels[top].Iter.Error(); err != nil {
		mi.err = err
		return
	}
	if mi.levels[top].Iter.Valid() {
		mi.minHeap.items[0].key = mi.levels[top].Iter.Key()
		heap.Fix(mi.minHeap, 0)
	} else {
		heap.Pop(mi.minHeap)
	}
	mi.findNextVisibleForward()
}

// Prev moves to the previous visible entry.
func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}
	if mi.direction != directionBackward {
		mi.switchToBackward()
		if mi.err != nil {
			return
		}
	}
	top := mi.maxHeap.items[0].index
	mi.levels[top].Iter.Prev()
	if err := mi.levels[top].Iter.Error(); err != nil {
		mi.err = err
		return
	}
	if mi.levels[top].Iter.Valid() {
		mi.maxHeap.items[0].key = mi.levels[top].Iter.Key()
		heap.Fix(mi.maxHeap, 0)
	} else {
		heap.Pop(mi.maxHeap)
	}
	mi.findNextVisibleBackward()
}

// switchToForward repositions every level other than the current one just
// past the current key, then rebuilds the forward heap.
func (mi *MergingIterator) switchToForward() {
	currentKey := append([]byte(nil), mi.Key()...)
	currentIdx := mi.maxHeap.items[0].index
	for i := range mi.levels {
		if i == currentIdx {
			continue
		}
		l := &mi.levels[i]
		l.Iter.Seek(currentKey)
		if err := l.Iter.Error(); err != nil {
			mi.err = err
			return
		}
		if l.Iter.Valid() && mi.cmp(l.Iter.Key(), currentKey) == 0 {
			l.Iter.Next()
			if err := l.Iter.Error(); err != nil {
				mi.err = err
				return
			}
		}
	}
	mi.direction = directionForward
	mi.rebuildHeap(mi.minHeap)
}

// switchToBackward is the mirror of switchToForward.
func (mi *MergingIterator) switchToBackward() {
	currentKey := append([]byte(nil), mi.Key()...)
	currentIdx := mi.minHeap.items[0].index
	for i := range mi.levels {
		if i == currentIdx {
			continue
		}
		l := &mi.levels[i]
		l.Iter.SeekForPrev(currentKey)
		if err := l.Iter.Error(); err != nil {
			mi.err = err
			return
		}
		if l.Iter.Valid() && mi.cmp(l.Iter.Key(), currentKey) == 0 {
			l.Iter.Prev()
			if err := l.Iter.Error(); err != nil {
				mi.err = err
				return
			}
		}
	}
	mi.direction = directionBackward
	mi.rebuildHeap(mi.maxHeap)
}

// findNextVisibleForward repeatedly inspects the heap top, skipping sentinel
// range-deletion boundary keys and keys covered by a tombstone at or above
// their own level, until the top is visible or the heap empties.
func (mi *MergingIterator) findNextVisibleForward() {
	for mi.minHeap.Len() > 0 {
		topIdx := mi.minHeap.items[0].index
		rawKey := mi.levels[topIdx].Iter.Key()
		pik, err := dbformat.ParseInternalKey(rawKey)
		if err != nil {
			mi.err = dbformat.WrapStatusError(dbformat.KindCorruption, err)
			mi.minHeap.items = mi.minHeap.items[:0]
			return
		}

		if pik.Type == dbformat.TypeRangeDeletion {
			mi.advanceForward(topIdx)
			continue
		}

		covered := false
		for j := 0; j <= topIdx; j++ {
			lvl := &mi.levels[j]
			if lvl.Tombstones == nil {
				continue
			}
			if !lvl.Tombstones.Valid() || bytes.Compare(lvl.Tombstones.EndKey().UserKey(), pik.UserKey) <= 0 {
				lvl.Tombstones.Seek(pik.UserKey)
			}
			if !lvl.Tombstones.Valid() {
				continue
			}
			if bytes.Compare(pik.UserKey, lvl.Tombstones.StartKey().UserKey()) < 0 {
				continue
			}
			seq, ok := lvl.Tombstones.Seq()
			if !ok || pik.Sequence >= seq {
				continue
			}

			if j == topIdx {
				mi.advanceForward(topIdx)
			} else {
				target := dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
					UserKey:  lvl.Tombstones.EndKey().UserKey(),
					Sequence: dbformat.MaxSequenceNumber,
					Type:     dbformat.ValueTypeForSeek,
				})
				mi.seekImpl(target, j+1)
			}
			covered = true
			break
		}
		if mi.err != nil {
			return
		}
		if !covered {
			return
		}
	}
}

// findNextVisibleBackward mirrors findNextVisibleForward for SeekForPrev/Prev.
func (mi *MergingIterator) findNextVisibleBackward() {
	for mi.maxHeap.Len() > 0 {
		topIdx := mi.maxHeap.items[0].index
		rawKey := mi.levels[topIdx].Iter.Key()
		pik, err := dbformat.ParseInternalKey(rawKey)
		if err != nil {
			mi.err = dbformat.WrapStatusError(dbformat.KindCorruption, err)
			mi.maxHeap.items = mi.maxHeap.items[:0]
			return
		}

		if pik.Type == dbformat.TypeRangeDeletion {
			mi.advanceBackward(topIdx)
			continue
		}

		covered := false
		for j := 0; j <= topIdx; j++ {
			lvl := &mi.levels[j]
			if lvl.Tombstones == nil {
				continue
			}
			if !lvl.Tombstones.Valid() || bytes.Compare(lvl.Tombstones.StartKey().UserKey(), pik.UserKey) > 0 {
				lvl.Tombstones.SeekForPrev(pik.UserKey)
			}
			if !lvl.Tombstones.Valid() {
				continue
			}
			if bytes.Compare(pik.UserKey, lvl.Tombstones.EndKey().UserKey()) >= 0 {
				continue
			}
			seq, ok := lvl.Tombstones.Seq()
			if !ok || pik.Sequence >= seq {
				continue
			}

			if j == topIdx {
				mi.advanceBackward(topIdx)
			} else {
				target := dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
					UserKey:  lvl.Tombstones.StartKey().UserKey(),
					Sequence: 0,
					Type:     dbformat.ValueTypeForSeekForPrev,
				})
				mi.seekForPrevImpl(target, j+1)
			}
			covered = true
			break
		}
		if mi.err != nil {
			return
		}
		if !covered {
			return
		}
	}
}

func (mi *MergingIterator) advanceForward(idx int) {
	mi.levels[idx].Iter.Next()
	if err := mi.levels[idx].Iter.Error(); err != nil {
		mi.err = err
		return
	}
	if mi.levels[idx].Iter.Valid() {
		mi.minHeap.items[0].key = mi.levels[idx].Iter.Key()
		heap.Fix(mi.minHeap, 0)
	} else {
		heap.Pop(mi.minHeap)
	}
}

func (mi *MergingIterator) advanceBackward(idx int) {
	mi.levels[idx].Iter.Prev()
	if err := mi.levels[idx].Iter.Error(); err != nil {
		mi.err = err
		return
	}
	if mi.levels[idx].Iter.Valid() {
		mi.maxHeap.items[0].key = mi.levels[idx].Iter.Key()
		heap.Fix(mi.maxHeap, 0)
	} else {
		heap.Pop(mi.maxHeap)
	}
}

func (mi *MergingIterator) pushIfValid(h *iterHeap, idx int) {
	if mi.levels[idx].Iter.Valid() {
		h.items = append(h.items, heapItem{index: idx, key: mi.levels[idx].Iter.Key()})
	}
}

// rebuildHeap recomputes h from every level's current position. N (the
// number of levels feeding one read) is small — a handful of memtables and
// sorted runs — so rebuilding on every seek favors correctness and clarity
// over the incremental index bookkeeping the original C++ uses.
func (mi *MergingIterator) rebuildHeap(h *iterHeap) {
	h.items = h.items[:0]
	for i := range mi.levels {
		mi.pushIfValid(h, i)
	}
	heap.Init(h)
}

// -----------------------------------------------------------------------------
// Heap implementation shared by the forward (min) and backward (max) heaps.
// -----------------------------------------------------------------------------

type heapItem struct {
	index int
	key   []byte
}

type iterHeap struct {
	items []heapItem
	less  func(a, b []byte) bool
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	return h.less(h.items[i].key, h.items[j].key)
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	item, ok := x.(heapItem)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

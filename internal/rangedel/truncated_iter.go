// truncated_iter.go implements a range-del iterator bounded to one sorted
// run's key range. Unlike a bare walk over FragmentedRangeTombstoneList, a
// TruncatedRangeDelIterator clamps fragment boundaries to the owning file's
// [smallest, largest] internal key range, and hides tombstone stack entries
// written after a read snapshot.
//
// Reference: RocksDB v10.7.5 db/range_tombstone_fragmenter.h
// (FragmentedRangeTombstoneIterator, RangeTombstoneStackStartComparator,
// RangeTombstoneStackEndComparator).
package rangedel

import (
	"bytes"
	"sort"

	"github.com/aalhour/rockyardkv/internal/dbformat"
)

// TruncatedRangeDelIterator walks a FragmentedRangeTombstoneList, clamped to
// a file's internal key bounds and filtered to a read snapshot's upper
// sequence bound.
type TruncatedRangeDelIterator struct {
	list     *FragmentedRangeTombstoneList
	smallest dbformat.InternalKey
	largest  dbformat.InternalKey
	upper    dbformat.SequenceNumber

	idx   int
	valid bool
}

// NewTruncatedRangeDelIterator builds an iterator over list, bounded to
// [smallest, largest] (both inclusive internal keys of the owning file or
// memtable), visible only to sequence numbers <= upperBound.
func NewTruncatedRangeDelIterator(list *FragmentedRangeTombstoneList, smallest, largest dbformat.InternalKey, upperBound dbformat.SequenceNumber) *TruncatedRangeDelIterator {
	if list == nil {
		list = NewFragmentedRangeTombstoneList()
	}
	return &TruncatedRangeDelIterator{
		list:     list,
		smallest: smallest,
		largest:  largest,
		upper:    upperBound,
		idx:      -1,
	}
}

// Valid reports whether the iterator is positioned on a fragment that
// intersects the truncation bounds.
func (it *TruncatedRangeDelIterator) Valid() bool {
	return it.valid && it.idx >= 0 && it.idx < it.list.Len()
}

func (it *TruncatedRangeDelIterator) inBounds(frag *RangeTombstoneFragment) bool {
	if it.smallest != nil && bytes.Compare(frag.EndKey, it.smallest.UserKey()) <= 0 {
		return false
	}
	if it.largest != nil && bytes.Compare(frag.StartKey, it.largest.UserKey()) > 0 {
		return false
	}
	return true
}

// SeekToFirst positions at the first fragment intersecting the bounds.
func (it *TruncatedRangeDelIterator) SeekToFirst() {
	it.idx = 0
	it.advanceWhileOutOfBoundsForward()
}

// SeekToLast positions at the last fragment intersecting the bounds.
func (it *TruncatedRangeDelIterator) SeekToLast() {
	it.idx = it.list.Len() - 1
	it.advanceWhileOutOfBoundsBackward()
}

// Seek positions at the first fragment whose EndKey is strictly greater
// than userKey, i.e. the first fragment that could cover userKey or any
// key >= userKey.
func (it *TruncatedRangeDelIterator) Seek(userKey []byte) {
	frags := it.list.All()
	it.idx = sort.Search(len(frags), func(i int) bool {
		return bytes.Compare(frags[i].EndKey, userKey) > 0
	})
	it.advanceWhileOutOfBoundsForward()
}

// SeekForPrev positions at the last fragment whose StartKey is <= userKey.
func (it *TruncatedRangeDelIterator) SeekForPrev(userKey []byte) {
	frags := it.list.All()
	idx := sort.Search(len(frags), func(i int) bool {
		return bytes.Compare(frags[i].StartKey, userKey) > 0
	})
	it.idx = idx - 1
	it.advanceWhileOutOfBoundsBackward()
}

// Next advances to the next fragment.
func (it *TruncatedRangeDelIterator) Next() {
	if !it.valid {
		return
	}
	it.idx++
	it.advanceWhileOutOfBoundsForward()
}

// Prev moves to the previous fragment.
func (it *TruncatedRangeDelIterator) Prev() {
	if !it.valid {
		return
	}
	it.idx--
	it.advanceWhileOutOfBoundsBackward()
}

func (it *TruncatedRangeDelIterator) advanceWhileOutOfBoundsForward() {
	for it.idx >= 0 && it.idx < it.list.Len() {
		if it.inBounds(it.list.Get(it.idx)) {
			it.valid = true
			return
		}
		it.idx++
	}
	it.valid = false
}

func (it *TruncatedRangeDelIterator) advanceWhileOutOfBoundsBackward() {
	for it.idx >= 0 && it.idx < it.list.Len() {
		if it.inBounds(it.list.Get(it.idx)) {
			it.valid = true
			return
		}
		it.idx--
	}
	it.valid = false
}

func (it *TruncatedRangeDelIterator) current() *RangeTombstoneFragment {
	if !it.Valid() {
		return nil
	}
	return it.list.Get(it.idx)
}

// StartKey returns the internal key of the current fragment's start,
// clamped to the file's smallest bound. Its type is always
// dbformat.TypeRangeDeletion: tombstone keys are never real data keys, and
// the merging iterator treats this type tag as the unconditional marker
// that a key is a tombstone/boundary artifact, never a value to return to
// the caller.
func (it *TruncatedRangeDelIterator) StartKey() dbformat.InternalKey {
	frag := it.current()
	if frag == nil {
		return nil
	}
	startUserKey := frag.StartKey
	if it.smallest != nil && bytes.Compare(startUserKey, it.smallest.UserKey()) < 0 {
		startUserKey = it.smallest.UserKey()
	}
	return dbformat.NewInternalKey(startUserKey, frag.MaxSeq(), dbformat.TypeRangeDeletion)
}

// EndKey returns the internal key of the current fragment's end, clamped to
// the file's largest bound.
func (it *TruncatedRangeDelIterator) EndKey() dbformat.InternalKey {
	frag := it.current()
	if frag == nil {
		return nil
	}
	endUserKey := frag.EndKey
	if it.largest != nil && bytes.Compare(endUserKey, it.largest.UserKey()) > 0 {
		endUserKey = it.largest.UserKey()
	}
	return dbformat.NewInternalKey(endUserKey, frag.MaxSeq(), dbformat.TypeRangeDeletion)
}

// Seq returns the maximum sequence number of the current fragment that is
// visible at the iterator's upper (read-snapshot) bound. ok is false if the
// fragment has no entries visible at that snapshot.
func (it *TruncatedRangeDelIterator) Seq() (dbformat.SequenceNumber, bool) {
	frag := it.current()
	if frag == nil {
		return 0, false
	}
	return frag.SeqAtOrBelow(it.upper)
}

// Covers reports whether the current fragment covers userKey at keySeqNum,
// i.e. userKey is in range and keySeqNum is older than the fragment's
// visible covering sequence.
func (it *TruncatedRangeDelIterator) Covers(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	frag := it.current()
	if frag == nil || !frag.Contains(userKey) {
		return false
	}
	seq, ok := frag.SeqAtOrBelow(it.upper)
	if !ok {
		return false
	}
	return keySeqNum < seq
}

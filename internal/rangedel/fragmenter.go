// fragmenter.go implements range tombstone fragmentation.
//
// Fragmentation converts overlapping range tombstones into non-overlapping
// fragments, each carrying a sorted-descending stack of the sequence numbers
// of every source tombstone that covers it. A binary search over fragment
// start keys followed by a short walk down the stack answers "what is the
// maximum covering sequence number at or below snapshot S" in effectively
// constant time per fragment.
//
// Reference: RocksDB v10.7.5
//   - db/range_tombstone_fragmenter.h (RangeTombstoneStack)
//   - db/range_tombstone_fragmenter.cc
package rangedel

import (
	"bytes"
	"sort"

	"github.com/aalhour/rockyardkv/internal/dbformat"
)

// RangeTombstoneFragment is one non-overlapping interval of the fragmented
// list. Seqs is sorted strictly descending: Seqs[0] is the newest (largest)
// sequence number of any source tombstone covering this interval.
type RangeTombstoneFragment struct {
	StartKey []byte
	EndKey   []byte
	Seqs     []dbformat.SequenceNumber
}

// Contains returns true if userKey falls within [StartKey, EndKey).
func (f *RangeTombstoneFragment) Contains(userKey []byte) bool {
	return bytes.Compare(userKey, f.StartKey) >= 0 && bytes.Compare(userKey, f.EndKey) < 0
}

// MaxSeq returns the newest sequence number covering this fragment, or 0 if
// the fragment is somehow empty (should not happen for a fragment produced
// by Fragmenter.Finish).
func (f *RangeTombstoneFragment) MaxSeq() dbformat.SequenceNumber {
	if len(f.Seqs) == 0 {
		return 0
	}
	return f.Seqs[0]
}

// SeqAtOrBelow walks the descending stack and returns the largest sequence
// number that is <= upperBound, and whether one was found. This is the
// "stack walk" used to answer coverage queries for a specific read
// snapshot: a tombstone written after the snapshot must not apply to it.
func (f *RangeTombstoneFragment) SeqAtOrBelow(upperBound dbformat.SequenceNumber) (dbformat.SequenceNumber, bool) {
	for _, s := range f.Seqs {
		if s <= upperBound {
			return s, true
		}
	}
	return 0, false
}

// FragmentedRangeTombstoneList holds a list of non-overlapping range
// tombstone fragments. After fragmentation, fragments are guaranteed to be:
//  1. Non-overlapping and sorted by start key.
//  2. Each fragment's stack of sequence numbers is strictly descending.
type FragmentedRangeTombstoneList struct {
	fragments []*RangeTombstoneFragment
}

// NewFragmentedRangeTombstoneList creates an empty fragmented list.
func NewFragmentedRangeTombstoneList() *FragmentedRangeTombstoneList {
	return &FragmentedRangeTombstoneList{}
}

// Len returns the number of fragments.
func (f *FragmentedRangeTombstoneList) Len() int {
	return len(f.fragments)
}

// IsEmpty returns true if there are no fragments.
func (f *FragmentedRangeTombstoneList) IsEmpty() bool {
	return len(f.fragments) == 0
}

// Get returns the fragment at the given index.
func (f *FragmentedRangeTombstoneList) Get(i int) *RangeTombstoneFragment {
	if i < 0 || i >= len(f.fragments) {
		return nil
	}
	return f.fragments[i]
}

// All returns all fragments.
func (f *FragmentedRangeTombstoneList) All() []*RangeTombstoneFragment {
	return f.fragments
}

// ShouldDelete returns true if the given key at the given sequence number is
// covered by a range tombstone newer than it (and should be skipped).
func (f *FragmentedRangeTombstoneList) ShouldDelete(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	frag := f.fragmentFor(userKey)
	if frag == nil {
		return false
	}
	return keySeqNum < frag.MaxSeq()
}

// MaxCoveringTombstoneSeqNum implements testable property 8: for a user key
// k, returns max{t.seq : t covers k}, filtered to sequence numbers <=
// upperBound (the read snapshot). ok is false if nothing covers k at or
// below upperBound.
func (f *FragmentedRangeTombstoneList) MaxCoveringTombstoneSeqNum(userKey []byte, upperBound dbformat.SequenceNumber) (dbformat.SequenceNumber, bool) {
	frag := f.fragmentFor(userKey)
	if frag == nil {
		return 0, false
	}
	return frag.SeqAtOrBelow(upperBound)
}

func (f *FragmentedRangeTombstoneList) fragmentFor(userKey []byte) *RangeTombstoneFragment {
	idx := f.searchForKey(userKey)
	if idx < 0 || idx >= len(f.fragments) {
		return nil
	}
	frag := f.fragments[idx]
	if !frag.Contains(userKey) {
		return nil
	}
	return frag
}

// searchForKey returns the index of the fragment with the largest start key
// <= userKey, or -1 if no such fragment exists.
func (f *FragmentedRangeTombstoneList) searchForKey(userKey []byte) int {
	if len(f.fragments) == 0 {
		return -1
	}
	idx := sort.Search(len(f.fragments), func(i int) bool {
		return bytes.Compare(f.fragments[i].StartKey, userKey) > 0
	})
	return idx - 1
}

// MaxSequenceNum returns the maximum sequence number among all fragments.
func (f *FragmentedRangeTombstoneList) MaxSequenceNum() dbformat.SequenceNumber {
	var maxSeq dbformat.SequenceNumber
	for _, frag := range f.fragments {
		if frag.MaxSeq() > maxSeq {
			maxSeq = frag.MaxSeq()
		}
	}
	return maxSeq
}

// ContainsRange returns true if any fragment overlaps with [startKey, endKey).
func (f *FragmentedRangeTombstoneList) ContainsRange(startKey, endKey []byte) bool {
	for _, frag := range f.fragments {
		if bytes.Compare(frag.StartKey, endKey) < 0 && bytes.Compare(startKey, frag.EndKey) < 0 {
			return true
		}
	}
	return false
}

// Fragmenter takes a set of potentially overlapping, potentially unsorted
// range tombstones and produces a FragmentedRangeTombstoneList with
// non-overlapping fragments, each carrying the sorted-descending stack of
// every source sequence number covering it.
//
// Algorithm: collect all distinct start/end boundary points, sort them, and
// for each adjacent pair of boundaries [b_i, b_{i+1}) gather every source
// tombstone whose range fully contains it. Because boundaries come only
// from source start/end points, a source tombstone either fully contains
// an inter-boundary span or does not intersect it at all — there is no
// partial overlap to resolve. A tombstone [a, b) excludes b by construction
// of bytes.Compare-based interval containment.
type Fragmenter struct {
	tombstones []*RangeTombstone
	seen       map[string]struct{}
}

// NewFragmenter creates a new fragmenter.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{seen: make(map[string]struct{})}
}

func tombstoneDedupKey(startKey, endKey []byte, seq dbformat.SequenceNumber) string {
	b := make([]byte, 0, len(startKey)+len(endKey)+11)
	b = append(b, byte(len(startKey)>>24), byte(len(startKey)>>16), byte(len(startKey)>>8), byte(len(startKey)))
	b = append(b, startKey...)
	b = append(b, endKey...)
	b = append(b, byte(seq>>48), byte(seq>>40), byte(seq>>32), byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq))
	return string(b)
}

// Add adds a tombstone to be fragmented. Empty or invalid ranges (start >=
// end) are silently skipped, matching the "never fails" contract. Exact
// duplicates of a previously added tombstone are dropped.
func (f *Fragmenter) Add(startKey, endKey []byte, seqNum dbformat.SequenceNumber) {
	if bytes.Compare(startKey, endKey) >= 0 {
		return
	}
	key := tombstoneDedupKey(startKey, endKey, seqNum)
	if _, dup := f.seen[key]; dup {
		return
	}
	f.seen[key] = struct{}{}
	f.tombstones = append(f.tombstones, NewRangeTombstone(startKey, endKey, seqNum))
}

// AddTombstone adds an existing tombstone to be fragmented.
func (f *Fragmenter) AddTombstone(t *RangeTombstone) {
	if t.IsEmpty() {
		return
	}
	f.Add(t.StartKey, t.EndKey, t.SequenceNum)
}

// Finish fragments all added tombstones and returns the result. The
// fragmenter may be reused after Finish by calling Clear.
func (f *Fragmenter) Finish() *FragmentedRangeTombstoneList {
	result := NewFragmentedRangeTombstoneList()
	if len(f.tombstones) == 0 {
		return result
	}

	boundaries := f.collectBoundaries()
	for i := range len(boundaries) - 1 {
		startKey := boundaries[i]
		endKey := boundaries[i+1]

		seqs := f.activeSeqsForRange(startKey, endKey)
		if len(seqs) == 0 {
			continue
		}
		result.fragments = append(result.fragments, &RangeTombstoneFragment{
			StartKey: startKey,
			EndKey:   endKey,
			Seqs:     seqs,
		})
	}

	return result
}

// collectBoundaries returns all unique start/end keys, sorted ascending.
func (f *Fragmenter) collectBoundaries() [][]byte {
	boundarySet := make(map[string]struct{})
	for _, t := range f.tombstones {
		boundarySet[string(t.StartKey)] = struct{}{}
		boundarySet[string(t.EndKey)] = struct{}{}
	}

	boundaries := make([][]byte, 0, len(boundarySet))
	for key := range boundarySet {
		boundaries = append(boundaries, []byte(key))
	}

	sort.Slice(boundaries, func(i, j int) bool {
		return bytes.Compare(boundaries[i], boundaries[j]) < 0
	})

	return boundaries
}

// activeSeqsForRange returns the sorted-descending, duplicate-free stack of
// sequence numbers for every source tombstone that fully contains
// [startKey, endKey).
func (f *Fragmenter) activeSeqsForRange(startKey, endKey []byte) []dbformat.SequenceNumber {
	var seqs []dbformat.SequenceNumber
	for _, t := range f.tombstones {
		if bytes.Compare(t.StartKey, startKey) <= 0 && bytes.Compare(t.EndKey, endKey) >= 0 {
			seqs = append(seqs, t.SequenceNum)
		}
	}
	if len(seqs) == 0 {
		return nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	// Collapse equal adjacent entries so the stack stays strictly decreasing.
	out := seqs[:1]
	for _, s := range seqs[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Clear removes all tombstones from the fragmenter so it can be reused.
func (f *Fragmenter) Clear() {
	f.tombstones = f.tombstones[:0]
	f.seen = make(map[string]struct{})
}

// Len returns the number of tombstones added (before fragmentation).
func (f *Fragmenter) Len() int {
	return len(f.tombstones)
}

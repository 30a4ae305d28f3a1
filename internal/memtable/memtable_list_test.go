package memtable

import (
	"errors"
	"testing"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/manifest"
)

// fakeManifestWriter records every edit it is asked to apply and can be
// told to fail the next N calls, to exercise the installer's rollback path.
type fakeManifestWriter struct {
	edits    []*manifest.VersionEdit
	failNext int
	failWith error
}

func (f *fakeManifestWriter) LogAndApply(edit *manifest.VersionEdit) error {
	if f.failNext > 0 {
		f.failNext--
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("fake manifest write failure")
	}
	f.edits = append(f.edits, edit)
	return nil
}

func sealedMemTable(seq dbformat.SequenceNumber) *MemTable {
	mt := NewMemTable(BytewiseComparator)
	mt.Add(seq, dbformat.TypeValue, []byte("k"), []byte("v"))
	return mt
}

func fileMetaForMem(fileNum uint64) *manifest.FileMetaData {
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(fileNum, 0, 1024)
	meta.Smallest = []byte("k")
	meta.Largest = []byte("k")
	return meta
}

func TestMemTableListAddAssignsIDsAndVersionImmutability(t *testing.T) {
	list := NewMemTableList(1, 4, 0, &fakeManifestWriter{})

	v0 := list.Current()
	if v0.NumNotFlushed() != 0 {
		t.Fatalf("NumNotFlushed = %d, want 0", v0.NumNotFlushed())
	}

	m1 := sealedMemTable(1)
	list.Add(m1)
	if m1.ID() != 1 {
		t.Errorf("m1.ID() = %d, want 1", m1.ID())
	}

	// v0, taken before Add, must still show zero memtables: it is immutable.
	if v0.NumNotFlushed() != 0 {
		t.Errorf("old version mutated after Add: NumNotFlushed = %d, want 0", v0.NumNotFlushed())
	}

	v1 := list.Current()
	if v1.NumNotFlushed() != 1 {
		t.Fatalf("NumNotFlushed = %d, want 1", v1.NumNotFlushed())
	}

	m2 := sealedMemTable(2)
	list.Add(m2)
	if m2.ID() != 2 {
		t.Errorf("m2.ID() = %d, want 2", m2.ID())
	}

	// v1 must still show exactly one memtable.
	if v1.NumNotFlushed() != 1 {
		t.Errorf("v1 mutated after second Add: NumNotFlushed = %d, want 1", v1.NumNotFlushed())
	}
	if got := list.Current().NumNotFlushed(); got != 2 {
		t.Fatalf("NumNotFlushed = %d, want 2", got)
	}
}

func TestMemTableListPickAndRollback(t *testing.T) {
	list := NewMemTableList(1, 4, 0, &fakeManifestWriter{})
	m1, m2 := sealedMemTable(1), sealedMemTable(2)
	list.Add(m1)
	list.Add(m2)

	if !list.IsFlushPending() {
		t.Fatal("IsFlushPending() = false, want true")
	}

	picked := list.PickMemtablesToFlush(nil)
	if len(picked) != 2 {
		t.Fatalf("PickMemtablesToFlush returned %d memtables, want 2", len(picked))
	}
	// Oldest (m1) must come first.
	if picked[0] != m1 || picked[1] != m2 {
		t.Fatal("PickMemtablesToFlush did not return memtables oldest first")
	}
	if !m1.FlushInProgress() || !m2.FlushInProgress() {
		t.Fatal("picked memtables must be marked flush-in-progress")
	}

	// A second pick call finds nothing left to start.
	if again := list.PickMemtablesToFlush(nil); len(again) != 0 {
		t.Fatalf("second PickMemtablesToFlush returned %d, want 0", len(again))
	}

	list.RollbackMemtableFlush(picked)
	if m1.FlushInProgress() || m2.FlushInProgress() {
		t.Fatal("RollbackMemtableFlush must clear flush-in-progress")
	}

	// Now flush can be picked again.
	if repicked := list.PickMemtablesToFlush(nil); len(repicked) != 2 {
		t.Fatalf("PickMemtablesToFlush after rollback returned %d, want 2", len(repicked))
	}
}

func TestMemTableListInstallRemovesFromVersion(t *testing.T) {
	mw := &fakeManifestWriter{}
	list := NewMemTableList(1, 4, 0, mw)
	m1 := sealedMemTable(1)
	list.Add(m1)
	list.PickMemtablesToFlush(nil)

	beforeInstall := list.Current()
	if beforeInstall.NumNotFlushed() != 1 {
		t.Fatalf("NumNotFlushed before install = %d, want 1", beforeInstall.NumNotFlushed())
	}

	err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m1, File: fileMetaForMem(100)},
	})
	if err != nil {
		t.Fatalf("TryInstallMemtableFlushResults: %v", err)
	}

	if len(mw.edits) != 1 {
		t.Fatalf("manifest writer saw %d edits, want 1", len(mw.edits))
	}
	if got := list.Current().NumNotFlushed(); got != 0 {
		t.Fatalf("NumNotFlushed after install = %d, want 0", got)
	}
	// The superseded version must still report the memtable as present.
	if beforeInstall.NumNotFlushed() != 1 {
		t.Fatal("installing mutated a previously observed version")
	}
}

func TestMemTableListInstallBatchesContiguousSameFile(t *testing.T) {
	mw := &fakeManifestWriter{}
	list := NewMemTableList(1, 4, 0, mw)
	m1, m2, m3 := sealedMemTable(1), sealedMemTable(2), sealedMemTable(3)
	list.Add(m1)
	list.Add(m2)
	list.Add(m3)
	list.PickMemtablesToFlush(nil)

	// m1 and m2 were flushed together into file 100 (an atomic-flush style
	// batch); m3 flushed separately into file 101.
	meta100 := fileMetaForMem(100)
	if err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m1, File: meta100},
		{Mem: m2, File: meta100},
	}); err != nil {
		t.Fatalf("install m1,m2: %v", err)
	}
	if len(mw.edits) != 1 {
		t.Fatalf("edits after first batch = %d, want 1 (m1+m2 share a file)", len(mw.edits))
	}
	if got := list.Current().NumNotFlushed(); got != 1 {
		t.Fatalf("NumNotFlushed after first batch = %d, want 1", got)
	}

	if err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m3, File: fileMetaForMem(101)},
	}); err != nil {
		t.Fatalf("install m3: %v", err)
	}
	if len(mw.edits) != 2 {
		t.Fatalf("edits after second batch = %d, want 2", len(mw.edits))
	}
	if got := list.Current().NumNotFlushed(); got != 0 {
		t.Fatalf("NumNotFlushed after second batch = %d, want 0", got)
	}
}

func TestMemTableListInstallFailureResetsFlushState(t *testing.T) {
	mw := &fakeManifestWriter{failNext: 1}
	list := NewMemTableList(1, 4, 0, mw)
	m1 := sealedMemTable(1)
	list.Add(m1)
	list.PickMemtablesToFlush(nil)

	err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m1, File: fileMetaForMem(100)},
	})
	if err == nil {
		t.Fatal("expected install failure to propagate")
	}
	if m1.FlushInProgress() || m1.FlushCompleted() {
		t.Fatal("failed install must reset flush state for retry")
	}
	if got := list.Current().NumNotFlushed(); got != 1 {
		t.Fatalf("NumNotFlushed after failed install = %d, want 1 (memtable stays)", got)
	}

	// Retry succeeds once the manifest writer stops failing.
	list.PickMemtablesToFlush(nil)
	if err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m1, File: fileMetaForMem(100)},
	}); err != nil {
		t.Fatalf("retry install: %v", err)
	}
	if got := list.Current().NumNotFlushed(); got != 0 {
		t.Fatalf("NumNotFlushed after retry = %d, want 0", got)
	}
}

func TestMemTableListHistoryAndTrim(t *testing.T) {
	list := NewMemTableList(1, 1 /* maxWriteBufferNumberToMaintain */, 0, &fakeManifestWriter{})
	m1 := sealedMemTable(1)
	list.Add(m1)
	list.PickMemtablesToFlush(nil)
	if err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m1, File: fileMetaForMem(100)},
	}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if !list.HasHistory() {
		t.Fatal("HasHistory() = false after a flushed memtable with retention budget, want true")
	}
	if got := list.NumFlushed(); got != 1 {
		t.Fatalf("NumFlushed = %d, want 1", got)
	}

	m2 := sealedMemTable(2)
	list.Add(m2)
	list.PickMemtablesToFlush(nil)
	if err := list.TryInstallMemtableFlushResults([]FlushResult{
		{Mem: m2, File: fileMetaForMem(101)},
	}); err != nil {
		t.Fatalf("install m2: %v", err)
	}

	// maxWriteBufferNumberToMaintain=1 means only one history entry survives.
	if got := list.NumFlushed(); got != 1 {
		t.Fatalf("NumFlushed after second flush = %d, want 1 (trimmed)", got)
	}
}

func TestInstallMemtableAtomicFlushResults(t *testing.T) {
	mwA := &fakeManifestWriter{}
	mwB := &fakeManifestWriter{}
	listA := NewMemTableList(1, 4, 0, mwA)
	listB := NewMemTableList(1, 4, 0, mwB)

	memA := sealedMemTable(1)
	memB := sealedMemTable(1)
	listA.Add(memA)
	listB.Add(memB)
	listA.PickMemtablesToFlush(nil)
	listB.PickMemtablesToFlush(nil)

	err := InstallMemtableAtomicFlushResults(map[*MemTableList][]FlushResult{
		listA: {{Mem: memA, File: fileMetaForMem(200)}},
		listB: {{Mem: memB, File: fileMetaForMem(201)}},
	})
	if err != nil {
		t.Fatalf("InstallMemtableAtomicFlushResults: %v", err)
	}

	if listA.Current().NumNotFlushed() != 0 || listB.Current().NumNotFlushed() != 0 {
		t.Fatal("atomic install did not remove memtables from both lists")
	}
	if len(mwA.edits) != 1 || len(mwB.edits) != 1 {
		t.Fatal("expected exactly one edit written to each list's manifest writer")
	}
	if mwA.edits[0].RemainingEntries == mwB.edits[0].RemainingEntries {
		t.Fatal("atomic group counter must descend across the group's edits")
	}
}

func TestInstallMemtableAtomicFlushResultsRollsBackOnFailure(t *testing.T) {
	mwA := &fakeManifestWriter{}
	mwB := &fakeManifestWriter{failNext: 1}
	listA := NewMemTableList(1, 4, 0, mwA)
	listB := NewMemTableList(1, 4, 0, mwB)

	memA := sealedMemTable(1)
	memB := sealedMemTable(1)
	listA.Add(memA)
	listB.Add(memB)
	listA.PickMemtablesToFlush(nil)
	listB.PickMemtablesToFlush(nil)

	err := InstallMemtableAtomicFlushResults(map[*MemTableList][]FlushResult{
		listA: {{Mem: memA, File: fileMetaForMem(200)}},
		listB: {{Mem: memB, File: fileMetaForMem(201)}},
	})
	if err == nil {
		t.Fatal("expected failure from listB's manifest writer to propagate")
	}

	if memA.FlushInProgress() || memA.FlushCompleted() {
		t.Fatal("listA's memtable must be rolled back even though its own write succeeded")
	}
	if listA.Current().NumNotFlushed() != 1 {
		t.Fatal("listA must still hold its memtable after a same-group failure")
	}
}

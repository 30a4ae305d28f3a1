package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/telemetry"
)

// ManifestWriter is the minimal manifest-commit contract MemTableList needs.
// Any type with this LogAndApply method satisfies it (the tests use a fake);
// kept as an interface so this package never depends on a concrete
// version-set implementation.
type ManifestWriter interface {
	LogAndApply(edit *manifest.VersionEdit) error
}

// FlushResult pairs one flushed memtable with the SST file it was written
// to, the unit TryInstallMemtableFlushResults consumes.
type FlushResult struct {
	Mem  *MemTable
	File *manifest.FileMetaData
}

// MemTableList tracks a column family's sealed (immutable) memtables and
// installs their flush results into the manifest in creation order.
//
// Readers call Current to obtain a MemTableListVersion snapshot: the
// pointer is swapped atomically on every structural change (Add, a
// completed flush's removal, TrimHistory), so a reader holding a snapshot
// never observes a partial mutation and never blocks a writer. This is
// the "Arc reader / builder mutator, atomic pointer swap" shape in place
// of the manual refcount-and-copy-on-write a straight port would use:
// Go's garbage collector already keeps a MemTableListVersion (and the
// memtables it points at) alive for exactly as long as something holds
// it, so there is nothing for a reference count to buy us beyond what
// atomic.Pointer's happens-before guarantee already provides.
type MemTableList struct {
	mu sync.Mutex

	current atomic.Pointer[MemTableListVersion]

	// commitInProgress serializes flush-result installation: at most one
	// goroutine drives the oldest-first commit scan for this column
	// family at a time. A late arrival that finds it set simply returns;
	// the in-progress committer's scan will pick up its result.
	commitInProgress bool

	// pendingFileMetas holds the FileMetaData for memtables that have
	// completed their flush but are not yet installed into the manifest.
	pendingFileMetas map[*MemTable]*manifest.FileMetaData

	nextMemtableID              uint64
	numFlushNotStarted          int
	minWriteBufferNumberToMerge int

	manifest  ManifestWriter
	telemetry *telemetry.TelemetrySink
}

// SetTelemetrySink wires sink so every manifest-install edit's latency is
// recorded against it. nil disables reporting.
func (l *MemTableList) SetTelemetrySink(sink *telemetry.TelemetrySink) {
	l.telemetry = sink
}

// NewMemTableList creates an empty MemTableList. minWriteBufferNumberToMerge
// is the number of not-yet-flushed memtables that must accumulate before
// IsFlushPending reports true.
// maxWriteBufferNumberToMaintain and maxWriteBufferSizeToMaintain bound how
// much flushed history TrimHistory retains for straggler snapshot reads; a
// zero value for either disables that particular limit.
func NewMemTableList(minWriteBufferNumberToMerge, maxWriteBufferNumberToMaintain int, maxWriteBufferSizeToMaintain int64, mw ManifestWriter) *MemTableList {
	l := &MemTableList{
		pendingFileMetas:            make(map[*MemTable]*manifest.FileMetaData),
		minWriteBufferNumberToMerge: minWriteBufferNumberToMerge,
		manifest:                    mw,
	}
	l.current.Store(&MemTableListVersion{
		maxWriteBufferNumberToMaintain: maxWriteBufferNumberToMaintain,
		maxWriteBufferSizeToMaintain:   maxWriteBufferSizeToMaintain,
	})
	return l
}

// Current returns the list's current immutable version. The returned
// snapshot is safe to use without any lock: its memtable set never
// changes underneath the caller.
func (l *MemTableList) Current() *MemTableListVersion {
	return l.current.Load()
}

// Add seals mem into the list as the newest immutable memtable, assigning
// it a creation-order id the flush installer later uses to keep manifest
// edits ordered.
func (l *MemTableList) Add(mem *MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextMemtableID++
	mem.SetID(l.nextMemtableID)
	l.numFlushNotStarted++

	b := newMemTableListVersionBuilder(l.current.Load())
	b.add(mem)
	l.current.Store(b.build())
}

// NumNotFlushed returns the number of memtables in the list that have not
// yet had their flush results installed into the manifest.
func (l *MemTableList) NumNotFlushed() int {
	return l.current.Load().NumNotFlushed()
}

// NumFlushed returns the number of retained, already-installed history
// memtables.
func (l *MemTableList) NumFlushed() int {
	return l.current.Load().NumFlushed()
}

// IsFlushPending reports whether enough sealed, not-yet-picked memtables
// have accumulated to justify picking a flush. There is no separate
// explicit-flush-request flag; only the count is consulted.
func (l *MemTableList) IsFlushPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.numFlushNotStarted <= 0 {
		return false
	}
	return l.minWriteBufferNumberToMerge <= 1 || l.numFlushNotStarted >= l.minWriteBufferNumberToMerge
}

// PickMemtablesToFlush selects the contiguous run of not-yet-started
// memtables from the oldest end of the list, bounded by maxMemtableID when
// non-nil (used to cap an atomic multi-column-family flush to memtables
// created before the flush was requested). Selected memtables are marked
// flush-in-progress; the caller is responsible for eventually calling
// either TryInstallMemtableFlushResults or RollbackMemtableFlush on them.
func (l *MemTableList) PickMemtablesToFlush(maxMemtableID *uint64) []*MemTable {
	l.mu.Lock()
	defer l.mu.Unlock()

	memlist := l.current.Load().memlist
	var picked []*MemTable
	for i := len(memlist) - 1; i >= 0; i-- {
		mem := memlist[i]
		if mem.FlushInProgress() || mem.FlushCompleted() {
			continue
		}
		if maxMemtableID != nil && mem.ID() > *maxMemtableID {
			continue
		}
		mem.MarkFlushInProgress()
		l.numFlushNotStarted--
		picked = append(picked, mem)
	}
	return picked
}

// RollbackMemtableFlush undoes PickMemtablesToFlush for mems whose flush
// attempt failed before producing a file, making them eligible to be
// picked again.
func (l *MemTableList) RollbackMemtableFlush(mems []*MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, mem := range mems {
		mem.ResetFlushState()
		l.numFlushNotStarted++
	}
}

// TryInstallMemtableFlushResults records that each result's memtable
// finished writing its SST file and, if no other goroutine is already
// driving the commit scan, installs every eligible contiguous run of
// flush-completed memtables (oldest first) into the manifest. A run that
// fails to commit has its memtables reset to flushable-again state; a
// run that succeeds is removed from the list.
func (l *MemTableList) TryInstallMemtableFlushResults(results []FlushResult) error {
	l.mu.Lock()
	for _, r := range results {
		r.Mem.SetFileNumber(r.File.FD.GetNumber())
		r.Mem.SetFlushCompleted(true)
		l.pendingFileMetas[r.Mem] = r.File
	}

	if l.commitInProgress {
		// The committer already driving the scan will observe these
		// memtables as flush_completed on its next pass.
		l.mu.Unlock()
		return nil
	}
	l.commitInProgress = true

	var firstErr error
	for {
		batch, fileMeta := l.nextCommitBatchLocked()
		if batch == nil {
			break
		}

		edit := manifest.NewVersionEdit()
		edit.AddFile(0, fileMeta)

		l.mu.Unlock()
		start := time.Now()
		err := l.manifest.LogAndApply(edit)
		l.telemetry.ObserveFlushInstallLatency(time.Since(start))
		l.mu.Lock()

		if err != nil {
			if !errors.Is(err, errDroppedColumnFamily) {
				for _, mem := range batch {
					mem.ResetFlushState()
					l.numFlushNotStarted++
					delete(l.pendingFileMetas, mem)
				}
				firstErr = err
				break
			}
			// Dropped concurrently: leave the memtables in place for the
			// iterators still reading the dropped column family; do not
			// retry and do not treat this as a failure.
			break
		} else {
			b := newMemTableListVersionBuilder(l.current.Load())
			for _, mem := range batch {
				b.remove(mem)
				delete(l.pendingFileMetas, mem)
			}
			b.trimHistory(0)
			l.current.Store(b.build())
		}
	}

	l.commitInProgress = false
	l.mu.Unlock()
	return firstErr
}

// errDroppedColumnFamily is a sentinel a ManifestWriter may wrap into the
// error it returns from LogAndApply to signal that the owning column
// family was dropped concurrently with this flush's commit attempt.
var errDroppedColumnFamily = errors.New("memtable: column family dropped during flush install")

// ErrDroppedColumnFamily is errDroppedColumnFamily, exported so a
// ManifestWriter implementation can produce it with errors.Mark.
var ErrDroppedColumnFamily = errDroppedColumnFamily

// nextCommitBatchLocked scans the current version's memlist from the
// oldest end, collecting the longest contiguous run of flush-completed
// memtables that share a single file number (memtables flushed together
// as one atomic-flush group land in the same SST and must commit as one
// edit). Callers must hold l.mu.
func (l *MemTableList) nextCommitBatchLocked() ([]*MemTable, *manifest.FileMetaData) {
	memlist := l.current.Load().memlist
	if len(memlist) == 0 {
		return nil, nil
	}

	oldest := len(memlist) - 1
	if !memlist[oldest].FlushCompleted() {
		return nil, nil
	}

	fileNum := memlist[oldest].FileNumber()
	var batch []*MemTable
	for i := oldest; i >= 0; i-- {
		mem := memlist[i]
		if !mem.FlushCompleted() || mem.FileNumber() != fileNum {
			break
		}
		batch = append(batch, mem)
	}

	return batch, l.pendingFileMetas[batch[0]]
}

// RemoveOldMemtables discards history memtables whose entire contribution
// is already covered by logNumber's retained WAL range, i.e. everything a
// recovering reader would no longer need them for.
func (l *MemTableList) RemoveOldMemtables(logNumber uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := newMemTableListVersionBuilder(l.current.Load())
	kept := b.memlistHistory[:0:0]
	for _, mem := range b.memlistHistory {
		if mem.NextLogNumber() != 0 && mem.NextLogNumber() <= logNumber {
			continue
		}
		kept = append(kept, mem)
	}
	b.memlistHistory = kept
	l.current.Store(b.build())
}

// ApproximateMemoryUsage returns the current version's combined memtable
// memory usage, unflushed and retained history alike.
func (l *MemTableList) ApproximateMemoryUsage() int64 {
	return l.current.Load().ApproximateMemoryUsage()
}

// ApproximateUnflushedMemTablesMemoryUsage returns the memory usage of
// only the not-yet-installed memtables.
func (l *MemTableList) ApproximateUnflushedMemTablesMemoryUsage() int64 {
	var total int64
	for _, mem := range l.current.Load().memlist {
		total += mem.ApproximateMemoryUsage()
	}
	return total
}

// HasHistory reports whether the list is retaining any flushed history
// memtables for straggler snapshot reads.
func (l *MemTableList) HasHistory() bool {
	return l.current.Load().NumFlushed() > 0
}

// TrimHistory discards history memtables until the version's retention
// budget (given usageHint bytes of headroom) is satisfied.
func (l *MemTableList) TrimHistory(usageHint int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := newMemTableListVersionBuilder(l.current.Load())
	b.trimHistory(usageHint)
	l.current.Store(b.build())
}

// InstallMemtableAtomicFlushResults commits flush results for several
// column families' MemTableLists as one logical unit: each list's edit
// carries a descending atomic-group counter (set just before that edit is
// written), so manifest replay of a group cut short by a crash rejects the
// whole group rather than applying a subset of the column families' new
// files.
//
// The underlying ManifestWriter here only exposes a single-edit
// LogAndApply, so true all-or-nothing durability still depends on no
// crash landing between two of these writes; what this function
// guarantees at the process level is ordering (every list's edit is
// written before any list removes its memtables) and, on any failure, a
// uniform rollback of every list's batch rather than a partial one.
func InstallMemtableAtomicFlushResults(groups map[*MemTableList][]FlushResult) error {
	if len(groups) == 0 {
		return nil
	}

	type pending struct {
		list  *MemTableList
		batch []FlushResult
	}
	var order []pending
	for list, batch := range groups {
		list.mu.Lock()
		for _, r := range batch {
			r.Mem.SetFileNumber(r.File.FD.GetNumber())
			r.Mem.SetFlushCompleted(true)
			list.pendingFileMetas[r.Mem] = r.File
		}
		order = append(order, pending{list: list, batch: batch})
		list.mu.Unlock()
	}

	remaining := uint32(len(order))
	var committed []pending
	var firstErr error
	for _, p := range order {
		edit := manifest.NewVersionEdit()
		for _, r := range p.batch {
			edit.AddFile(0, r.File)
		}
		edit.SetAtomicGroup(remaining)
		remaining--

		if firstErr != nil {
			continue
		}
		if err := p.list.manifest.LogAndApply(edit); err != nil {
			firstErr = err
			continue
		}
		committed = append(committed, p)
	}

	if firstErr != nil {
		for _, p := range order {
			p.list.mu.Lock()
			for _, r := range p.batch {
				r.Mem.ResetFlushState()
				p.list.numFlushNotStarted++
				delete(p.list.pendingFileMetas, r.Mem)
			}
			p.list.mu.Unlock()
		}
		return firstErr
	}

	for _, p := range committed {
		p.list.mu.Lock()
		b := newMemTableListVersionBuilder(p.list.current.Load())
		for _, r := range p.batch {
			b.remove(r.Mem)
			delete(p.list.pendingFileMetas, r.Mem)
		}
		b.trimHistory(0)
		p.list.current.Store(b.build())
		p.list.mu.Unlock()
	}
	return nil
}

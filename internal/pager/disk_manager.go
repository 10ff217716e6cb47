package pager

import (
	"fmt"
	"os"
	"sync"

	"github.com/SimonWaldherr/tinykv/internal/core"
)

// ───────────────────────────────────────────────────────────────────────────
// Disk Manager
// ───────────────────────────────────────────────────────────────────────────
//
// DiskManager is stable, page-granular I/O over a single file. It is the
// only code that issues page-addressed reads/writes and fsyncs against the
// data file; the Buffer Pool Manager is its sole caller on behalf of higher
// layers.

// DiskManager provides page-addressed persistent storage with checksums.
type DiskManager struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	freeMgr  *FreeManager
	nextPage PageID
}

// OpenDiskManager opens the data file at path, creating it if it does not
// exist, and reports through isNew whether it was created. It neither reads
// nor writes the superblock: the caller writes one at page 0 for a new file
// and reads page 0 of an existing one (see Pager's Open).
func OpenDiskManager(path string, pageSize int) (dm *DiskManager, isNew bool, err error) {
	isNew = true
	if _, statErr := os.Stat(path); statErr == nil {
		isNew = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open data file: %w", err)
	}
	dm = &DiskManager{
		f:        f,
		path:     path,
		pageSize: pageSize,
		freeMgr:  NewFreeManager(),
		nextPage: 1, // page 0 is the superblock
	}
	return dm, isNew, nil
}

// PageSize returns the configured page size.
func (dm *DiskManager) PageSize() int { return dm.pageSize }

// SeedFreeList loads the free-list chain rooted at head into the manager's
// in-memory set, and sets the allocator high-water-mark.
func (dm *DiskManager) SeedFreeList(head PageID, nextPage PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.nextPage = nextPage
	if head == InvalidPageID {
		return nil
	}
	return dm.freeMgr.LoadFromDisk(head, dm.readPageNoLock)
}

// AllocatePage pops a page id from the free-list or extends the file.
// O(1) amortized; never hands the same id to two concurrent callers.
func (dm *DiskManager) AllocatePage() PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pid := dm.freeMgr.Alloc(); pid != InvalidPageID {
		return pid
	}
	pid := dm.nextPage
	dm.nextPage++
	return pid
}

// DeallocatePage pushes id onto the in-memory free-list. Actual space reuse
// is legal only once the caller's freeing WAL record is durable — that
// ordering is the caller's (buffer pool / recovery) responsibility.
func (dm *DiskManager) DeallocatePage(id PageID) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.freeMgr.Free(id)
}

// FreePageCount returns the number of pages currently on the free-list.
func (dm *DiskManager) FreePageCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.freeMgr.Count()
}

// NextPageID returns the allocator's current high-water-mark (for superblock persistence).
func (dm *DiskManager) NextPageID() PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.nextPage
}

// FreeManager exposes the underlying free manager for checkpoint flushing.
func (dm *DiskManager) FreeManager() *FreeManager { return dm.freeMgr }

// ReadPage reads the page-size-aligned region for id into a fresh buffer,
// verifying its checksum. Returns a CorruptionError-flavored error on CRC
// mismatch, distinct from a plain I/O failure.
func (dm *DiskManager) ReadPage(id PageID) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readPageNoLock(id)
}

func (dm *DiskManager) readPageNoLock(id PageID) ([]byte, error) {
	buf := make([]byte, dm.pageSize)
	off := int64(id) * int64(dm.pageSize)
	n, err := dm.f.ReadAt(buf, off)
	if err != nil || n != len(buf) {
		return nil, core.Wrap(core.KindIo, fmt.Sprintf("read page %d", id), err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, core.Wrap(core.KindCorruption, fmt.Sprintf("corruption reading page %d", id), err)
	}
	return buf, nil
}

// WritePage computes the checksum into the header and writes the region.
// Does not fsync — callers must call Fsync when durability is required
// (WAL-before-page is enforced one layer up, by the Buffer Pool).
func (dm *DiskManager) WritePage(id PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	SetPageCRC(buf)
	off := int64(id) * int64(dm.pageSize)
	if _, err := dm.f.WriteAt(buf, off); err != nil {
		return core.Wrap(core.KindIo, fmt.Sprintf("write page %d", id), err)
	}
	return nil
}

// Fsync forces all prior writes durable.
func (dm *DiskManager) Fsync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.f.Sync()
}

// Close closes the underlying file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.f.Close()
}

// Path returns the data file path.
func (dm *DiskManager) Path() string { return dm.path }

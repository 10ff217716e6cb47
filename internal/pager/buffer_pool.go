package pager

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimonWaldherr/tinykv/internal/core"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer Pool Manager
// ───────────────────────────────────────────────────────────────────────────
//
// The Buffer Pool Manager owns a fixed number of in-memory frames, mediates
// all page access on behalf of the Version Store and recovery, and is the
// only place WAL-before-page durability ordering is enforced: a dirty frame
// may never be written back to the Disk Manager until the WAL has been
// flushed through its page-LSN.

// WALFlusher is the subset of the WAL the buffer pool needs to enforce the
// write-ahead rule on eviction/flush.
type WALFlusher interface {
	FlushThrough(lsn LSN) error
}

const (
	numPageTableShards = 16
	maxPrefetchQueue   = 256
)

// frame is one resident page slot.
type frame struct {
	mu       sync.Mutex
	pageID   PageID
	buf      []byte
	pinCount int32
	dirty    bool
	pageLSN  LSN // LSN of the most recent WAL record covering this page's dirty bytes
	valid    bool
}

// PinnedPage is a handle to a pinned, resident frame. Callers must call
// Unpin exactly once per successful Pin/NewPage call.
type PinnedPage struct {
	pool  *BufferPool
	f     *frame
	frIdx int
}

// PageID returns the id of the pinned page.
func (p *PinnedPage) PageID() PageID { return p.f.pageID }

// Bytes returns the page's backing buffer. Callers holding a pin may mutate
// it freely; the mutation is not visible to concurrent pinners of a
// different frame by construction (one frame per page).
func (p *PinnedPage) Bytes() []byte { return p.f.buf }

// SetPageLSN records the LSN of the WAL record describing the most recent
// mutation applied to this frame, and marks it dirty. Must be called before
// Unpin for any page that was modified under the pin.
func (p *PinnedPage) SetPageLSN(lsn LSN) {
	p.f.mu.Lock()
	p.f.dirty = true
	if lsn > p.f.pageLSN {
		p.f.pageLSN = lsn
	}
	p.f.mu.Unlock()
}

type pageTableShard struct {
	mu sync.Mutex
	m  map[PageID]int // pageID -> frame index
}

func shardIndex(id PageID) int {
	return int(id) % numPageTableShards
}

// BufferPoolConfig configures pool sizing and eviction.
type BufferPoolConfig struct {
	NumFrames         int
	Policy            EvictionPolicyName
	LRUK              int
	FlushInterval     time.Duration // background flusher period; 0 disables
	PrefetchQueueSize int           // values <= 0 or > 256 become 256
	Verbose           bool
}

// BufferPool is the Buffer Pool Manager: Pin/Unpin/NewPage/FlushPage/
// FlushAll/DeletePage over a fixed frame pool, backed by a Disk Manager and
// enforcing WAL-before-page via a WALFlusher.
type BufferPool struct {
	disk   *DiskManager
	wal    WALFlusher
	config BufferPoolConfig

	// evictionMu guards frames, free, and the eviction policy together,
	// since victim selection must see a consistent view of pin state.
	evictionMu sync.Mutex
	frames     []*frame
	free       []int
	policy     EvictionPolicy

	shards [numPageTableShards]*pageTableShard

	prefetchCh chan PageID
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     int32
}

// NewBufferPool constructs a pool of cfg.NumFrames frames backed by disk,
// enforcing the write-ahead rule against wal.
func NewBufferPool(disk *DiskManager, wal WALFlusher, cfg BufferPoolConfig) (*BufferPool, error) {
	if cfg.NumFrames <= 0 {
		return nil, fmt.Errorf("buffer pool requires NumFrames > 0")
	}
	policy, err := NewEvictionPolicy(cfg.Policy, cfg.LRUK)
	if err != nil {
		return nil, err
	}
	if cfg.PrefetchQueueSize <= 0 || cfg.PrefetchQueueSize > maxPrefetchQueue {
		cfg.PrefetchQueueSize = maxPrefetchQueue
	}
	bp := &BufferPool{
		disk:       disk,
		wal:        wal,
		config:     cfg,
		frames:     make([]*frame, cfg.NumFrames),
		policy:     policy,
		prefetchCh: make(chan PageID, cfg.PrefetchQueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := range bp.shards {
		bp.shards[i] = &pageTableShard{m: make(map[PageID]int)}
	}
	for i := 0; i < cfg.NumFrames; i++ {
		bp.frames[i] = &frame{}
		bp.free = append(bp.free, i)
	}
	bp.wg.Add(1)
	go bp.prefetchLoop()
	if cfg.FlushInterval > 0 {
		bp.wg.Add(1)
		go bp.flusherLoop(cfg.FlushInterval)
	}
	return bp, nil
}

func (bp *BufferPool) shardFor(id PageID) *pageTableShard {
	return bp.shards[shardIndex(id)]
}

func (bp *BufferPool) lookup(id PageID) (int, bool) {
	s := bp.shardFor(id)
	s.mu.Lock()
	idx, ok := s.m[id]
	s.mu.Unlock()
	return idx, ok
}

func (bp *BufferPool) insertMapping(id PageID, idx int) {
	s := bp.shardFor(id)
	s.mu.Lock()
	s.m[id] = idx
	s.mu.Unlock()
}

func (bp *BufferPool) removeMapping(id PageID) {
	s := bp.shardFor(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// Pin loads id into a resident frame (if not already resident) and returns
// a pinned handle. The caller must Unpin it exactly once.
func (bp *BufferPool) Pin(id PageID) (*PinnedPage, error) {
	if idx, ok := bp.lookup(id); ok {
		f := bp.frames[idx]
		f.mu.Lock()
		if f.valid && f.pageID == id {
			atomic.AddInt32(&f.pinCount, 1)
			f.mu.Unlock()
			bp.evictionMu.Lock()
			bp.policy.RecordAccess(id)
			bp.evictionMu.Unlock()
			return &PinnedPage{pool: bp, f: f, frIdx: idx}, nil
		}
		f.mu.Unlock()
	}

	buf, err := bp.disk.ReadPage(id)
	if err != nil {
		return nil, fmt.Errorf("buffer pool pin %d: %w", id, err)
	}
	return bp.installLoadedPage(id, buf, false)
}

// NewPage allocates a fresh page id from the Disk Manager, installs a
// zeroed frame for it, and returns it pinned and dirty.
func (bp *BufferPool) NewPage(pt PageType) (PageID, *PinnedPage, error) {
	id := bp.disk.AllocatePage()
	buf := NewPage(bp.disk.PageSize(), pt, id)
	pp, err := bp.installLoadedPage(id, buf, true)
	if err != nil {
		return InvalidPageID, nil, err
	}
	return id, pp, nil
}

// installLoadedPage places buf into a frame for id, evicting a victim if the
// pool is full, and returns it pinned.
func (bp *BufferPool) installLoadedPage(id PageID, buf []byte, dirty bool) (*PinnedPage, error) {
	bp.evictionMu.Lock()
	// Re-check: another goroutine may have installed it while we read from disk.
	if idx, ok := bp.lookup(id); ok {
		bp.evictionMu.Unlock()
		f := bp.frames[idx]
		f.mu.Lock()
		if f.valid && f.pageID == id {
			atomic.AddInt32(&f.pinCount, 1)
			f.mu.Unlock()
			bp.evictionMu.Lock()
			bp.policy.RecordAccess(id)
			bp.evictionMu.Unlock()
			return &PinnedPage{pool: bp, f: f, frIdx: idx}, nil
		}
		f.mu.Unlock()
		bp.evictionMu.Lock()
	}

	idx, err := bp.acquireFrameLocked()
	if err != nil {
		bp.evictionMu.Unlock()
		return nil, err
	}
	f := bp.frames[idx]
	f.mu.Lock()
	f.pageID = id
	f.buf = buf
	f.pinCount = 1
	f.dirty = dirty
	f.valid = true
	if dirty {
		f.pageLSN = InvalidLSN
	}
	f.mu.Unlock()
	bp.insertMapping(id, idx)
	bp.policy.RecordInsertion(id)
	bp.evictionMu.Unlock()
	return &PinnedPage{pool: bp, f: f, frIdx: idx}, nil
}

// acquireFrameLocked returns a free frame index, evicting a victim if none
// is free. Caller must hold evictionMu.
func (bp *BufferPool) acquireFrameLocked() (int, error) {
	if n := len(bp.free); n > 0 {
		idx := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return idx, nil
	}
	isEvictable := func(id PageID) bool {
		idx, ok := bp.lookup(id)
		if !ok {
			return false
		}
		f := bp.frames[idx]
		f.mu.Lock()
		evictable := f.valid && atomic.LoadInt32(&f.pinCount) == 0
		f.mu.Unlock()
		return evictable
	}
	victimID, ok := bp.policy.Evict(isEvictable)
	if !ok {
		return -1, core.New(core.KindResourceExhausted, fmt.Sprintf("buffer pool exhausted: all %d frames pinned", len(bp.frames)))
	}
	idx, ok := bp.lookup(victimID)
	if !ok {
		return -1, fmt.Errorf("buffer pool: eviction policy chose unresident page %d", victimID)
	}
	f := bp.frames[idx]
	f.mu.Lock()
	dirty := f.dirty
	pageLSN := f.pageLSN
	pageID := f.pageID
	f.mu.Unlock()
	if dirty {
		if bp.wal != nil {
			if err := bp.wal.FlushThrough(pageLSN); err != nil {
				return -1, fmt.Errorf("write-ahead flush before evicting page %d: %w", pageID, err)
			}
		}
		if err := bp.disk.WritePage(pageID, f.buf); err != nil {
			return -1, fmt.Errorf("flush page %d on eviction: %w", pageID, err)
		}
	}
	bp.removeMapping(victimID)
	bp.policy.RecordRemoval(victimID)
	f.mu.Lock()
	f.valid = false
	f.dirty = false
	f.buf = nil
	f.mu.Unlock()
	return idx, nil
}

// Unpin releases a pin acquired via Pin/NewPage. If dirty is true, or the
// handle already carries dirty bytes from SetPageLSN, the frame remains
// marked dirty for a future flush.
func (bp *BufferPool) Unpin(pp *PinnedPage, dirty bool) error {
	f := pp.f
	f.mu.Lock()
	if dirty {
		f.dirty = true
	}
	n := atomic.AddInt32(&f.pinCount, -1)
	f.mu.Unlock()
	if n < 0 {
		return fmt.Errorf("unpin %d: pin count went negative", pp.PageID())
	}
	return nil
}

// FlushPage writes a dirty page back to the Disk Manager, first flushing
// the WAL through its page-LSN (WAL-before-page). No-op if the page is
// clean or not resident.
func (bp *BufferPool) FlushPage(id PageID) error {
	idx, ok := bp.lookup(id)
	if !ok {
		return nil
	}
	f := bp.frames[idx]
	f.mu.Lock()
	if !f.valid || f.pageID != id || !f.dirty {
		f.mu.Unlock()
		return nil
	}
	pageLSN := f.pageLSN
	buf := f.buf
	f.mu.Unlock()

	if bp.wal != nil {
		if err := bp.wal.FlushThrough(pageLSN); err != nil {
			return fmt.Errorf("write-ahead flush before writing page %d: %w", id, err)
		}
	}
	if err := bp.disk.WritePage(id, buf); err != nil {
		return fmt.Errorf("flush page %d: %w", id, err)
	}
	f.mu.Lock()
	if f.pageID == id {
		f.dirty = false
	}
	f.mu.Unlock()
	return nil
}

// FlushAll flushes every currently dirty resident page.
func (bp *BufferPool) FlushAll() error {
	bp.evictionMu.Lock()
	var ids []PageID
	for _, f := range bp.frames {
		f.mu.Lock()
		if f.valid && f.dirty {
			ids = append(ids, f.pageID)
		}
		f.mu.Unlock()
	}
	bp.evictionMu.Unlock()
	for _, id := range ids {
		if err := bp.FlushPage(id); err != nil {
			return err
		}
	}
	if err := bp.disk.Fsync(); err != nil {
		return fmt.Errorf("fsync data file: %w", err)
	}
	return nil
}

// DeletePage removes a page from the pool and releases its id back to the
// Disk Manager's free-list. The page must be unpinned and not currently
// resident-and-pinned by anyone.
func (bp *BufferPool) DeletePage(id PageID) error {
	bp.evictionMu.Lock()
	if idx, ok := bp.lookup(id); ok {
		f := bp.frames[idx]
		f.mu.Lock()
		if atomic.LoadInt32(&f.pinCount) > 0 {
			f.mu.Unlock()
			bp.evictionMu.Unlock()
			return fmt.Errorf("delete page %d: still pinned", id)
		}
		f.valid = false
		f.dirty = false
		f.buf = nil
		f.mu.Unlock()
		bp.removeMapping(id)
		bp.policy.RecordRemoval(id)
		bp.free = append(bp.free, idx)
	}
	bp.evictionMu.Unlock()
	bp.disk.DeallocatePage(id)
	return nil
}

// Prefetch enqueues a page to be read into the pool asynchronously. Drops
// the request (logging if Verbose) rather than blocking the caller when the
// bounded queue is full.
func (bp *BufferPool) Prefetch(id PageID) {
	if atomic.LoadInt32(&bp.closed) != 0 {
		return
	}
	select {
	case bp.prefetchCh <- id:
	default:
		if bp.config.Verbose {
			log.Printf("pager: prefetch queue full, dropping page %d", id)
		}
	}
}

func (bp *BufferPool) prefetchLoop() {
	defer bp.wg.Done()
	for {
		select {
		case <-bp.stopCh:
			return
		case id := <-bp.prefetchCh:
			if _, ok := bp.lookup(id); ok {
				continue
			}
			pp, err := bp.Pin(id)
			if err != nil {
				if bp.config.Verbose {
					log.Printf("pager: prefetch of page %d failed: %v", id, err)
				}
				continue
			}
			_ = bp.Unpin(pp, false)
		}
	}
}

func (bp *BufferPool) flusherLoop(interval time.Duration) {
	defer bp.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-bp.stopCh:
			return
		case <-t.C:
			if err := bp.FlushAll(); err != nil && bp.config.Verbose {
				log.Printf("pager: background flush failed: %v", err)
			}
		}
	}
}

// DirtyPages snapshots the current dirty-page table, for use as a fuzzy
// checkpoint's dirty-page-table payload. RecLSN is the frame's current
// page-LSN, the most recent LSN recorded for the page, which is at or after
// the LSN that first dirtied it; the first-dirtying LSN is not tracked.
func (bp *BufferPool) DirtyPages() []DirtyPageEntry {
	bp.evictionMu.Lock()
	defer bp.evictionMu.Unlock()
	var out []DirtyPageEntry
	for _, f := range bp.frames {
		f.mu.Lock()
		if f.valid && f.dirty {
			out = append(out, DirtyPageEntry{PageID: f.pageID, RecLSN: f.pageLSN})
		}
		f.mu.Unlock()
	}
	return out
}

// Close stops background goroutines and flushes all dirty pages.
func (bp *BufferPool) Close() error {
	if !atomic.CompareAndSwapInt32(&bp.closed, 0, 1) {
		return nil
	}
	close(bp.stopCh)
	bp.wg.Wait()
	return bp.FlushAll()
}

package pager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager — storage-core orchestrator
// ───────────────────────────────────────────────────────────────────────────
//
// Pager wires together the Disk Manager, Buffer Pool Manager, WAL, and
// Recovery Manager, and owns the on-disk superblock. It is the storage
// core's entry point; the transaction manager sits above it and supplies
// the active-transaction list each fuzzy checkpoint needs.

// PagerConfig configures a Pager.
type PagerConfig struct {
	PageSize           int
	BufferPoolFrames   int
	EvictionPolicy     EvictionPolicyName
	LRUK               int
	WALSegmentSize     int64
	FlushInterval      time.Duration // buffer pool background flush period
	CheckpointInterval time.Duration // 0 disables automatic checkpoints
	Verbose            bool
}

// DefaultPagerConfig returns sane defaults for a new database.
func DefaultPagerConfig() PagerConfig {
	return PagerConfig{
		PageSize:           DefaultPageSize,
		BufferPoolFrames:   1024,
		EvictionPolicy:     EvictionCLOCK,
		LRUK:               2,
		WALSegmentSize:     DefaultSegmentSize,
		FlushInterval:      2 * time.Second,
		CheckpointInterval: 30 * time.Second,
	}
}

// ActiveTxnsFunc supplies the transaction manager's current active
// transaction ids, for checkpoint payloads. Nil means "report none", which
// is correct only when no transaction manager is attached yet.
type ActiveTxnsFunc func() []TxID

// DefaultWALDir derives a conventional WAL segment directory from a data
// file path.
func DefaultWALDir(dataPath string) string {
	return dataPath + ".wal"
}

// Pager is the storage-core facade: Open/Close, checkpointing, and plain
// accessors to the Disk Manager, Buffer Pool, and WAL for the layers above.
type Pager struct {
	mu sync.Mutex

	dataPath string
	walDir   string
	cfg      PagerConfig

	disk     *DiskManager
	wal      *WAL
	pool     *BufferPool
	recovery *RecoveryManager
	sb       *Superblock

	activeTxns ActiveTxnsFunc

	cron              *cron.Cron
	checkpointEntryID cron.EntryID
	closed            bool
}

// Open opens (creating if necessary) a database at dataPath with its WAL
// segments under walDir, running crash recovery if the file already
// existed.
func Open(dataPath, walDir string, cfg PagerConfig) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.BufferPoolFrames == 0 {
		cfg.BufferPoolFrames = 1024
	}

	disk, isNew, err := OpenDiskManager(dataPath, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		dataPath: dataPath,
		walDir:   walDir,
		cfg:      cfg,
		disk:     disk,
	}

	if isNew {
		p.sb = NewSuperblock(uint32(cfg.PageSize))
		if err := p.writeSuperblock(); err != nil {
			disk.Close()
			return nil, err
		}
		if err := disk.Fsync(); err != nil {
			disk.Close()
			return nil, err
		}
	} else {
		buf, err := disk.ReadPage(0)
		if err != nil {
			disk.Close()
			return nil, fmt.Errorf("read superblock: %w", err)
		}
		sb, err := UnmarshalSuperblock(buf)
		if err != nil {
			disk.Close()
			return nil, fmt.Errorf("parse superblock: %w", err)
		}
		p.sb = sb
	}

	if err := disk.SeedFreeList(p.sb.FreeListRoot, p.sb.NextPageID); err != nil {
		disk.Close()
		return nil, fmt.Errorf("seed free list: %w", err)
	}

	wal, err := OpenWAL(walDir, cfg.WALSegmentSize)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	p.wal = wal
	p.recovery = NewRecoveryManager(disk, wal)

	if !isNew {
		report, err := p.recovery.Recover()
		if err != nil {
			wal.Close()
			disk.Close()
			return nil, fmt.Errorf("recovery: %w", err)
		}
		if cfg.Verbose {
			log.Printf("pager: recovery complete: redone=%d undone=%d rolled_back=%v",
				report.RecordsRedone, report.RecordsUndone, report.RolledBack)
		}
		p.sb.CheckpointLSN = wal.DurableLSN()
		p.sb.NextPageID = disk.NextPageID()
		if err := p.writeSuperblock(); err != nil {
			wal.Close()
			disk.Close()
			return nil, err
		}
		if err := disk.Fsync(); err != nil {
			wal.Close()
			disk.Close()
			return nil, err
		}
	}

	pool, err := NewBufferPool(disk, wal, BufferPoolConfig{
		NumFrames:         cfg.BufferPoolFrames,
		Policy:            cfg.EvictionPolicy,
		LRUK:              cfg.LRUK,
		FlushInterval:     cfg.FlushInterval,
		PrefetchQueueSize: maxPrefetchQueue,
		Verbose:           cfg.Verbose,
	})
	if err != nil {
		wal.Close()
		disk.Close()
		return nil, err
	}
	p.pool = pool

	if cfg.CheckpointInterval > 0 {
		loc, _ := time.LoadLocation("UTC")
		p.cron = cron.New(cron.WithLocation(loc))
		spec := fmt.Sprintf("@every %s", cfg.CheckpointInterval)
		entryID, err := p.cron.AddFunc(spec, func() {
			if err := p.Checkpoint(); err != nil && cfg.Verbose {
				log.Printf("pager: periodic checkpoint failed: %v", err)
			}
		})
		if err != nil {
			pool.Close()
			wal.Close()
			disk.Close()
			return nil, fmt.Errorf("schedule checkpoint: %w", err)
		}
		p.checkpointEntryID = entryID
		p.cron.Start()
	}

	return p, nil
}

// SetActiveTxnsFunc wires the transaction manager's active-transaction
// reporter in, so future checkpoints carry a real transaction table
// snapshot instead of an empty one.
func (p *Pager) SetActiveTxnsFunc(f ActiveTxnsFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTxns = f
}

// DiskManager returns the underlying Disk Manager.
func (p *Pager) DiskManager() *DiskManager { return p.disk }

// WAL returns the underlying write-ahead log.
func (p *Pager) WAL() *WAL { return p.wal }

// BufferPool returns the underlying Buffer Pool Manager.
func (p *Pager) BufferPool() *BufferPool { return p.pool }

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.cfg.PageSize }

// Superblock returns a copy of the current in-memory superblock.
func (p *Pager) Superblock() Superblock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.sb
}

func (p *Pager) writeSuperblock() error {
	buf := MarshalSuperblock(p.sb, p.cfg.PageSize)
	return p.disk.WritePage(0, buf)
}

// Checkpoint performs a fuzzy checkpoint: record a WAL CheckpointBegin/
// CheckpointEnd pair bracketing the current transaction and dirty-page
// tables, flush the buffer pool's dirty pages, persist the superblock, and
// truncate WAL segments no longer needed for recovery.
//
// No quiescence is required — transactions may keep running throughout.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var active []TxID
	if p.activeTxns != nil {
		active = p.activeTxns()
	}
	dirty := p.pool.DirtyPages()

	beginLSN, err := p.recovery.Checkpoint(active, dirty)
	if err != nil {
		return err
	}

	if err := p.pool.FlushAll(); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}

	p.sb.CheckpointLSN = beginLSN
	p.sb.NextPageID = p.disk.NextPageID()
	if err := p.writeSuperblock(); err != nil {
		return err
	}
	if err := p.disk.Fsync(); err != nil {
		return err
	}

	// Safe truncation point: no earlier than any dirty page's recLSN
	// captured in this checkpoint's snapshot, and never past beginLSN
	// itself (CheckpointEnd's snapshot is only valid back to there).
	truncateBefore := beginLSN
	for _, dp := range dirty {
		if dp.RecLSN != InvalidLSN && dp.RecLSN < truncateBefore {
			truncateBefore = dp.RecLSN
		}
	}
	if err := p.wal.Truncate(truncateBefore); err != nil && p.cfg.Verbose {
		log.Printf("pager: WAL truncation after checkpoint failed: %v", err)
	}
	return nil
}

// flushFreeList persists the in-memory free set to free-list pages and
// updates the superblock's FreeListRoot. Called from Close.
func (p *Pager) flushFreeList() error {
	head, pages := p.disk.FreeManager().FlushToDisk(p.cfg.PageSize, func() (PageID, []byte) {
		id := p.disk.AllocatePage()
		return id, make([]byte, p.cfg.PageSize)
	})
	for _, buf := range pages {
		hdr := UnmarshalHeader(buf)
		if err := p.disk.WritePage(hdr.ID, buf); err != nil {
			return err
		}
	}
	p.sb.FreeListRoot = head
	return nil
}

// Close flushes all dirty pages, persists the superblock and free-list,
// and closes the WAL and data file. Stops the checkpoint scheduler first.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cron != nil {
		ctx := p.cron.Stop()
		<-ctx.Done()
	}

	if err := p.pool.Close(); err != nil {
		return fmt.Errorf("close buffer pool: %w", err)
	}

	p.mu.Lock()
	if err := p.flushFreeList(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("flush free list: %w", err)
	}
	p.sb.CheckpointLSN = p.wal.DurableLSN()
	p.sb.NextPageID = p.disk.NextPageID()
	if err := p.writeSuperblock(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if err := p.disk.Fsync(); err != nil {
		return fmt.Errorf("final fsync: %w", err)
	}
	if err := p.wal.Close(); err != nil {
		return fmt.Errorf("close WAL: %w", err)
	}
	return p.disk.Close()
}

// Path returns the data file path.
func (p *Pager) Path() string { return p.dataPath }

// WALDir returns the WAL segment directory.
func (p *Pager) WALDir() string { return p.walDir }

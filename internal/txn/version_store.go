// Package txn implements the Transaction Manager: the Version Store (MVCC),
// Lock Manager, Deadlock Detector, and the transaction state machine that
// coordinates them. It sits above internal/pager the way the teacher's
// internal/storage package sits above internal/storage/pager: the pager
// never imports txn, and every version this package holds lives in a
// pager-managed page, addressed only through the Buffer Pool's Pin/Unpin
// contract and durable only through the Pager's own WAL.
package txn

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/ids"
	"github.com/SimonWaldherr/tinykv/internal/pager"
)

const numVersionShards = 16

// Version is one entry in a per-key chain: who wrote it, when it became
// visible, whether it represents a delete, and its payload. pageID/slot name
// the slotted-page record this version is physically stored in; payload and
// overflow cache the on-page encoding of Value so commit-time stamping can
// re-serialize without re-deriving it.
type Version struct {
	TxnID    ids.TransactionID
	CommitTS ids.Timestamp // InvalidTimestamp until the writer commits
	Deleted  bool
	Value    core.Value
	Next     *Version // older version in the chain, nil at the tail

	pageID   ids.PageID
	slot     int
	payload  []byte
	overflow bool
}

// versionChain is the mutable per-key state: the newest-first linked list
// plus the short-lived lock that serializes writers on this one key. The
// lock is held across each write/commit/abort/gc splice's page I/O, since
// that I/O is itself in-memory-buffered (no fsync) and bounded.
type versionChain struct {
	mu   sync.Mutex
	key  string
	head *Version
}

type versionShard struct {
	mu     sync.Mutex
	chains map[string]*versionChain
}

func shardIndexForKey(key string) int {
	h := fnv32(key)
	return int(h) % numVersionShards
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Store is the Version Store (§4.6): a sharded map of per-key version
// chains, supporting write/read/delete under MVCC and commit/abort/gc over
// the versions a transaction produced. Every mutation is durably logged as
// a whole-page-image record through wal before the in-memory chain is
// updated, so a crash at any point leaves the pager's own ARIES recovery
// able to redo or undo it like any other page write.
type Store struct {
	shards [numVersionShards]*versionShard

	// writers tracks, per transaction, the chains it has appended an
	// uncommitted version to, so commit/abort can find them in O(write-set)
	// instead of scanning every shard.
	writersMu sync.Mutex
	writers   map[ids.TransactionID][]*versionChain

	pool     *pager.BufferPool
	wal      *pager.WAL
	disk     *pager.DiskManager
	pageSize int

	// pageMu serializes all page-content mutations (insert/update/delete,
	// on every heap and overflow page, not just curPage). A single page
	// latch rather than per-page latches: simpler, and every mutation here
	// is in-memory buffered WAL + buffer-pool work, never an fsync, so the
	// serialization point is cheap to hold.
	pageMu  sync.Mutex
	curPage *pager.PinnedPage // open heap page accepting new records; nil if none yet
}

// NewStore constructs a Version Store over pool (for all page access), wal
// (for durability), and disk (consulted only for NextPageID's recovery scan
// bound; all page reads still go through pool).
func NewStore(pool *pager.BufferPool, wal *pager.WAL, disk *pager.DiskManager, pageSize int) *Store {
	s := &Store{
		writers:  make(map[ids.TransactionID][]*versionChain),
		pool:     pool,
		wal:      wal,
		disk:     disk,
		pageSize: pageSize,
	}
	for i := range s.shards {
		s.shards[i] = &versionShard{chains: make(map[string]*versionChain)}
	}
	return s
}

func (s *Store) shardFor(key string) *versionShard {
	return s.shards[shardIndexForKey(key)]
}

// chainFor returns the chain for key, creating it if absent.
func (s *Store) chainFor(key string) *versionChain {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.chains[key]
	if !ok {
		c = &versionChain{key: key}
		sh.chains[key] = c
	}
	return c
}

func (s *Store) recordWriter(txn ids.TransactionID, c *versionChain) {
	s.writersMu.Lock()
	s.writers[txn] = append(s.writers[txn], c)
	s.writersMu.Unlock()
}

// ───────────────────────────────────────────────────────────────────────────
// On-page record encoding
// ───────────────────────────────────────────────────────────────────────────
//
// Wire format: TxnID(u64) CommitTS(u64) Deleted(byte) Overflow(byte)
// KeyLen(u32) Key ValuePayload. ValuePayload is either the core.Marshal
// encoding of Value directly, or (when Overflow==1) an 8-byte overflow-chain
// head PageID. No next-version pointer is kept on the page: recovery
// rebuilds chain order from each surviving record's own CommitTS instead of
// following links, so a chain never needs an update just because a newer
// version was prepended elsewhere.

func encodeVersionRecord(key string, v *Version) []byte {
	kb := []byte(key)
	buf := make([]byte, 0, 22+len(kb)+len(v.payload))
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(v.TxnID))
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(v.CommitTS))
	buf = append(buf, tmp8[:]...)
	if v.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if v.overflow {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(kb)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, kb...)
	buf = append(buf, v.payload...)
	return buf
}

func decodeVersionRecord(data []byte) (key string, txn ids.TransactionID, commitTS ids.Timestamp, deleted, overflow bool, payload []byte, err error) {
	const fixed = 8 + 8 + 1 + 1 + 4
	if len(data) < fixed {
		return "", 0, 0, false, false, nil, core.New(core.KindCorruption, "version record shorter than its fixed header")
	}
	txn = ids.TransactionID(binary.LittleEndian.Uint64(data[0:8]))
	commitTS = ids.Timestamp(binary.LittleEndian.Uint64(data[8:16]))
	deleted = data[16] != 0
	overflow = data[17] != 0
	klen := binary.LittleEndian.Uint32(data[18:22])
	if uint64(len(data)-fixed) < uint64(klen) {
		return "", 0, 0, false, false, nil, core.New(core.KindCorruption, "version record truncated key")
	}
	key = string(data[fixed : fixed+int(klen)])
	payload = data[fixed+int(klen):]
	return key, txn, commitTS, deleted, overflow, payload, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Page-mutation primitives
// ───────────────────────────────────────────────────────────────────────────

// appendPageImage durably logs a whole-page before/after image for pp to the
// shared WAL (the same stream carrying this transaction's Begin/Commit/
// Abort records), then marks pp dirty with the assigned LSN. Logged as
// RecordUpdate rather than RecordInsert deliberately: ARIES undo in this
// implementation only physically reverts Update/Delete records via their
// Before image, so every reversible mutation here must be an Update.
func (s *Store) appendPageImage(txn ids.TransactionID, prevLSN ids.LSN, pp *pager.PinnedPage, before, after []byte) (ids.LSN, error) {
	lsn, err := s.wal.Append(&pager.Record{
		TxnID:   pager.TxID(txn),
		PrevLSN: pager.LSN(prevLSN),
		Type:    pager.RecordUpdate,
		PageID:  pp.PageID(),
		Offset:  0,
		Before:  before,
		After:   after,
	})
	if err != nil {
		return prevLSN, core.Wrap(core.KindIo, "append version page wal record", err)
	}
	pp.SetPageLSN(pager.LSN(lsn))
	return ids.LSN(lsn), nil
}

func (s *Store) openNewHeapPageLocked() error {
	_, pp, err := s.pool.NewPage(pager.PageTypeHeap)
	if err != nil {
		return core.Wrap(core.KindResourceExhausted, "allocate heap page for version store", err)
	}
	pager.InitSlottedPage(pp.Bytes(), pager.PageTypeHeap, pp.PageID())
	s.curPage = pp
	return nil
}

func (s *Store) rotateHeapPageLocked() error {
	old := s.curPage
	if old != nil {
		if err := s.pool.Unpin(old, true); err != nil {
			return core.Wrap(core.KindIo, "unpin exhausted heap page", err)
		}
	}
	return s.openNewHeapPageLocked()
}

// tryInsertLocked inserts data into s.curPage, rotating to a fresh page once
// if it doesn't fit. Must be called with pageMu held.
func (s *Store) tryInsertLocked(data []byte) (ids.PageID, int, []byte, []byte, error) {
	if s.curPage == nil {
		if err := s.openNewHeapPageLocked(); err != nil {
			return ids.InvalidPageID, 0, nil, nil, err
		}
	}
	sp := pager.WrapSlottedPage(s.curPage.Bytes())
	before := append([]byte(nil), s.curPage.Bytes()...)
	slot, err := sp.InsertRecord(data)
	if err != nil {
		if err := s.rotateHeapPageLocked(); err != nil {
			return ids.InvalidPageID, 0, nil, nil, err
		}
		sp = pager.WrapSlottedPage(s.curPage.Bytes())
		before = append([]byte(nil), s.curPage.Bytes()...)
		slot, err = sp.InsertRecord(data)
		if err != nil {
			return ids.InvalidPageID, 0, nil, nil, core.Wrap(core.KindResourceExhausted, "version record exceeds heap page capacity", err)
		}
	}
	after := append([]byte(nil), sp.Bytes()...)
	return s.curPage.PageID(), slot, before, after, nil
}

// insertRecord appends data as a brand new record, durably logging its page
// mutation, and returns where it landed plus the LSN that logged it.
func (s *Store) insertRecord(txn ids.TransactionID, prevLSN ids.LSN, data []byte) (ids.PageID, int, ids.LSN, error) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	pid, slot, before, after, err := s.tryInsertLocked(data)
	if err != nil {
		return ids.InvalidPageID, 0, prevLSN, err
	}
	lsn, err := s.appendPageImage(txn, prevLSN, s.curPage, before, after)
	if err != nil {
		return ids.InvalidPageID, 0, prevLSN, err
	}
	return pid, slot, lsn, nil
}

// pinForWriteLocked returns a pinned handle to pid plus a release func.
// Reuses s.curPage directly when pid is already its current bump-allocated
// page, rather than pinning it a second time. Must be called with pageMu
// held.
func (s *Store) pinForWriteLocked(pid ids.PageID) (*pager.PinnedPage, func(), error) {
	if s.curPage != nil && s.curPage.PageID() == pid {
		return s.curPage, func() {}, nil
	}
	pp, err := s.pool.Pin(pid)
	if err != nil {
		return nil, nil, core.Wrap(core.KindIo, "pin version page", err)
	}
	return pp, func() { _ = s.pool.Unpin(pp, true) }, nil
}

// rewriteRecord replaces the record at (pid,slot) with data in place,
// durably logging the whole-page image before marking the frame dirty. Used
// both to re-stamp a version's own uncommitted head in place and to stamp
// CommitTS at commit time.
func (s *Store) rewriteRecord(txn ids.TransactionID, prevLSN ids.LSN, pid ids.PageID, slot int, data []byte) (ids.LSN, error) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	pp, release, err := s.pinForWriteLocked(pid)
	if err != nil {
		return prevLSN, err
	}
	defer release()

	before := append([]byte(nil), pp.Bytes()...)
	sp := pager.WrapSlottedPage(pp.Bytes())
	if err := sp.UpdateRecord(slot, data); err != nil {
		return prevLSN, core.Wrap(core.KindResourceExhausted, "update version record", err)
	}
	after := append([]byte(nil), sp.Bytes()...)
	return s.appendPageImage(txn, prevLSN, pp, before, after)
}

// tombstone marks (pid,slot) deleted, durably logging the whole-page image.
// Used by Abort (undoing a live write immediately rather than only at crash
// recovery) and by GC (reclaiming superseded versions).
func (s *Store) tombstone(txn ids.TransactionID, prevLSN ids.LSN, pid ids.PageID, slot int) (ids.LSN, error) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	pp, release, err := s.pinForWriteLocked(pid)
	if err != nil {
		return prevLSN, err
	}
	defer release()

	before := append([]byte(nil), pp.Bytes()...)
	sp := pager.WrapSlottedPage(pp.Bytes())
	if err := sp.DeleteRecord(slot); err != nil {
		return prevLSN, core.Wrap(core.KindCorruption, "tombstone version record", err)
	}
	after := append([]byte(nil), sp.Bytes()...)
	return s.appendPageImage(txn, prevLSN, pp, before, after)
}

// writeOverflowChain stores data across as many overflow pages as needed,
// chaining NextOverflow pointers, each page write durably logged in turn.
// Returns the head page id and the advanced LSN cursor.
func (s *Store) writeOverflowChain(txn ids.TransactionID, prevLSN ids.LSN, data []byte) (ids.PageID, ids.LSN, error) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	capacity := pager.OverflowCapacity(s.pageSize)
	var headID ids.PageID
	var prevPage *pager.PinnedPage
	offset := 0
	for {
		_, pp, err := s.pool.NewPage(pager.PageTypeOverflow)
		if err != nil {
			return ids.InvalidPageID, prevLSN, core.Wrap(core.KindResourceExhausted, "allocate overflow page", err)
		}
		id := pp.PageID()
		before := append([]byte(nil), pp.Bytes()...)
		op := pager.InitOverflowPage(pp.Bytes(), id)
		end := offset + capacity
		if end > len(data) {
			end = len(data)
		}
		if err := op.SetData(data[offset:end]); err != nil {
			_ = s.pool.Unpin(pp, false)
			return ids.InvalidPageID, prevLSN, core.Wrap(core.KindCorruption, "write overflow chunk", err)
		}
		after := append([]byte(nil), op.Bytes()...)
		lsn, err := s.appendPageImage(txn, prevLSN, pp, before, after)
		if err != nil {
			_ = s.pool.Unpin(pp, false)
			return ids.InvalidPageID, prevLSN, err
		}
		prevLSN = lsn
		if headID == ids.InvalidPageID {
			headID = id
		}

		if prevPage != nil {
			pb := append([]byte(nil), prevPage.Bytes()...)
			opPrev := pager.WrapOverflowPage(prevPage.Bytes())
			opPrev.SetNextOverflow(id)
			pa := append([]byte(nil), opPrev.Bytes()...)
			lsn2, err := s.appendPageImage(txn, prevLSN, prevPage, pb, pa)
			_ = s.pool.Unpin(prevPage, true)
			if err != nil {
				_ = s.pool.Unpin(pp, false)
				return ids.InvalidPageID, prevLSN, err
			}
			prevLSN = lsn2
		}
		prevPage = pp
		offset = end
		if offset >= len(data) {
			break
		}
	}
	_ = s.pool.Unpin(prevPage, true)
	return headID, prevLSN, nil
}

func (s *Store) readOverflow(head ids.PageID) ([]byte, error) {
	var out []byte
	for id := head; id != ids.InvalidPageID; {
		pp, err := s.pool.Pin(id)
		if err != nil {
			return nil, core.Wrap(core.KindIo, "pin overflow page", err)
		}
		op := pager.WrapOverflowPage(pp.Bytes())
		out = append(out, op.Data()...)
		next := op.NextOverflow()
		_ = s.pool.Unpin(pp, false)
		id = next
	}
	return out, nil
}

// storeValuePayload marshals v and, if it exceeds OverflowThreshold, routes
// it through an overflow-page chain instead of inlining it. Returns the
// inline payload bytes (either the marshaled value or the 8-byte overflow
// head id) and whether overflow was used.
func (s *Store) storeValuePayload(txn ids.TransactionID, prevLSN ids.LSN, v core.Value) ([]byte, bool, ids.LSN, error) {
	raw, err := core.Marshal(nil, v)
	if err != nil {
		return nil, false, prevLSN, core.Wrap(core.KindInvalidState, "marshal version value", err)
	}
	if len(raw) <= pager.OverflowThreshold {
		return raw, false, prevLSN, nil
	}
	head, lsn, err := s.writeOverflowChain(txn, prevLSN, raw)
	if err != nil {
		return nil, false, prevLSN, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(head))
	return buf, true, lsn, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Public MVCC surface
// ───────────────────────────────────────────────────────────────────────────

// write prepends (or, for a transaction replacing its own uncommitted head,
// overwrites in place) a version for key authored by txn. It fails with
// core.KindConflict if another transaction already holds an uncommitted
// version for this key (first-writer-wins, per §4.6). prevLSN chains this
// write into the calling transaction's own WAL history; the returned LSN
// becomes the next call's prevLSN.
func (s *Store) write(txn ids.TransactionID, key string, v core.Value, deleted bool, prevLSN ids.LSN) (ids.LSN, error) {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head != nil && c.head.CommitTS == ids.InvalidTimestamp && c.head.TxnID != txn {
		return prevLSN, core.New(core.KindConflict, "uncommitted version held by another transaction for key "+key)
	}

	payload, overflow, lsn, err := s.storeValuePayload(txn, prevLSN, v)
	if err != nil {
		return prevLSN, err
	}
	prevLSN = lsn

	nv := &Version{TxnID: txn, Value: v, Deleted: deleted, payload: payload, overflow: overflow}

	if c.head != nil && c.head.CommitTS == ids.InvalidTimestamp && c.head.TxnID == txn {
		// txn already holds the uncommitted head for this key (e.g. a write
		// followed by a delete in the same transaction): rewrite its page
		// record in place rather than stacking a second uncommitted entry.
		nv.Next = c.head.Next
		nv.pageID, nv.slot = c.head.pageID, c.head.slot
		data := encodeVersionRecord(key, nv)
		newLSN, err := s.rewriteRecord(txn, prevLSN, nv.pageID, nv.slot, data)
		if err != nil {
			return prevLSN, err
		}
		c.head = nv
		return newLSN, nil
	}

	data := encodeVersionRecord(key, nv)
	pid, slot, newLSN, err := s.insertRecord(txn, prevLSN, data)
	if err != nil {
		return prevLSN, err
	}
	nv.pageID, nv.slot = pid, slot
	nv.Next = c.head
	c.head = nv
	s.recordWriter(txn, c)
	return newLSN, nil
}

// Write implements write(txn, key, value) per §4.6.
func (s *Store) Write(txn ids.TransactionID, key string, v core.Value, prevLSN ids.LSN) (ids.LSN, error) {
	return s.write(txn, key, v, false, prevLSN)
}

// Delete implements delete(txn, key) per §4.6: a write carrying the deleted
// flag, subject to the same first-writer-wins conflict rule.
func (s *Store) Delete(txn ids.TransactionID, key string, prevLSN ids.LSN) (ids.LSN, error) {
	return s.write(txn, key, core.Null(), true, prevLSN)
}

// Visible reports whether v is visible to a reader holding snap, or reading
// as the transaction that wrote v (own writes are always visible to
// themselves), per §3's visibility rule:
//
//	V.commit-ts <= S.snapshot-ts AND V.txn-id not in S.active
//	OR V.txn-id == reader's own
func Visible(v *Version, reader ids.TransactionID, snap Snapshot) bool {
	if v.TxnID == reader {
		return true
	}
	if v.CommitTS == ids.InvalidTimestamp {
		// still uncommitted, and not ours: never visible.
		return false
	}
	if v.CommitTS > snap.SnapshotTS {
		return false
	}
	return !snap.contains(v.TxnID)
}

// Read implements read(txn, key, snapshot) per §4.6: walk the chain
// newest-first and return the first version satisfying visibility. The
// chain's in-memory Value is always trusted directly (no page re-read on
// the hot path): it was populated either by this process's own write() or,
// after a restart, by Recover's page scan, so it never drifts from the
// on-page bytes while the chain exists.
func (s *Store) Read(txn ids.TransactionID, key string, snap Snapshot) (core.Value, bool) {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	for v := c.head; v != nil; v = v.Next {
		if Visible(v, txn, snap) {
			if v.Deleted {
				return core.Value{}, false
			}
			return v.Value, true
		}
	}
	return core.Value{}, false
}

// ReadDirty implements the ReadUncommitted path directly: the newest version
// regardless of commit state, own-write or not. Used only by transactions
// running at ReadUncommitted (§4.7's table: "no" snapshot, dirty reads
// allowed).
func (s *Store) ReadDirty(key string) (core.Value, bool) {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.Deleted {
		return core.Value{}, false
	}
	return c.head.Value, true
}

// Commit implements commit(txn, commit_ts) per §4.6: stamps commit-ts on
// every version this transaction wrote, both in memory and in the on-page
// record (so CommitTS survives a crash without depending on the logical
// Commit WAL record surviving truncation). prevLSN/return value chain this
// into the caller's own LSN history; the Transaction Manager appends the
// final Commit record after this call and flushes through its LSN, making
// every stamp written here durable together with that one fsync.
func (s *Store) Commit(txn ids.TransactionID, commitTS ids.Timestamp, prevLSN ids.LSN) (ids.LSN, error) {
	s.writersMu.Lock()
	chains := s.writers[txn]
	s.writersMu.Unlock()

	running := prevLSN
	for _, c := range chains {
		c.mu.Lock()
		if c.head != nil && c.head.TxnID == txn && c.head.CommitTS == ids.InvalidTimestamp {
			c.head.CommitTS = commitTS
			data := encodeVersionRecord(c.key, c.head)
			lsn, err := s.rewriteRecord(txn, running, c.head.pageID, c.head.slot, data)
			if err != nil {
				c.mu.Unlock()
				return running, err
			}
			running = lsn
		}
		c.mu.Unlock()
	}

	s.writersMu.Lock()
	delete(s.writers, txn)
	s.writersMu.Unlock()
	return running, nil
}

// Abort implements abort(txn) per §4.6: splices every version this
// transaction wrote out of its chain and tombstones its on-page record
// immediately, rather than waiting for a crash to trigger ARIES undo.
func (s *Store) Abort(txn ids.TransactionID, prevLSN ids.LSN) (ids.LSN, error) {
	s.writersMu.Lock()
	chains := s.writers[txn]
	delete(s.writers, txn)
	s.writersMu.Unlock()

	running := prevLSN
	var firstErr error
	for _, c := range chains {
		c.mu.Lock()
		if c.head != nil && c.head.TxnID == txn && c.head.CommitTS == ids.InvalidTimestamp {
			lsn, err := s.tombstone(txn, running, c.head.pageID, c.head.slot)
			if err != nil && firstErr == nil {
				firstErr = err
			} else if err == nil {
				running = lsn
			}
			c.head = c.head.Next
		}
		c.mu.Unlock()
	}
	return running, firstErr
}

// GC implements gc(low_water_ts) per §4.6: removes versions committed
// before lowWaterTS that are superseded by a newer visible version, never
// the newest version for a key. Safe against concurrent readers since each
// chain's splice happens under that chain's own lock, and a reader either
// observes the chain before or after the splice, never mid-mutation.
//
// GC's page tombstones are tagged under a background pseudo-transaction
// (ids.InvalidTransactionID) that never commits; a crash between a GC pass
// and the next checkpoint can therefore cause ARIES undo to resurrect an
// already-superseded version on the page. That's harmless for correctness
// (it is still a valid, merely stale, version, and the next GC pass drops
// it again) so no extra bookkeeping is spent avoiding it.
func (s *Store) GC(lowWaterTS ids.Timestamp) (removed int) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		chains := make([]*versionChain, 0, len(sh.chains))
		for _, c := range sh.chains {
			chains = append(chains, c)
		}
		sh.mu.Unlock()

		for _, c := range chains {
			c.mu.Lock()
			removed += s.gcChain(c, lowWaterTS)
			c.mu.Unlock()
		}
	}
	return removed
}

// gcChain keeps every version from the head down to and including the
// newest committed version at or below lowWaterTS, and trims everything
// older: no snapshot at or above lowWaterTS can see past that version. The
// newest version is never removed even if it alone is older than
// lowWaterTS, per §4.6.
func (s *Store) gcChain(c *versionChain, lowWaterTS ids.Timestamp) int {
	if c.head == nil {
		return 0
	}
	var boundary *Version
	for v := c.head; v != nil; v = v.Next {
		if v.CommitTS != ids.InvalidTimestamp && v.CommitTS <= lowWaterTS {
			boundary = v
			break
		}
	}
	if boundary == nil {
		return 0
	}
	removed := 0
	var lsn ids.LSN
	for v := boundary.Next; v != nil; v = v.Next {
		if l, err := s.tombstone(ids.InvalidTransactionID, lsn, v.pageID, v.slot); err == nil {
			lsn = l
		}
		removed++
	}
	boundary.Next = nil
	return removed
}

// CommittedAfter reports whether key has a version committed strictly
// after ts by a transaction other than exclude. Used by the Transaction
// Manager's SnapshotIsolation/Serializable commit validation to implement
// first-committer-wins (§4.7).
func (s *Store) CommittedAfter(key string, ts ids.Timestamp, exclude ids.TransactionID) bool {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	for v := c.head; v != nil; v = v.Next {
		if v.TxnID == exclude {
			continue
		}
		if v.CommitTS != ids.InvalidTimestamp && v.CommitTS > ts {
			return true
		}
	}
	return false
}

// Keys returns every key with at least one version, in no particular
// order. Used by Scan to build its finite key range before resolving
// visibility per key.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.chains {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	return keys
}

// Recover rebuilds the Version Store's in-memory chains by scanning every
// heap page. It must run after the Pager's own ARIES recovery has already
// made page bytes consistent (redone in full, with every non-committed
// transaction's mutations physically undone), so every record this scan
// finds belongs to a transaction that genuinely committed; its CommitTS,
// stamped into the record at commit time, needs no separate WAL lookup to
// trust. Chain order (newest first) is rebuilt by sorting recovered
// versions by CommitTS rather than by following any on-page link, since
// none is kept.
func (s *Store) Recover() error {
	next := s.disk.NextPageID()
	type found struct {
		v   *Version
		key string
	}
	var all []found
	for pid := ids.PageID(1); pid < next; pid++ {
		pp, err := s.pool.Pin(pid)
		if err != nil {
			continue // freed or never-written page id
		}
		hdr := pager.UnmarshalHeader(pp.Bytes())
		if hdr.Type != pager.PageTypeHeap {
			_ = s.pool.Unpin(pp, false)
			continue
		}
		sp := pager.WrapSlottedPage(pp.Bytes())
		for slot := 0; slot < sp.SlotCount(); slot++ {
			rec := sp.GetRecord(slot)
			if rec == nil {
				continue
			}
			key, txn, commitTS, deleted, overflow, payload, err := decodeVersionRecord(rec)
			if err != nil || commitTS == ids.InvalidTimestamp {
				continue // corrupt, or a not-yet-committed leftover recovery chose not to undo
			}
			valueBytes := payload
			if overflow {
				if len(payload) < 8 {
					continue
				}
				head := ids.PageID(binary.LittleEndian.Uint64(payload))
				valueBytes, err = s.readOverflow(head)
				if err != nil {
					continue
				}
			}
			value, _, err := core.Unmarshal(valueBytes)
			if err != nil {
				continue
			}
			v := &Version{
				TxnID: txn, CommitTS: commitTS, Deleted: deleted, Value: value,
				pageID: pid, slot: slot, payload: payload, overflow: overflow,
			}
			all = append(all, found{v: v, key: key})
		}
		_ = s.pool.Unpin(pp, false)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].v.CommitTS < all[j].v.CommitTS })
	for _, f := range all {
		c := s.chainFor(f.key)
		c.mu.Lock()
		f.v.Next = c.head
		c.head = f.v
		c.mu.Unlock()
	}
	return nil
}

// MaxRecoveredState scans the same heap pages Recover does and reports the
// highest TxnID and CommitTS observed, so the Transaction Manager can
// reseed its monotonic counters and never hand out an id or timestamp that
// collides with (or undercuts) one already durable on disk.
func (s *Store) MaxRecoveredState() (ids.TransactionID, ids.Timestamp, error) {
	next := s.disk.NextPageID()
	var maxTxn ids.TransactionID
	var maxTS ids.Timestamp
	for pid := ids.PageID(1); pid < next; pid++ {
		pp, err := s.pool.Pin(pid)
		if err != nil {
			continue
		}
		hdr := pager.UnmarshalHeader(pp.Bytes())
		if hdr.Type != pager.PageTypeHeap {
			_ = s.pool.Unpin(pp, false)
			continue
		}
		sp := pager.WrapSlottedPage(pp.Bytes())
		for slot := 0; slot < sp.SlotCount(); slot++ {
			rec := sp.GetRecord(slot)
			if rec == nil {
				continue
			}
			_, txn, commitTS, _, _, _, err := decodeVersionRecord(rec)
			if err != nil {
				continue
			}
			if txn > maxTxn {
				maxTxn = txn
			}
			if commitTS > maxTS {
				maxTS = commitTS
			}
		}
		_ = s.pool.Unpin(pp, false)
	}
	return maxTxn, maxTS, nil
}

// ChainLength reports the number of versions currently held for key,
// exposed so callers can enforce §7's "version chain length before forced
// GC" bound.
func (s *Store) ChainLength(key string) int {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for v := c.head; v != nil; v = v.Next {
		n++
	}
	return n
}

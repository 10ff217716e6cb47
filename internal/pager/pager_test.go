package pager

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPageHeader_MarshalRoundTrip(t *testing.T) {
	h := PageHeader{
		Type:      PageTypeHeap,
		ID:        PageID(99),
		LSN:       LSN(12345),
		SlotCount: 3,
		FreePtr:   4096,
	}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(&h, buf)
	h2 := UnmarshalHeader(buf)
	if h2.Type != h.Type || h2.ID != h.ID || h2.LSN != h.LSN || h2.SlotCount != h.SlotCount || h2.FreePtr != h.FreePtr {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestCRC_DetectsCorruption(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeHeap, 1)
	SetPageCRC(buf)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC error after corruption")
	}
}

func TestSuperblock_RoundTrip(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize)
	sb.FreeListRoot = PageID(10)
	sb.CheckpointLSN = LSN(999)
	sb.NextTxID = TxID(42)
	sb.NextPageID = PageID(50)
	sb.PageCount = 50
	buf := MarshalSuperblock(sb, DefaultPageSize)
	sb2, err := UnmarshalSuperblock(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sb2.FormatVersion != sb.FormatVersion {
		t.Errorf("version mismatch")
	}
	if sb2.PageSize != sb.PageSize {
		t.Errorf("pageSize mismatch")
	}
	if sb2.FreeListRoot != sb.FreeListRoot {
		t.Errorf("freeListRoot mismatch")
	}
	if sb2.CheckpointLSN != sb.CheckpointLSN {
		t.Errorf("checkpointLSN mismatch")
	}
}

func TestSuperblock_BadMagic(t *testing.T) {
	buf := MarshalSuperblock(NewSuperblock(DefaultPageSize), DefaultPageSize)
	buf[sbMagicOff] = 'X'
	SetPageCRC(buf)
	_, err := UnmarshalSuperblock(buf)
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestSuperblock_UnsupportedFeatureFlags(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize)
	sb.FeatureFlags = FeatureFlag(1 << 60)
	buf := MarshalSuperblock(sb, DefaultPageSize)
	_, err := UnmarshalSuperblock(buf)
	if err == nil {
		t.Fatal("expected error for unsupported feature flags")
	}
}

func TestSlottedPage_InsertAndGet(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	sp := InitSlottedPage(buf, PageTypeHeap, 1)
	data := []byte("hello world")
	slot, err := sp.InsertRecord(data)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got := sp.GetRecord(slot)
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q want %q", got, data)
	}
}

func TestSlottedPage_DeleteAndReuse(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	sp := InitSlottedPage(buf, PageTypeHeap, 1)
	s0, _ := sp.InsertRecord([]byte("aaa"))
	s1, _ := sp.InsertRecord([]byte("bbb"))
	_ = sp.DeleteRecord(s0)
	if !sp.IsDeleted(s0) {
		t.Fatal("slot 0 should be deleted")
	}
	if sp.LiveRecords() != 1 {
		t.Fatalf("live records: got %d want 1", sp.LiveRecords())
	}
	s2, _ := sp.InsertRecord([]byte("ccc"))
	if s2 != s0 {
		t.Fatalf("expected reuse of slot %d, got %d", s0, s2)
	}
	_ = s1
}

func TestSlottedPage_UpdateInPlace(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	sp := InitSlottedPage(buf, PageTypeHeap, 1)
	slot, _ := sp.InsertRecord([]byte("long data here!!"))
	err := sp.UpdateRecord(slot, []byte("short"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got := sp.GetRecord(slot)
	if string(got) != "short" {
		t.Fatalf("got %q want %q", got, "short")
	}
}

func TestSlottedPage_Compact(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	sp := InitSlottedPage(buf, PageTypeHeap, 1)
	sp.InsertRecord([]byte("aaaa"))
	sp.InsertRecord([]byte("bbbb"))
	sp.InsertRecord([]byte("cccc"))
	sp.DeleteRecord(1)
	sp.Compact()
	if sp.LiveRecords() != 2 {
		t.Fatalf("after compact: live=%d want 2", sp.LiveRecords())
	}
}

func TestOverflowPage_ReadWrite(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	op := InitOverflowPage(buf, 5)
	data := make([]byte, OverflowCapacity(DefaultPageSize))
	rand.Read(data)
	if err := op.SetData(data); err != nil {
		t.Fatalf("setData: %v", err)
	}
	got := op.Data()
	if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}
}

func TestOverflowPage_ExceedsCapacity(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	op := InitOverflowPage(buf, 5)
	data := make([]byte, DefaultPageSize)
	if err := op.SetData(data); err == nil {
		t.Fatal("expected error for oversized data")
	}
}

func TestFreeListPage_AddAndPop(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	fl := InitFreeListPage(buf, 7)
	fl.AddEntry(PageID(10))
	fl.AddEntry(PageID(20))
	fl.AddEntry(PageID(30))
	if fl.EntryCount() != 3 {
		t.Fatalf("entry count: got %d", fl.EntryCount())
	}
	pid := fl.PopEntry()
	if pid != PageID(30) {
		t.Fatalf("pop: got %d want 30", pid)
	}
	if fl.EntryCount() != 2 {
		t.Fatalf("entry count after pop: got %d", fl.EntryCount())
	}
}

func TestFreeManager_AllocFree(t *testing.T) {
	fm := NewFreeManager()
	fm.Free(PageID(5))
	fm.Free(PageID(10))
	if fm.Count() != 2 {
		t.Fatalf("count: got %d", fm.Count())
	}
	pid := fm.Alloc()
	if pid == InvalidPageID {
		t.Fatal("expected a page from Alloc")
	}
	if fm.Count() != 1 {
		t.Fatalf("count after alloc: got %d", fm.Count())
	}
}

func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dm, isNew, err := OpenDiskManager(filepath.Join(dir, "test.db"), DefaultPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dm.Close()
	if !isNew {
		t.Fatal("expected new data file")
	}
	id := dm.AllocatePage()
	buf := NewPage(DefaultPageSize, PageTypeHeap, id)
	copy(buf[PageHeaderSize:], []byte("payload"))
	if err := dm.WritePage(id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := dm.ReadPage(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[PageHeaderSize:PageHeaderSize+7], []byte("payload")) {
		t.Fatalf("payload mismatch: %q", got[PageHeaderSize:PageHeaderSize+7])
	}
}

func TestDiskManager_AllocDeallocReuse(t *testing.T) {
	dir := t.TempDir()
	dm, _, err := OpenDiskManager(filepath.Join(dir, "test.db"), DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer dm.Close()
	id := dm.AllocatePage()
	dm.DeallocatePage(id)
	if dm.FreePageCount() != 1 {
		t.Fatalf("free count: got %d want 1", dm.FreePageCount())
	}
	reused := dm.AllocatePage()
	if reused != id {
		t.Fatalf("expected reuse of %d, got %d", id, reused)
	}
}

func TestWAL_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(&Record{TxnID: 1, Type: RecordBegin}); err != nil {
		t.Fatalf("append begin: %v", err)
	}
	insLSN, err := w.Append(&Record{TxnID: 1, Type: RecordInsert, PageID: 5, Offset: 10, After: []byte("hi")})
	if err != nil {
		t.Fatalf("append insert: %v", err)
	}
	commitLSN, err := w.Append(&Record{TxnID: 1, Type: RecordCommit})
	if err != nil {
		t.Fatalf("append commit: %v", err)
	}
	if err := w.FlushThrough(commitLSN); err != nil {
		t.Fatalf("flush: %v", err)
	}

	recs, err := w.ReadFrom(InvalidLSN + 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records: got %d want 3", len(recs))
	}
	if recs[1].LSN != insLSN || !bytes.Equal(recs[1].After, []byte("hi")) {
		t.Fatalf("insert record mismatch: %+v", recs[1])
	}
}

func TestWAL_RotatesSegmentsOnSize(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, 256) // tiny segment size forces rotation
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for i := 0; i < 50; i++ {
		if _, err := w.Append(&Record{TxnID: TxID(i), Type: RecordBegin}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if len(w.segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(w.segments))
	}
	recs, err := w.ReadFrom(InvalidLSN + 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 50 {
		t.Fatalf("records across segments: got %d want 50", len(recs))
	}
}

func TestWAL_CorruptTailIsTolerated(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	w.Append(&Record{TxnID: 1, Type: RecordBegin})
	commitLSN, _ := w.Append(&Record{TxnID: 1, Type: RecordCommit})
	w.FlushThrough(commitLSN)
	path := w.cur.path
	w.Close()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("GARBAGE-NOT-A-RECORD"))
	f.Close()

	w2, err := OpenWAL(dir, 0)
	if err != nil {
		t.Fatalf("reopen with corrupt tail: %v", err)
	}
	defer w2.Close()
	recs, err := w2.ReadFrom(InvalidLSN + 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(recs))
	}
}

func newTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	cfg := DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.FlushInterval = 0
	cfg.BufferPoolFrames = 32
	p, err := Open(dbPath, DefaultWALDir(dbPath), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPager_PinWriteUnpinReadBack(t *testing.T) {
	p := newTestPager(t)
	bp := p.BufferPool()

	id, pp, err := bp.NewPage(PageTypeHeap)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	sp := WrapSlottedPage(pp.Bytes())
	slot, err := sp.InsertRecord([]byte("row data"))
	if err != nil {
		t.Fatal(err)
	}
	lsn, err := p.WAL().Append(&Record{TxnID: 1, Type: RecordInsert, PageID: id, Offset: 0, After: []byte("row data")})
	if err != nil {
		t.Fatal(err)
	}
	pp.SetPageLSN(lsn)
	if err := bp.Unpin(pp, true); err != nil {
		t.Fatal(err)
	}

	pp2, err := bp.Pin(id)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	sp2 := WrapSlottedPage(pp2.Bytes())
	if got := sp2.GetRecord(slot); string(got) != "row data" {
		t.Fatalf("got %q want %q", got, "row data")
	}
	bp.Unpin(pp2, false)
}

func TestPager_CheckpointThenReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	cfg := DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.BufferPoolFrames = 32
	p, err := Open(dbPath, DefaultWALDir(dbPath), cfg)
	if err != nil {
		t.Fatal(err)
	}

	bp := p.BufferPool()
	id, pp, err := bp.NewPage(PageTypeHeap)
	if err != nil {
		t.Fatal(err)
	}
	sp := WrapSlottedPage(pp.Bytes())
	sp.InsertRecord([]byte("checkpointed"))
	lsn, err := p.WAL().Append(&Record{TxnID: 1, Type: RecordInsert, PageID: id})
	if err != nil {
		t.Fatal(err)
	}
	pp.SetPageLSN(lsn)
	bp.Unpin(pp, true)

	if err := p.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(dbPath, DefaultWALDir(dbPath), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	pp2, err := p2.BufferPool().Pin(id)
	if err != nil {
		t.Fatalf("pin after reopen: %v", err)
	}
	sp2 := WrapSlottedPage(pp2.Bytes())
	if sp2.LiveRecords() != 1 {
		t.Fatalf("live records after reopen: %d want 1", sp2.LiveRecords())
	}
	p2.BufferPool().Unpin(pp2, false)
}

func TestRecovery_UncommittedTxIsUndone(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	walDir := DefaultWALDir(dbPath)

	disk, _, err := OpenDiskManager(dbPath, DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	sb := NewSuperblock(DefaultPageSize)
	if err := disk.WritePage(0, MarshalSuperblock(sb, DefaultPageSize)); err != nil {
		t.Fatal(err)
	}

	id := disk.AllocatePage()
	original := NewPage(DefaultPageSize, PageTypeHeap, id)
	copy(original[PageHeaderSize:], []byte("original-bytes"))
	SetPageCRC(original)
	if err := disk.WritePage(id, original); err != nil {
		t.Fatal(err)
	}
	disk.Fsync()

	w, err := OpenWAL(walDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	beginLSN, _ := w.Append(&Record{TxnID: 7, Type: RecordBegin})
	before := make([]byte, 14)
	copy(before, original[PageHeaderSize:PageHeaderSize+14])
	firstLSN, _ := w.Append(&Record{
		TxnID: 7, PrevLSN: beginLSN, Type: RecordUpdate, PageID: id, Offset: PageHeaderSize,
		Before: before, After: []byte("clobbered!!!!!"),
	})
	lastLSN, _ := w.Append(&Record{TxnID: 7, PrevLSN: firstLSN, Type: RecordUpdate, PageID: id, Offset: PageHeaderSize,
		Before: []byte("clobbered!!!!!"), After: []byte("double-clobber")})
	w.FlushThrough(lastLSN)
	w.Close()
	disk.Close()

	disk2, _, err := OpenDiskManager(dbPath, DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer disk2.Close()
	w2, err := OpenWAL(walDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	rm := NewRecoveryManager(disk2, w2)
	report, err := rm.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(report.RolledBack) != 1 || report.RolledBack[0] != 7 {
		t.Fatalf("expected txn 7 rolled back, got %+v", report.RolledBack)
	}
	buf, err := disk2.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[PageHeaderSize:PageHeaderSize+14], []byte("original-bytes")) {
		t.Fatalf("expected undo to restore original bytes, got %q", buf[PageHeaderSize:PageHeaderSize+14])
	}
}

func TestRecovery_CommittedTxIsRedone(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	walDir := DefaultWALDir(dbPath)

	disk, _, err := OpenDiskManager(dbPath, DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	disk.WritePage(0, MarshalSuperblock(NewSuperblock(DefaultPageSize), DefaultPageSize))
	id := disk.AllocatePage()
	disk.WritePage(id, NewPage(DefaultPageSize, PageTypeHeap, id))
	disk.Fsync()

	w, err := OpenWAL(walDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	w.Append(&Record{TxnID: 3, Type: RecordBegin})
	w.Append(&Record{TxnID: 3, Type: RecordInsert, PageID: id, Offset: PageHeaderSize, After: []byte("durable-write")})
	commitLSN, _ := w.Append(&Record{TxnID: 3, Type: RecordCommit})
	w.FlushThrough(commitLSN)
	// Simulate crash: the page buffer was never written back to disk,
	// only the WAL is durable.
	w.Close()
	disk.Close()

	disk2, _, _ := OpenDiskManager(dbPath, DefaultPageSize)
	defer disk2.Close()
	w2, err := OpenWAL(walDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	rm := NewRecoveryManager(disk2, w2)
	report, err := rm.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.RecordsRedone == 0 {
		t.Fatal("expected at least one record redone")
	}
	buf, err := disk2.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[PageHeaderSize:PageHeaderSize+13], []byte("durable-write")) {
		t.Fatalf("expected redo to apply committed write, got %q", buf[PageHeaderSize:PageHeaderSize+13])
	}
}

func TestEvictionPolicies_EvictUnpinnedOnly(t *testing.T) {
	for _, name := range []EvictionPolicyName{EvictionCLOCK, EvictionLRU, Eviction2Q, EvictionLRUK, EvictionARC, EvictionLIRS} {
		t.Run(string(name), func(t *testing.T) {
			policy, err := NewEvictionPolicy(name, 2)
			if err != nil {
				t.Fatalf("construct %s: %v", name, err)
			}
			pinned := map[PageID]bool{1: true, 2: false, 3: false}
			for id := range pinned {
				policy.RecordInsertion(id)
			}
			policy.RecordAccess(1)
			policy.RecordAccess(2)
			victim, ok := policy.Evict(func(id PageID) bool { return !pinned[id] })
			if !ok {
				t.Fatalf("%s: expected a victim", name)
			}
			if pinned[victim] {
				t.Fatalf("%s: evicted a pinned page %d", name, victim)
			}
		})
	}
}

func TestBufferPool_EvictsWhenFull(t *testing.T) {
	dir := t.TempDir()
	disk, _, err := OpenDiskManager(filepath.Join(dir, "test.db"), DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer disk.Close()
	w, err := OpenWAL(filepath.Join(dir, "wal"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	bp, err := NewBufferPool(disk, w, BufferPoolConfig{NumFrames: 2, Policy: EvictionCLOCK})
	if err != nil {
		t.Fatal(err)
	}
	defer bp.Close()

	id1, pp1, _ := bp.NewPage(PageTypeHeap)
	bp.Unpin(pp1, false)
	id2, pp2, _ := bp.NewPage(PageTypeHeap)
	bp.Unpin(pp2, false)
	// Pool now full with id1, id2 both unpinned; a third page should evict one.
	id3, pp3, err := bp.NewPage(PageTypeHeap)
	if err != nil {
		t.Fatalf("new page should evict a victim: %v", err)
	}
	bp.Unpin(pp3, false)

	if id1 == id2 || id2 == id3 {
		t.Fatal("expected distinct page ids")
	}
}

func TestBufferPool_RefusesToEvictAllPinned(t *testing.T) {
	dir := t.TempDir()
	disk, _, _ := OpenDiskManager(filepath.Join(dir, "test.db"), DefaultPageSize)
	defer disk.Close()
	w, _ := OpenWAL(filepath.Join(dir, "wal"), 0)
	defer w.Close()

	bp, err := NewBufferPool(disk, w, BufferPoolConfig{NumFrames: 1, Policy: EvictionCLOCK})
	if err != nil {
		t.Fatal(err)
	}
	defer bp.Close()

	_, pp1, _ := bp.NewPage(PageTypeHeap)
	_, _, err = bp.NewPage(PageTypeHeap)
	if err == nil {
		t.Fatal("expected allocation failure: only frame is pinned")
	}
	bp.Unpin(pp1, false)
}

func TestBufferPool_FlushIsWALBeforePage(t *testing.T) {
	dir := t.TempDir()
	disk, _, _ := OpenDiskManager(filepath.Join(dir, "test.db"), DefaultPageSize)
	defer disk.Close()
	w, _ := OpenWAL(filepath.Join(dir, "wal"), 0)
	defer w.Close()

	bp, err := NewBufferPool(disk, w, BufferPoolConfig{NumFrames: 4, Policy: EvictionCLOCK})
	if err != nil {
		t.Fatal(err)
	}
	defer bp.Close()

	id, pp, _ := bp.NewPage(PageTypeHeap)
	lsn, err := w.Append(&Record{TxnID: 1, Type: RecordInsert, PageID: id})
	if err != nil {
		t.Fatal(err)
	}
	pp.SetPageLSN(lsn)
	bp.Unpin(pp, true)

	if err := bp.FlushPage(id); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if w.DurableLSN() < lsn {
		t.Fatalf("expected WAL durable through %d before page flush, durable=%d", lsn, w.DurableLSN())
	}
}

func TestPagerConfig_CheckpointSchedulerStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	cfg := DefaultPagerConfig()
	cfg.BufferPoolFrames = 8
	cfg.CheckpointInterval = 50 * time.Millisecond
	cfg.FlushInterval = 0
	p, err := Open(dbPath, DefaultWALDir(dbPath), cfg)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

package txn

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/ids"
	"github.com/SimonWaldherr/tinykv/internal/pager"
)

func TestStore_WriteThenReadOwnWrite(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN); err != nil {
		t.Fatal(err)
	}
	snap := Snapshot{SnapshotTS: 0, Active: map[ids.TransactionID]struct{}{}}
	v, ok := s.Read(1, "k", snap)
	if !ok || !core.Equal(v, core.Text("A")) {
		t.Fatalf("own write should be visible, got %+v ok=%v", v, ok)
	}
}

func TestStore_UncommittedNotVisibleToOthers(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN); err != nil {
		t.Fatal(err)
	}
	snap := Snapshot{SnapshotTS: 100, Active: map[ids.TransactionID]struct{}{}}
	_, ok := s.Read(2, "k", snap)
	if ok {
		t.Fatal("uncommitted write by another transaction must not be visible")
	}
}

func TestStore_WriteWriteConflictFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN); err != nil {
		t.Fatal(err)
	}
	_, err := s.Write(2, "k", core.Text("B"), ids.InvalidLSN)
	if !core.Is(err, core.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestStore_SameTxnReplacesItsOwnUncommittedVersion(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(1, "k", core.Text("B"), lsn); err != nil {
		t.Fatalf("same txn rewriting its own key should not conflict: %v", err)
	}
	if s.ChainLength("k") != 1 {
		t.Fatalf("expected one version (replaced in place), got %d", s.ChainLength("k"))
	}
}

func TestStore_CommitMakesVersionVisibleToLaterSnapshot(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 5, lsn); err != nil {
		t.Fatal(err)
	}

	snap := Snapshot{SnapshotTS: 10, Active: map[ids.TransactionID]struct{}{}}
	v, ok := s.Read(2, "k", snap)
	if !ok || !core.Equal(v, core.Text("A")) {
		t.Fatalf("committed version should be visible to later snapshot, got %+v ok=%v", v, ok)
	}
}

func TestStore_CommitNotVisibleToEarlierSnapshot(t *testing.T) {
	s := newTestStore(t)
	// Snapshot S1 vended while txn 1 still active.
	s1 := Snapshot{SnapshotTS: 3, Active: map[ids.TransactionID]struct{}{1: {}}}

	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 5, lsn); err != nil {
		t.Fatal(err)
	}

	_, ok := s.Read(2, "k", s1)
	if ok {
		t.Fatal("version committed after the snapshot was vended must not be visible")
	}
}

func TestStore_AbortRemovesVersion(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Abort(1, lsn); err != nil {
		t.Fatal(err)
	}
	if s.ChainLength("k") != 0 {
		t.Fatalf("expected aborted version removed, chain length %d", s.ChainLength("k"))
	}
	// A fresh writer must now be able to take the key (no stale conflict).
	if _, err := s.Write(2, "k", core.Text("B"), ids.InvalidLSN); err != nil {
		t.Fatalf("write after abort should succeed: %v", err)
	}
}

func TestStore_DeleteMarksDeletedAndHidesValue(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 1, lsn); err != nil {
		t.Fatal(err)
	}
	lsn, err = s.Delete(2, "k", ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(2, 2, lsn); err != nil {
		t.Fatal(err)
	}

	snap := Snapshot{SnapshotTS: 10, Active: map[ids.TransactionID]struct{}{}}
	_, ok := s.Read(3, "k", snap)
	if ok {
		t.Fatal("deleted key should not be visible")
	}
}

func TestStore_ValueOverflowsIntoOverflowPage(t *testing.T) {
	s := newTestStore(t)
	big := make([]byte, pager.OverflowThreshold*2)
	for i := range big {
		big[i] = byte(i)
	}
	lsn, err := s.Write(1, "k", core.Text(string(big)), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 1, lsn); err != nil {
		t.Fatal(err)
	}
	snap := Snapshot{SnapshotTS: 10, Active: map[ids.TransactionID]struct{}{}}
	v, ok := s.Read(2, "k", snap)
	if !ok {
		t.Fatal("overflowed value should still be readable")
	}
	got, _ := v.AsText()
	if got != string(big) {
		t.Fatal("overflowed value roundtrip mismatch")
	}
}

func TestStore_GCNeverRemovesNewestVersion(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 1, lsn); err != nil {
		t.Fatal(err)
	}

	removed := s.GC(1000)
	if removed != 0 {
		t.Fatalf("sole version must never be GC'd, removed=%d", removed)
	}
	if s.ChainLength("k") != 1 {
		t.Fatal("newest version must survive GC")
	}
}

func TestStore_GCDropsSupersededOldVersions(t *testing.T) {
	s := newTestStore(t)
	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(1, 1, lsn); err != nil {
		t.Fatal(err)
	}
	lsn, err = s.Write(2, "k", core.Text("B"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(2, 2, lsn); err != nil {
		t.Fatal(err)
	}
	lsn, err = s.Write(3, "k", core.Text("C"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(3, 3, lsn); err != nil {
		t.Fatal(err)
	}

	if n := s.ChainLength("k"); n != 3 {
		t.Fatalf("expected 3 versions before GC, got %d", n)
	}
	removed := s.GC(3)
	if removed == 0 {
		t.Fatal("expected superseded old versions to be collected")
	}
	if s.ChainLength("k") < 1 {
		t.Fatal("newest version must survive GC")
	}
	snap := Snapshot{SnapshotTS: 100, Active: map[ids.TransactionID]struct{}{}}
	v, ok := s.Read(4, "k", snap)
	if !ok || !core.Equal(v, core.Text("C")) {
		t.Fatalf("newest visible value must still be C, got %+v ok=%v", v, ok)
	}
}

func TestStore_RecoverRedoesCommittedAndDropsLosers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	walDir := pager.DefaultWALDir(dbPath)

	cfg := pager.DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.FlushInterval = 0
	cfg.BufferPoolFrames = 32
	p, err := pager.Open(dbPath, walDir, cfg)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	s := NewStore(p.BufferPool(), p.WAL(), p.DiskManager(), p.PageSize())

	lsn, err := s.Write(1, "k", core.Text("A"), ids.InvalidLSN)
	if err != nil {
		t.Fatal(err)
	}
	commitLSN, err := s.Commit(1, 5, lsn)
	if err != nil {
		t.Fatal(err)
	}
	// Store.Commit only stamps the pages; the Commit record, which the
	// Transaction Manager appends, is what marks txn 1 committed for recovery.
	if _, err := p.WAL().Append(&pager.Record{TxnID: pager.TxID(1), PrevLSN: commitLSN, Type: pager.RecordCommit, CommitTS: 5}); err != nil {
		t.Fatal(err)
	}
	// txn 2 never commits or aborts: simulates a crash mid-transaction.
	if _, err := s.Write(2, "k2", core.Text("uncommitted"), ids.InvalidLSN); err != nil {
		t.Fatal(err)
	}

	s2, _ := reopenTestStore(t, p, dbPath, walDir)
	if err := s2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	snap := Snapshot{SnapshotTS: 100, Active: map[ids.TransactionID]struct{}{}}
	v, ok := s2.Read(99, "k", snap)
	if !ok || !core.Equal(v, core.Text("A")) {
		t.Fatalf("committed write must be redone, got %+v ok=%v", v, ok)
	}
	if _, ok := s2.Read(99, "k2", snap); ok {
		t.Fatal("uncommitted writer at crash time must be rolled back")
	}
}

func TestStore_ChainLength(t *testing.T) {
	s := newTestStore(t)
	if s.ChainLength("absent") != 0 {
		t.Fatal("absent key should report zero-length chain")
	}
}

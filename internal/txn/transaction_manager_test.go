package txn

import (
	"context"
	"testing"
	"time"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/pager"
)

func newTestManager(t *testing.T) (*TransactionManager, *pager.WAL) {
	t.Helper()
	store, p := newTestStoreAndPager(t)
	t.Cleanup(func() { p.Close() })
	tm := NewTransactionManager(NewManager(10000), store, p.WAL(), VictimYoungest, 200*time.Millisecond, false)
	return tm, p.WAL()
}

func TestTransactionManager_BasicCommitAndVisibility(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	w, err := tm.Begin(SnapshotIsolation)
	if err != nil {
		t.Fatal(err)
	}
	if err := tm.Write(ctx, w, "k", core.Text("hello")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(w); err != nil {
		t.Fatal(err)
	}

	r, err := tm.Begin(SnapshotIsolation)
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := tm.Read(ctx, r, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !core.Equal(v, core.Text("hello")) {
		t.Fatalf("expected committed value visible, got %+v ok=%v", v, ok)
	}
	if err := tm.Commit(r); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionManager_SnapshotIsolation_DoesNotSeeConcurrentCommit(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	base, _ := tm.Begin(SnapshotIsolation)
	if err := tm.Write(ctx, base, "k", core.Text("v0")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(base); err != nil {
		t.Fatal(err)
	}

	reader, _ := tm.Begin(SnapshotIsolation)

	writer, _ := tm.Begin(SnapshotIsolation)
	if err := tm.Write(ctx, writer, "k", core.Text("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(writer); err != nil {
		t.Fatal(err)
	}

	v, ok, err := tm.Read(ctx, reader, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !core.Equal(v, core.Text("v0")) {
		t.Fatalf("reader's fixed snapshot must not see the later commit, got %+v ok=%v", v, ok)
	}
	if err := tm.Commit(reader); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionManager_SnapshotIsolation_WriteWriteConflictAborts(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	base, _ := tm.Begin(SnapshotIsolation)
	if err := tm.Write(ctx, base, "k", core.Text("v0")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(base); err != nil {
		t.Fatal(err)
	}

	t1, _ := tm.Begin(SnapshotIsolation)
	t2, _ := tm.Begin(SnapshotIsolation)

	if err := tm.Write(ctx, t1, "k", core.Text("from-t1")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(t1); err != nil {
		t.Fatal(err)
	}

	// t2 also wants to write k but locks serialize the actual Write call;
	// release t1's conceptual hold isn't needed here since t1 already
	// committed and released. t2's Write will simply proceed (lock-wise)
	// but Commit must reject it: t2's snapshot predates t1's commit.
	if err := tm.Write(ctx, t2, "k", core.Text("from-t2")); err != nil {
		t.Fatal(err)
	}
	err := tm.Commit(t2)
	if !core.Is(err, core.KindConflict) {
		t.Fatalf("expected first-committer-wins conflict, got %v", err)
	}
}

func TestTransactionManager_ReadUncommittedSeesDirtyWrites(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	w, _ := tm.Begin(ReadCommitted)
	if err := tm.Write(ctx, w, "k", core.Text("dirty")); err != nil {
		t.Fatal(err)
	}

	reader, _ := tm.Begin(ReadUncommitted)
	v, ok, err := tm.Read(ctx, reader, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !core.Equal(v, core.Text("dirty")) {
		t.Fatalf("read uncommitted must see an in-flight write, got %+v ok=%v", v, ok)
	}
	if err := tm.Abort(w); err != nil {
		t.Fatal(err)
	}
	if err := tm.Abort(reader); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionManager_AbortRollsBackWrites(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	w, _ := tm.Begin(SnapshotIsolation)
	if err := tm.Write(ctx, w, "k", core.Text("temp")); err != nil {
		t.Fatal(err)
	}
	if err := tm.Abort(w); err != nil {
		t.Fatal(err)
	}

	r, _ := tm.Begin(SnapshotIsolation)
	_, ok, err := tm.Read(ctx, r, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("aborted write must not be visible")
	}
	tm.Commit(r)
}

func TestTransactionManager_ScanReturnsSortedVisibleKeys(t *testing.T) {
	tm, _ := newTestManager(t)
	ctx := context.Background()

	w, _ := tm.Begin(SnapshotIsolation)
	for _, k := range []string{"b", "a", "c"} {
		if err := tm.Write(ctx, w, k, core.Text(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tm.Commit(w); err != nil {
		t.Fatal(err)
	}

	r, _ := tm.Begin(SnapshotIsolation)
	it, err := tm.Scan(ctx, r, "", "")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		kv, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, kv.Key)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	tm.Commit(r)
}

func TestTransactionManager_CommitAndAbortAreNotReentrant(t *testing.T) {
	tm, _ := newTestManager(t)
	w, _ := tm.Begin(ReadCommitted)
	if err := tm.Commit(w); err != nil {
		t.Fatal(err)
	}
	if err := tm.Commit(w); !core.Is(err, core.KindInvalidState) {
		t.Fatalf("double commit should fail with InvalidState, got %v", err)
	}
	if err := tm.Abort(w); !core.Is(err, core.KindInvalidState) {
		t.Fatalf("abort after commit should fail with InvalidState, got %v", err)
	}
}

func TestTransactionManager_RecoverRedoesCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/test.db"
	walDir := pager.DefaultWALDir(dbPath)
	cfg := pager.DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.FlushInterval = 0
	cfg.BufferPoolFrames = 32

	p1, err := pager.Open(dbPath, walDir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	store1 := NewStore(p1.BufferPool(), p1.WAL(), p1.DiskManager(), p1.PageSize())
	tm1 := NewTransactionManager(NewManager(10000), store1, p1.WAL(), VictimYoungest, time.Second, false)
	ctx := context.Background()
	w, _ := tm1.Begin(SnapshotIsolation)
	if err := tm1.Write(ctx, w, "k", core.Text("durable")); err != nil {
		t.Fatal(err)
	}
	if err := tm1.Commit(w); err != nil {
		t.Fatal(err)
	}
	if err := p1.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := pager.Open(dbPath, walDir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	store2 := NewStore(p2.BufferPool(), p2.WAL(), p2.DiskManager(), p2.PageSize())
	tm2 := NewTransactionManager(NewManager(10000), store2, p2.WAL(), VictimYoungest, time.Second, false)
	if err := tm2.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	r, _ := tm2.Begin(SnapshotIsolation)
	v, ok, err := tm2.Read(ctx, r, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !core.Equal(v, core.Text("durable")) {
		t.Fatalf("recovered store must show the committed write, got %+v ok=%v", v, ok)
	}
}

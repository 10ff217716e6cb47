package txn

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/tinykv/internal/pager"
)

// newTestStore opens a throwaway Pager under t.TempDir() and wraps it in a
// Store, for tests that need a real, pager-managed heap rather than a bare
// in-memory fixture. It returns only the Store; newTestStoreAndPager also
// returns the Pager, for callers that need to simulate a restart by closing
// and reopening the same files.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, p := newTestStoreAndPager(t)
	t.Cleanup(func() { p.Close() })
	return s
}

func newTestStoreAndPager(t *testing.T) (*Store, *pager.Pager) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	cfg := pager.DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.FlushInterval = 0
	cfg.BufferPoolFrames = 32
	p, err := pager.Open(dbPath, pager.DefaultWALDir(dbPath), cfg)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	s := NewStore(p.BufferPool(), p.WAL(), p.DiskManager(), p.PageSize())
	return s, p
}

// reopenTestStore closes p and reopens the same data/WAL files under a fresh
// Pager and Store, simulating a process restart. The caller is responsible
// for calling Store.Recover on the result if it wants recovered state.
func reopenTestStore(t *testing.T, p *pager.Pager, dbPath, walDir string) (*Store, *pager.Pager) {
	t.Helper()
	if err := p.Close(); err != nil {
		t.Fatalf("close pager: %v", err)
	}
	cfg := pager.DefaultPagerConfig()
	cfg.CheckpointInterval = 0
	cfg.FlushInterval = 0
	cfg.BufferPoolFrames = 32
	p2, err := pager.Open(dbPath, walDir, cfg)
	if err != nil {
		t.Fatalf("reopen pager: %v", err)
	}
	t.Cleanup(func() { p2.Close() })
	s2 := NewStore(p2.BufferPool(), p2.WAL(), p2.DiskManager(), p2.PageSize())
	return s2, p2
}

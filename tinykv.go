// Package tinykv is the root facade over the storage and transaction core:
// Disk Manager, Buffer Pool Manager, WAL, ARIES Recovery (internal/pager),
// and Version Store / Lock Manager / Deadlock Detector / Transaction
// Manager (internal/txn). It exposes the callable surface of §6: begin,
// read, write, delete, commit, abort, scan.
package tinykv

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/ids"
	"github.com/SimonWaldherr/tinykv/internal/pager"
	"github.com/SimonWaldherr/tinykv/internal/txn"
)

// Engine wires the pager and txn packages together into one opened
// database. A process holds exactly one Engine per data directory.
type Engine struct {
	cfg core.Config

	pg     *pager.Pager
	locks  *txn.Manager
	store  *txn.Store
	txnMgr *txn.TransactionManager
	gc     *txn.GCScheduler
}

// Open opens (creating if necessary) a database under cfg.DataDir and runs
// crash recovery, then starts the Deadlock Detector's periodic scan and the
// Recovery Manager's fuzzy-checkpoint scheduler.
//
// There is exactly one WAL, owned by the Pager (internal/pager). The
// Version Store never keeps its own logical log: every version it holds
// lives in a pager-managed heap page (a slotted page per §4.6, overflow
// pages for values over pager.OverflowThreshold), so a write/commit/abort
// is durable the same way any other page mutation is — a whole-page
// before/after image appended to the one shared WAL, replayed by the
// Pager's own ARIES Analysis/Redo/Undo on restart before the Version
// Store's Recover ever runs. By the time Store.Recover scans the heap
// pages, their bytes are already physically correct, so recovery is a
// direct page scan rather than a second logical replay.
func Open(cfg core.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dataPath := filepath.Join(cfg.DataDir, "tinykv.data")
	walDir := cfg.WALDir
	if walDir == "" {
		walDir = pager.DefaultWALDir(dataPath)
	}

	pg, err := pager.Open(dataPath, walDir, pager.PagerConfig{
		PageSize:           int(cfg.PageSize),
		BufferPoolFrames:   int(cfg.BufferPoolFrames),
		EvictionPolicy:     pager.EvictionPolicyName(cfg.EvictionPolicy),
		LRUK:               cfg.LRUK,
		CheckpointInterval: cfg.CheckpointInterval,
		Verbose:            cfg.Verbose,
	})
	if err != nil {
		return nil, core.Wrap(core.KindIo, "open pager", err)
	}

	locks := txn.NewManager(cfg.MaxLocksPerTxn)
	store := txn.NewStore(pg.BufferPool(), pg.WAL(), pg.DiskManager(), pg.PageSize())
	txnMgr := txn.NewTransactionManager(locks, store, pg.WAL(), txn.VictimPolicy(cfg.DeadlockVictimPolicy), cfg.LockTimeout, cfg.Verbose)
	pg.SetActiveTxnsFunc(txnMgr.ActiveTxnIDs)

	if err := txnMgr.Recover(context.Background()); err != nil {
		pg.Close()
		return nil, err
	}

	scanInterval := cfg.DeadlockScanInterval
	if scanInterval <= 0 {
		scanInterval = core.DefaultConfig().DeadlockScanInterval
	}
	if err := txnMgr.Detector().Start(scanInterval); err != nil {
		pg.Close()
		return nil, core.Wrap(core.KindIo, "start deadlock detector", err)
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = core.DefaultConfig().GCInterval
	}
	gcSched := txn.NewGCScheduler(store, txnMgr, 0)
	if err := gcSched.Start(gcInterval); err != nil {
		txnMgr.Detector().Stop()
		pg.Close()
		return nil, core.Wrap(core.KindIo, "start gc scheduler", err)
	}

	return &Engine{
		cfg:    cfg,
		pg:     pg,
		locks:  locks,
		store:  store,
		txnMgr: txnMgr,
		gc:     gcSched,
	}, nil
}

// Close stops the background detector/checkpoint tasks and flushes and
// closes the WAL and the data file.
func (e *Engine) Close() error {
	e.gc.Stop()
	e.txnMgr.Detector().Stop()
	if err := e.pg.Close(); err != nil {
		return core.Wrap(core.KindIo, "close pager", err)
	}
	return nil
}

// NewSession mints an opaque client-session handle. Sessions are the one
// identifier category the canonical-id redesign deliberately keeps as a
// UUID rather than a monotonic counter, since a session spans many
// transactions issued over a connection's lifetime rather than being owned
// by a single one.
func (e *Engine) NewSession() ids.SessionID {
	return ids.SessionID(uuid.New().String())
}

// Txn is the caller-facing transaction handle returned by Begin.
type Txn struct {
	e *Engine
	t *txn.Transaction
}

// Begin implements begin(isolation) -> Txn per §6.
func (e *Engine) Begin(isolation txn.IsolationLevel) (*Txn, error) {
	t, err := e.txnMgr.Begin(isolation)
	if err != nil {
		return nil, err
	}
	return &Txn{e: e, t: t}, nil
}

// Read implements read(txn, key) -> Option<Value> per §6.
func (e *Engine) Read(ctx context.Context, tx *Txn, key string) (core.Value, bool, error) {
	return e.txnMgr.Read(ctx, tx.t, key)
}

// Write implements write(txn, key, value) per §6.
func (e *Engine) Write(ctx context.Context, tx *Txn, key string, value core.Value) error {
	return e.txnMgr.Write(ctx, tx.t, key, value)
}

// Delete implements delete(txn, key) per §6.
func (e *Engine) Delete(ctx context.Context, tx *Txn, key string) error {
	return e.txnMgr.Delete(ctx, tx.t, key)
}

// Commit implements commit(txn) per §6: a successful return is an
// unconditional durability promise (§7).
func (e *Engine) Commit(tx *Txn) error {
	return e.txnMgr.Commit(tx.t)
}

// Abort implements abort(txn) per §6.
func (e *Engine) Abort(tx *Txn) error {
	return e.txnMgr.Abort(tx.t)
}

// Scan implements scan(txn, range) -> Iterator<(key,value)> per §6 over the
// half-open range [lowKey, highKey); highKey == "" means unbounded.
func (e *Engine) Scan(ctx context.Context, tx *Txn, lowKey, highKey string) (*txn.ScanIterator, error) {
	return e.txnMgr.Scan(ctx, tx.t, lowKey, highKey)
}

// Checkpoint forces an immediate fuzzy checkpoint of the shared WAL,
// covering both page-level mutations and the Version Store's page-backed
// writes alike, since both travel through the one WAL.
func (e *Engine) Checkpoint() error {
	return e.pg.Checkpoint()
}

// GC forces an immediate out-of-band Version Store collection pass, using
// the Transaction Manager's own oldest-active-snapshot low-water mark. GC
// reclaims superseded version pages (tombstoning their slotted-page
// records) rather than truncating any log of its own. The periodic pass
// (see Open's GCScheduler wiring) already runs this on cfg.GCInterval; this
// is for callers that want to force one, e.g. after a bulk delete.
func (e *Engine) GC() {
	e.gc.RunOnce()
}

// String implements fmt.Stringer for debugging.
func (e *Engine) String() string {
	return fmt.Sprintf("tinykv.Engine{data=%s}", e.pg.Path())
}

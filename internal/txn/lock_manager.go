package txn

import (
	"context"
	"sync"
	"time"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/ids"
)

// LockMode is one of the six lock modes in §4.4's hierarchy: database ⊃
// table ⊃ page ⊃ row. IS/IX/SIX are intent modes taken on ancestors; S/X/U
// are the modes actually contended for on the target resource.
type LockMode uint8

const (
	LockIS LockMode = iota
	LockIX
	LockS
	LockSIX
	LockU
	LockX
	numLockModes
)

func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockSIX:
		return "SIX"
	case LockU:
		return "U"
	case LockX:
		return "X"
	default:
		return "?"
	}
}

// compatMatrix is the 6x6 table from §4.4, indexed [held][requested]. A
// constant-time array lookup, not a match ladder, per the spec's explicit
// requirement.
var compatMatrix = [numLockModes][numLockModes]bool{
	//        IS     IX     S      SIX    U      X
	LockIS:  {true, true, true, true, true, false},
	LockIX:  {true, true, false, false, false, false},
	LockS:   {true, false, true, false, true, false},
	LockSIX: {true, false, false, false, false, false},
	LockU:   {true, false, true, false, false, false},
	LockX:   {false, false, false, false, false, false},
}

// Compatible reports whether requested may be granted while held is already
// held by a different transaction.
func Compatible(held, requested LockMode) bool {
	return compatMatrix[held][requested]
}

// ResourceID names the hierarchy node a lock applies to (database, table,
// page, or row level); the Lock Manager treats it as an opaque string key
// and leaves hierarchical ancestor-locking to the caller, as §4.4 requires.
type ResourceID string

const numLockShards = 16

type waiter struct {
	txn      ids.TransactionID
	mode     LockMode
	grantedC chan error
}

type lockEntry struct {
	mu      sync.Mutex
	holders map[ids.TransactionID]LockMode
	queue   []*waiter
}

type lockShard struct {
	mu        sync.Mutex
	resources map[ResourceID]*lockEntry
}

func shardIndexForResource(r ResourceID) int {
	return int(fnv32(string(r))) % numLockShards
}

// WaitForEdge is {waiter -> holder, resource, waiting-since} per §3,
// existing only while waiter is blocked. Snapshot() returns the current set
// for the Deadlock Detector.
type WaitForEdge struct {
	Waiter      ids.TransactionID
	Holder      ids.TransactionID
	Resource    ResourceID
	WaitingSince time.Time
}

// Manager is the Lock Manager (§4.4): a sharded lock table with acquire/
// release/release_all/upgrade and wait-for-edge bookkeeping the Deadlock
// Detector polls.
type Manager struct {
	shards          [numLockShards]*lockShard
	maxLocksPerTxn  uint32

	heldMu sync.Mutex
	held   map[ids.TransactionID]map[ResourceID]LockMode

	edgesMu sync.Mutex
	edges   map[ids.TransactionID]map[ids.TransactionID]WaitForEdge // waiter -> holder -> edge

	// abortSignal lets the Deadlock Detector wake a specific blocked waiter
	// with a Deadlock error instead of letting it wait out its timeout.
	abortMu     sync.Mutex
	abortSignal map[ids.TransactionID]chan struct{}
}

// NewManager constructs a Lock Manager enforcing maxLocksPerTxn held locks
// per transaction before ResourceExhausted (§4.4, §7).
func NewManager(maxLocksPerTxn uint32) *Manager {
	m := &Manager{
		maxLocksPerTxn: maxLocksPerTxn,
		held:           make(map[ids.TransactionID]map[ResourceID]LockMode),
		edges:          make(map[ids.TransactionID]map[ids.TransactionID]WaitForEdge),
		abortSignal:    make(map[ids.TransactionID]chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &lockShard{resources: make(map[ResourceID]*lockEntry)}
	}
	return m
}

func (m *Manager) shardFor(r ResourceID) *lockShard {
	return m.shards[shardIndexForResource(r)]
}

func (m *Manager) entryFor(r ResourceID) *lockEntry {
	sh := m.shardFor(r)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.resources[r]
	if !ok {
		e = &lockEntry{holders: make(map[ids.TransactionID]LockMode)}
		sh.resources[r] = e
	}
	return e
}

func compatibleWithHolders(e *lockEntry, txn ids.TransactionID, mode LockMode) (bool, ids.TransactionID) {
	for holderTxn, holderMode := range e.holders {
		if holderTxn == txn {
			continue
		}
		if !Compatible(holderMode, mode) {
			return false, holderTxn
		}
	}
	return true, 0
}

func (m *Manager) addEdge(waiter, holder ids.TransactionID, resource ResourceID) {
	m.edgesMu.Lock()
	defer m.edgesMu.Unlock()
	if m.edges[waiter] == nil {
		m.edges[waiter] = make(map[ids.TransactionID]WaitForEdge)
	}
	if _, exists := m.edges[waiter][holder]; !exists {
		m.edges[waiter][holder] = WaitForEdge{Waiter: waiter, Holder: holder, Resource: resource, WaitingSince: time.Now()}
	}
}

func (m *Manager) clearWaiterEdges(waiter ids.TransactionID) {
	m.edgesMu.Lock()
	delete(m.edges, waiter)
	m.edgesMu.Unlock()
}

// Snapshot returns the current wait-for graph as a flat edge list, for the
// Deadlock Detector's DFS.
func (m *Manager) Snapshot() []WaitForEdge {
	m.edgesMu.Lock()
	defer m.edgesMu.Unlock()
	var edges []WaitForEdge
	for _, byHolder := range m.edges {
		for _, e := range byHolder {
			edges = append(edges, e)
		}
	}
	return edges
}

// Abort wakes a blocked waiter (chosen as a deadlock victim) with a
// Deadlock error instead of letting it sit until timeout.
func (m *Manager) Abort(txn ids.TransactionID) {
	m.abortMu.Lock()
	ch, ok := m.abortSignal[txn]
	m.abortMu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *Manager) registerAbortSignal(txn ids.TransactionID) chan struct{} {
	ch := make(chan struct{})
	m.abortMu.Lock()
	m.abortSignal[txn] = ch
	m.abortMu.Unlock()
	return ch
}

func (m *Manager) unregisterAbortSignal(txn ids.TransactionID) {
	m.abortMu.Lock()
	delete(m.abortSignal, txn)
	m.abortMu.Unlock()
}

func (m *Manager) lockedCount(txn ids.TransactionID) int {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	return len(m.held[txn])
}

func (m *Manager) recordHeld(txn ids.TransactionID, resource ResourceID, mode LockMode) {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	if m.held[txn] == nil {
		m.held[txn] = make(map[ResourceID]LockMode)
	}
	m.held[txn][resource] = mode
}

// Acquire implements acquire(txn, resource, mode, timeout) per §4.4: grants
// immediately if compatible with every current holder; otherwise queues txn
// as a waiter, records a wait-for edge to each incompatible holder, and
// blocks until granted, ctx is done, or the Deadlock Detector aborts this
// waiter. On timeout or deadlock no partial resource acquisition is left
// behind (§5's cancellation requirement).
func (m *Manager) Acquire(ctx context.Context, txn ids.TransactionID, resource ResourceID, mode LockMode) error {
	if m.maxLocksPerTxn > 0 && uint32(m.lockedCount(txn)) >= m.maxLocksPerTxn {
		return core.New(core.KindResourceExhausted, "per-transaction lock cap reached")
	}

	e := m.entryFor(resource)
	e.mu.Lock()
	if existing, ok := e.holders[txn]; ok && existing == mode {
		e.mu.Unlock()
		return nil
	}
	ok, _ := compatibleWithHolders(e, txn, mode)
	if ok && len(e.queue) == 0 {
		e.holders[txn] = mode
		e.mu.Unlock()
		m.recordHeld(txn, resource, mode)
		return nil
	}
	w := &waiter{txn: txn, mode: mode, grantedC: make(chan error, 1)}
	e.queue = append(e.queue, w)
	for holderTxn, holderMode := range e.holders {
		if holderTxn != txn && !Compatible(holderMode, mode) {
			m.addEdge(txn, holderTxn, resource)
		}
	}
	e.mu.Unlock()

	abortCh := m.registerAbortSignal(txn)
	defer m.unregisterAbortSignal(txn)
	defer m.clearWaiterEdges(txn)

	select {
	case err := <-w.grantedC:
		if err == nil {
			m.recordHeld(txn, resource, mode)
		}
		return err
	case <-abortCh:
		m.dequeueWaiter(e, w)
		return core.New(core.KindDeadlock, "transaction selected as deadlock victim")
	case <-ctx.Done():
		m.dequeueWaiter(e, w)
		return core.Wrap(core.KindTimeout, "lock acquire timed out", ctx.Err())
	}
}

func (m *Manager) dequeueWaiter(e *lockEntry, w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// wakeCompatibleWaiters walks the whole queue in FIFO order and grants every
// waiter whose mode is compatible with the current holder set, including
// waiters already granted in this pass. Incompatible waiters stay queued in
// their original order; a later compatible waiter is granted even when an
// earlier one stays blocked.
func wakeCompatibleWaiters(e *lockEntry) {
	remaining := e.queue[:0]
	for _, w := range e.queue {
		ok, _ := compatibleWithHolders(e, w.txn, w.mode)
		if ok {
			e.holders[w.txn] = w.mode
			w.grantedC <- nil
		} else {
			remaining = append(remaining, w)
		}
	}
	e.queue = remaining
}

// Release implements release(txn, resource) per §4.4: drops the hold and
// re-examines waiters FIFO, granting all now-compatible ones.
func (m *Manager) Release(txn ids.TransactionID, resource ResourceID) {
	e := m.entryFor(resource)
	e.mu.Lock()
	delete(e.holders, txn)
	wakeCompatibleWaiters(e)
	e.mu.Unlock()

	m.heldMu.Lock()
	if m.held[txn] != nil {
		delete(m.held[txn], resource)
		if len(m.held[txn]) == 0 {
			delete(m.held, txn)
		}
	}
	m.heldMu.Unlock()
}

// ReleaseAll implements release_all(txn) per §4.4, typically called once
// per commit/abort.
func (m *Manager) ReleaseAll(txn ids.TransactionID) {
	m.heldMu.Lock()
	resources := make([]ResourceID, 0, len(m.held[txn]))
	for r := range m.held[txn] {
		resources = append(resources, r)
	}
	delete(m.held, txn)
	m.heldMu.Unlock()

	for _, r := range resources {
		e := m.entryFor(r)
		e.mu.Lock()
		delete(e.holders, txn)
		wakeCompatibleWaiters(e)
		e.mu.Unlock()
	}
	m.clearWaiterEdges(txn)
}

// Upgrade implements upgrade(txn, resource, new_mode) per §4.4: succeeds
// atomically if compatible with every other holder, otherwise waits exactly
// like Acquire. U -> X is the canonical path.
func (m *Manager) Upgrade(ctx context.Context, txn ids.TransactionID, resource ResourceID, newMode LockMode) error {
	e := m.entryFor(resource)
	e.mu.Lock()
	if _, held := e.holders[txn]; !held {
		e.mu.Unlock()
		return core.New(core.KindInvalidState, "upgrade requested without an existing hold")
	}
	ok, _ := compatibleWithHolders(e, txn, newMode)
	if ok {
		e.holders[txn] = newMode
		e.mu.Unlock()
		m.recordHeld(txn, resource, newMode)
		return nil
	}
	e.mu.Unlock()
	// Fall back to the normal wait path: release the weaker hold's
	// conceptual claim by waiting as if acquiring fresh, since the holder
	// entry itself still blocks incompatible peers until granted.
	return m.Acquire(ctx, txn, resource, newMode)
}

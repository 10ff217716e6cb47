package pager

import (
	"container/heap"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// ARIES-style Crash Recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery runs in three passes directly against the Disk Manager (the
// Buffer Pool is not yet populated at this point):
//
//   1. Analysis — scan the WAL forward, rebuilding the transaction table
//      (last LSN written per txn, and whether it committed) and the dirty
//      page table (the earliest LSN that could have dirtied each page
//      since it was last made durable). A CheckpointEnd record seeds both
//      tables with its snapshot; later records refine them.
//   2. Redo — replay every redo-eligible record (Update/Insert/Delete/CLR)
//      whose LSN is at or above the page's recorded dirty-page recLSN and
//      strictly greater than the page's current on-disk LSN. This restores
//      the state to exactly what it was right before the crash, including
//      the effects of transactions that will be undone in pass 3.
//   3. Undo — roll back every loser transaction (active or aborted-but-
//      incomplete at crash time) in reverse LSN order across all losers
//      at once (a max-priority-queue keyed by LSN, not one transaction at
//      a time), writing a redo-only Compensation Log Record for each
//      step so undo itself is never repeated after a second crash.

// RecoveryManager replays and rolls back the WAL against a Disk Manager.
type RecoveryManager struct {
	disk *DiskManager
	wal  *WAL
}

// NewRecoveryManager constructs a recovery manager over disk and wal.
func NewRecoveryManager(disk *DiskManager, wal *WAL) *RecoveryManager {
	return &RecoveryManager{disk: disk, wal: wal}
}

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
)

type txnTableEntry struct {
	lastLSN LSN
	status  txnStatus
}

// RecoveryReport summarizes one Recover() run, useful for logging and tests.
type RecoveryReport struct {
	RecordsRedone  int
	RecordsUndone  int
	RolledBack     []TxID
	HighestLSNSeen LSN
}

// Recover runs the full Analysis/Redo/Undo sequence over every record still
// in the WAL. Afterwards every committed transaction's effects are present,
// and every other transaction's Update and Delete records are rolled back
// through their before-images; Insert records carry no before-image and are
// not physically reverted.
func (rm *RecoveryManager) Recover() (*RecoveryReport, error) {
	records, err := rm.wal.ReadFrom(InvalidLSN + 1)
	if err != nil {
		return nil, fmt.Errorf("recovery read WAL: %w", err)
	}
	report := &RecoveryReport{}
	if len(records) == 0 {
		return report, nil
	}

	byLSN := make(map[LSN]*Record, len(records))
	txnTable := make(map[TxID]*txnTableEntry)
	dirtyPages := make(map[PageID]LSN)

	for _, rec := range records {
		byLSN[rec.LSN] = rec
		if rec.LSN > report.HighestLSNSeen {
			report.HighestLSNSeen = rec.LSN
		}

		switch rec.Type {
		case RecordCheckpointEnd:
			for _, tx := range rec.ActiveTxns {
				if _, ok := txnTable[tx]; !ok {
					txnTable[tx] = &txnTableEntry{status: txnActive}
				}
			}
			for _, dp := range rec.DirtyPages {
				if _, ok := dirtyPages[dp.PageID]; !ok {
					dirtyPages[dp.PageID] = dp.RecLSN
				}
			}
			continue
		case RecordCheckpointBegin:
			continue
		}

		entry, ok := txnTable[rec.TxnID]
		if !ok {
			entry = &txnTableEntry{status: txnActive}
			txnTable[rec.TxnID] = entry
		}
		entry.lastLSN = rec.LSN

		switch rec.Type {
		case RecordCommit:
			entry.status = txnCommitted
		case RecordAbort:
			// Stays non-committed; undo pass will finish rolling it back.
		case RecordUpdate, RecordInsert, RecordDelete, RecordCLR:
			if _, ok := dirtyPages[rec.PageID]; !ok {
				dirtyPages[rec.PageID] = rec.LSN
			}
		}
	}

	if err := rm.redo(records, dirtyPages, &report.RecordsRedone); err != nil {
		return report, fmt.Errorf("recovery redo: %w", err)
	}

	if err := rm.undo(txnTable, byLSN, report); err != nil {
		return report, fmt.Errorf("recovery undo: %w", err)
	}

	if err := rm.disk.Fsync(); err != nil {
		return report, fmt.Errorf("recovery fsync: %w", err)
	}
	return report, nil
}

// redo replays every redo-eligible record whose effects are not already
// durably reflected on disk.
func (rm *RecoveryManager) redo(records []*Record, dirtyPages map[PageID]LSN, count *int) error {
	for _, rec := range records {
		if !rec.Type.IsRedoEligible() {
			continue
		}
		recLSN, tracked := dirtyPages[rec.PageID]
		if !tracked || rec.LSN < recLSN {
			continue
		}
		buf, err := rm.disk.ReadPage(rec.PageID)
		if err != nil {
			// Page never made it to disk before the crash (allocated, its
			// first write WAL'd, but the page itself lost) — redo starts
			// from a freshly initialized page rather than a bare read.
			buf = NewPage(rm.disk.PageSize(), PageTypeHeap, rec.PageID)
		}
		hdr := UnmarshalHeader(buf)
		if hdr.LSN >= rec.LSN {
			continue // already durable as of a later or equal LSN
		}
		if len(rec.After) > 0 {
			applyImage(buf, rec.Offset, rec.After)
		}
		setPageLSN(buf, rec.LSN)
		if err := rm.disk.WritePage(rec.PageID, buf); err != nil {
			return err
		}
		*count++
	}
	return nil
}

// lsnHeap is a max-heap over LSNs, used to process undo steps for every
// loser transaction in strict reverse-LSN order rather than one
// transaction fully at a time.
type lsnHeap []LSN

func (h lsnHeap) Len() int            { return len(h) }
func (h lsnHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h lsnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x any)         { *h = append(*h, x.(LSN)) }
func (h *lsnHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// undo rolls back every non-committed transaction, writing a CLR for each
// step undone so a second crash mid-undo never repeats work.
func (rm *RecoveryManager) undo(txnTable map[TxID]*txnTableEntry, byLSN map[LSN]*Record, report *RecoveryReport) error {
	// owner[lsn] tracks which loser transaction owns the pending undo step
	// currently queued at that LSN, so the heap can drive an arbitrary mix
	// of transactions without per-transaction sequential passes.
	pending := &lsnHeap{}
	owner := make(map[LSN]TxID)
	losers := make(map[TxID]bool)

	for tx, entry := range txnTable {
		if entry.status == txnCommitted {
			continue
		}
		losers[tx] = true
		report.RolledBack = append(report.RolledBack, tx)
		if entry.lastLSN != InvalidLSN {
			heap.Push(pending, entry.lastLSN)
			owner[entry.lastLSN] = tx
		}
	}

	for pending.Len() > 0 {
		lsn := heap.Pop(pending).(LSN)
		tx := owner[lsn]
		delete(owner, lsn)
		rec, ok := byLSN[lsn]
		if !ok {
			continue
		}

		var nextLSN LSN
		switch rec.Type {
		case RecordCLR:
			// Already-compensated step from a prior crash mid-undo: skip
			// straight to where that undo left off.
			nextLSN = rec.UndoNextLSN
		case RecordUpdate, RecordDelete:
			if err := rm.undoStep(rec); err != nil {
				return err
			}
			report.RecordsUndone++
			nextLSN = rec.PrevLSN
		case RecordInsert:
			// Nothing to physically restore (there was no prior image);
			// the compensating record still chains so redo never
			// re-applies this insert if it's replayed from an earlier LSN.
			report.RecordsUndone++
			nextLSN = rec.PrevLSN
		case RecordBegin:
			if _, err := rm.wal.Append(&Record{TxnID: tx, Type: RecordAbort}); err != nil {
				return fmt.Errorf("append abort for txn %d: %w", tx, err)
			}
			continue
		default:
			nextLSN = rec.PrevLSN
		}

		if rec.Type != RecordBegin && rec.Type != RecordCLR {
			clr := &Record{
				TxnID:       tx,
				Type:        RecordCLR,
				PageID:      rec.PageID,
				Offset:      rec.Offset,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			}
			if _, err := rm.wal.Append(clr); err != nil {
				return fmt.Errorf("append CLR for txn %d: %w", tx, err)
			}
		}

		if nextLSN != InvalidLSN {
			if _, queued := owner[nextLSN]; !queued {
				heap.Push(pending, nextLSN)
				owner[nextLSN] = tx
			}
		} else {
			if _, err := rm.wal.Append(&Record{TxnID: tx, Type: RecordAbort}); err != nil {
				return fmt.Errorf("append abort for txn %d: %w", tx, err)
			}
		}
	}
	return rm.wal.FlushThrough(rm.wal.NextLSN() - 1)
}

// undoStep writes rec.Before back over rec.Offset on rec.PageID.
func (rm *RecoveryManager) undoStep(rec *Record) error {
	buf, err := rm.disk.ReadPage(rec.PageID)
	if err != nil {
		return fmt.Errorf("undo read page %d: %w", rec.PageID, err)
	}
	applyImage(buf, rec.Offset, rec.Before)
	setPageLSN(buf, rec.LSN)
	if err := rm.disk.WritePage(rec.PageID, buf); err != nil {
		return fmt.Errorf("undo write page %d: %w", rec.PageID, err)
	}
	return nil
}

// applyImage copies image into buf starting at offset, clamped to buf's bounds.
func applyImage(buf []byte, offset uint16, image []byte) {
	end := int(offset) + len(image)
	if end > len(buf) {
		end = len(buf)
	}
	if int(offset) >= end {
		return
	}
	copy(buf[offset:end], image[:end-int(offset)])
}

// setPageLSN sets the LSN field of a page's common header in place through
// an UnmarshalHeader/MarshalHeader round trip. It does not touch the
// checksum; WritePage recomputes that when the page is written.
func setPageLSN(buf []byte, lsn LSN) {
	h := UnmarshalHeader(buf)
	h.LSN = lsn
	MarshalHeader(&h, buf)
}

// ───────────────────────────────────────────────────────────────────────────
// Fuzzy checkpoints
// ───────────────────────────────────────────────────────────────────────────

// Checkpoint writes a CheckpointBegin/CheckpointEnd pair bracketing the
// current transaction table and dirty page table. No quiescence is
// required: transactions may keep running and pages may keep changing
// between the two records, which is why recovery's Analysis pass treats
// CheckpointEnd only as a lower bound, refined by everything seen after it.
func (rm *RecoveryManager) Checkpoint(activeTxns []TxID, dirtyPages []DirtyPageEntry) (LSN, error) {
	beginLSN, err := rm.wal.Append(&Record{Type: RecordCheckpointBegin})
	if err != nil {
		return InvalidLSN, fmt.Errorf("append checkpoint-begin: %w", err)
	}
	endLSN, err := rm.wal.Append(&Record{
		Type:       RecordCheckpointEnd,
		ActiveTxns: activeTxns,
		DirtyPages: dirtyPages,
	})
	if err != nil {
		return InvalidLSN, fmt.Errorf("append checkpoint-end: %w", err)
	}
	if err := rm.wal.FlushThrough(endLSN); err != nil {
		return InvalidLSN, fmt.Errorf("flush checkpoint: %w", err)
	}
	return beginLSN, nil
}

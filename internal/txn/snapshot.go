package txn

import "github.com/SimonWaldherr/tinykv/internal/ids"

// Snapshot is {snapshot-ts, set of active txn-ids at creation} per §3:
// immutable once issued. A version is visible to a snapshot iff its
// commit-ts is at or before the snapshot's and its writer was not still
// active when the snapshot was taken (Visible in version_store.go is the
// rule; this type is only the vended value).
type Snapshot struct {
	SnapshotTS ids.Timestamp
	Active     map[ids.TransactionID]struct{}
}

// contains reports whether txn was active (uncommitted) at the moment this
// snapshot was vended.
func (s Snapshot) contains(txn ids.TransactionID) bool {
	_, ok := s.Active[txn]
	return ok
}

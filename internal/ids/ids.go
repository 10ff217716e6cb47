// Package ids defines the canonical identifier and sequence-number types
// shared by every layer of the storage and transaction core. Each domain id
// is declared exactly once here; the pager, txn, and root packages all
// import this package instead of redefining their own PageID/TxID/LSN, so a
// PageID from the buffer pool and a PageID from recovery are always the
// same type.
package ids

import "fmt"

// PageID identifies a fixed-size page within the data file. Page 0 is
// always the superblock and is never allocated to a caller.
type PageID uint64

// InvalidPageID is the null page pointer.
const InvalidPageID PageID = 0

func (p PageID) String() string { return fmt.Sprintf("page:%d", uint64(p)) }

// LSN is a monotonically increasing Log Sequence Number assigned by the
// WAL writer. Every durable state transition is tagged with the LSN of the
// record that caused it.
type LSN uint64

// InvalidLSN marks the absence of a log position (e.g. a version with no
// undo-next record).
const InvalidLSN LSN = 0

func (l LSN) String() string { return fmt.Sprintf("lsn:%d", uint64(l)) }

// TransactionID identifies a transaction for its entire lifetime, assigned
// by a single monotonic counter in the Transaction Manager.
type TransactionID uint64

const InvalidTransactionID TransactionID = 0

func (t TransactionID) String() string { return fmt.Sprintf("txn:%d", uint64(t)) }

// Timestamp is a logical commit/snapshot clock value, assigned by a
// monotonic counter distinct from TransactionID (transactions are ordered
// by when they began; timestamps by when they committed or a snapshot was
// vended).
type Timestamp uint64

const InvalidTimestamp Timestamp = 0

func (t Timestamp) String() string { return fmt.Sprintf("ts:%d", uint64(t)) }

// TableID and IndexID are reserved for the catalog layer built atop this
// core (query executor territory); declared here so that layer never has
// to invent a competing alias.
type TableID uint64
type IndexID uint64

// SessionID identifies a client session; distinct from TransactionID
// because one session may run many transactions sequentially. Generated as
// a UUID by callers (see root package), represented here as an opaque
// wrapper so the core never depends on a particular session-id encoding.
type SessionID string

func (s SessionID) String() string { return string(s) }

package core

import "fmt"

// ErrorKind classifies a core failure so callers can decide whether to
// retry, escalate, or fail fast without parsing an error string. The *Error
// that carries it holds the kind, a free-form message and an optional
// cause; it has no typed context fields (txn id, page id, LSN, resource).
type ErrorKind uint8

const (
	// KindIo is an underlying storage error; retryable only if the caller
	// understands why it failed.
	KindIo ErrorKind = iota
	// KindCorruption is a checksum or structural invariant violation;
	// fatal for the affected resource, never retried silently.
	KindCorruption
	// KindConflict is an MVCC write conflict or first-committer-wins
	// rejection; retry the whole transaction.
	KindConflict
	// KindDeadlock means a transaction was chosen as a deadlock victim; retry.
	KindDeadlock
	// KindTimeout means a lock-acquire or pin deadline was exceeded; retry
	// or surface to the caller.
	KindTimeout
	// KindResourceExhausted covers per-txn lock caps, a fully pinned
	// buffer pool, or WAL space; non-retryable without backoff.
	KindResourceExhausted
	// KindNotFound is a key- or page-level lookup miss.
	KindNotFound
	// KindAlreadyExists is a key- or page-level uniqueness violation.
	KindAlreadyExists
	// KindInvalidState means the operation is illegal for the transaction's
	// current state (e.g. write on a Committed transaction).
	KindInvalidState
	// KindDurabilityFailure means the WAL fsync failed; fatal at process
	// scope.
	KindDurabilityFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindIo:
		return "Io"
	case KindCorruption:
		return "Corruption"
	case KindConflict:
		return "Conflict"
	case KindDeadlock:
		return "Deadlock"
	case KindTimeout:
		return "Timeout"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidState:
		return "InvalidState"
	case KindDurabilityFailure:
		return "DurabilityFailure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is the typed error every core component returns. Message carries
// human-readable context; Cause, when set, is the wrapped underlying error
// (an os.PathError, a WAL poison error, etc).
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying cause as its Unwrap target.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping along
// the way (so a wrapped *Error two levels deep still matches).
func Is(err error, kind ErrorKind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Kind == kind {
				return true
			}
			err = ce.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the transaction boundary should simply retry
// the whole transaction on this error kind (§7's propagation policy).
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindConflict, KindDeadlock, KindTimeout:
		return true
	default:
		return false
	}
}

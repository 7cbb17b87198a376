package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinytxn/txn/isolation"
)

// Status is the lifecycle state of a transaction.
//
// Transitions: Active -> Active (nested begin), Active -> Doomed (deadlock
// victim), Active -> Committed, Active -> Aborted, Doomed -> Aborted.
// Committed and Aborted are terminal.
type Status int

const (
	StatusActive Status = iota
	StatusDoomed
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusDoomed:
		return "DOOMED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// SavepointMarker captures a point inside a transaction: the watermarks of
// the lock and undo sequences at SAVE TRANSACTION time. Rolling back to the
// marker releases locks and undoes versions acquired after it.
type SavepointMarker struct {
	Name    string
	LockSeq uint64
	UndoSeq uint64
}

// Transaction is one transaction table entry. All mutable state is guarded
// by mu; the Manager and the engine read it only through the accessors.
type Transaction struct {
	ID    uint64
	Level isolation.Level

	mu         sync.Mutex
	status     Status
	nestDepth  int
	savepoints []SavepointMarker
	// snapshotTS is the transaction-start snapshot under SNAPSHOT isolation,
	// zero otherwise.
	snapshotTS uint64
	// undoSeq numbers this transaction's writes; savepoints capture it.
	undoSeq uint64
}

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) NestDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nestDepth
}

func (t *Transaction) SnapshotTS() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotTS
}

// NextUndoSeq allocates the undo sequence number for a new write.
func (t *Transaction) NextUndoSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undoSeq++
	return t.undoSeq
}

// Usable returns nil when the transaction can accept reads, writes and
// savepoints: it must be Active. Doomed transactions only accept rollback.
func (t *Transaction) Usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive:
		return nil
	case StatusDoomed:
		return &ErrDoomedTransaction{TxnID: t.ID, Status: t.status}
	default:
		return &ErrNoActiveTransaction{TxnID: t.ID}
	}
}

// Savepoints returns a copy of the savepoint stack, oldest first.
func (t *Transaction) Savepoints() []SavepointMarker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SavepointMarker, len(t.savepoints))
	copy(out, t.savepoints)
	return out
}

package transaction

import (
	"sort"
	"sync"

	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinytxn/txn/isolation"
	"github.com/pingcap-incubator/tinytxn/txn/tso"
)

// LockReleaser is what the manager needs from the lock manager. The manager
// never touches lock state directly; lock mutation stays behind this
// interface so the lock manager remains the single writer of its tables.
type LockReleaser interface {
	ReleaseAll(txnID uint64)
	ReleaseSince(txnID uint64, seq uint64)
	LockWatermark(txnID uint64) uint64
}

// VersionUndo is what the manager needs from the version store.
type VersionUndo interface {
	CommitVersions(txnID uint64, commitTS uint64)
	InvalidateAll(txnID uint64)
	InvalidateSince(txnID uint64, seq uint64)
}

// TxnInfo is the diagnostics copy of a transaction table entry.
type TxnInfo struct {
	ID         uint64
	Status     Status
	Level      isolation.Level
	NestDepth  int
	SnapshotTS uint64
}

// Manager owns the transaction table and the transaction state machine. It
// mediates every lifecycle event between callers and the lock manager /
// version store.
type Manager struct {
	oracle   *tso.Oracle
	locks    LockReleaser
	versions VersionUndo

	mu   sync.Mutex
	txns map[uint64]*Transaction
}

func NewManager(oracle *tso.Oracle, locks LockReleaser, versions VersionUndo) *Manager {
	return &Manager{
		oracle:   oracle,
		locks:    locks,
		versions: versions,
		txns:     map[uint64]*Transaction{},
	}
}

// Begin starts a transaction at the given level, or — when parent is an
// active transaction — records a nested BEGIN: the nest depth increments and
// the same transaction is returned. Nested transactions are counters, not
// independent units of work; only the outermost commit publishes anything.
func (m *Manager) Begin(level isolation.Level, parent *Transaction) *Transaction {
	if parent != nil {
		parent.mu.Lock()
		if parent.status == StatusActive {
			parent.nestDepth++
			parent.mu.Unlock()
			return parent
		}
		parent.mu.Unlock()
	}
	txn := &Transaction{
		ID:        m.oracle.Next(),
		Level:     level,
		status:    StatusActive,
		nestDepth: 1,
	}
	if isolation.PolicyOf(level).SnapshotRead && !isolation.PolicyOf(level).SnapshotPerStatement {
		txn.snapshotTS = m.oracle.Current()
	}
	m.mu.Lock()
	m.txns[txn.ID] = txn
	m.mu.Unlock()
	return txn
}

// Get looks a transaction up by id.
func (m *Manager) Get(txnID uint64) (*Transaction, error) {
	m.mu.Lock()
	txn := m.txns[txnID]
	m.mu.Unlock()
	if txn == nil {
		return nil, &ErrNoActiveTransaction{TxnID: txnID}
	}
	return txn, nil
}

// Savepoint pushes a savepoint marker capturing the current lock and undo
// watermarks. Reusing a name shadows the earlier marker, SQL style.
func (m *Manager) Savepoint(txn *Transaction, name string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.status != StatusActive {
		return &ErrNoActiveTransaction{TxnID: txn.ID}
	}
	txn.savepoints = append(txn.savepoints, SavepointMarker{
		Name:    name,
		LockSeq: m.locks.LockWatermark(txn.ID),
		UndoSeq: txn.undoSeq,
	})
	return nil
}

// RollbackToSavepoint partially rolls the transaction back: locks and
// versions acquired after the named marker are released and undone, nest
// depth is untouched and the transaction stays Active. Savepoints set after
// the marker are discarded; the marker itself survives and can be rolled
// back to again.
func (m *Manager) RollbackToSavepoint(txn *Transaction, name string) error {
	txn.mu.Lock()
	if txn.status == StatusDoomed {
		txn.mu.Unlock()
		return &ErrDoomedTransaction{TxnID: txn.ID, Status: StatusDoomed}
	}
	if txn.status != StatusActive {
		txn.mu.Unlock()
		return &ErrNoActiveTransaction{TxnID: txn.ID}
	}
	idx := -1
	for i := len(txn.savepoints) - 1; i >= 0; i-- {
		if txn.savepoints[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		txn.mu.Unlock()
		return &ErrUnknownSavepoint{TxnID: txn.ID, Name: name}
	}
	marker := txn.savepoints[idx]
	txn.savepoints = txn.savepoints[:idx+1]
	txn.undoSeq = marker.UndoSeq
	txn.mu.Unlock()

	m.versions.InvalidateSince(txn.ID, marker.UndoSeq)
	m.locks.ReleaseSince(txn.ID, marker.LockSeq)
	return nil
}

// Rollback rolls the whole transaction back, regardless of nesting: a full
// ROLLBACK always discards the outermost transaction. Doomed transactions
// are allowed here — it is the one operation they accept.
func (m *Manager) Rollback(txn *Transaction) error {
	txn.mu.Lock()
	if txn.status != StatusActive && txn.status != StatusDoomed {
		txn.mu.Unlock()
		return &ErrNoActiveTransaction{TxnID: txn.ID}
	}
	txn.status = StatusAborted
	txn.nestDepth = 0
	txn.savepoints = nil
	txn.mu.Unlock()

	m.versions.InvalidateAll(txn.ID)
	m.locks.ReleaseAll(txn.ID)
	m.drop(txn.ID)
	log.Debugf("txn=%d rolled back", txn.ID)
	return nil
}

// Commit decrements the nest depth; the 1 -> 0 transition is the real
// commit: a commit timestamp is allocated, the transaction's versions are
// published at it and every lock is released. Inner commits only count down.
// Committing a doomed or finished transaction fails without side effects.
func (m *Manager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	if txn.status != StatusActive {
		st := txn.status
		txn.mu.Unlock()
		return &ErrDoomedTransaction{TxnID: txn.ID, Status: st}
	}
	txn.nestDepth--
	if txn.nestDepth > 0 {
		txn.mu.Unlock()
		return nil
	}
	txn.status = StatusCommitted
	txn.savepoints = nil
	txn.mu.Unlock()

	commitTS := m.oracle.Next()
	m.versions.CommitVersions(txn.ID, commitTS)
	m.locks.ReleaseAll(txn.ID)
	m.drop(txn.ID)
	log.Debugf("txn=%d committed at ts=%d", txn.ID, commitTS)
	return nil
}

// Doom marks an active transaction as a deadlock victim. The only operation
// it will accept afterwards is a full Rollback.
func (m *Manager) Doom(txn *Transaction) {
	txn.mu.Lock()
	if txn.status == StatusActive {
		txn.status = StatusDoomed
	}
	txn.mu.Unlock()
}

// Active returns diagnostics snapshots of every transaction still in the
// table, ordered by id.
func (m *Manager) Active() []TxnInfo {
	m.mu.Lock()
	txns := make([]*Transaction, 0, len(m.txns))
	for _, txn := range m.txns {
		txns = append(txns, txn)
	}
	m.mu.Unlock()

	infos := make([]TxnInfo, 0, len(txns))
	for _, txn := range txns {
		txn.mu.Lock()
		infos = append(infos, TxnInfo{
			ID:         txn.ID,
			Status:     txn.status,
			Level:      txn.Level,
			NestDepth:  txn.nestDepth,
			SnapshotTS: txn.snapshotTS,
		})
		txn.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) drop(txnID uint64) {
	m.mu.Lock()
	delete(m.txns, txnID)
	m.mu.Unlock()
}

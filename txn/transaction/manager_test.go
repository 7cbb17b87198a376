package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/txn/isolation"
	"github.com/pingcap-incubator/tinytxn/txn/tso"
)

// fakeLocks records the lock manager calls the transaction manager makes.
type fakeLocks struct {
	watermark    uint64
	releasedAll  []uint64
	releasedSeqs []uint64
}

func (f *fakeLocks) ReleaseAll(txnID uint64)             { f.releasedAll = append(f.releasedAll, txnID) }
func (f *fakeLocks) ReleaseSince(txnID uint64, s uint64) { f.releasedSeqs = append(f.releasedSeqs, s) }
func (f *fakeLocks) LockWatermark(txnID uint64) uint64   { return f.watermark }

type fakeVersions struct {
	committedAt     uint64
	invalidatedAll  []uint64
	invalidatedSeqs []uint64
}

func (f *fakeVersions) CommitVersions(txnID uint64, commitTS uint64) { f.committedAt = commitTS }
func (f *fakeVersions) InvalidateAll(txnID uint64) {
	f.invalidatedAll = append(f.invalidatedAll, txnID)
}
func (f *fakeVersions) InvalidateSince(txnID uint64, s uint64) {
	f.invalidatedSeqs = append(f.invalidatedSeqs, s)
}

func newTestManager() (*Manager, *fakeLocks, *fakeVersions) {
	locks := &fakeLocks{}
	versions := &fakeVersions{}
	return NewManager(tso.NewOracle(1), locks, versions), locks, versions
}

func TestBeginCommit(t *testing.T) {
	m, locks, versions := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	assert.Equal(t, StatusActive, txn.Status())
	assert.Equal(t, 1, txn.NestDepth())

	require.NoError(t, m.Commit(txn))
	assert.Equal(t, StatusCommitted, txn.Status())
	assert.Equal(t, []uint64{txn.ID}, locks.releasedAll)
	assert.True(t, versions.committedAt > txn.ID)

	// The transaction is gone from the table.
	_, err := m.Get(txn.ID)
	require.Error(t, err)
}

func TestNestedBegin(t *testing.T) {
	m, locks, _ := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	inner := m.Begin(isolation.ReadCommitted, txn)
	assert.Same(t, txn, inner)
	m.Begin(isolation.ReadCommitted, txn)
	assert.Equal(t, 3, txn.NestDepth())

	// Inner commits only count down; nothing is published.
	require.NoError(t, m.Commit(txn))
	require.NoError(t, m.Commit(txn))
	assert.Equal(t, StatusActive, txn.Status())
	assert.Empty(t, locks.releasedAll)

	require.NoError(t, m.Commit(txn))
	assert.Equal(t, StatusCommitted, txn.Status())
	assert.Equal(t, []uint64{txn.ID}, locks.releasedAll)
}

func TestNestedRollbackIsTotal(t *testing.T) {
	m, locks, versions := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	m.Begin(isolation.ReadCommitted, txn)
	m.Begin(isolation.ReadCommitted, txn)

	// Rollback ignores nest depth and undoes the whole transaction.
	require.NoError(t, m.Rollback(txn))
	assert.Equal(t, StatusAborted, txn.Status())
	assert.Equal(t, []uint64{txn.ID}, locks.releasedAll)
	assert.Equal(t, []uint64{txn.ID}, versions.invalidatedAll)
	_, err := m.Get(txn.ID)
	require.Error(t, err)
}

func TestCommitAfterFinishFails(t *testing.T) {
	m, _, _ := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	require.NoError(t, m.Commit(txn))
	require.Error(t, m.Commit(txn))
	require.Error(t, m.Rollback(txn))
}

func TestSavepointRollback(t *testing.T) {
	m, locks, versions := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)

	locks.watermark = 3
	txn.NextUndoSeq()
	txn.NextUndoSeq()
	require.NoError(t, m.Savepoint(txn, "sp1"))

	locks.watermark = 7
	txn.NextUndoSeq()
	require.NoError(t, m.Savepoint(txn, "sp2"))

	require.NoError(t, m.RollbackToSavepoint(txn, "sp1"))
	assert.Equal(t, StatusActive, txn.Status())
	assert.Equal(t, []uint64{3}, locks.releasedSeqs)
	assert.Equal(t, []uint64{2}, versions.invalidatedSeqs)

	// sp2 was discarded, sp1 survives and can be reused.
	require.Error(t, m.RollbackToSavepoint(txn, "sp2"))
	require.NoError(t, m.RollbackToSavepoint(txn, "sp1"))

	// New writes resume from the savepoint's undo sequence.
	assert.Equal(t, uint64(3), txn.NextUndoSeq())
}

func TestUnknownSavepoint(t *testing.T) {
	m, _, _ := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	err := m.RollbackToSavepoint(txn, "nope")
	require.Error(t, err)
	_, ok := err.(*ErrUnknownSavepoint)
	assert.True(t, ok)
}

func TestSavepointShadowing(t *testing.T) {
	m, locks, _ := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)

	locks.watermark = 1
	require.NoError(t, m.Savepoint(txn, "sp"))
	locks.watermark = 5
	require.NoError(t, m.Savepoint(txn, "sp"))

	// The newer marker wins.
	require.NoError(t, m.RollbackToSavepoint(txn, "sp"))
	assert.Equal(t, []uint64{5}, locks.releasedSeqs)
}

func TestDoomedTransaction(t *testing.T) {
	m, _, _ := newTestManager()
	txn := m.Begin(isolation.ReadCommitted, nil)
	require.NoError(t, m.Savepoint(txn, "sp"))
	m.Doom(txn)
	assert.Equal(t, StatusDoomed, txn.Status())

	// A doomed transaction accepts nothing but a full rollback.
	err := m.Commit(txn)
	require.Error(t, err)
	_, ok := err.(*ErrDoomedTransaction)
	assert.True(t, ok)
	require.Error(t, m.RollbackToSavepoint(txn, "sp"))
	require.NoError(t, m.Rollback(txn))
	assert.Equal(t, StatusAborted, txn.Status())
}

func TestSnapshotTimestampCapture(t *testing.T) {
	m, _, _ := newTestManager()
	txn := m.Begin(isolation.Snapshot, nil)
	assert.NotZero(t, txn.SnapshotTS())

	rc := m.Begin(isolation.ReadCommitted, nil)
	assert.Zero(t, rc.SnapshotTS())
}

func TestActiveList(t *testing.T) {
	m, _, _ := newTestManager()
	a := m.Begin(isolation.ReadCommitted, nil)
	b := m.Begin(isolation.Serializable, nil)
	infos := m.Active()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].ID < infos[1].ID)
	assert.Equal(t, a.ID, infos[0].ID)
	assert.Equal(t, b.Level, infos[1].Level)
}

package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pingcap-incubator/tinytxn/txn/lock"
)

func TestPolicyTable(t *testing.T) {
	levels := []Level{ReadUncommitted, ReadCommitted, ReadCommittedSnapshot, RepeatableRead, Serializable, Snapshot}
	for _, l := range levels {
		assert.True(t, l.Valid(), l.String())
	}
	assert.False(t, Level(len(levels)).Valid())

	// The two read-committed variants differ only in mechanism.
	rc := PolicyOf(ReadCommitted)
	assert.False(t, rc.NoReadLock)
	assert.True(t, rc.ShortReadLocks)
	assert.Equal(t, lock.ModeS, rc.ReadLock)

	rcsi := PolicyOf(ReadCommittedSnapshot)
	assert.True(t, rcsi.NoReadLock)
	assert.True(t, rcsi.SnapshotRead)
	assert.True(t, rcsi.SnapshotPerStatement)
	assert.False(t, rcsi.WriteConflictCheck)

	rr := PolicyOf(RepeatableRead)
	assert.False(t, rr.ShortReadLocks)
	assert.False(t, rr.KeyRange)

	ser := PolicyOf(Serializable)
	assert.False(t, ser.ShortReadLocks)
	assert.True(t, ser.KeyRange)

	snap := PolicyOf(Snapshot)
	assert.True(t, snap.NoReadLock)
	assert.True(t, snap.SnapshotRead)
	assert.False(t, snap.SnapshotPerStatement)
	assert.True(t, snap.WriteConflictCheck)

	ru := PolicyOf(ReadUncommitted)
	assert.True(t, ru.NoReadLock)
	assert.False(t, ru.SnapshotRead)
}

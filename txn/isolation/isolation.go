package isolation

import (
	"github.com/pingcap-incubator/tinytxn/txn/lock"
)

// Level is one of the six isolation behaviors. It is chosen at BEGIN and
// immutable for the transaction's lifetime.
type Level int

const (
	// ReadUncommitted reads the newest version, committed or not, without
	// read locks. Prevents nothing.
	ReadUncommitted Level = iota
	// ReadCommitted takes a short shared lock per read, released as soon as
	// the read returns. Prevents dirty reads.
	ReadCommitted
	// ReadCommittedSnapshot reads a statement-start snapshot instead of
	// locking. Prevents dirty reads without blocking on writers.
	ReadCommittedSnapshot
	// RepeatableRead holds shared locks to transaction end. Prevents dirty
	// and non-repeatable reads.
	RepeatableRead
	// Serializable additionally key-range locks the gaps around what it
	// reads, preventing phantoms.
	Serializable
	// Snapshot reads a transaction-start snapshot and rejects writes to rows
	// updated after it (update conflict). The transaction's own view admits
	// no dirty, non-repeatable or phantom reads.
	Snapshot

	numLevels = int(Snapshot) + 1
)

// Policy says how reads and writes of a level translate into lock manager
// and version store calls. Exactly one Policy exists per level; they are
// plain data so the read/write paths stay branch-free.
type Policy struct {
	// ReadLock is the mode point reads lock rows with; NoReadLock levels
	// read versions instead.
	ReadLock lock.Mode
	// NoReadLock is set for the versioned-read levels.
	NoReadLock bool
	// ShortReadLocks releases the read lock as soon as the read completes
	// instead of holding it to transaction end.
	ShortReadLocks bool
	// KeyRange adds RangeS gap locks to range reads, preventing phantoms.
	// Inserts take insert-intention gap locks at every level, so the RangeS
	// locks bind writers regardless of the writer's own level.
	KeyRange bool
	// SnapshotRead selects version-store visibility by timestamp.
	SnapshotRead bool
	// SnapshotPerStatement refreshes the snapshot timestamp at every
	// statement rather than once per transaction.
	SnapshotPerStatement bool
	// WriteConflictCheck rejects writes to rows committed past the snapshot.
	WriteConflictCheck bool
}

var policies = [numLevels]Policy{
	ReadUncommitted: {
		NoReadLock:   true,
		SnapshotRead: false,
	},
	ReadCommitted: {
		ReadLock:       lock.ModeS,
		ShortReadLocks: true,
	},
	ReadCommittedSnapshot: {
		NoReadLock:           true,
		SnapshotRead:         true,
		SnapshotPerStatement: true,
	},
	RepeatableRead: {
		ReadLock: lock.ModeS,
	},
	Serializable: {
		ReadLock: lock.ModeS,
		KeyRange: true,
	},
	Snapshot: {
		NoReadLock:         true,
		SnapshotRead:       true,
		WriteConflictCheck: true,
	},
}

// PolicyOf returns the policy for a level.
func PolicyOf(level Level) Policy {
	return policies[level]
}

// Valid reports whether level names one of the six behaviors.
func (l Level) Valid() bool {
	return l >= ReadUncommitted && l <= Snapshot
}

func (l Level) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case ReadCommittedSnapshot:
		return "READ COMMITTED SNAPSHOT"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	case Snapshot:
		return "SNAPSHOT"
	default:
		return "UNKNOWN"
	}
}

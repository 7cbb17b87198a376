package mvcc

import "fmt"

// ErrWriteConflict is returned when a snapshot transaction tries to write a
// row that another transaction updated after the snapshot was taken. It
// mirrors the update-conflict error of snapshot isolation databases
// (SQL Server error 3960); the offending transaction must roll back.
type ErrWriteConflict struct {
	Row        RowID
	SnapshotTS uint64
	ConflictTS uint64
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict: row %s updated at ts=%d after snapshot ts=%d", e.Row, e.ConflictTS, e.SnapshotTS)
}

package engine

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/txn/mvcc"
)

// ErrIsolationViolation reports a broken engine invariant: a writer holding
// a row's exclusive lock observed an uncommitted version of that row created
// by another transaction. It indicates a lock manager or caller bug, not a
// recoverable conflict; the transaction is doomed.
type ErrIsolationViolation struct {
	Row   mvcc.RowID
	TxnID uint64
}

func (e *ErrIsolationViolation) Error() string {
	return fmt.Sprintf("isolation violation on %s: txn %d holds the exclusive lock but another write is pending", e.Row, e.TxnID)
}

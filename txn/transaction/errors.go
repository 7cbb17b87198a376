package transaction

import "fmt"

// ErrNoActiveTransaction is returned when an operation references a
// transaction id that is not active: never begun, already finished, or
// removed after a full rollback.
type ErrNoActiveTransaction struct {
	TxnID uint64
}

func (e *ErrNoActiveTransaction) Error() string {
	return fmt.Sprintf("no active transaction with id %d", e.TxnID)
}

// ErrUnknownSavepoint is returned when rolling back to a savepoint name that
// was never set, or that an earlier rollback already discarded.
type ErrUnknownSavepoint struct {
	TxnID uint64
	Name  string
}

func (e *ErrUnknownSavepoint) Error() string {
	return fmt.Sprintf("unknown savepoint %q in transaction %d", e.Name, e.TxnID)
}

// ErrDoomedTransaction is returned when a doomed or finished transaction is
// asked to do anything other than roll back. A doomed transaction (deadlock
// victim) must be rolled back before its caller can continue.
type ErrDoomedTransaction struct {
	TxnID  uint64
	Status Status
}

func (e *ErrDoomedTransaction) Error() string {
	return fmt.Sprintf("transaction %d is %s and can only be rolled back", e.TxnID, e.Status)
}

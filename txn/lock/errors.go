package lock

import (
	"fmt"
	"time"
)

// ErrTimeout is returned when a lock request waited longer than the caller
// supplied bound. The requesting transaction is left untouched; the caller
// decides whether to retry or roll back.
type ErrTimeout struct {
	Resource ResourceID
	Mode     Mode
	Waited   time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("lock request timed out after %v, resource: %s, mode: %s", e.Waited, e.Resource, e.Mode)
}

// ErrDeadlock is returned to the victim of a deadlock cycle. The victim's
// transaction must be rolled back; every other participant keeps running.
type ErrDeadlock struct {
	Resource ResourceID
	Mode     Mode
	// Victim is the transaction chosen to break the cycle. It always equals
	// the transaction whose Acquire failed with this error.
	Victim uint64
	// Cycle lists the transactions on the wait-for cycle, victim included.
	Cycle []uint64
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock detected, victim: %d, cycle: %v, resource: %s", e.Victim, e.Cycle, e.Resource)
}

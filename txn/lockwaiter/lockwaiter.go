package lockwaiter

import (
	"sync"
	"time"

	"github.com/ngaut/log"
)

// Manager tracks the blocked lock requests of the engine. A transaction is a
// single logical task, so it has at most one pending request at a time and
// waiters are keyed by the waiting transaction id.
type Manager struct {
	mu      sync.Mutex
	waiters map[uint64]*Waiter
}

func NewManager() *Manager {
	return &Manager{
		waiters: map[uint64]*Waiter{},
	}
}

// Waiter is the suspension point of one blocked Acquire call. The channel is
// buffered so wakers never block.
type Waiter struct {
	TxnID   uint64
	timeout time.Duration
	ch      chan Result
}

// Result is delivered to a waiter when its block resolves. Exactly one of
// the conditions holds: the request was granted, the waiter was chosen as a
// deadlock victim, or the wait timed out.
type Result struct {
	Granted  bool
	Deadlock *DeadlockNotice
	Timeout  bool
}

// DeadlockNotice tells a waiter it was picked to break a wait-for cycle.
type DeadlockNotice struct {
	Victim uint64
	Cycle  []uint64
}

// NewWaiter registers a waiter for txnID. The caller must eventually resolve
// it through WakeUp, WakeUpForDeadlock or CleanUp.
func (m *Manager) NewWaiter(txnID uint64, timeout time.Duration) *Waiter {
	w := &Waiter{
		TxnID:   txnID,
		timeout: timeout,
		ch:      make(chan Result, 1),
	}
	m.mu.Lock()
	m.waiters[txnID] = w
	m.mu.Unlock()
	return w
}

// Wait suspends until the waiter is woken or its timeout expires.
func (w *Waiter) Wait() Result {
	select {
	case <-time.After(w.timeout):
		return Result{Timeout: true}
	case result := <-w.ch:
		return result
	}
}

// WakeUp resolves txnID's pending wait as granted. It reports whether a
// waiter was actually registered; a false return means the waiter already
// timed out and cleaned itself up.
func (m *Manager) WakeUp(txnID uint64) bool {
	m.mu.Lock()
	w := m.waiters[txnID]
	delete(m.waiters, txnID)
	m.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- Result{Granted: true}
	return true
}

// WakeUpForDeadlock resolves txnID's pending wait as a deadlock abort.
func (m *Manager) WakeUpForDeadlock(txnID uint64, notice *DeadlockNotice) bool {
	m.mu.Lock()
	w := m.waiters[txnID]
	delete(m.waiters, txnID)
	m.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- Result{Deadlock: notice}
	log.Infof("wakeup txn=%d as deadlock victim, cycle=%v", txnID, notice.Cycle)
	return true
}

// CleanUp removes txnID's waiter after a timeout. If a wakeup raced ahead of
// the cleanup the pending result is returned so the caller can honor the
// grant instead of reporting a timeout.
func (m *Manager) CleanUp(txnID uint64) (Result, bool) {
	m.mu.Lock()
	w := m.waiters[txnID]
	delete(m.waiters, txnID)
	m.mu.Unlock()
	if w == nil {
		return Result{}, false
	}
	select {
	case result := <-w.ch:
		return result, true
	default:
		return Result{}, false
	}
}

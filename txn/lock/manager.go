package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinytxn/txn/lockwaiter"
)

const defaultShards = 16

// Options tunes a Manager.
type Options struct {
	// Shards is the number of lock table shards. Zero means defaultShards.
	Shards int
	// EscalationThreshold is the number of fine-grained locks a transaction
	// may hold under one table before the manager attempts to escalate them
	// to a single table lock. Zero disables escalation.
	EscalationThreshold int
}

// Manager is the lock manager: a sharded resource table with FIFO wait
// queues, a wait-for graph for deadlock detection, and lock escalation.
// Only the Manager mutates lock state.
type Manager struct {
	shards   []*shard
	waiters  *lockwaiter.Manager
	detector *Detector

	escalationThreshold int

	// txnMu guards the per-transaction lock registries. Lock order: a shard
	// mutex may be held when taking txnMu, never the other way around.
	txnMu sync.Mutex
	txns  map[uint64]*txnLocks
}

type shard struct {
	mu        sync.Mutex
	resources map[ResourceID]*resourceLock
}

type resourceLock struct {
	granted []*Handle
	queue   []*request
}

// Handle is one granted lock. Mode may move to a stronger mode through
// conversion; Seq is the acquisition order within the owning transaction
// and is the watermark unit for savepoint release.
type Handle struct {
	Resource ResourceID
	Mode     Mode
	Owner    uint64
	Seq      uint64
}

// HandleInfo is the diagnostics copy of a Handle.
type HandleInfo struct {
	Resource ResourceID
	Mode     Mode
	Seq      uint64
}

type request struct {
	txnID   uint64
	res     ResourceID
	mode    Mode
	convert bool
	waiter  *lockwaiter.Waiter
	// handle is installed by the granting goroutine before the waiter is
	// woken, and read by the waiting goroutine only after a granted wakeup.
	handle *Handle
}

type txnLocks struct {
	handles   []*Handle
	fineCount map[string]int
	nextSeq   uint64
}

func NewManager(opts Options) *Manager {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{resources: map[ResourceID]*resourceLock{}}
	}
	return &Manager{
		shards:              shards,
		waiters:             lockwaiter.NewManager(),
		detector:            NewDetector(),
		escalationThreshold: opts.EscalationThreshold,
		txns:                map[uint64]*txnLocks{},
	}
}

func (m *Manager) shardFor(res ResourceID) *shard {
	return m.shards[res.fingerprint()%uint64(len(m.shards))]
}

// Acquire grants mode on res to txnID, blocking until the lock is available,
// the timeout expires (ErrTimeout, transaction unharmed) or the request is
// chosen as a deadlock victim (ErrDeadlock, caller must roll back). Acquire
// is re-entrant: a held mode covering the request returns the held handle,
// and a stronger request converts the held handle in place.
func (m *Manager) Acquire(txnID uint64, res ResourceID, mode Mode, timeout time.Duration) (*Handle, error) {
	start := time.Now()
	h, req := m.tryAcquire(txnID, res, mode, timeout)
	if h != nil {
		lockEventCounter.WithLabelValues("grant").Inc()
		m.maybeEscalate(txnID, res)
		return h, nil
	}

	lockEventCounter.WithLabelValues("wait").Inc()
	if victim, cycle := m.detector.Detect(txnID, m.heldCount); victim != 0 {
		lockEventCounter.WithLabelValues("deadlock").Inc()
		notice := &lockwaiter.DeadlockNotice{Victim: victim, Cycle: cycle}
		if victim == txnID {
			if granted := m.cancelWait(txnID, res, req); granted != nil {
				m.Release(txnID, res)
			}
			m.waiters.CleanUp(txnID)
			return nil, &ErrDeadlock{Resource: res, Mode: mode, Victim: victim, Cycle: cycle}
		}
		m.waiters.WakeUpForDeadlock(victim, notice)
	}

	result := req.waiter.Wait()
	switch {
	case result.Timeout:
		// A grant or deadlock wakeup may have raced ahead of the timeout;
		// CleanUp drains it so the request resolves exactly once.
		if late, ok := m.waiters.CleanUp(txnID); ok {
			result = late
			break
		}
		if granted := m.cancelWait(txnID, res, req); granted != nil {
			return granted, nil
		}
		lockEventCounter.WithLabelValues("timeout").Inc()
		return nil, &ErrTimeout{Resource: res, Mode: mode, Waited: time.Since(start)}
	}
	if result.Deadlock != nil {
		// If a concurrent release granted us in the same instant, give the
		// lock back: the detector has already promised the cycle is broken
		// through this transaction.
		if granted := m.cancelWait(txnID, res, req); granted != nil {
			m.Release(txnID, res)
		}
		return nil, &ErrDeadlock{Resource: res, Mode: mode, Victim: result.Deadlock.Victim, Cycle: result.Deadlock.Cycle}
	}
	m.detector.Clear(txnID)
	m.maybeEscalate(txnID, res)
	return req.handle, nil
}

// TryAcquire is Acquire without waiting: it either grants immediately or
// reports false. Used by lock escalation and by diagnostics probes.
func (m *Manager) TryAcquire(txnID uint64, res ResourceID, mode Mode) (*Handle, bool) {
	h, req := m.tryAcquire(txnID, res, mode, 0)
	if h == nil {
		if req != nil {
			m.cancelWait(txnID, res, req)
			m.waiters.CleanUp(txnID)
		}
		return nil, false
	}
	return h, true
}

// tryAcquire attempts an immediate grant under the shard mutex. On conflict
// it registers a waiter plus queue entry and records wait-for edges, then
// returns the pending request.
func (m *Manager) tryAcquire(txnID uint64, res ResourceID, mode Mode, timeout time.Duration) (*Handle, *request) {
	sh := m.shardFor(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rl := sh.resources[res]
	if rl == nil {
		rl = &resourceLock{}
		sh.resources[res] = rl
	}

	if own := rl.ownedBy(txnID); own != nil {
		if Covers(own.Mode, mode) {
			return own, nil
		}
		// Lock conversion. Conversions only wait on other granted holders,
		// never on queued requests: they jump the queue.
		if rl.compatibleWithGranted(txnID, mode) {
			m.setMode(own, Combine(own.Mode, mode))
			return own, nil
		}
		req := &request{txnID: txnID, res: res, mode: mode, convert: true, waiter: m.waiters.NewWaiter(txnID, timeout)}
		rl.queue = append([]*request{req}, rl.queue...)
		m.detector.SetEdges(txnID, rl.blockersOf(req))
		return nil, req
	}

	if len(rl.queue) == 0 && rl.compatibleWithGranted(txnID, mode) {
		return m.grantLocked(rl, txnID, res, mode), nil
	}

	req := &request{txnID: txnID, res: res, mode: mode, waiter: m.waiters.NewWaiter(txnID, timeout)}
	rl.queue = append(rl.queue, req)
	m.detector.SetEdges(txnID, rl.blockersOf(req))
	return nil, req
}

// grantLocked installs a new handle for txnID. Caller holds the shard mutex.
func (m *Manager) grantLocked(rl *resourceLock, txnID uint64, res ResourceID, mode Mode) *Handle {
	h := &Handle{Resource: res, Mode: mode, Owner: txnID}
	rl.granted = append(rl.granted, h)
	m.registerHandle(txnID, h)
	return h
}

// cancelWait removes txnID's pending request after a timeout or deadlock.
// If the request was instead granted concurrently, the handle is returned.
func (m *Manager) cancelWait(txnID uint64, res ResourceID, req *request) *Handle {
	sh := m.shardFor(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m.detector.Clear(txnID)
	rl := sh.resources[res]
	if rl == nil {
		return nil
	}
	for i, r := range rl.queue {
		if r == req {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			m.processQueueLocked(rl)
			return nil
		}
	}
	if req.handle != nil {
		return req.handle
	}
	return rl.ownedBy(txnID)
}

// Release drops txnID's lock on res and hands the resource to whichever
// queued requests become grantable.
func (m *Manager) Release(txnID uint64, res ResourceID) {
	sh := m.shardFor(res)
	sh.mu.Lock()
	rl := sh.resources[res]
	var woken []*request
	if rl != nil {
		for i, h := range rl.granted {
			if h.Owner == txnID {
				rl.granted = append(rl.granted[:i], rl.granted[i+1:]...)
				m.unregisterHandle(txnID, h)
				break
			}
		}
		woken = m.processQueueLocked(rl)
		if len(rl.granted) == 0 && len(rl.queue) == 0 {
			delete(sh.resources, res)
		}
	}
	sh.mu.Unlock()
	m.wake(woken)
}

// ReleaseAll drops every lock txnID holds, waking blocked requests. Invoked
// by the transaction manager at commit and at full rollback.
func (m *Manager) ReleaseAll(txnID uint64) {
	m.releaseFrom(txnID, 0)
	m.txnMu.Lock()
	delete(m.txns, txnID)
	m.txnMu.Unlock()
}

// ReleaseSince drops the locks acquired after the given savepoint watermark,
// keeping everything at or below it. Handles converted in place keep their
// original sequence and therefore survive, matching the rule that a
// savepoint rollback never downgrades a converted or escalated lock.
func (m *Manager) ReleaseSince(txnID uint64, seq uint64) {
	m.releaseFrom(txnID, seq)
}

func (m *Manager) releaseFrom(txnID uint64, seq uint64) {
	m.txnMu.Lock()
	tl := m.txns[txnID]
	var victims []*Handle
	if tl != nil {
		kept := tl.handles[:0]
		for _, h := range tl.handles {
			if h.Seq > seq {
				victims = append(victims, h)
				if h.Resource.fineGrained() {
					tl.fineCount[h.Resource.Table]--
				}
			} else {
				kept = append(kept, h)
			}
		}
		tl.handles = kept
	}
	m.txnMu.Unlock()

	// Release in reverse acquisition order.
	for i := len(victims) - 1; i >= 0; i-- {
		m.releaseHandle(victims[i])
	}
}

// releaseHandle removes an already-deregistered handle from its resource.
func (m *Manager) releaseHandle(h *Handle) {
	sh := m.shardFor(h.Resource)
	sh.mu.Lock()
	rl := sh.resources[h.Resource]
	var woken []*request
	if rl != nil {
		for i, g := range rl.granted {
			if g == h {
				rl.granted = append(rl.granted[:i], rl.granted[i+1:]...)
				break
			}
		}
		woken = m.processQueueLocked(rl)
		if len(rl.granted) == 0 && len(rl.queue) == 0 {
			delete(sh.resources, h.Resource)
		}
	}
	sh.mu.Unlock()
	m.wake(woken)
}

// processQueueLocked grants queued requests that became compatible, in FIFO
// order, stopping at the first one still blocked. It refreshes the wait-for
// edges of the requests left blocked. Caller holds the shard mutex; the
// returned requests must be woken after the mutex is dropped.
func (m *Manager) processQueueLocked(rl *resourceLock) []*request {
	var woken []*request
	for len(rl.queue) > 0 {
		req := rl.queue[0]
		if req.convert {
			own := rl.ownedBy(req.txnID)
			if own == nil {
				// Converting transaction released the base lock (rollback);
				// treat as a fresh request.
				req.convert = false
				continue
			}
			if !rl.compatibleWithGranted(req.txnID, req.mode) {
				break
			}
			m.setMode(own, Combine(own.Mode, req.mode))
			req.handle = own
		} else {
			if !rl.compatibleWithGranted(req.txnID, req.mode) {
				break
			}
			req.handle = m.grantLocked(rl, req.txnID, req.res, req.mode)
		}
		rl.queue = rl.queue[1:]
		woken = append(woken, req)
	}
	for _, req := range rl.queue {
		m.detector.SetEdges(req.txnID, rl.blockersOf(req))
	}
	return woken
}

func (m *Manager) wake(reqs []*request) {
	for _, req := range reqs {
		m.detector.Clear(req.txnID)
		if !m.waiters.WakeUp(req.txnID) {
			log.Warnf("lock grant for txn=%d raced with its timeout, resource=%s", req.txnID, req.handle.Resource)
		}
		lockEventCounter.WithLabelValues("grant").Inc()
	}
}

// setMode rewrites a handle's mode under txnMu so diagnostics readers never
// observe a torn value.
func (m *Manager) setMode(h *Handle, mode Mode) {
	m.txnMu.Lock()
	h.Mode = mode
	m.txnMu.Unlock()
}

func (m *Manager) registerHandle(txnID uint64, h *Handle) {
	m.txnMu.Lock()
	tl := m.txns[txnID]
	if tl == nil {
		tl = &txnLocks{fineCount: map[string]int{}}
		m.txns[txnID] = tl
	}
	tl.nextSeq++
	h.Seq = tl.nextSeq
	tl.handles = append(tl.handles, h)
	if h.Resource.fineGrained() {
		tl.fineCount[h.Resource.Table]++
	}
	m.txnMu.Unlock()
}

func (m *Manager) unregisterHandle(txnID uint64, h *Handle) {
	m.txnMu.Lock()
	tl := m.txns[txnID]
	if tl != nil {
		for i, held := range tl.handles {
			if held == h {
				tl.handles = append(tl.handles[:i], tl.handles[i+1:]...)
				break
			}
		}
		if h.Resource.fineGrained() {
			tl.fineCount[h.Resource.Table]--
		}
	}
	m.txnMu.Unlock()
}

// heldCount is the victim-selection cost function: locks currently held.
func (m *Manager) heldCount(txnID uint64) int {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	tl := m.txns[txnID]
	if tl == nil {
		return 0
	}
	return len(tl.handles)
}

// maybeEscalate replaces txnID's fine-grained locks under res's table with a
// single table lock once their count crosses the threshold. Escalation is
// skipped, not failed, when any other transaction holds a conflicting lock
// on the table resource; since every fine-grained lock is preceded by an
// intent lock on its table, the table resource alone is a sound conflict
// summary of the whole subtree.
func (m *Manager) maybeEscalate(txnID uint64, res ResourceID) {
	if m.escalationThreshold <= 0 || !res.fineGrained() {
		return
	}
	table := res.Table

	m.txnMu.Lock()
	tl := m.txns[txnID]
	if tl == nil || tl.fineCount[table] < m.escalationThreshold {
		m.txnMu.Unlock()
		return
	}
	target := ModeS
	var fine []*Handle
	for _, h := range tl.handles {
		if h.Resource.fineGrained() && h.Resource.Table == table {
			fine = append(fine, h)
			if h.Mode.Exclusive() {
				target = ModeX
			}
		}
	}
	m.txnMu.Unlock()

	tableHandle, ok := m.TryAcquire(txnID, TableResource(table), target)
	if !ok {
		escalationCounter.WithLabelValues("skipped").Inc()
		return
	}

	for _, h := range fine {
		m.unregisterHandle(txnID, h)
		m.releaseHandle(h)
	}
	m.txnMu.Lock()
	if tl := m.txns[txnID]; tl != nil {
		tl.fineCount[table] = 0
	}
	m.txnMu.Unlock()
	escalationCounter.WithLabelValues("done").Inc()
	log.Infof("escalated %d fine-grained locks of txn=%d to %s on table %s",
		len(fine), txnID, tableHandle.Mode, table)
}

// HeldLocks returns the locks txnID currently holds, in acquisition order.
func (m *Manager) HeldLocks(txnID uint64) []HandleInfo {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	tl := m.txns[txnID]
	if tl == nil {
		return nil
	}
	infos := make([]HandleInfo, 0, len(tl.handles))
	for _, h := range tl.handles {
		infos = append(infos, HandleInfo{Resource: h.Resource, Mode: h.Mode, Seq: h.Seq})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })
	return infos
}

// LockWatermark returns the sequence number of the most recently acquired
// lock, the value a savepoint captures.
func (m *Manager) LockWatermark(txnID uint64) uint64 {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	tl := m.txns[txnID]
	if tl == nil {
		return 0
	}
	return tl.nextSeq
}

// WaitForSnapshot exposes the wait-for graph for diagnostics.
func (m *Manager) WaitForSnapshot() []Edge {
	return m.detector.Snapshot()
}

func (rl *resourceLock) ownedBy(txnID uint64) *Handle {
	for _, h := range rl.granted {
		if h.Owner == txnID {
			return h
		}
	}
	return nil
}

// compatibleWithGranted reports whether txnID may be granted mode alongside
// the locks other transactions hold on the resource.
func (rl *resourceLock) compatibleWithGranted(txnID uint64, mode Mode) bool {
	for _, h := range rl.granted {
		if h.Owner != txnID && !Compatible(h.Mode, mode) {
			return false
		}
	}
	return true
}

// blockersOf lists the transactions req waits for: conflicting granted
// holders, plus conflicting requests queued ahead of it.
func (rl *resourceLock) blockersOf(req *request) []uint64 {
	var blockers []uint64
	for _, h := range rl.granted {
		if h.Owner != req.txnID && !Compatible(h.Mode, req.mode) {
			blockers = append(blockers, h.Owner)
		}
	}
	for _, other := range rl.queue {
		if other == req {
			break
		}
		if other.txnID != req.txnID && !Compatible(other.mode, req.mode) {
			blockers = append(blockers, other.txnID)
		}
	}
	return blockers
}

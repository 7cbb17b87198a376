package lock

import (
	"sort"
	"sync"
)

// Edge is one wait-for relation: Waiter is blocked on a lock held (or
// requested earlier) by Holder.
type Edge struct {
	Waiter uint64
	Holder uint64
}

// Detector maintains the wait-for graph of blocked lock requests and finds
// cycles in it. Edges are keyed by transaction id; the graph never holds
// references into the lock table, so detection can run while other shards
// keep granting.
type Detector struct {
	mu      sync.Mutex
	waitFor map[uint64]map[uint64]struct{}
}

func NewDetector() *Detector {
	return &Detector{
		waitFor: map[uint64]map[uint64]struct{}{},
	}
}

// SetEdges replaces waiter's outgoing edges with the given blockers. Called
// whenever a request blocks or the holder set of a blocked request changes.
func (d *Detector) SetEdges(waiter uint64, blockers []uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(blockers) == 0 {
		delete(d.waitFor, waiter)
		return
	}
	edges := make(map[uint64]struct{}, len(blockers))
	for _, b := range blockers {
		if b != waiter {
			edges[b] = struct{}{}
		}
	}
	d.waitFor[waiter] = edges
}

// Clear removes waiter's outgoing edges once its block resolves.
func (d *Detector) Clear(waiter uint64) {
	d.mu.Lock()
	delete(d.waitFor, waiter)
	d.mu.Unlock()
}

// Detect looks for a cycle through start. If one exists it returns the
// victim chosen to break it and the full cycle; otherwise victim is 0.
//
// Victim policy: the cycle member with the least accumulated work, measured
// as the number of locks it holds (the cost callback), with the lowest
// transaction id as tie-break. The policy is deliberately deterministic so
// tests can assert on the victim.
func (d *Detector) Detect(start uint64, cost func(txnID uint64) int) (victim uint64, cycle []uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cycle = d.search(start, start, map[uint64]struct{}{start: {}}, []uint64{start})
	if cycle == nil {
		return 0, nil
	}
	victim = cycle[0]
	victimCost := cost(victim)
	for _, txn := range cycle[1:] {
		c := cost(txn)
		if c < victimCost || (c == victimCost && txn < victim) {
			victim, victimCost = txn, c
		}
	}
	return victim, cycle
}

// search walks the component reachable from cur looking for target. path
// holds the transactions from start to cur inclusive.
func (d *Detector) search(cur, target uint64, seen map[uint64]struct{}, path []uint64) []uint64 {
	next := make([]uint64, 0, len(d.waitFor[cur]))
	for n := range d.waitFor[cur] {
		next = append(next, n)
	}
	// deterministic traversal order, so the reported cycle is stable
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	for _, n := range next {
		if n == target {
			return path
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if found := d.search(n, target, seen, append(path, n)); found != nil {
			return found
		}
	}
	return nil
}

// Snapshot returns the current wait-for edges, for diagnostics.
func (d *Detector) Snapshot() []Edge {
	d.mu.Lock()
	defer d.mu.Unlock()
	edges := make([]Edge, 0, len(d.waitFor))
	for waiter, holders := range d.waitFor {
		for holder := range holders {
			edges = append(edges, Edge{Waiter: waiter, Holder: holder})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Waiter != edges[j].Waiter {
			return edges[i].Waiter < edges[j].Waiter
		}
		return edges[i].Holder < edges[j].Holder
	})
	return edges
}

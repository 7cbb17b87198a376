package tso

import (
	"go.uber.org/atomic"
)

// Oracle hands out logical timestamps. Transaction ids and commit timestamps
// are drawn from the same sequence, so for any transaction the commit
// timestamp is strictly greater than its start timestamp, and the relative
// order of any two allocations is the order of their Next calls.
type Oracle struct {
	counter *atomic.Uint64
}

// NewOracle creates an Oracle starting just above first, so that first itself
// is never allocated. Pass 0 for a fresh engine.
func NewOracle(first uint64) *Oracle {
	return &Oracle{counter: atomic.NewUint64(first)}
}

// Next allocates a new timestamp.
func (o *Oracle) Next() uint64 {
	return o.counter.Inc()
}

// Current returns the most recently allocated timestamp without allocating.
// A statement snapshot taken at Current sees every allocation that happened
// before the call.
func (o *Oracle) Current() uint64 {
	return o.counter.Load()
}

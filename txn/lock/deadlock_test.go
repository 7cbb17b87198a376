package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func constCost(int) func(uint64) int {
	return func(uint64) int { return 1 }
}

func TestDetectNoCycle(t *testing.T) {
	d := NewDetector()
	d.SetEdges(1, []uint64{2})
	d.SetEdges(2, []uint64{3})
	victim, cycle := d.Detect(1, constCost(1))
	assert.Equal(t, uint64(0), victim)
	assert.Nil(t, cycle)
}

func TestDetectTwoCycle(t *testing.T) {
	d := NewDetector()
	d.SetEdges(1, []uint64{2})
	d.SetEdges(2, []uint64{1})
	victim, cycle := d.Detect(1, constCost(1))
	// Equal cost, lowest id loses.
	assert.Equal(t, uint64(1), victim)
	assert.ElementsMatch(t, []uint64{1, 2}, cycle)
}

func TestDetectVictimByCost(t *testing.T) {
	d := NewDetector()
	d.SetEdges(1, []uint64{2})
	d.SetEdges(2, []uint64{1})
	cost := func(txnID uint64) int {
		if txnID == 1 {
			return 10
		}
		return 2
	}
	victim, _ := d.Detect(1, cost)
	// Fewest held locks rolls back.
	assert.Equal(t, uint64(2), victim)
	victim, _ = d.Detect(2, cost)
	assert.Equal(t, uint64(2), victim)
}

func TestDetectLongCycle(t *testing.T) {
	d := NewDetector()
	d.SetEdges(1, []uint64{2})
	d.SetEdges(2, []uint64{3})
	d.SetEdges(3, []uint64{4})
	d.SetEdges(4, []uint64{1})
	victim, cycle := d.Detect(4, constCost(1))
	assert.Equal(t, uint64(1), victim)
	assert.Len(t, cycle, 4)
}

func TestDetectClear(t *testing.T) {
	d := NewDetector()
	d.SetEdges(1, []uint64{2})
	d.SetEdges(2, []uint64{1})
	d.Clear(2)
	victim, _ := d.Detect(1, constCost(1))
	assert.Equal(t, uint64(0), victim)
}

func TestSnapshotSorted(t *testing.T) {
	d := NewDetector()
	d.SetEdges(3, []uint64{1})
	d.SetEdges(1, []uint64{2, 4})
	edges := d.Snapshot()
	assert.Equal(t, []Edge{{Waiter: 1, Holder: 2}, {Waiter: 1, Holder: 4}, {Waiter: 3, Holder: 1}}, edges)
}

package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatSymmetric(t *testing.T) {
	for a := Mode(0); a < Mode(numModes); a++ {
		for b := Mode(0); b < Mode(numModes); b++ {
			assert.Equal(t, Compatible(a, b), Compatible(b, a), "%s vs %s", a, b)
		}
	}
}

func TestCompatMatrix(t *testing.T) {
	// X conflicts with everything except Sch-S.
	for m := Mode(0); m < Mode(numModes); m++ {
		assert.Equal(t, m == ModeSchS, Compatible(ModeX, m), "X vs %s", m)
	}
	// Sch-M conflicts with everything.
	for m := Mode(0); m < Mode(numModes); m++ {
		assert.False(t, Compatible(ModeSchM, m), "Sch-M vs %s", m)
	}
	// Sch-S only conflicts with Sch-M.
	for m := Mode(0); m < Mode(numModes); m++ {
		assert.Equal(t, m != ModeSchM, Compatible(ModeSchS, m), "Sch-S vs %s", m)
	}

	assert.True(t, Compatible(ModeS, ModeS))
	assert.True(t, Compatible(ModeS, ModeIS))
	assert.True(t, Compatible(ModeS, ModeU))
	assert.False(t, Compatible(ModeS, ModeIX))
	assert.False(t, Compatible(ModeS, ModeSIX))

	// Only one U at a time, but readers pass.
	assert.False(t, Compatible(ModeU, ModeU))
	assert.False(t, Compatible(ModeU, ModeX))
	assert.False(t, Compatible(ModeU, ModeIX))

	assert.True(t, Compatible(ModeIS, ModeIX))
	assert.True(t, Compatible(ModeIX, ModeIX))
	assert.True(t, Compatible(ModeIS, ModeSIX))
	assert.False(t, Compatible(ModeIX, ModeSIX))
	assert.False(t, Compatible(ModeSIX, ModeSIX))

	// Range locks: shared ranges coexist, insert intents conflict with them.
	assert.True(t, Compatible(ModeRangeS, ModeRangeS))
	assert.False(t, Compatible(ModeRangeS, ModeRangeI))
	assert.True(t, Compatible(ModeRangeI, ModeRangeI))
}

func TestCovers(t *testing.T) {
	for m := Mode(0); m < Mode(numModes); m++ {
		assert.True(t, Covers(m, m), "%s covers itself", m)
	}
	assert.True(t, Covers(ModeX, ModeS))
	assert.True(t, Covers(ModeX, ModeU))
	assert.True(t, Covers(ModeX, ModeIX))
	assert.True(t, Covers(ModeU, ModeS))
	assert.True(t, Covers(ModeSIX, ModeIS))
	assert.True(t, Covers(ModeSIX, ModeIX))
	assert.True(t, Covers(ModeSIX, ModeS))
	assert.True(t, Covers(ModeS, ModeIS))
	assert.False(t, Covers(ModeS, ModeX))
	assert.False(t, Covers(ModeIS, ModeS))
	assert.False(t, Covers(ModeU, ModeX))
}

func TestCombine(t *testing.T) {
	assert.Equal(t, ModeSIX, Combine(ModeS, ModeIX))
	assert.Equal(t, ModeSIX, Combine(ModeIX, ModeS))
	assert.Equal(t, ModeX, Combine(ModeS, ModeX))
	assert.Equal(t, ModeX, Combine(ModeU, ModeX))
	assert.Equal(t, ModeU, Combine(ModeS, ModeU))
	assert.Equal(t, ModeS, Combine(ModeIS, ModeS))
}

func TestResourceFineGrained(t *testing.T) {
	assert.False(t, SchemaResource("t").fineGrained())
	assert.False(t, TableResource("t").fineGrained())
	assert.True(t, PageResource("t", []byte("k")).fineGrained())
	assert.True(t, RowResource("t", []byte("k")).fineGrained())
	assert.True(t, GapResource("t", []byte("k")).fineGrained())
}

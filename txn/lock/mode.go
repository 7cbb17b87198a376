package lock

// Mode is a lock mode. The set follows the SQL Server lock taxonomy: shared,
// update and exclusive locks on rows and pages, intent locks on the levels
// above them, schema locks on tables, and key-range modes on gap resources.
type Mode int

const (
	ModeIS Mode = iota
	ModeIX
	ModeS
	ModeU
	ModeSIX
	ModeX
	ModeSchS
	ModeSchM
	// ModeRangeS is a shared key-range lock. It is taken on gap resources by
	// serializable range reads and keeps new keys out of the covered gap.
	ModeRangeS
	// ModeRangeI is an insert-intention lock on a gap resource. Two inserts
	// into the same gap do not conflict with each other, only with range
	// readers of that gap.
	ModeRangeI

	numModes = int(ModeRangeI) + 1
)

// compat[a][b] reports whether a granted lock in mode a allows another
// transaction to be granted mode b on the same resource. The matrix is
// symmetric.
//
// Note: S and U are compatible (a reader may share with one update scanner),
// while two U locks conflict, which is what makes U useful against the
// classic S->X upgrade deadlock.
var compat = [numModes][numModes]bool{
	//        IS     IX     S      U      SIX    X      SchS   SchM   RgS    RgI
	ModeIS:     {true, true, true, true, true, false, true, false, true, true},
	ModeIX:     {true, true, false, false, false, false, true, false, false, true},
	ModeS:      {true, false, true, true, false, false, true, false, true, false},
	ModeU:      {true, false, true, false, false, false, true, false, true, false},
	ModeSIX:    {true, false, false, false, false, false, true, false, false, false},
	ModeX:      {false, false, false, false, false, false, true, false, false, false},
	ModeSchS:   {true, true, true, true, true, true, true, false, true, true},
	ModeSchM:   {false, false, false, false, false, false, false, false, false, false},
	ModeRangeS: {true, false, true, true, false, false, true, false, true, false},
	ModeRangeI: {true, true, false, false, false, false, true, false, false, true},
}

// covers[a][b] reports whether holding mode a already satisfies a request for
// mode b, making the request a no-op for the same transaction.
var covers = [numModes][numModes]bool{
	ModeIS:     {ModeIS: true},
	ModeIX:     {ModeIS: true, ModeIX: true},
	ModeS:      {ModeIS: true, ModeS: true},
	ModeU:      {ModeIS: true, ModeS: true, ModeU: true},
	ModeSIX:    {ModeIS: true, ModeIX: true, ModeS: true, ModeSIX: true},
	ModeX:      {ModeIS: true, ModeIX: true, ModeS: true, ModeU: true, ModeSIX: true, ModeX: true},
	ModeSchS:   {ModeSchS: true},
	ModeSchM:   {ModeIS: true, ModeIX: true, ModeS: true, ModeU: true, ModeSIX: true, ModeX: true, ModeSchS: true, ModeSchM: true, ModeRangeS: true, ModeRangeI: true},
	ModeRangeS: {ModeIS: true, ModeS: true, ModeRangeS: true},
	ModeRangeI: {ModeRangeI: true},
}

// Compatible reports whether two lock modes may be granted on the same
// resource to different transactions.
func Compatible(a, b Mode) bool {
	if !a.valid() || !b.valid() {
		return false
	}
	return compat[a][b]
}

// Covers reports whether held satisfies a request for want.
func Covers(held, want Mode) bool {
	if !held.valid() || !want.valid() {
		return false
	}
	return covers[held][want]
}

// Combine returns the mode a transaction ends up holding after requesting
// want while already holding held (a lock conversion). S+IX and U+IX convert
// to SIX; anything else without a covering relation converts to X.
func Combine(held, want Mode) Mode {
	if Covers(held, want) {
		return held
	}
	if Covers(want, held) {
		return want
	}
	if (held == ModeS || held == ModeU) && want == ModeIX {
		return ModeSIX
	}
	if held == ModeIX && (want == ModeS || want == ModeU) {
		return ModeSIX
	}
	return ModeX
}

func (m Mode) valid() bool {
	return m >= ModeIS && m < Mode(numModes)
}

// Exclusive reports whether the mode is a write-strength mode for the
// purpose of choosing an escalation target.
func (m Mode) Exclusive() bool {
	switch m {
	case ModeU, ModeSIX, ModeX, ModeSchM, ModeRangeI:
		return true
	}
	return false
}

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeU:
		return "U"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	case ModeSchS:
		return "Sch-S"
	case ModeSchM:
		return "Sch-M"
	case ModeRangeS:
		return "RangeS"
	case ModeRangeI:
		return "RangeI"
	default:
		return "UNKNOWN"
	}
}

package lock

import (
	"fmt"

	"github.com/dgryski/go-farm"
)

// Scope is the granularity of a lockable resource.
type Scope int

const (
	ScopeSchema Scope = iota
	ScopeTable
	ScopePage
	ScopeRow
	// ScopeGap is the open interval below a row key, lockable by key-range
	// modes. The gap above the largest key of a table belongs to the
	// infinity resource (see GapResource).
	ScopeGap
)

func (s Scope) String() string {
	switch s {
	case ScopeSchema:
		return "SCHEMA"
	case ScopeTable:
		return "TABLE"
	case ScopePage:
		return "PAGE"
	case ScopeRow:
		return "ROW"
	case ScopeGap:
		return "GAP"
	default:
		return "UNKNOWN"
	}
}

// ResourceID identifies one lockable resource. Row and gap resources carry
// the full table/page/key path so that fine-grained locks can be grouped by
// their owning table for escalation.
type ResourceID struct {
	Scope Scope
	Table string
	Page  uint32
	Key   string
}

// SchemaResource returns the schema-stability resource for a table.
func SchemaResource(table string) ResourceID {
	return ResourceID{Scope: ScopeSchema, Table: table}
}

// TableResource returns the table-level resource.
func TableResource(table string) ResourceID {
	return ResourceID{Scope: ScopeTable, Table: table}
}

// PageResource returns the page-level resource holding key. Pages are
// synthesized by hashing the key; the engine has no physical pages, but the
// lock hierarchy still needs the intermediate level.
func PageResource(table string, key []byte) ResourceID {
	return ResourceID{Scope: ScopePage, Table: table, Page: PageOf(key)}
}

// RowResource returns the row-level resource for key.
func RowResource(table string, key []byte) ResourceID {
	return ResourceID{Scope: ScopeRow, Table: table, Page: PageOf(key), Key: string(key)}
}

// GapResource returns the gap resource guarding the open interval below
// nextKey. An empty nextKey means the gap above every existing key.
func GapResource(table string, nextKey []byte) ResourceID {
	return ResourceID{Scope: ScopeGap, Table: table, Key: string(nextKey)}
}

const pagesPerTable = 64

// PageOf maps a row key to its synthetic page number.
func PageOf(key []byte) uint32 {
	return uint32(farm.Fingerprint64(key) % pagesPerTable)
}

// fingerprint hashes the resource identity for shard selection.
func (r ResourceID) fingerprint() uint64 {
	buf := make([]byte, 0, len(r.Table)+len(r.Key)+8)
	buf = append(buf, byte(r.Scope))
	buf = append(buf, byte(r.Page), byte(r.Page>>8), byte(r.Page>>16), byte(r.Page>>24))
	buf = append(buf, r.Table...)
	buf = append(buf, 0)
	buf = append(buf, r.Key...)
	return farm.Fingerprint64(buf)
}

func (r ResourceID) String() string {
	switch r.Scope {
	case ScopeSchema, ScopeTable:
		return fmt.Sprintf("%s:%s", r.Scope, r.Table)
	case ScopePage:
		return fmt.Sprintf("PAGE:%s/%d", r.Table, r.Page)
	case ScopeGap:
		return fmt.Sprintf("GAP:%s/%q", r.Table, r.Key)
	default:
		return fmt.Sprintf("ROW:%s/%q", r.Table, r.Key)
	}
}

// fineGrained reports whether locks on the resource count toward the
// escalation threshold of its table.
func (r ResourceID) fineGrained() bool {
	return r.Scope == ScopeRow || r.Scope == ScopePage || r.Scope == ScopeGap
}

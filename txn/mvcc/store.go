package mvcc

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
)

// RowID names one row: the engine keys payloads by (table, key).
type RowID struct {
	Table string
	Key   []byte
}

func (r RowID) String() string {
	return fmt.Sprintf("%s/%q", r.Table, r.Key)
}

// RowVersion is one immutable version of a row. Uncommitted versions live in
// the pending maps with BeginTS zero; commit stamps BeginTS and moves them
// into the committed index. EndTS is set on a committed version when a newer
// committed version supersedes it. Versions are never mutated in place
// except for that EndTS bookkeeping.
type RowVersion struct {
	Row       RowID
	Creator   uint64
	BeginTS   uint64
	EndTS     uint64
	Seq       uint64 // per-transaction undo sequence, the savepoint watermark unit
	Payload   []byte
	Tombstone bool

	encodedKey []byte
}

// Less orders committed versions by encoded (table, key, ^ts).
func (v *RowVersion) Less(than btree.Item) bool {
	return bytes.Compare(v.encodedKey, than.(*RowVersion).encodedKey) < 0
}

// View selects which versions a read sees.
type View struct {
	// TS is the snapshot timestamp: the read sees committed versions with
	// BeginTS <= TS. TsMax reads the latest committed state.
	TS uint64
	// TxnID, when nonzero, makes the reader see its own pending writes first.
	TxnID uint64
	// AnyPending makes the read see the newest uncommitted version from any
	// transaction (read uncommitted).
	AnyPending bool
}

// Pair is a row returned from a range read.
type Pair struct {
	Key   []byte
	Value []byte
}

// Store is the version store: an in-memory MVCC row index. Committed
// versions sit in a btree ordered by (table, key, ^commitTS); uncommitted
// versions are tracked per creating transaction and per row. Only the Store
// mutates version state.
type Store struct {
	mu        sync.RWMutex
	committed *btree.BTree
	// pending versions by creator txn in write order, and by row in write
	// order. Every version appears in both; eviction removes it from both.
	pending    map[uint64][]*RowVersion
	rowPending map[string][]*RowVersion
}

func NewStore() *Store {
	return &Store{
		committed:  btree.New(32),
		pending:    map[uint64][]*RowVersion{},
		rowPending: map[string][]*RowVersion{},
	}
}

// Write appends an uncommitted version of row. seq is the transaction's undo
// sequence for the write, captured by savepoints. The caller must already
// hold the write lock on the row; the store does no lock checking.
func (s *Store) Write(txnID uint64, row RowID, payload []byte, tombstone bool, seq uint64) *RowVersion {
	v := &RowVersion{
		Row:       row,
		Creator:   txnID,
		Seq:       seq,
		Payload:   payload,
		Tombstone: tombstone,
	}
	mapKey := string(rowPrefix(row.Table, row.Key))
	s.mu.Lock()
	s.pending[txnID] = append(s.pending[txnID], v)
	s.rowPending[mapKey] = append(s.rowPending[mapKey], v)
	s.mu.Unlock()
	return v
}

// CheckConflict reports whether a committed version of row postdates the
// given snapshot. Used by snapshot-isolation writes before Write.
func (s *Store) CheckConflict(row RowID, snapshotTS uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := s.latestCommitted(row)
	if latest != nil && latest.BeginTS > snapshotTS {
		return &ErrWriteConflict{Row: row, SnapshotTS: snapshotTS, ConflictTS: latest.BeginTS}
	}
	return nil
}

// Read returns the payload of row visible under view, or found=false when no
// visible version exists or the visible version is a tombstone.
func (s *Store) Read(row RowID, view View) (payload []byte, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.visibleVersion(row, view); v != nil && !v.Tombstone {
		return v.Payload, true
	}
	return nil, false
}

func (s *Store) visibleVersion(row RowID, view View) *RowVersion {
	mapKey := string(rowPrefix(row.Table, row.Key))
	chain := s.rowPending[mapKey]
	if view.AnyPending && len(chain) > 0 {
		return chain[len(chain)-1]
	}
	if view.TxnID != 0 {
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].Creator == view.TxnID {
				return chain[i]
			}
		}
	}
	return s.committedVersion(row, view.TS)
}

// committedVersion finds the newest committed version with BeginTS <= ts.
// Caller holds at least the read lock.
func (s *Store) committedVersion(row RowID, ts uint64) *RowVersion {
	pivot := &RowVersion{encodedKey: encodeVersionKey(row.Table, row.Key, ts)}
	prefix := rowPrefix(row.Table, row.Key)
	var result *RowVersion
	s.committed.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		v := item.(*RowVersion)
		if !bytes.HasPrefix(v.encodedKey, prefix) {
			return false
		}
		result = v
		return false
	})
	return result
}

func (s *Store) latestCommitted(row RowID) *RowVersion {
	return s.committedVersion(row, TsMax)
}

// KnownRow reports whether any version of the row exists at all, committed
// or pending, live or tombstoned. Rows with only tombstone versions still
// count: the key stays in the index and anchors gap locks.
func (s *Store) KnownRow(row RowID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rowPending[string(rowPrefix(row.Table, row.Key))]) > 0 {
		return true
	}
	return s.latestCommitted(row) != nil
}

// PendingByOther reports whether a transaction other than txnID has an
// uncommitted version of the row. A writer holding the row's exclusive lock
// must never observe this.
func (s *Store) PendingByOther(row RowID, txnID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.rowPending[string(rowPrefix(row.Table, row.Key))] {
		if v.Creator != txnID {
			return true
		}
	}
	return false
}

// CommitVersions publishes every pending version of txnID at commitTS:
// BeginTS is finalized, the previous newest committed version of each row
// gets its EndTS closed, and the versions become visible to snapshots taken
// at or after commitTS. Multiple writes of one row collapse to the last one.
func (s *Store) CommitVersions(txnID uint64, commitTS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.pending[txnID]
	delete(s.pending, txnID)
	for _, v := range versions {
		s.dropRowPending(v)
		if prev := s.latestCommitted(v.Row); prev != nil && prev.EndTS == 0 {
			prev.EndTS = commitTS
		}
		v.BeginTS = commitTS
		v.encodedKey = encodeVersionKey(v.Row.Table, v.Row.Key, commitTS)
		s.committed.ReplaceOrInsert(v)
	}
}

// InvalidateAll discards every pending version of txnID (full rollback).
func (s *Store) InvalidateAll(txnID uint64) {
	s.InvalidateSince(txnID, 0)
}

// InvalidateSince discards txnID's pending versions with Seq greater than
// the savepoint watermark, keeping earlier ones pending.
func (s *Store) InvalidateSince(txnID uint64, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.pending[txnID]
	kept := versions[:0]
	for _, v := range versions {
		if v.Seq > seq {
			s.dropRowPending(v)
		} else {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(s.pending, txnID)
	} else {
		s.pending[txnID] = kept
	}
}

// dropRowPending removes v from its row chain. Caller holds the write lock.
func (s *Store) dropRowPending(v *RowVersion) {
	mapKey := string(rowPrefix(v.Row.Table, v.Row.Key))
	chain := s.rowPending[mapKey]
	for i, pv := range chain {
		if pv == v {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(s.rowPending, mapKey)
	} else {
		s.rowPending[mapKey] = chain
	}
}

// NextKey returns the smallest row key in table strictly greater than after,
// considering both committed and pending rows. found=false means after is at
// or beyond the largest key, so the relevant gap is the table's infinity gap.
func (s *Store) NextKey(table string, after []byte) (next []byte, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// ts=0 inverts to the largest suffix, placing the pivot after every
	// version of the key itself.
	pivot := &RowVersion{encodedKey: encodeVersionKey(table, after, 0)}
	tablePrefix := encodeBytes(nil, []byte(table))
	s.committed.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		v := item.(*RowVersion)
		if !bytes.HasPrefix(v.encodedKey, tablePrefix) {
			return false
		}
		next, found = v.Row.Key, true
		return false
	})

	for _, chain := range s.rowPending {
		if len(chain) == 0 || chain[0].Row.Table != table {
			continue
		}
		k := chain[0].Row.Key
		if bytes.Compare(k, after) > 0 && (!found || bytes.Compare(k, next) < 0) {
			next, found = k, true
		}
	}
	return next, found
}

// ReadRange returns up to limit visible rows with start <= key < end, in key
// order. A nil end means no upper bound. Tombstoned rows are skipped.
func (s *Store) ReadRange(table string, start, end []byte, limit int, view View) []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := map[string]RowID{}
	tablePrefix := encodeBytes(nil, []byte(table))
	pivot := &RowVersion{encodedKey: encodeVersionKey(table, start, TsMax)}
	s.committed.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		v := item.(*RowVersion)
		if !bytes.HasPrefix(v.encodedKey, tablePrefix) {
			return false
		}
		if end != nil && bytes.Compare(v.Row.Key, end) >= 0 {
			return false
		}
		rows[string(v.Row.Key)] = v.Row
		return true
	})
	for _, chain := range s.rowPending {
		if len(chain) == 0 || chain[0].Row.Table != table {
			continue
		}
		k := chain[0].Row.Key
		if bytes.Compare(k, start) < 0 || (end != nil && bytes.Compare(k, end) >= 0) {
			continue
		}
		rows[string(k)] = chain[0].Row
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		if limit > 0 && len(pairs) >= limit {
			break
		}
		if v := s.visibleVersion(rows[k], view); v != nil && !v.Tombstone {
			pairs = append(pairs, Pair{Key: rows[k].Key, Value: v.Payload})
		}
	}
	return pairs
}

// PendingRows lists the rows txnID has written but not committed, in write
// order. The transaction manager uses it to roll savepoints back and the
// diagnostics surface reports it.
func (s *Store) PendingRows(txnID uint64) []RowID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.pending[txnID]
	rows := make([]RowID, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, v.Row)
	}
	return rows
}

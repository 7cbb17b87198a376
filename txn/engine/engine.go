package engine

import (
	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinytxn/config"
	"github.com/pingcap-incubator/tinytxn/txn/isolation"
	"github.com/pingcap-incubator/tinytxn/txn/lock"
	"github.com/pingcap-incubator/tinytxn/txn/mvcc"
	"github.com/pingcap-incubator/tinytxn/txn/transaction"
	"github.com/pingcap-incubator/tinytxn/txn/tso"
)

// Engine is the concurrency control engine facade. It owns the timestamp
// oracle, the lock manager, the version store and the transaction table, and
// exposes the statement-level operations callers use: point reads, range
// reads, writes, deletes and transaction control.
//
// Every data operation follows the same shape: resolve the transaction, pick
// the isolation policy, walk the lock hierarchy top down (schema, table,
// page, row), then touch the version store. Versioned-read levels skip the
// read locks entirely and select by snapshot instead.
type Engine struct {
	conf   *config.Config
	oracle *tso.Oracle
	locks  *lock.Manager
	store  *mvcc.Store
	txns   *transaction.Manager
}

func New(conf *config.Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	oracle := tso.NewOracle(0)
	locks := lock.NewManager(lock.Options{
		Shards:              conf.LockTableShards,
		EscalationThreshold: conf.LockEscalationThreshold,
	})
	store := mvcc.NewStore()
	return &Engine{
		conf:   conf,
		oracle: oracle,
		locks:  locks,
		store:  store,
		txns:   transaction.NewManager(oracle, locks, store),
	}, nil
}

// Begin starts a transaction at the given level and returns its id.
func (e *Engine) Begin(level isolation.Level) (uint64, error) {
	if !level.Valid() {
		lvl, err := config.ParseIsolation(e.conf.DefaultIsolation)
		if err != nil {
			return 0, err
		}
		level = lvl
	}
	txn := e.txns.Begin(level, nil)
	txnEventCounter.WithLabelValues("begin").Inc()
	return txn.ID, nil
}

// BeginNested records a nested BEGIN on an existing transaction. The nest
// depth increments; no new transaction is created and the same id keeps
// working. Commit must be called once per BEGIN before anything publishes.
func (e *Engine) BeginNested(txnID uint64) error {
	txn, err := e.txns.Get(txnID)
	if err != nil {
		return err
	}
	if err := txn.Usable(); err != nil {
		return err
	}
	e.txns.Begin(txn.Level, txn)
	return nil
}

// Read returns the payload of a row visible to the transaction, or nil when
// the row does not exist (or is deleted) in the transaction's view.
func (e *Engine) Read(txnID uint64, row mvcc.RowID) ([]byte, error) {
	commandCounter.WithLabelValues("read").Inc()
	txn, err := e.usableTxn(txnID)
	if err != nil {
		return nil, err
	}
	p := isolation.PolicyOf(txn.Level)
	if p.NoReadLock {
		payload, _ := e.store.Read(row, e.readView(txn, p))
		return payload, nil
	}
	return e.lockingRead(txn, p, row, p.ReadLock, p.ShortReadLocks)
}

// ReadForUpdate reads a row under an update lock held to transaction end,
// regardless of isolation level. Two transactions reading the same row this
// way serialize instead of deadlocking when both later write it.
func (e *Engine) ReadForUpdate(txnID uint64, row mvcc.RowID) ([]byte, error) {
	commandCounter.WithLabelValues("read_for_update").Inc()
	txn, err := e.usableTxn(txnID)
	if err != nil {
		return nil, err
	}
	p := isolation.PolicyOf(txn.Level)
	return e.lockingRead(txn, p, row, lock.ModeU, false)
}

func (e *Engine) lockingRead(txn *transaction.Transaction, p isolation.Policy, row mvcc.RowID, mode lock.Mode, short bool) ([]byte, error) {
	if err := e.acquireIntents(txn, row, lock.ModeIS); err != nil {
		return nil, err
	}
	h, err := e.acquire(txn, lock.RowResource(row.Table, row.Key), mode)
	if err != nil {
		return nil, err
	}
	payload, _ := e.store.Read(row, mvcc.View{TS: mvcc.TsMax, TxnID: txn.ID})
	// A covering lock from an earlier write or update read comes back as
	// the original handle; only a plain read lock is safe to drop early.
	if short && h.Mode == mode {
		e.locks.Release(txn.ID, h.Resource)
	}
	return payload, nil
}

// Write installs a new uncommitted version of the row. Under SNAPSHOT
// isolation the write first checks for an update conflict; on conflict the
// write fails and the transaction stays Active.
func (e *Engine) Write(txnID uint64, row mvcc.RowID, payload []byte) error {
	commandCounter.WithLabelValues("write").Inc()
	return e.writeVersion(txnID, row, payload, false)
}

// Delete writes a tombstone version of the row. Deleting a row that was
// never written is a no-op. The key stays in the version index so gap locks
// anchored on it keep working.
func (e *Engine) Delete(txnID uint64, row mvcc.RowID) error {
	commandCounter.WithLabelValues("delete").Inc()
	if !e.store.KnownRow(row) {
		return nil
	}
	return e.writeVersion(txnID, row, nil, true)
}

func (e *Engine) writeVersion(txnID uint64, row mvcc.RowID, payload []byte, tombstone bool) error {
	txn, err := e.usableTxn(txnID)
	if err != nil {
		return err
	}
	p := isolation.PolicyOf(txn.Level)
	if p.WriteConflictCheck {
		// An update conflict is recoverable. The transaction stays Active;
		// its snapshot reads remain valid and the caller decides whether to
		// retry elsewhere or roll back.
		if err := e.store.CheckConflict(row, txn.SnapshotTS()); err != nil {
			return err
		}
	}
	if err := e.acquireIntents(txn, row, lock.ModeIX); err != nil {
		return err
	}
	if _, err := e.acquire(txn, lock.RowResource(row.Table, row.Key), lock.ModeX); err != nil {
		return err
	}
	// Inserting a new key claims the gap containing it so serializable
	// range readers holding RangeS on that gap block the phantom.
	if !e.store.KnownRow(row) {
		if err := e.lockGapContaining(txn, row); err != nil {
			return err
		}
	}
	if e.store.PendingByOther(row, txn.ID) {
		verr := &ErrIsolationViolation{Row: row, TxnID: txn.ID}
		log.Errorf("%v", verr)
		e.txns.Doom(txn)
		txnEventCounter.WithLabelValues("doom").Inc()
		return verr
	}
	e.store.Write(txn.ID, row, payload, tombstone, txn.NextUndoSeq())
	return nil
}

// lockGapContaining takes RangeI on the gap below the first key after
// row.Key, or on the table's infinity gap when no such key exists.
func (e *Engine) lockGapContaining(txn *transaction.Transaction, row mvcc.RowID) error {
	next, found := e.store.NextKey(row.Table, row.Key)
	var gap lock.ResourceID
	if found {
		gap = lock.GapResource(row.Table, next)
	} else {
		gap = lock.GapResource(row.Table, nil)
	}
	_, err := e.acquire(txn, gap, lock.ModeRangeI)
	return err
}

// ReadRange returns up to limit rows with start <= key < end in key order.
// A zero limit means no bound. Serializable transactions additionally lock
// the gaps the scan crossed, so later inserts into the range block.
func (e *Engine) ReadRange(txnID uint64, table string, start, end []byte, limit int) ([]mvcc.Pair, error) {
	commandCounter.WithLabelValues("scan").Inc()
	txn, err := e.usableTxn(txnID)
	if err != nil {
		return nil, err
	}
	p := isolation.PolicyOf(txn.Level)
	if p.NoReadLock {
		return e.store.ReadRange(table, start, end, limit, e.readView(txn, p)), nil
	}
	if _, err := e.acquire(txn, lock.SchemaResource(table), lock.ModeSchS); err != nil {
		return nil, err
	}
	if _, err := e.acquire(txn, lock.TableResource(table), lock.ModeIS); err != nil {
		return nil, err
	}
	view := mvcc.View{TS: mvcc.TsMax, TxnID: txn.ID}
	pairs := e.store.ReadRange(table, start, end, limit, view)
	var short []*lock.Handle
	lastKey := start
	for _, pair := range pairs {
		row := mvcc.RowID{Table: table, Key: pair.Key}
		if _, err := e.acquire(txn, lock.PageResource(table, pair.Key), lock.ModeIS); err != nil {
			return nil, err
		}
		h, err := e.acquire(txn, lock.RowResource(table, pair.Key), p.ReadLock)
		if err != nil {
			return nil, err
		}
		if p.ShortReadLocks && h.Mode == p.ReadLock {
			short = append(short, h)
		}
		if p.KeyRange {
			if _, err := e.acquire(txn, lock.GapResource(table, pair.Key), lock.ModeRangeS); err != nil {
				return nil, err
			}
		}
		lastKey = row.Key
	}
	if p.KeyRange {
		// Lock the gap above the last scanned key so inserts just past it
		// cannot slip into the range either.
		next, found := e.store.NextKey(table, lastKey)
		gap := lock.GapResource(table, nil)
		if found {
			gap = lock.GapResource(table, next)
		}
		if _, err := e.acquire(txn, gap, lock.ModeRangeS); err != nil {
			return nil, err
		}
	}
	// Rescan under the locks: a write that committed while the scan waited
	// on its row lock is picked up here, so the returned payloads are the
	// ones the granted locks protect.
	pairs = e.store.ReadRange(table, start, end, limit, view)
	for _, h := range short {
		e.locks.Release(txn.ID, h.Resource)
	}
	return pairs, nil
}

// AlterTable takes schema-modification on the table, blocking until every
// transaction holding any lock under it finishes. The lock is held to
// transaction end, so statements against the table queue behind the change
// until it commits or rolls back.
func (e *Engine) AlterTable(txnID uint64, table string) error {
	commandCounter.WithLabelValues("alter").Inc()
	txn, err := e.usableTxn(txnID)
	if err != nil {
		return err
	}
	_, err = e.acquire(txn, lock.SchemaResource(table), lock.ModeSchM)
	return err
}

// Savepoint sets a named savepoint on the transaction.
func (e *Engine) Savepoint(txnID uint64, name string) error {
	txn, err := e.txns.Get(txnID)
	if err != nil {
		return err
	}
	return e.txns.Savepoint(txn, name)
}

// Commit commits the transaction. Under nested BEGINs only the outermost
// commit publishes; inner commits just decrement the nest depth.
func (e *Engine) Commit(txnID uint64) error {
	txn, err := e.txns.Get(txnID)
	if err != nil {
		return err
	}
	if err := e.txns.Commit(txn); err != nil {
		return err
	}
	if txn.Status() == transaction.StatusCommitted {
		txnEventCounter.WithLabelValues("commit").Inc()
	}
	return nil
}

// Rollback rolls the transaction back. An empty savepoint name means a full
// rollback to the outermost BEGIN regardless of nest depth; a name rolls
// back to that savepoint and leaves the transaction active.
func (e *Engine) Rollback(txnID uint64, savepoint string) error {
	txn, err := e.txns.Get(txnID)
	if err != nil {
		return err
	}
	if savepoint == "" {
		if err := e.txns.Rollback(txn); err != nil {
			return err
		}
		txnEventCounter.WithLabelValues("rollback").Inc()
		return nil
	}
	return e.txns.RollbackToSavepoint(txn, savepoint)
}

// ActiveTransactions lists the transaction table for diagnostics.
func (e *Engine) ActiveTransactions() []transaction.TxnInfo {
	return e.txns.Active()
}

// HeldLocks lists the locks a transaction currently holds.
func (e *Engine) HeldLocks(txnID uint64) []lock.HandleInfo {
	return e.locks.HeldLocks(txnID)
}

// WaitForGraph returns the current wait-for edges between transactions.
func (e *Engine) WaitForGraph() []lock.Edge {
	return e.locks.WaitForSnapshot()
}

// PendingWrites lists the rows a transaction has uncommitted versions of.
func (e *Engine) PendingWrites(txnID uint64) []mvcc.RowID {
	return e.store.PendingRows(txnID)
}

func (e *Engine) usableTxn(txnID uint64) (*transaction.Transaction, error) {
	txn, err := e.txns.Get(txnID)
	if err != nil {
		return nil, err
	}
	if err := txn.Usable(); err != nil {
		return nil, err
	}
	return txn, nil
}

// acquireIntents takes the hierarchy locks above a row: Sch-S on the schema
// and the given intent mode on the table and the row's page. Intent locks
// stay held to transaction end; releasing them early would let escalation
// and table-level requests race the finer locks they announce. Sch-S is
// held to transaction end too: Sch-M conflicts are enforced only at the
// schema resource, so Sch-S must outlive every data lock taken under it.
func (e *Engine) acquireIntents(txn *transaction.Transaction, row mvcc.RowID, intent lock.Mode) error {
	if _, err := e.acquire(txn, lock.SchemaResource(row.Table), lock.ModeSchS); err != nil {
		return err
	}
	if _, err := e.acquire(txn, lock.TableResource(row.Table), intent); err != nil {
		return err
	}
	_, err := e.acquire(txn, lock.PageResource(row.Table, row.Key), intent)
	return err
}

// acquire is the one path through which statements take locks. A deadlock
// verdict dooms the transaction; a timeout leaves it active so the caller
// can retry the statement.
func (e *Engine) acquire(txn *transaction.Transaction, res lock.ResourceID, mode lock.Mode) (*lock.Handle, error) {
	h, err := e.locks.Acquire(txn.ID, res, mode, e.conf.LockWaitTimeout())
	if err != nil {
		if _, ok := err.(*lock.ErrDeadlock); ok {
			log.Warnf("txn %d chosen as deadlock victim on %s", txn.ID, res)
			e.txns.Doom(txn)
			txnEventCounter.WithLabelValues("doom").Inc()
		}
		return nil, err
	}
	return h, nil
}

func (e *Engine) readView(txn *transaction.Transaction, p isolation.Policy) mvcc.View {
	view := mvcc.View{TS: mvcc.TsMax, TxnID: txn.ID}
	if p.SnapshotRead {
		if p.SnapshotPerStatement {
			view.TS = e.oracle.Current()
		} else {
			view.TS = txn.SnapshotTS()
		}
	} else {
		view.AnyPending = true
	}
	return view
}

package tinytxn

/*
TinyTxn is an in-memory concurrency control engine intended for teaching and
experimentation. It is not suitable for production use. It implements the
pessimistic locking and row versioning model of SQL Server's storage engine:
a hierarchical lock manager, a multi-version store, and a transaction manager
supporting the six SQL Server isolation levels.

Building TinyTxn produces one executable: tinytxn-bench, a workload driver
that runs concurrent transactions against the engine and reports commit,
rollback, deadlock and timeout counts.

The `tinytxn` module is organized into the following packages:

* `config`: engine tunables, loaded from toml.
* `txn/engine`: the facade tying the pieces together; statement-level reads,
  writes, range scans and transaction control live here.
* `txn/lock`: the lock manager: modes and their compatibility matrix, the
  sharded lock table, deadlock detection and lock escalation.
* `txn/lockwaiter`: suspension and wakeup of blocked lock requests.
* `txn/mvcc`: the version store.
* `txn/isolation`: the isolation levels and the per-level policy table.
* `txn/transaction`: the transaction table, savepoints and the
  commit/rollback state machine.
* `txn/tso`: the logical timestamp oracle.
*/

// Package db provides the contracts of an embedded, transactional key-value
// storage engine. It defines the Database, Index and Txn interfaces that allow
// for consistent interaction with engine implementations while abstracting
// implementation details.
//
// The package focuses on:
//   - Typed keys with a total order per key type (Key, KeyType)
//   - Immutable value objects for reads and writes (Record)
//   - A closed error taxonomy matched with errors.Is (Error, ErrorKind)
//   - Feature discovery through capability flags
//
// Key Components:
//
//   - Database Interface: Owns the registry of named indices and the set of
//     active transactions. It is the single entry point for creating, dropping,
//     opening and closing indices and for beginning, committing and aborting
//     transactions.
//
//   - Index Interface: An ordered mapping from Key to value supporting point
//     lookups (Get, GetSingle), ordered scans (Range), strict inserts (Insert),
//     upserts (Upsert) and removal (Remove). Every operation takes an optional
//     transaction handle.
//
//   - Txn Interface: An opaque handle for a unit of work. A transaction reads
//     a snapshot of the committed state plus its own writes and buffers its
//     writes until commit.
//
//   - Cursor Interface: A lazy, restartable sequence of records produced by Range.
//
// Note on Transactions:
//   - Isolation: Snapshot isolation. A transaction captures the commit sequence
//     number at begin and never observes commits that happen later.
//   - Conflicts: Commit uses first-committer-wins validation. If two transactions
//     write the same key of the same index, the second one to commit fails with
//     an error matching ErrConflict and is aborted. Callers retry.
//   - Atomicity: All writes of a transaction become visible at the same time.
//     A reader never observes a subset of a commit.
//   - Implicit Transactions: Writes without a transaction are applied and
//     visible immediately, each as its own single-operation transaction.
//
// Note on Errors:
//
//	Every operation either returns its result or exactly one error and never
//	leaves shared state partially modified. Compare errors with errors.Is
//	against ErrEntryExists, ErrEntryDoesNotExist, ErrTransactionDoesNotExist,
//	ErrFailure and ErrConflict, or use KindOf.
//
// Related Packages:
//
// The engines/birch package (github.com/ValentinKolb/tKV/lib/db/engines/birch)
// provides an in-memory multi-version implementation of these interfaces.
//
// The testing package (github.com/ValentinKolb/tKV/lib/db/testing) provides
// standardized tests and benchmarks for any Database implementation.
package db

// Package birch implements an in-memory, multi-version transactional storage
// engine. It provides a complete implementation of the db.Database interface
// with snapshot isolation, optimistic concurrency control and ordered range scans.
//
// The package focuses on:
//   - Readers that never block writers and never observe a partial commit
//   - Short, bounded critical sections: no lock is held across calls or user code
//   - Background garbage collection of versions no reader can see anymore
//   - Stream snapshots of the committed state with an efficient binary encoding
//   - Prometheus metrics and statistics for monitoring
//
// Key Components:
//
//   - birchDB: The central structure implementing db.Database. It owns the registry
//     of named indices, the table of active transactions and the commit clock.
//
//   - clock: The state shared by a database, its indices and its transactions.
//     It holds the commit critical section, the commit sequence number, the set of
//     pinned snapshots and the event queue of the garbage collector. Indices and
//     transactions only reference the clock, never the database.
//
//   - index: A B-tree (github.com/google/btree) of entries ordered by key. Each
//     entry holds a chain of versions (seq, value or tombstone). A second, lock-free
//     map (github.com/puzpuzpuz/xsync/v3) holds the sequence number of the newest
//     commit per key and is used for commit validation.
//
//   - transaction: A snapshot sequence number, an ordered log of buffered writes
//     and one ordered write set per index. Reads overlay the write set on the
//     snapshot, range cursors merge both.
//
//   - collector: The garbage collector. It consumes the keys written by commits from
//     a lock-free MPSC queue and prunes their version chains.
//
// Internal Mechanisms:
//
//   - Commit: Validation, install and publish run in one critical section shared by
//     all commits. Validation fails if any written key has a commit newer than the
//     transaction's snapshot (first committer wins). Install appends versions tagged
//     with the next sequence number while holding the write lock of each index.
//     Publish stores that number with a single atomic store, which makes the whole
//     commit visible at once: readers only see versions at or below the sequence
//     number they started with.
//
//   - Implicit Transactions: Writes without a transaction run the same critical
//     section for a single key. The existence checks of Insert and Remove happen
//     inside it against the latest committed state.
//
//   - Snapshot Pinning: Transactions and transaction-less range cursors pin their
//     snapshot in a keyed min-heap until they end. The smallest pinned snapshot is
//     the gc watermark.
//
//   - Garbage Collection: For every written key the collector keeps the newest
//     version at or below the watermark and drops all older ones. A tombstone at
//     the watermark is dropped as well, and an entry left without versions is
//     removed from the tree. Keys that still hold versions above the watermark are
//     retried in later rounds. Rounds run every GCInterval while there is work and
//     synchronously on GC().
//
//   - Drop Protection: Each index counts the active transactions with buffered
//     writes against it. DropIndex fails while that count is positive, so a commit
//     never installs into a dropped index.
//
// Usage Example:
//
//	database := birch.NewBirchDB(nil)
//	defer database.Close()
//
//	_ = database.CreateIndex("users", db.KeyTypeText)
//	users, _ := database.OpenIndex("users")
//
//	txn, _ := database.BeginTransaction()
//	_ = users.Insert(db.NewRecord(db.TextKey("alice"), []byte("admin")), txn)
//	if err := database.CommitTransaction(txn); errors.Is(err, db.ErrConflict) {
//		// retry
//	}
//
// Thread Safety:
//
// All methods of the database, of index handles and of transactions are safe
// for concurrent use. Cursors must be used by a single goroutine at a time.
package birch

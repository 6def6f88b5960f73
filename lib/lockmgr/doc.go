// Package lockmgr implements advisory locks stored in a text keyed index of a
// db.Database. It provides a simple way to coordinate access to shared
// resources between goroutines or components sharing one database.
//
// The lockmgr only ever stores in the provided index and has no other internal
// state. Therefore it is safe to be created multiple times on the same index.
// As long as the same index is used every time, all locks work as expected.
//
// Implementation Approach:
//
//	- Lock Acquisition: A strict Insert of the key. Only one caller can insert
//	  a key that does not exist, all others get ErrEntryExists. The value holds
//	  a random owner ID (uuid) and the expiry time.
//
//	- Timeouts: A lock acquired with a timeout can be taken over once it
//	  expired. The takeover reads the lock and replaces it in one transaction,
//	  so of several callers taking over the same lock only the first commit wins.
//
//	- Safe Release: ReleaseLock reads the lock, compares the owner ID and removes
//	  the key in one transaction. A release that races with a takeover conflicts
//	  and reports false.
//
// Usage Example:
//
//	locks, err := lockmgr.NewLockManager(database, index)
//	if err != nil {
//	    // the index does not have text keys
//	}
//
//	acquired, ownerID, err := locks.AcquireLock("resource:123", 30*time.Second)
//	if acquired {
//	    // Use the resource safely
//	    // ...
//	    released, err := locks.ReleaseLock("resource:123", ownerID)
//	}
//
// Performance Impact:
//
//	- AcquireLock: One implicit Insert, plus one transaction if the lock is held
//	- ReleaseLock: One transaction with a Get and a Remove
package lockmgr

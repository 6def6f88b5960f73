package testing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"golang.org/x/sync/errgroup"
)

// DBFactory is a function that creates a new, empty instance of a Database implementation
type DBFactory func() db.Database

// RunDatabaseTests runs a comprehensive test suite for a Database implementation.
func RunDatabaseTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("ScenarioA", func(t *testing.T) {
			testScenarioA(t, factory())
		})

		t.Run("ScenarioB", func(t *testing.T) {
			testScenarioB(t, factory())
		})

		t.Run("ScenarioC", func(t *testing.T) {
			testScenarioC(t, factory())
		})

		t.Run("ScenarioD", func(t *testing.T) {
			testScenarioD(t, factory())
		})

		t.Run("RoundTrip", func(t *testing.T) {
			testRoundTrip(t, factory())
		})

		t.Run("Removal", func(t *testing.T) {
			testRemoval(t, factory())
		})

		t.Run("InsertUpsert", func(t *testing.T) {
			testInsertUpsert(t, factory())
		})

		t.Run("KeyTypeMismatch", func(t *testing.T) {
			testKeyTypeMismatch(t, factory())
		})

		t.Run("ReadYourWrites", func(t *testing.T) {
			testReadYourWrites(t, factory())
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory())
		})

		t.Run("Abort", func(t *testing.T) {
			testAbort(t, factory())
		})

		t.Run("TerminatedTransaction", func(t *testing.T) {
			testTerminatedTransaction(t, factory)
		})

		t.Run("ConflictDetection", func(t *testing.T) {
			testConflictDetection(t, factory())
		})

		t.Run("RangeScan", func(t *testing.T) {
			testRangeScan(t, factory())
		})

		t.Run("RangeMergesWriteSet", func(t *testing.T) {
			testRangeMergesWriteSet(t, factory())
		})

		t.Run("CursorSeekReset", func(t *testing.T) {
			testCursorSeekReset(t, factory())
		})

		t.Run("CursorPointInTime", func(t *testing.T) {
			testCursorPointInTime(t, factory())
		})

		t.Run("Count", func(t *testing.T) {
			testCount(t, factory())
		})

		t.Run("HandleLifecycle", func(t *testing.T) {
			testHandleLifecycle(t, factory())
		})

		t.Run("DropWithPendingWrites", func(t *testing.T) {
			testDropWithPendingWrites(t, factory())
		})

		t.Run("AtomicVisibility", func(t *testing.T) {
			testAtomicVisibility(t, factory())
		})

		t.Run("Isolation", func(t *testing.T) {
			testIsolation(t, factory())
		})

		t.Run("ConcurrentTransfers", func(t *testing.T) {
			testConcurrentTransfers(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("GarbageCollection", func(t *testing.T) {
			testGarbageCollection(t, factory())
		})

		t.Run("ClosedDatabase", func(t *testing.T) {
			testClosedDatabase(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.Database, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// mustIndex creates an index and opens a handle for it
func mustIndex(t testing.TB, database db.Database, name string, keyType db.KeyType) db.Index {
	t.Helper()
	if err := database.CreateIndex(name, keyType); err != nil {
		t.Fatalf("CreateIndex(%s) failed: %v", name, err)
	}
	idx, err := database.OpenIndex(name)
	if err != nil {
		t.Fatalf("OpenIndex(%s) failed: %v", name, err)
	}
	return idx
}

// mustBegin starts a transaction
func mustBegin(t testing.TB, database db.Database) db.Txn {
	t.Helper()
	txn, err := database.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	return txn
}

// expectKind fails the test unless err matches the sentinel
func expectKind(t testing.TB, err error, want *db.Error, op string) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("%s: expected error of kind %s, got %v", op, want.Kind, err)
	}
}

// expectValue fails the test unless key has the value (nil = key absent)
func expectValue(t testing.TB, idx db.Index, txn db.Txn, key db.Key, want []byte) {
	t.Helper()
	records, err := idx.Get(key, txn)
	if err != nil {
		t.Errorf("Get(%s) failed: %v", key, err)
		return
	}
	switch {
	case want == nil && len(records) != 0:
		t.Errorf("Expected key %s to be absent, got %s", key, records[0])
	case want != nil && len(records) != 1:
		t.Errorf("Expected key %s to have value %q, got %d record(s)", key, want, len(records))
	case want != nil && !bytes.Equal(records[0].Value, want):
		t.Errorf("Expected key %s to have value %q, got %q", key, want, records[0].Value)
	}
}

// collectKeys drains a cursor and returns its keys
func collectKeys(t testing.TB, c db.Cursor) []db.Key {
	t.Helper()
	records, err := db.Collect(c)
	if err != nil {
		t.Errorf("cursor failed: %v", err)
	}
	keys := make([]db.Key, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}

func intKeys(vals ...int64) []db.Key {
	keys := make([]db.Key, len(vals))
	for i, v := range vals {
		keys[i] = db.IntKey(v)
	}
	return keys
}

func expectKeys(t testing.TB, got, want []db.Key) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("Expected keys %v, got %v", want, got)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("Expected keys %v, got %v", want, got)
			return
		}
	}
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

func testScenarioA(t *testing.T, database db.Database) {
	defer database.Close()

	foo := mustIndex(t, database, "foo", db.KeyTypeInt)
	rec := db.NewRecord(db.IntKey(0), make([]byte, 101))

	if err := foo.Insert(rec, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := foo.GetSingle(db.IntKey(0), nil)
	if err != nil {
		t.Fatalf("GetSingle failed: %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("Expected %s, got %s", rec, got)
	}
}

func testScenarioB(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "b", db.KeyTypeInt)
	t1 := mustBegin(t, database)

	if err := idx.Insert(db.NewRecord(db.IntKey(5), []byte("x")), t1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	_, err := idx.GetSingle(db.IntKey(5), nil)
	expectKind(t, err, db.ErrEntryDoesNotExist, "GetSingle before commit")

	if err := database.CommitTransaction(t1); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := idx.GetSingle(db.IntKey(5), nil)
	if err != nil {
		t.Fatalf("GetSingle after commit failed: %v", err)
	}
	if !got.Equal(db.NewRecord(db.IntKey(5), []byte("x"))) {
		t.Errorf("Expected (5, x), got %s", got)
	}
}

func testScenarioC(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "c", db.KeyTypeInt)
	t1 := mustBegin(t, database)
	t2 := mustBegin(t, database)

	if err := idx.Insert(db.NewRecord(db.IntKey(7), []byte("a")), t1); err != nil {
		t.Fatalf("Insert in T1 failed: %v", err)
	}
	if err := database.CommitTransaction(t1); err != nil {
		t.Fatalf("Commit of T1 failed: %v", err)
	}

	if err := idx.Insert(db.NewRecord(db.IntKey(7), []byte("b")), t2); err != nil {
		t.Fatalf("Insert in T2 failed: %v", err)
	}
	err := database.CommitTransaction(t2)
	expectKind(t, err, db.ErrFailure, "Commit of T2")
	expectKind(t, err, db.ErrConflict, "Commit of T2")

	if t2.State() != db.TxnAborted {
		t.Errorf("Expected T2 to be aborted, got %s", t2.State())
	}
	expectValue(t, idx, nil, db.IntKey(7), []byte("a"))
}

func testScenarioD(t *testing.T, database db.Database) {
	defer database.Close()

	expectKind(t, database.DropIndex("never-created"), db.ErrEntryDoesNotExist, "DropIndex")

	if err := database.CreateIndex("twice", db.KeyTypeText); err != nil {
		t.Fatalf("First CreateIndex failed: %v", err)
	}
	expectKind(t, database.CreateIndex("twice", db.KeyTypeText), db.ErrEntryExists, "second CreateIndex")

	// names are case-sensitive
	if err := database.CreateIndex("Twice", db.KeyTypeText); err != nil {
		t.Errorf("CreateIndex with different case failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Single-threaded semantics
// --------------------------------------------------------------------------

func testRoundTrip(t *testing.T, database db.Database) {
	defer database.Close()

	cases := []struct {
		name    string
		keyType db.KeyType
		keys    []db.Key
	}{
		{"short", db.KeyTypeShort, []db.Key{db.ShortKey(-32768), db.ShortKey(0), db.ShortKey(1 << 14)}},
		{"int", db.KeyTypeInt, []db.Key{db.IntKey(-1 << 62), db.IntKey(0), db.IntKey(1 << 40)}},
		{"text", db.KeyTypeText, []db.Key{db.TextKey(""), db.TextKey("a"), db.TextKey("ünïcödé")}},
	}

	for _, tc := range cases {
		idx := mustIndex(t, database, tc.name, tc.keyType)

		for i, k := range tc.keys {
			for _, useTxn := range []bool{false, true} {
				var txn db.Txn
				if useTxn {
					txn = mustBegin(t, database)
				}
				value := []byte(fmt.Sprintf("%s-%d", tc.name, i))
				rec := db.NewRecord(k, value)

				if err := idx.Upsert(rec, txn); err != nil {
					t.Fatalf("Upsert(%s) failed: %v", k, err)
				}
				got, err := idx.GetSingle(k, txn)
				if err != nil {
					t.Fatalf("GetSingle(%s) failed: %v", k, err)
				}
				if !got.Equal(rec) {
					t.Errorf("Round trip of %s: expected %s, got %s", k, rec, got)
				}

				// the returned value must be a copy
				got.Value[0] = 'X'
				expectValue(t, idx, txn, k, value)

				// so must be the stored one
				value[0] = 'Y'
				expectValue(t, idx, txn, k, []byte(fmt.Sprintf("%s-%d", tc.name, i)))

				if txn != nil {
					if err := database.CommitTransaction(txn); err != nil {
						t.Fatalf("Commit failed: %v", err)
					}
				}
			}
		}
	}

	// empty and nil values are stored as empty values
	idx, err := database.OpenIndex("int")
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}
	if err := idx.Insert(db.NewRecord(db.IntKey(99), nil), nil); err != nil {
		t.Fatalf("Insert with nil value failed: %v", err)
	}
	got, err := idx.GetSingle(db.IntKey(99), nil)
	if err != nil || len(got.Value) != 0 {
		t.Errorf("Expected empty value, got %v (err %v)", got.Value, err)
	}
}

func testRemoval(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "removal", db.KeyTypeText)
	rec := db.NewRecord(db.TextKey("k"), []byte("v"))

	if err := idx.Insert(rec, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Remove(rec, nil); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	_, err := idx.GetSingle(rec.Key, nil)
	expectKind(t, err, db.ErrEntryDoesNotExist, "GetSingle after Remove")

	records, err := idx.Get(rec.Key, nil)
	if err != nil || len(records) != 0 {
		t.Errorf("Get after Remove: expected no records and no error, got %v, %v", records, err)
	}

	expectKind(t, idx.Remove(rec, nil), db.ErrEntryDoesNotExist, "second Remove")

	// removal inside a transaction
	if err := idx.Insert(rec, nil); err != nil {
		t.Fatalf("Re-insert failed: %v", err)
	}
	txn := mustBegin(t, database)
	if err := idx.Remove(rec, txn); err != nil {
		t.Fatalf("Remove in transaction failed: %v", err)
	}
	expectKind(t, idx.Remove(rec, txn), db.ErrEntryDoesNotExist, "second Remove in transaction")
	expectValue(t, idx, nil, rec.Key, []byte("v"))

	if err := database.CommitTransaction(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, idx, nil, rec.Key, nil)
}

func testInsertUpsert(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureUpsert)

	idx := mustIndex(t, database, "upsert", db.KeyTypeInt)
	k := db.IntKey(1)

	if err := idx.Insert(db.NewRecord(k, []byte("one")), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	expectKind(t, idx.Insert(db.NewRecord(k, []byte("two")), nil), db.ErrEntryExists, "duplicate Insert")
	expectValue(t, idx, nil, k, []byte("one"))

	if err := idx.Upsert(db.NewRecord(k, []byte("two")), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	expectValue(t, idx, nil, k, []byte("two"))

	// the same inside a transaction
	txn := mustBegin(t, database)
	expectKind(t, idx.Insert(db.NewRecord(k, []byte("three")), txn), db.ErrEntryExists, "duplicate Insert in transaction")
	if err := idx.Insert(db.NewRecord(db.IntKey(2), []byte("new")), txn); err != nil {
		t.Fatalf("Insert in transaction failed: %v", err)
	}
	expectKind(t, idx.Insert(db.NewRecord(db.IntKey(2), []byte("again")), txn), db.ErrEntryExists, "Insert over own write")

	// removing and inserting again in one transaction is allowed
	if err := idx.Remove(db.NewRecord(k, nil), txn); err != nil {
		t.Fatalf("Remove in transaction failed: %v", err)
	}
	if err := idx.Insert(db.NewRecord(k, []byte("three")), txn); err != nil {
		t.Fatalf("Insert after Remove in transaction failed: %v", err)
	}
	if err := database.CommitTransaction(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, idx, nil, k, []byte("three"))
	expectValue(t, idx, nil, db.IntKey(2), []byte("new"))
}

func testKeyTypeMismatch(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "typed", db.KeyTypeInt)

	expectKind(t, idx.Insert(db.NewRecord(db.TextKey("1"), nil), nil), db.ErrFailure, "Insert with text key")
	expectKind(t, idx.Insert(db.NewRecord(db.ShortKey(1), nil), nil), db.ErrFailure, "Insert with short key")
	_, err := idx.Get(db.TextKey("1"), nil)
	expectKind(t, err, db.ErrFailure, "Get with text key")
	_, err = idx.Range(db.Inclusive(db.TextKey("a")), db.Unbounded(), nil)
	expectKind(t, err, db.ErrFailure, "Range with text bound")

	expectKind(t, database.CreateIndex("bad", db.KeyType(0)), db.ErrFailure, "CreateIndex with invalid key type")
}

func testReadYourWrites(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "ryw", db.KeyTypeText)
	if err := idx.Insert(db.NewRecord(db.TextKey("old"), []byte("1")), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	txn := mustBegin(t, database)
	other := mustBegin(t, database)

	if err := idx.Insert(db.NewRecord(db.TextKey("new"), []byte("2")), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.TextKey("old"), []byte("3")), txn); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	expectValue(t, idx, txn, db.TextKey("new"), []byte("2"))
	expectValue(t, idx, txn, db.TextKey("old"), []byte("3"))

	// neither another transaction nor a transaction-less reader sees them
	expectValue(t, idx, other, db.TextKey("new"), nil)
	expectValue(t, idx, other, db.TextKey("old"), []byte("1"))
	expectValue(t, idx, nil, db.TextKey("new"), nil)
	expectValue(t, idx, nil, db.TextKey("old"), []byte("1"))

	if err := database.CommitTransaction(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// the other transaction still reads its snapshot
	expectValue(t, idx, other, db.TextKey("new"), nil)
	expectValue(t, idx, other, db.TextKey("old"), []byte("1"))
	if err := database.CommitTransaction(other); err != nil {
		t.Errorf("Read-only commit failed: %v", err)
	}
}

func testSnapshotIsolation(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "si", db.KeyTypeInt)
	for i := int64(0); i < 10; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), encodeUint(uint64(i))), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	reader := mustBegin(t, database)

	// later commits of all kinds
	for i := int64(0); i < 10; i += 2 {
		if err := idx.Upsert(db.NewRecord(db.IntKey(i), encodeUint(100)), nil); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := idx.Remove(db.NewRecord(db.IntKey(1), nil), nil); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := idx.Insert(db.NewRecord(db.IntKey(50), nil), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// repeatable reads
	for i := int64(0); i < 10; i++ {
		expectValue(t, idx, reader, db.IntKey(i), encodeUint(uint64(i)))
	}
	expectValue(t, idx, reader, db.IntKey(50), nil)

	c, err := idx.Range(db.Unbounded(), db.Unbounded(), reader)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	expectKeys(t, collectKeys(t, c), intKeys(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))

	if n, err := idx.Count(reader); err != nil || n != 10 {
		t.Errorf("Expected count 10 at snapshot, got %d (err %v)", n, err)
	}
	if n, err := idx.Count(nil); err != nil || n != 10 {
		t.Errorf("Expected latest count 10, got %d (err %v)", n, err)
	}

	if err := database.CommitTransaction(reader); err != nil {
		t.Errorf("Commit failed: %v", err)
	}
}

func testAbort(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "abort", db.KeyTypeInt)
	if err := idx.Insert(db.NewRecord(db.IntKey(1), []byte("keep")), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	txn := mustBegin(t, database)
	for i := int64(2); i < 20; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), nil), txn); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := idx.Upsert(db.NewRecord(db.IntKey(1), []byte("changed")), txn); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Remove(db.NewRecord(db.IntKey(1), nil), txn); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if err := database.AbortTransaction(txn); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if txn.State() != db.TxnAborted {
		t.Errorf("Expected aborted state, got %s", txn.State())
	}

	expectValue(t, idx, nil, db.IntKey(1), []byte("keep"))
	if n, _ := idx.Count(nil); n != 1 {
		t.Errorf("Expected 1 record after abort, got %d", n)
	}

	// an aborted transaction does not block dropping the index
	if err := database.DropIndex("abort"); err != nil {
		t.Errorf("DropIndex after abort failed: %v", err)
	}
}

func testTerminatedTransaction(t *testing.T, factory DBFactory) {
	database := factory()
	defer database.Close()

	idx := mustIndex(t, database, "terminated", db.KeyTypeInt)

	committed := mustBegin(t, database)
	if err := database.CommitTransaction(committed); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	aborted := mustBegin(t, database)
	if err := database.AbortTransaction(aborted); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	for name, txn := range map[string]db.Txn{"committed": committed, "aborted": aborted} {
		expectKind(t, database.CommitTransaction(txn), db.ErrTransactionDoesNotExist, name+" Commit")
		expectKind(t, database.AbortTransaction(txn), db.ErrTransactionDoesNotExist, name+" Abort")
		expectKind(t, idx.Insert(db.NewRecord(db.IntKey(1), nil), txn), db.ErrTransactionDoesNotExist, name+" Insert")
		expectKind(t, idx.Remove(db.NewRecord(db.IntKey(1), nil), txn), db.ErrTransactionDoesNotExist, name+" Remove")
		_, err := idx.Get(db.IntKey(1), txn)
		expectKind(t, err, db.ErrTransactionDoesNotExist, name+" Get")
		_, err = idx.Range(db.Unbounded(), db.Unbounded(), txn)
		expectKind(t, err, db.ErrTransactionDoesNotExist, name+" Range")
	}

	expectKind(t, database.CommitTransaction(nil), db.ErrTransactionDoesNotExist, "Commit(nil)")

	// transactions of another database are unknown
	foreign := mustBegin(t, database)
	other := factory()
	expectKind(t, other.CommitTransaction(foreign), db.ErrTransactionDoesNotExist, "Commit on foreign database")
	other.Close()
	if err := database.AbortTransaction(foreign); err != nil {
		t.Errorf("Abort on own database failed: %v", err)
	}

	// a cursor stops once its transaction ends
	txn := mustBegin(t, database)
	if err := idx.Insert(db.NewRecord(db.IntKey(1), nil), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	c, err := idx.Range(db.Unbounded(), db.Unbounded(), txn)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if err := database.AbortTransaction(txn); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, ok := c.Next(); ok {
		t.Error("Cursor of an aborted transaction returned a record")
	}
	expectKind(t, c.Err(), db.ErrTransactionDoesNotExist, "cursor Err")
}

func testConflictDetection(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "conflict", db.KeyTypeText)
	for _, k := range []string{"a", "b", "c"} {
		if err := idx.Insert(db.NewRecord(db.TextKey(k), []byte("0")), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// update vs remove of the same key
	t1 := mustBegin(t, database)
	t2 := mustBegin(t, database)
	if err := idx.Upsert(db.NewRecord(db.TextKey("a"), []byte("t1")), t1); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Remove(db.NewRecord(db.TextKey("a"), nil), t2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.TextKey("b"), []byte("t2")), t2); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := database.CommitTransaction(t1); err != nil {
		t.Fatalf("Commit of T1 failed: %v", err)
	}
	expectKind(t, database.CommitTransaction(t2), db.ErrConflict, "Commit of T2")

	// none of T2's writes became visible
	expectValue(t, idx, nil, db.TextKey("a"), []byte("t1"))
	expectValue(t, idx, nil, db.TextKey("b"), []byte("0"))

	// a transaction-less write also counts as a commit
	t3 := mustBegin(t, database)
	if err := idx.Upsert(db.NewRecord(db.TextKey("c"), []byte("t3")), t3); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.TextKey("c"), []byte("implicit")), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	expectKind(t, database.CommitTransaction(t3), db.ErrConflict, "Commit of T3")
	expectValue(t, idx, nil, db.TextKey("c"), []byte("implicit"))

	// disjoint keys and read-only transactions never conflict
	t4 := mustBegin(t, database)
	t5 := mustBegin(t, database)
	t6 := mustBegin(t, database)
	if err := idx.Upsert(db.NewRecord(db.TextKey("a"), []byte("t4")), t4); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.TextKey("b"), []byte("t5")), t5); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	expectValue(t, idx, t6, db.TextKey("a"), []byte("t1"))
	for _, txn := range []db.Txn{t4, t5, t6} {
		if err := database.CommitTransaction(txn); err != nil {
			t.Errorf("Commit of transaction %d failed: %v", txn.ID(), err)
		}
	}
	expectValue(t, idx, nil, db.TextKey("a"), []byte("t4"))
	expectValue(t, idx, nil, db.TextKey("b"), []byte("t5"))
}

// --------------------------------------------------------------------------
// Ordered scans
// --------------------------------------------------------------------------

func testRangeScan(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureRange)

	idx := mustIndex(t, database, "range", db.KeyTypeInt)
	for _, v := range rand.New(rand.NewSource(1)).Perm(10) {
		if err := idx.Insert(db.NewRecord(db.IntKey(int64(v)-3), nil), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	cases := []struct {
		name      string
		low, high db.Bound
		want      []db.Key
	}{
		{"all", db.Unbounded(), db.Unbounded(), intKeys(-3, -2, -1, 0, 1, 2, 3, 4, 5, 6)},
		{"inclusive", db.Inclusive(db.IntKey(-1)), db.Inclusive(db.IntKey(2)), intKeys(-1, 0, 1, 2)},
		{"exclusive", db.Exclusive(db.IntKey(-1)), db.Exclusive(db.IntKey(2)), intKeys(0, 1)},
		{"open high", db.Exclusive(db.IntKey(4)), db.Unbounded(), intKeys(5, 6)},
		{"open low", db.Unbounded(), db.Exclusive(db.IntKey(-2)), intKeys(-3)},
		{"empty", db.Inclusive(db.IntKey(3)), db.Exclusive(db.IntKey(3)), nil},
		{"inverted", db.Inclusive(db.IntKey(5)), db.Inclusive(db.IntKey(1)), nil},
		{"outside", db.Inclusive(db.IntKey(100)), db.Unbounded(), nil},
	}

	for _, tc := range cases {
		c, err := idx.Range(tc.low, tc.high, nil)
		if err != nil {
			t.Fatalf("Range %s failed: %v", tc.name, err)
		}
		got := collectKeys(t, c)
		if len(got) != len(tc.want) {
			t.Errorf("Range %s: expected %v, got %v", tc.name, tc.want, got)
		} else {
			expectKeys(t, got, tc.want)
		}

		// exhausted cursors stay exhausted
		if _, ok := c.Next(); ok {
			t.Errorf("Range %s: exhausted cursor returned a record", tc.name)
		}
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}

	// text keys are ordered by bytes
	text := mustIndex(t, database, "text-range", db.KeyTypeText)
	for _, k := range []string{"b", "B", "a", "ab", ""} {
		if err := text.Insert(db.NewRecord(db.TextKey(k), nil), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	c, err := text.Range(db.Unbounded(), db.Unbounded(), nil)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	defer c.Close()
	expectKeys(t, collectKeys(t, c), []db.Key{db.TextKey(""), db.TextKey("B"), db.TextKey("a"), db.TextKey("ab"), db.TextKey("b")})
}

func testRangeMergesWriteSet(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureRange)

	idx := mustIndex(t, database, "merge", db.KeyTypeInt)
	for _, i := range []int64{1, 3, 5, 7} {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), []byte("committed")), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	txn := mustBegin(t, database)
	defer database.AbortTransaction(txn)

	if err := idx.Insert(db.NewRecord(db.IntKey(0), []byte("own")), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Insert(db.NewRecord(db.IntKey(4), []byte("own")), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Remove(db.NewRecord(db.IntKey(3), nil), txn); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.IntKey(7), []byte("own")), txn); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Insert(db.NewRecord(db.IntKey(9), []byte("own")), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	c, err := idx.Range(db.Unbounded(), db.Inclusive(db.IntKey(7)), txn)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	records, err := db.Collect(c)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}

	want := []struct {
		key   int64
		value string
	}{{0, "own"}, {1, "committed"}, {4, "own"}, {5, "committed"}, {7, "own"}}
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %v", len(want), records)
	}
	for i, w := range want {
		if records[i].Key != db.IntKey(w.key) || string(records[i].Value) != w.value {
			t.Errorf("Record %d: expected (%d, %s), got %s %q", i, w.key, w.value, records[i].Key, records[i].Value)
		}
	}

	// writes buffered after the cursor was created are visible to it
	c.Reset()
	if err := idx.Remove(db.NewRecord(db.IntKey(0), nil), txn); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	first, ok := c.Next()
	if !ok || first.Key != db.IntKey(1) {
		t.Errorf("Expected key 1 after removing own write, got %s (ok %v)", first.Key, ok)
	}
}

func testCursorSeekReset(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureRange)

	idx := mustIndex(t, database, "seek", db.KeyTypeInt)
	for i := int64(0); i < 100; i += 10 {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), nil), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	c, err := idx.Range(db.Inclusive(db.IntKey(20)), db.Exclusive(db.IntKey(80)), nil)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	defer c.Close()

	next := func() db.Key {
		t.Helper()
		rec, ok := c.Next()
		if !ok {
			return db.Key{}
		}
		return rec.Key
	}

	if k := next(); k != db.IntKey(20) {
		t.Errorf("Expected 20, got %s", k)
	}

	c.Seek(db.IntKey(45))
	if k := next(); k != db.IntKey(50) {
		t.Errorf("Expected 50 after Seek(45), got %s", k)
	}

	c.Seek(db.IntKey(30))
	if k := next(); k != db.IntKey(30) {
		t.Errorf("Expected 30 after Seek(30), got %s", k)
	}

	// seeking below the range restarts it, above exhausts it
	c.Seek(db.IntKey(0))
	if k := next(); k != db.IntKey(20) {
		t.Errorf("Expected 20 after Seek below the range, got %s", k)
	}
	c.Seek(db.IntKey(80))
	if _, ok := c.Next(); ok {
		t.Error("Expected exhausted cursor after Seek above the range")
	}

	c.Reset()
	expectKeys(t, collectKeys(t, c), intKeys(20, 30, 40, 50, 60, 70))
}

func testCursorPointInTime(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureRange)

	idx := mustIndex(t, database, "pit", db.KeyTypeInt)
	for i := int64(0); i < 5; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), []byte("v1")), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	c, err := idx.Range(db.Unbounded(), db.Unbounded(), nil)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	defer c.Close()

	first, ok := c.Next()
	if !ok || first.Key != db.IntKey(0) {
		t.Fatalf("Expected key 0, got %s", first.Key)
	}

	// commits after the cursor was created
	if err := idx.Insert(db.NewRecord(db.IntKey(10), nil), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Remove(db.NewRecord(db.IntKey(3), nil), nil); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := idx.Upsert(db.NewRecord(db.IntKey(2), []byte("v2")), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	database.GC()

	records, err := db.Collect(c)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected 4 remaining records at the cursor's snapshot, got %v", records)
	}
	for i, rec := range records {
		if rec.Key != db.IntKey(int64(i+1)) || string(rec.Value) != "v1" {
			t.Errorf("Expected (%d, v1), got %s %q", i+1, rec.Key, rec.Value)
		}
	}
}

func testCount(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "count", db.KeyTypeShort)
	for i := int32(0); i < 50; i++ {
		if err := idx.Insert(db.NewRecord(db.ShortKey(i), nil), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	txn := mustBegin(t, database)
	defer database.AbortTransaction(txn)

	for i := int32(0); i < 10; i++ {
		if err := idx.Remove(db.NewRecord(db.ShortKey(i), nil), txn); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	for i := int32(100); i < 105; i++ {
		if err := idx.Insert(db.NewRecord(db.ShortKey(i), nil), txn); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := idx.Upsert(db.NewRecord(db.ShortKey(20), []byte("x")), txn); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if n, err := idx.Count(txn); err != nil || n != 45 {
		t.Errorf("Expected 45 records in transaction, got %d (err %v)", n, err)
	}
	if n, err := idx.Count(nil); err != nil || n != 50 {
		t.Errorf("Expected 50 committed records, got %d (err %v)", n, err)
	}
}

// --------------------------------------------------------------------------
// Index registry
// --------------------------------------------------------------------------

func testHandleLifecycle(t *testing.T, database db.Database) {
	defer database.Close()

	a := mustIndex(t, database, "a", db.KeyTypeInt)
	mustIndex(t, database, "c", db.KeyTypeText)
	mustIndex(t, database, "b", db.KeyTypeShort)

	names := database.ListIndices()
	if fmt.Sprint(names) != "[a b c]" {
		t.Errorf("Expected [a b c], got %v", names)
	}

	if a.Name() != "a" || a.KeyType() != db.KeyTypeInt {
		t.Errorf("Unexpected handle identity %s/%s", a.Name(), a.KeyType())
	}

	_, err := database.OpenIndex("missing")
	expectKind(t, err, db.ErrEntryDoesNotExist, "OpenIndex(missing)")

	// two handles on the same index share its data
	a2, err := database.OpenIndex("a")
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}
	if err := a.Insert(db.NewRecord(db.IntKey(1), []byte("shared")), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	expectValue(t, a2, nil, db.IntKey(1), []byte("shared"))

	// closing a handle invalidates only that handle
	if err := database.CloseIndex(a); err != nil {
		t.Fatalf("CloseIndex failed: %v", err)
	}
	expectKind(t, database.CloseIndex(a), db.ErrEntryDoesNotExist, "second CloseIndex")
	_, err = a.Get(db.IntKey(1), nil)
	expectKind(t, err, db.ErrEntryDoesNotExist, "Get on closed handle")
	expectKind(t, a.Insert(db.NewRecord(db.IntKey(2), nil), nil), db.ErrEntryDoesNotExist, "Insert on closed handle")
	expectValue(t, a2, nil, db.IntKey(1), []byte("shared"))

	// dropping invalidates all handles, a new index with the same name is empty
	c, err := a2.Range(db.Unbounded(), db.Unbounded(), nil)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	defer c.Close()

	if err := database.DropIndex("a"); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}
	_, err = a2.Get(db.IntKey(1), nil)
	expectKind(t, err, db.ErrEntryDoesNotExist, "Get on dropped index")
	if _, ok := c.Next(); ok {
		t.Error("Cursor of a dropped index returned a record")
	}
	expectKind(t, c.Err(), db.ErrEntryDoesNotExist, "cursor Err on dropped index")

	a3 := mustIndex(t, database, "a", db.KeyTypeInt)
	expectValue(t, a3, nil, db.IntKey(1), nil)

	if err := database.CloseIndex(a2); err != nil {
		t.Errorf("CloseIndex of a dropped index handle failed: %v", err)
	}
}

func testDropWithPendingWrites(t *testing.T, database db.Database) {
	defer database.Close()

	idx := mustIndex(t, database, "pending", db.KeyTypeInt)

	reader := mustBegin(t, database)
	if _, err := idx.Get(db.IntKey(1), reader); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	writer := mustBegin(t, database)
	if err := idx.Insert(db.NewRecord(db.IntKey(1), nil), writer); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	expectKind(t, database.DropIndex("pending"), db.ErrFailure, "DropIndex with pending writes")
	expectValue(t, idx, writer, db.IntKey(1), []byte{})

	if err := database.CommitTransaction(writer); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// readers do not block the drop
	if err := database.DropIndex("pending"); err != nil {
		t.Fatalf("DropIndex after commit failed: %v", err)
	}
	_, err := idx.Get(db.IntKey(1), reader)
	expectKind(t, err, db.ErrEntryDoesNotExist, "Get on dropped index in transaction")
	if err := database.CommitTransaction(reader); err != nil {
		t.Errorf("Commit of reader failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

// testAtomicVisibility checks that readers never observe a subset of a commit.
// Writers set all keys to the same generation in one transaction, readers
// check that all keys they see carry the same generation.
func testAtomicVisibility(t *testing.T, database db.Database) {
	defer database.Close()

	const numKeys = 16
	idx := mustIndex(t, database, "atomic", db.KeyTypeInt)
	for i := int64(0); i < numKeys; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), encodeUint(0)), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	var (
		generation atomic.Uint64
		stop       atomic.Bool
		g          errgroup.Group
	)

	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				gen := generation.Add(1)
				txn, err := database.BeginTransaction()
				if err != nil {
					return err
				}
				for k := int64(0); k < numKeys; k++ {
					if err := idx.Upsert(db.NewRecord(db.IntKey(k), encodeUint(gen)), txn); err != nil {
						return err
					}
				}
				if err := database.CommitTransaction(txn); err != nil && !errors.Is(err, db.ErrConflict) {
					return err
				}
			}
			return nil
		})
	}

	var readers errgroup.Group
	for r := 0; r < 4; r++ {
		readers.Go(func() error {
			for !stop.Load() {
				// through a cursor at a pinned snapshot
				c, err := idx.Range(db.Unbounded(), db.Unbounded(), nil)
				if err != nil {
					return err
				}
				records, err := db.Collect(c)
				c.Close()
				if err != nil {
					return err
				}
				if err := sameGeneration(records, numKeys); err != nil {
					return err
				}

				// through point reads in a transaction
				txn, err := database.BeginTransaction()
				if err != nil {
					return err
				}
				records = records[:0]
				for k := int64(0); k < numKeys; k++ {
					rec, err := idx.GetSingle(db.IntKey(k), txn)
					if err != nil {
						return err
					}
					records = append(records, rec)
				}
				if err := database.CommitTransaction(txn); err != nil {
					return err
				}
				if err := sameGeneration(records, numKeys); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Errorf("Writer failed: %v", err)
	}
	stop.Store(true)
	if err := readers.Wait(); err != nil {
		t.Errorf("Reader failed: %v", err)
	}
}

func sameGeneration(records []db.Record, numKeys int) error {
	if len(records) != numKeys {
		return fmt.Errorf("expected %d records, got %d", numKeys, len(records))
	}
	gen := decodeUint(records[0].Value)
	for _, rec := range records[1:] {
		if g := decodeUint(rec.Value); g != gen {
			return fmt.Errorf("torn read: key %s has generation %d, key %s has %d", records[0].Key, gen, rec.Key, g)
		}
	}
	return nil
}

// testIsolation checks that concurrent transactions with disjoint write sets all commit
func testIsolation(t *testing.T, database db.Database) {
	defer database.Close()

	const (
		numWorkers = 8
		perWorker  = 100
	)
	idx := mustIndex(t, database, "isolation", db.KeyTypeInt)

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		w := w
		g.Go(func() error {
			for batch := 0; batch < perWorker; batch += 10 {
				txn, err := database.BeginTransaction()
				if err != nil {
					return err
				}
				for i := batch; i < batch+10; i++ {
					key := db.IntKey(int64(w*perWorker + i))
					if err := idx.Insert(db.NewRecord(key, encodeUint(uint64(w))), txn); err != nil {
						return err
					}
				}
				if err := database.CommitTransaction(txn); err != nil {
					return fmt.Errorf("worker %d: commit of disjoint writes failed: %w", w, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if n, err := idx.Count(nil); err != nil || n != numWorkers*perWorker {
		t.Errorf("Expected %d records, got %d (err %v)", numWorkers*perWorker, n, err)
	}
	for w := 0; w < numWorkers; w++ {
		expectValue(t, idx, nil, db.IntKey(int64(w*perWorker)), encodeUint(uint64(w)))
	}
}

// testConcurrentTransfers moves money between accounts in conflicting
// transactions with retries. The total must never change.
func testConcurrentTransfers(t *testing.T, database db.Database) {
	defer database.Close()

	const (
		numAccounts = 10
		initial     = 100
		transfers   = 200
	)
	idx := mustIndex(t, database, "accounts", db.KeyTypeInt)
	for i := int64(0); i < numAccounts; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(i), encodeUint(initial)), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	var (
		conflicts atomic.Int64
		g         errgroup.Group
	)
	for w := 0; w < 4; w++ {
		seed := int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < transfers; {
				from, to := db.IntKey(int64(r.Intn(numAccounts))), db.IntKey(int64(r.Intn(numAccounts)))
				if from == to {
					continue
				}

				txn, err := database.BeginTransaction()
				if err != nil {
					return err
				}
				src, err := idx.GetSingle(from, txn)
				if err != nil {
					return err
				}
				dst, err := idx.GetSingle(to, txn)
				if err != nil {
					return err
				}
				balance := decodeUint(src.Value)
				if balance == 0 {
					database.AbortTransaction(txn)
					i++
					continue
				}
				if err := idx.Upsert(db.NewRecord(from, encodeUint(balance-1)), txn); err != nil {
					return err
				}
				if err := idx.Upsert(db.NewRecord(to, encodeUint(decodeUint(dst.Value)+1)), txn); err != nil {
					return err
				}

				err = database.CommitTransaction(txn)
				switch {
				case errors.Is(err, db.ErrConflict):
					conflicts.Add(1)
				case err != nil:
					return err
				default:
					i++
				}
			}
			return nil
		})
	}

	// audit the total while transfers run
	done := make(chan struct{})
	var audit errgroup.Group
	audit.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			c, err := idx.Range(db.Unbounded(), db.Unbounded(), nil)
			if err != nil {
				return err
			}
			var total uint64
			for rec := range db.All(c) {
				total += decodeUint(rec.Value)
			}
			c.Close()
			if total != numAccounts*initial {
				return fmt.Errorf("audit saw total %d, expected %d", total, numAccounts*initial)
			}
			time.Sleep(time.Millisecond)
		}
	})

	if err := g.Wait(); err != nil {
		t.Errorf("Transfer failed: %v", err)
	}
	close(done)
	if err := audit.Wait(); err != nil {
		t.Error(err)
	}

	var total uint64
	for i := int64(0); i < numAccounts; i++ {
		rec, err := idx.GetSingle(db.IntKey(i), nil)
		if err != nil {
			t.Fatalf("GetSingle failed: %v", err)
		}
		total += decodeUint(rec.Value)
	}
	if total != numAccounts*initial {
		t.Errorf("Expected total %d, got %d (%d conflicts retried)", numAccounts*initial, total, conflicts.Load())
	}
}

// --------------------------------------------------------------------------
// Persistence and maintenance
// --------------------------------------------------------------------------

func testSaveLoad(t *testing.T, factory DBFactory) {
	source := factory()
	defer source.Close()
	requireFeature(t, source, db.FeatureSave|db.FeatureLoad)

	ints := mustIndex(t, source, "ints", db.KeyTypeInt)
	texts := mustIndex(t, source, "texts", db.KeyTypeText)
	shorts := mustIndex(t, source, "shorts", db.KeyTypeShort)

	for i := int64(0); i < 500; i++ {
		if err := ints.Insert(db.NewRecord(db.IntKey(i*7-1000), encodeUint(uint64(i))), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := texts.Insert(db.NewRecord(db.TextKey(fmt.Sprintf("key-%04d", i)), bytes.Repeat([]byte{byte(i)}, int(i%64))), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := shorts.Insert(db.NewRecord(db.ShortKey(-1), []byte("minus one")), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := ints.Remove(db.NewRecord(db.IntKey(-1000), nil), nil); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// uncommitted writes are not part of the snapshot
	txn := mustBegin(t, source)
	if err := ints.Insert(db.NewRecord(db.IntKey(1<<40), nil), txn); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var buf bytes.Buffer
	if err := source.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := source.AbortTransaction(txn); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	target := factory()
	defer target.Close()

	// a handle open on the target blocks Load
	existing := mustIndex(t, target, "existing", db.KeyTypeInt)
	expectKind(t, target.Load(bytes.NewReader(buf.Bytes())), db.ErrFailure, "Load with open handle")
	if err := target.CloseIndex(existing); err != nil {
		t.Fatalf("CloseIndex failed: %v", err)
	}

	// so does an active transaction
	pending := mustBegin(t, target)
	expectKind(t, target.Load(bytes.NewReader(buf.Bytes())), db.ErrFailure, "Load with active transaction")
	if err := target.AbortTransaction(pending); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if err := target.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if names := target.ListIndices(); fmt.Sprint(names) != "[ints shorts texts]" {
		t.Errorf("Expected indices [ints shorts texts], got %v", names)
	}

	for _, name := range []string{"ints", "texts", "shorts"} {
		src, _ := source.OpenIndex(name)
		dst, err := target.OpenIndex(name)
		if err != nil {
			t.Fatalf("OpenIndex(%s) on target failed: %v", name, err)
		}
		if dst.KeyType() != src.KeyType() {
			t.Errorf("Index %s: expected key type %s, got %s", name, src.KeyType(), dst.KeyType())
		}

		sc, _ := src.Range(db.Unbounded(), db.Unbounded(), nil)
		dc, _ := dst.Range(db.Unbounded(), db.Unbounded(), nil)
		want, _ := db.Collect(sc)
		got, _ := db.Collect(dc)
		sc.Close()
		dc.Close()

		if len(want) != len(got) {
			t.Errorf("Index %s: expected %d records, got %d", name, len(want), len(got))
			continue
		}
		for i := range want {
			if !want[i].Equal(got[i]) {
				t.Errorf("Index %s: record %d differs: expected %s, got %s", name, i, want[i], got[i])
				break
			}
		}
	}

	// loaded data takes part in transactions normally
	ints2, _ := target.OpenIndex("ints")
	t1 := mustBegin(t, target)
	if err := ints2.Upsert(db.NewRecord(db.IntKey(-993), []byte("updated")), t1); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := target.CommitTransaction(t1); err != nil {
		t.Errorf("Commit after Load failed: %v", err)
	}

	// corrupt streams are rejected and leave the database unchanged
	fresh := factory()
	defer fresh.Close()
	expectKind(t, fresh.Load(bytes.NewReader([]byte("not a snapshot"))), db.ErrFailure, "Load of garbage")
	expectKind(t, fresh.Load(bytes.NewReader(buf.Bytes()[:buf.Len()/2])), db.ErrFailure, "Load of truncated stream")
	if names := fresh.ListIndices(); len(names) != 0 {
		t.Errorf("Failed Load changed the database: %v", names)
	}
}

func testGarbageCollection(t *testing.T, database db.Database) {
	defer database.Close()
	requireFeature(t, database, db.FeatureGarbageCollect)

	idx := mustIndex(t, database, "gc", db.KeyTypeInt)

	if err := idx.Insert(db.NewRecord(db.IntKey(1), encodeUint(0)), nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	old := mustBegin(t, database)

	for i := uint64(1); i <= 100; i++ {
		if err := idx.Upsert(db.NewRecord(db.IntKey(1), encodeUint(i)), nil); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if err := idx.Insert(db.NewRecord(db.IntKey(int64(i+1)), nil), nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := idx.Remove(db.NewRecord(db.IntKey(int64(i+1)), nil), nil); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	database.GC()

	// the pinned snapshot still sees the old state
	expectValue(t, idx, old, db.IntKey(1), encodeUint(0))
	expectValue(t, idx, old, db.IntKey(2), nil)
	if err := database.CommitTransaction(old); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	database.GC()
	database.GC()

	expectValue(t, idx, nil, db.IntKey(1), encodeUint(100))
	if n, _ := idx.Count(nil); n != 1 {
		t.Errorf("Expected 1 record after gc, got %d", n)
	}

	// removed keys can be inserted again
	if err := idx.Insert(db.NewRecord(db.IntKey(2), []byte("back")), nil); err != nil {
		t.Errorf("Insert of a collected key failed: %v", err)
	}
	expectValue(t, idx, nil, db.IntKey(2), []byte("back"))
}

func testClosedDatabase(t *testing.T, database db.Database) {
	idx := mustIndex(t, database, "closed", db.KeyTypeInt)
	txn := mustBegin(t, database)

	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	expectKind(t, database.Close(), db.ErrDatabaseDoesNotExist, "second Close")
	expectKind(t, database.CreateIndex("x", db.KeyTypeInt), db.ErrDatabaseDoesNotExist, "CreateIndex")
	expectKind(t, database.DropIndex("closed"), db.ErrDatabaseDoesNotExist, "DropIndex")
	_, err := database.OpenIndex("closed")
	expectKind(t, err, db.ErrDatabaseDoesNotExist, "OpenIndex")
	_, err = database.BeginTransaction()
	expectKind(t, err, db.ErrDatabaseDoesNotExist, "BeginTransaction")
	expectKind(t, database.CommitTransaction(txn), db.ErrDatabaseDoesNotExist, "CommitTransaction")
	expectKind(t, idx.Insert(db.NewRecord(db.IntKey(1), nil), nil), db.ErrDatabaseDoesNotExist, "Insert")
	_, err = idx.Get(db.IntKey(1), nil)
	expectKind(t, err, db.ErrDatabaseDoesNotExist, "Get")
}

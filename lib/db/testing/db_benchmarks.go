package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
)

// RunDatabaseBenchmarks runs all benchmarks for a database implementation
func RunDatabaseBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Insert", func(b *testing.B) {
			benchmarkInsert(b, factory())
		})

		b.Run("Upsert", func(b *testing.B) {
			benchmarkUpsert(b, factory())
		})

		b.Run("InsertLargeValue", func(b *testing.B) {
			benchmarkInsertLargeValue(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Get(not)", func(b *testing.B) {
			benchmarkGetNot(b, factory())
		})

		b.Run("GetInTransaction", func(b *testing.B) {
			benchmarkGetInTransaction(b, factory())
		})

		b.Run("CommitSmall", func(b *testing.B) {
			benchmarkCommit(b, factory(), 1)
		})

		b.Run("CommitBatch", func(b *testing.B) {
			benchmarkCommit(b, factory(), 64)
		})

		b.Run("CommitContended", func(b *testing.B) {
			benchmarkCommitContended(b, factory())
		})

		b.Run("RangeScan", func(b *testing.B) {
			benchmarkRangeScan(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// benchIndex creates and opens an int keyed index, prefilled with n records
func benchIndex(b *testing.B, database db.Database, n int) db.Index {
	b.Helper()
	idx := mustIndex(b, database, "bench", db.KeyTypeInt)
	for i := 0; i < n; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(int64(i)), []byte(fmt.Sprintf("value-%d", i))), nil); err != nil {
			b.Fatalf("Prefill failed: %v", err)
		}
	}
	return idx
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for implicit inserts of new keys
func benchmarkInsert(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	idx := benchIndex(b, database, 0)
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			idx.Insert(db.NewRecord(db.IntKey(i), []byte(fmt.Sprintf("value-%d", i))), nil)
		}
	})
}

// Benchmark for implicit upserts of existing keys
func benchmarkUpsert(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert)

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			idx.Upsert(db.NewRecord(db.IntKey(int64(counter%numKeys)), []byte(fmt.Sprintf("value-%d", counter))), nil)
			counter++
		}
	})
}

// Benchmark for inserts with 1 MB values
func benchmarkInsertLargeValue(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	idx := benchIndex(b, database, 0)
	value := bytes.Repeat([]byte("x"), 1024*1024)
	var counter atomic.Int64

	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx.Insert(db.NewRecord(db.IntKey(counter.Add(1)), value), nil)
		}
	})
}

// Benchmark for transaction-less point reads
func benchmarkGet(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			idx.Get(db.IntKey(int64(r.Intn(numKeys))), nil)
		}
	})
}

// Benchmark for point reads of missing keys
func benchmarkGetNot(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := numKeys
		for pb.Next() {
			idx.Get(db.IntKey(int64(counter)), nil)
			counter++
		}
	})
}

// Benchmark for point reads at a transaction snapshot with a non-empty write set
func benchmarkGetInTransaction(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions)

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		txn, err := database.BeginTransaction()
		if err != nil {
			b.Errorf("BeginTransaction failed: %v", err)
			return
		}
		defer database.AbortTransaction(txn)

		// shadow every tenth key
		for i := 0; i < numKeys; i += 10 {
			idx.Upsert(db.NewRecord(db.IntKey(int64(i)), []byte("own")), txn)
		}

		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			idx.Get(db.IntKey(int64(r.Intn(numKeys))), txn)
		}
	})
}

// Benchmark for transactions writing batchSize disjoint keys each
func benchmarkCommit(b *testing.B, database db.Database, batchSize int) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions)

	idx := benchIndex(b, database, 0)
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			txn, err := database.BeginTransaction()
			if err != nil {
				b.Errorf("BeginTransaction failed: %v", err)
				return
			}
			for i := 0; i < batchSize; i++ {
				idx.Insert(db.NewRecord(db.IntKey(counter.Add(1)), []byte("value")), txn)
			}
			if err := database.CommitTransaction(txn); err != nil {
				b.Errorf("Commit of disjoint writes failed: %v", err)
				return
			}
		}
	})
}

// Benchmark for transactions competing for a small set of hot keys
func benchmarkCommitContended(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions|db.FeatureUpsert)

	const hotKeys = 16
	idx := benchIndex(b, database, hotKeys)
	var conflicts atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			txn, err := database.BeginTransaction()
			if err != nil {
				b.Errorf("BeginTransaction failed: %v", err)
				return
			}
			for i := 0; i < 2; i++ {
				idx.Upsert(db.NewRecord(db.IntKey(int64(r.Intn(hotKeys))), []byte("hot")), txn)
			}
			if err := database.CommitTransaction(txn); errors.Is(err, db.ErrConflict) {
				conflicts.Add(1)
			}
		}
	})
	b.ReportMetric(float64(conflicts.Load())/float64(b.N), "conflicts/op")
}

// Benchmark for range scans over 100 records
func benchmarkRangeScan(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureRange)

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			start := int64(r.Intn(numKeys - 100))
			c, err := idx.Range(db.Inclusive(db.IntKey(start)), db.Exclusive(db.IntKey(start+100)), nil)
			if err != nil {
				b.Errorf("Range failed: %v", err)
				return
			}
			for range db.All(c) {
			}
			c.Close()
		}
	})
}

// Benchmark for Save and Load of 10,000 records
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	source := factory()
	b.Cleanup(func() {
		source.Close()
	})

	requireFeature(b, source, db.FeatureSave|db.FeatureLoad)

	idx := benchIndex(b, source, 10000)
	if err := source.CloseIndex(idx); err != nil {
		b.Fatalf("CloseIndex failed: %v", err)
	}

	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := source.Save(&buf); err != nil {
			b.Fatalf("Save failed: %v", err)
		}

		target := factory()
		if err := target.Load(bytes.NewReader(buf.Bytes())); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		target.Close()
	}
	b.SetBytes(int64(buf.Len()))
}

// Benchmark for a realistic mix: 70% reads, 10% scans, 20% transactional updates
func benchmarkMixedUsage(b *testing.B, database db.Database) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions|db.FeatureRange|db.FeatureUpsert)

	const numKeys = 10000
	idx := benchIndex(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := db.IntKey(int64(r.Intn(numKeys)))
			switch op := r.Intn(10); {
			case op < 7:
				idx.Get(key, nil)
			case op < 8:
				c, err := idx.Range(db.Inclusive(key), db.Unbounded(), nil)
				if err != nil {
					continue
				}
				for i := 0; i < 20; i++ {
					if _, ok := c.Next(); !ok {
						break
					}
				}
				c.Close()
			default:
				txn, err := database.BeginTransaction()
				if err != nil {
					continue
				}
				if rec, err := idx.GetSingle(key, txn); err == nil {
					idx.Upsert(db.NewRecord(key, append(rec.Value[:0:0], 'x')), txn)
				}
				database.CommitTransaction(txn)
			}
		}
	})
}

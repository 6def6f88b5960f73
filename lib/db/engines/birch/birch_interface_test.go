package birch

import (
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	dbtesting "github.com/ValentinKolb/tKV/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunDatabaseTests(t, "BirchDB", func() db.Database {
		return NewBirchDB(nil)
	})
}

func TestSmallTrees(t *testing.T) {
	// a minimal degree forces splits and merges on every test
	dbtesting.RunDatabaseTests(t, "BirchDB(degree=2)", func() db.Database {
		return NewBirchDB(&Options{BTreeDegree: 2, GCInterval: time.Millisecond})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunDatabaseBenchmarks(b, "BirchDB", func() db.Database {
		return NewBirchDB(nil)
	})
}

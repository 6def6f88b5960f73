package perf

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, c config) {
	t.Helper()
	previous := cfg
	cfg = c
	t.Cleanup(func() { cfg = previous })
}

func newTestMetrics() (metrics.Timer, metrics.Counter) {
	return metrics.NewTimer(), metrics.NewCounter()
}

func smallConfig() config {
	return config{
		threads:    4,
		duration:   50 * time.Millisecond,
		keys:       16,
		valueSize:  8,
		writeRatio: 0.5,
		txnSize:    3,
	}
}

func TestWorkloads(t *testing.T) {
	withConfig(t, smallConfig())

	database := birch.NewBirchDB(nil)
	defer database.Close()

	for _, w := range workloads() {
		t.Run(w.name, func(t *testing.T) {
			res, err := runWorkload(context.Background(), database, w)
			require.NoError(t, err)

			assert.Positive(t, res.timer.Count())
			assert.Positive(t, res.opsPerSec())
			assert.Positive(t, res.elapsed)
			assert.LessOrEqual(t, res.conflictRate(), 1.0)
		})
	}

	// every workload drops its index again
	assert.Empty(t, database.ListIndices())
}

func TestTxnWorkloadConflicts(t *testing.T) {
	c := smallConfig()
	c.keys = 4
	c.txnSize = 4
	c.threads = 8
	withConfig(t, c)

	database := birch.NewBirchDB(nil)
	defer database.Close()

	var txn workload
	for _, w := range workloads() {
		if w.name == "txn" {
			txn = w
		}
	}
	require.NotNil(t, txn.audit)

	// all transactions write all keys, so the audit only passes if conflicts were detected
	res, err := runWorkload(context.Background(), database, txn)
	require.NoError(t, err)
	assert.Positive(t, res.timer.Count())
}

func TestAuditDetectsLostUpdates(t *testing.T) {
	withConfig(t, smallConfig())

	database := birch.NewBirchDB(nil)
	defer database.Close()

	require.NoError(t, database.CreateIndex("audit", db.KeyTypeInt))
	idx, err := database.OpenIndex("audit")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(db.NewRecord(db.IntKey(0), encodeCounter(2)), nil))

	res := &result{name: "txn"}
	res.timer, res.conflicts = newTestMetrics()

	// one committed transaction of size 3 should have left a sum of 3
	res.timer.Update(time.Millisecond)
	assert.Error(t, auditCounters(idx, res))

	require.NoError(t, idx.Upsert(db.NewRecord(db.IntKey(1), encodeCounter(1)), nil))
	assert.NoError(t, auditCounters(idx, res))
}

func TestCounterCodec(t *testing.T) {
	withConfig(t, config{valueSize: 32})

	value := encodeCounter(42)
	assert.Len(t, value, 32)
	assert.Equal(t, uint64(42), decodeCounter(value))
	assert.Zero(t, decodeCounter([]byte{1, 2}))
}

func TestWriteResultsToCSV(t *testing.T) {
	withConfig(t, smallConfig())

	timer, conflicts := newTestMetrics()
	timer.Update(2 * time.Millisecond)
	timer.Update(4 * time.Millisecond)
	conflicts.Inc(1)

	results := []*result{
		{name: "txn", elapsed: time.Second, timer: timer, conflicts: conflicts},
		{name: "scan", skipped: true},
	}

	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, writeResultsToCSV(path, results))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "Workload", rows[0][0])
	assert.Equal(t, []string{"txn", "2", "2", "3000000"}, rows[1][:4])
	assert.Equal(t, "0.5000", rows[1][6])
	assert.Equal(t, "false", rows[1][7])
	assert.Equal(t, "true", rows[2][7])
	for _, row := range rows {
		assert.Len(t, row, len(rows[0]))
	}
}

func TestShouldSkip(t *testing.T) {
	withConfig(t, config{skip: []string{"scan", " mixed"}})

	assert.True(t, shouldSkip("scan"))
	assert.True(t, shouldSkip("mixed"))
	assert.False(t, shouldSkip("get"))
}

package birch

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics are the Prometheus metrics of one database instance.
// Every database owns its own set, so several instances in one process do not collide.
type engineMetrics struct {
	set *metrics.Set

	commits       *metrics.Counter
	aborts        *metrics.Counter
	conflicts     *metrics.Counter
	implicit      *metrics.Counter
	gcPruned      *metrics.Counter
	gcRemoved     *metrics.Counter
	writeSetSizes *metrics.Histogram
}

func newEngineMetrics(activeTxns, indices, pinned func() float64) *engineMetrics {
	set := metrics.NewSet()

	m := &engineMetrics{
		set:           set,
		commits:       set.NewCounter("tkv_commits_total"),
		aborts:        set.NewCounter("tkv_aborts_total"),
		conflicts:     set.NewCounter("tkv_conflicts_total"),
		implicit:      set.NewCounter("tkv_implicit_writes_total"),
		gcPruned:      set.NewCounter("tkv_gc_pruned_versions_total"),
		gcRemoved:     set.NewCounter("tkv_gc_removed_entries_total"),
		writeSetSizes: set.NewHistogram("tkv_commit_write_set_size"),
	}

	set.NewGauge("tkv_active_transactions", activeTxns)
	set.NewGauge("tkv_indices", indices)
	set.NewGauge("tkv_pinned_snapshots", pinned)

	return m
}

// CounterValues is a copy of the counter values reported by GetInfo
type CounterValues struct {
	Commits        uint64 `json:"commits"`
	Aborts         uint64 `json:"aborts"`
	Conflicts      uint64 `json:"conflicts"`
	ImplicitWrites uint64 `json:"implicit_writes"`
	PrunedVersions uint64 `json:"pruned_versions"`
	RemovedEntries uint64 `json:"removed_entries"`
}

func (m *engineMetrics) snapshot() CounterValues {
	return CounterValues{
		Commits:        m.commits.Get(),
		Aborts:         m.aborts.Get(),
		Conflicts:      m.conflicts.Get(),
		ImplicitWrites: m.implicit.Get(),
		PrunedVersions: m.gcPruned.Get(),
		RemovedEntries: m.gcRemoved.Get(),
	}
}

// WritePrometheus writes all metrics of the database in Prometheus text format
func (b *birchDB) WritePrometheus(w io.Writer) {
	b.clock.metrics.set.WritePrometheus(w)
}

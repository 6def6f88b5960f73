package birch

import (
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch/internal"
	"github.com/ValentinKolb/tKV/lib/db/util"
)

// features supported by birch
const supportedFeatures = db.FeatureTransactions |
	db.FeatureRange |
	db.FeatureUpsert |
	db.FeatureRemove |
	db.FeatureSave |
	db.FeatureLoad |
	db.FeatureGarbageCollect |
	db.FeatureMetrics

// versionOverhead estimates the bytes of one version beyond its value (seq, slice header, flag)
const versionOverhead = 40

// IndexInfo describes one index in GetInfo
type IndexInfo struct {
	Name     string `json:"name"`
	KeyType  string `json:"key_type"`
	Records  int    `json:"records"`
	Versions int    `json:"versions"`
	Writers  int    `json:"writers"`
}

// Metadata is the implementation specific part of db.DatabaseInfo
type Metadata struct {
	InstanceID        string                 `json:"instance_id"`
	Options           Options                `json:"options"`
	Watermark         uint64                 `json:"watermark"`
	PinnedSnapshots   int                    `json:"pinned_snapshots"`
	OpenHandles       int                    `json:"open_handles"`
	GCQueuedEvents    int                    `json:"gc_queued_events"`
	GCPendingKeys     int                    `json:"gc_pending_keys"`
	Indices           []IndexInfo            `json:"indices"`
	RecordsPerIndex   util.DistributionStats `json:"records_per_index"`
	KeySizes          util.SizeSummary       `json:"key_sizes"`
	ValueSizes        util.SizeSummary       `json:"value_sizes"`
	VersionsPerRecord float64                `json:"versions_per_record"`
	Counters          CounterValues          `json:"counters"`
}

// GetInfo returns statistics about the database. Records are counted at the
// latest commit, versions include everything gc has not pruned yet.
func (b *birchDB) GetInfo() db.DatabaseInfo {
	pinID, snapshot := b.clock.pin()
	defer b.clock.unpin(pinID)

	keySizes := util.NewSizeHistogram()
	valueSizes := util.NewSizeHistogram()

	var (
		infos         []IndexInfo
		recordCounts  []float64
		totalVersions int
		sizeBytes     int
	)

	for _, name := range b.ListIndices() {
		idx, ok := b.indices.Load(name)
		if !ok {
			continue
		}

		info := IndexInfo{Name: idx.name, KeyType: idx.keyType.String()}

		idx.mu.RLock()
		idx.tree.Ascend(func(e *internal.Entry) bool {
			info.Versions += len(e.Versions)
			for _, v := range e.Versions {
				sizeBytes += len(v.Value) + versionOverhead
			}
			sizeBytes += e.Key.Size()

			if v, ok := e.Visible(snapshot); ok {
				info.Records++
				keySizes.Add(e.Key.Size())
				valueSizes.Add(len(v.Value))
			}
			return true
		})
		idx.mu.RUnlock()

		idx.stateMu.Lock()
		info.Writers = idx.writers
		idx.stateMu.Unlock()

		infos = append(infos, info)
		recordCounts = append(recordCounts, float64(info.Records))
		totalVersions += info.Versions
	}

	queued, pending := b.gc.backlog()

	meta := &Metadata{
		InstanceID:      b.id.String(),
		Options:         b.opts,
		Watermark:       b.clock.watermark(),
		PinnedSnapshots: b.clock.pinned() - 1, // without our own pin
		OpenHandles:     b.handles.Size(),
		GCQueuedEvents:  queued,
		GCPendingKeys:   pending,
		Indices:         infos,
		RecordsPerIndex: util.NewDistributionStats(recordCounts),
		KeySizes:        keySizes.Summary(),
		ValueSizes:      valueSizes.Summary(),
		Counters:        b.clock.metrics.snapshot(),
	}
	if records := keySizes.Count(); records > 0 {
		meta.VersionsPerRecord = float64(totalVersions) / float64(records)
	}

	return db.DatabaseInfo{
		SizeBytes:         sizeBytes,
		DbType:            db.ImplBirch,
		SupportedFeatures: supportedFeatureList(),
		Indices:           len(infos),
		ActiveTxns:        int(b.activeTxns.Load()),
		CommitSeq:         snapshot,
		Metadata:          meta,
	}
}

// SupportsFeature checks if birch supports all of the given features
func (b *birchDB) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

func supportedFeatureList() []db.Feature {
	var list []db.Feature
	for f := db.FeatureTransactions; f <= db.FeatureMetrics; f <<= 1 {
		if supportedFeatures&f != 0 {
			list = append(list, f)
		}
	}
	return list
}

// Package util
//
// This file implements the statistics reported by Database.GetInfo: a size
// histogram with exponential buckets for key and value sizes, and summary
// statistics describing how records are spread across indices.
//
// Both are computed without keeping per-record data: the histogram only counts
// samples per bucket, so estimates (median, percentiles) are bucket midpoints.
package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// Summary statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation" yaml:"std_deviation"`
	Min          float64 `json:"min" yaml:"min"`
	Max          float64 `json:"max" yaml:"max"`
	Mean         float64 `json:"mean" yaml:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio" yaml:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	minMaxRatio := 1.0
	if max > 0 {
		minMaxRatio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

// DistributionStats describes how evenly a quantity is spread over a set of buckets
// (for the engine: records over indices). Quality is 1 for a perfectly even spread.
type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality" yaml:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for value distribution
func NewDistributionStats(sizes []float64) DistributionStats {
	stats := NewStats(sizes)

	// coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// lower CV and higher min/max ratio indicate a better distribution
	quality := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: quality,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds of all but the last bucket, 16 B to 4 GiB.
var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
	268435456, 1073741824, 4294967296,
}

// SizeHistogram tracks the distribution of data sizes in exponential buckets.
//
// Thread-safe: all methods are safe for concurrent use
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64 // Count of samples per bucket, one more than boundaries
	count   int64
	sum     int64
	max     int
}

// SizeSummary is a point-in-time view of a SizeHistogram.
type SizeSummary struct {
	Count  int64 `json:"count" yaml:"count"`
	Total  int64 `json:"total" yaml:"total"`
	Mean   int   `json:"mean" yaml:"mean"`
	Median int   `json:"median" yaml:"median"`
	P99    int   `json:"p99" yaml:"p99"`
	Max    int   `json:"max" yaml:"max"`
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		buckets: make([]int64, len(sizeBoundaries)+1),
	}
}

// Add records a size sample.
func (h *SizeHistogram) Add(size int) {
	bucket := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			bucket = i
			break
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.buckets[bucket]++
	h.count++
	h.sum += int64(size)
	if size > h.max {
		h.max = size
	}
}

// Count returns the number of samples.
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Total returns the sum of all samples.
func (h *SizeHistogram) Total() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.sum
}

// percentile estimates the given percentile (0-100) as the midpoint of the
// bucket it falls into. It returns 0 for an empty histogram or invalid input.
// Callers hold mutex.
func (h *SizeHistogram) percentile(percentile int) int {
	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range h.buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			// the overflow bucket has no upper bound, the maximum is exact
			return h.max
		}
	}
	return h.max
}

// Summary returns count, total, mean, median, 99th percentile and maximum.
func (h *SizeHistogram) Summary() SizeSummary {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	s := SizeSummary{Count: h.count, Total: h.sum, Max: h.max}
	if h.count > 0 {
		s.Mean = int(h.sum / h.count)
		s.Median = h.percentile(50)
		s.P99 = h.percentile(99)
	}
	return s
}

package util

import (
	"testing"
)

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if s.Mean != 5 {
		t.Errorf("Expected mean 5, got %f", s.Mean)
	}
	if s.StdDeviation != 2 {
		t.Errorf("Expected standard deviation 2, got %f", s.StdDeviation)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("Expected min/max 2/9, got %f/%f", s.Min, s.Max)
	}

	if empty := NewStats(nil); empty != (Stats{}) {
		t.Errorf("Expected zero stats for no values, got %+v", empty)
	}
}

func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10})
	if even.DistributionQuality != 1 {
		t.Errorf("Even distribution should have quality 1, got %f", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{0, 0, 30})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed distribution should score below even one, got %f", skewed.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()

	if s := h.Summary(); s != (SizeSummary{}) {
		t.Errorf("Empty histogram should have a zero summary, got %+v", s)
	}

	for i := 0; i < 98; i++ {
		h.Add(10) // first bucket
	}
	h.Add(1000) // (256, 1024]
	h.Add(1 << 33)

	s := h.Summary()
	if s.Count != 100 {
		t.Errorf("Expected 100 samples, got %d", s.Count)
	}
	if s.Total != 98*10+1000+(1<<33) {
		t.Errorf("Unexpected total %d", s.Total)
	}
	if s.Median != 8 {
		t.Errorf("Expected median estimate 8, got %d", s.Median)
	}
	if s.P99 != (256+1024)/2 {
		t.Errorf("Expected p99 estimate %d, got %d", (256+1024)/2, s.P99)
	}
	if s.Max != 1<<33 || h.percentile(100) != 1<<33 {
		t.Errorf("Expected max %d, got %d / %d", 1<<33, s.Max, h.percentile(100))
	}

	if h.percentile(-1) != 0 || h.percentile(101) != 0 {
		t.Error("Invalid percentiles should return 0")
	}
}

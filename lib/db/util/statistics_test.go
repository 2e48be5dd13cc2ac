package util

import (
	"math"
	"testing"
)

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Mean != 5 || s.Median != 4.5 || s.StdDeviation != 2 || s.Min != 2 || s.Max != 9 || s.Count != 8 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if empty := NewStats(nil); empty != (Stats{}) {
		t.Errorf("Expected zero stats for no samples, got %+v", empty)
	}
}

func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10})
	if math.Abs(even.DistributionQuality-1) > 1e-9 {
		t.Errorf("Even distribution should have quality 1, got %f", even.DistributionQuality)
	}
	skewed := NewDistributionStats([]float64{1, 100, 1})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed distribution should score lower: %f", skewed.DistributionQuality)
	}
}

func TestReplicaID(t *testing.T) {
	a, b := ReplicaID("node-1"), ReplicaID("node-2")
	if a == 0 || b == 0 {
		t.Error("Replica ids must not be zero")
	}
	if a != ReplicaID("node-1") {
		t.Error("Replica ids must be stable")
	}
	if a == b {
		t.Errorf("Expected distinct ids for distinct names, got %d", a)
	}
}

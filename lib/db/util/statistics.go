// Package util
//
// This file computes summary statistics over value samples. Engines use them to
// report how rows are distributed across tables in GetInfo.
package util

import (
	"math"
	"slices"
)

// ----------------------------------------------------------------------------
// Sample statistics
// ----------------------------------------------------------------------------

// Stats summarizes a set of samples.
type Stats struct {
	Count        int     `json:"count"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats summarizes values. The standard deviation uses the population
// formula; an empty input yields zero stats.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := Stats{
		Count: len(sorted),
		Mean:  sum / float64(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		st.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		st.Median = sorted[mid]
	}

	var squares float64
	for _, v := range sorted {
		squares += (v - st.Mean) * (v - st.Mean)
	}
	st.StdDeviation = math.Sqrt(squares / float64(len(sorted)))

	st.MinMaxRatio = 1
	if st.Max > 0 {
		st.MinMaxRatio = st.Min / st.Max
	}
	return st
}

// DistributionStats rates how evenly samples are spread.
type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes how evenly values are distributed (1 = perfectly even)
func NewDistributionStats(sizes []float64) DistributionStats {
	stats := NewStats(sizes)

	// calculate coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// distribution quality combines CV and min/max ratio
	// -> lower CV and higher min/max ratio indicate better distribution
	distributionQuality := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: distributionQuality,
	}
}

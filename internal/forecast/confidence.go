package forecast

import (
	"math"
	"sort"
	"time"
)

// Confidence band thresholds documented for callers. Scores below LowThreshold
// should be presented as low-confidence; above HighThreshold as high.
const (
	LowThreshold  = 0.3
	HighThreshold = 0.6
)

// HistoryConfidence scores how much trust a forecast over the given report
// dates deserves. It depends only on the shape of the history: more reports
// raise it, irregular gaps between reports lower it. A single report scores
// below LowThreshold; five or more evenly spaced reports score above
// HighThreshold. The result is clamped to [0, 1].
func HistoryConfidence(dates []time.Time) float64 {
	n := len(dates)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 0.2
	}

	// Coverage saturates at six reports.
	coverage := math.Min(1, float64(n-1)/5.0)

	score := 0.1 + 0.5*coverage + 0.4*gapRegularity(dates)
	return math.Max(0, math.Min(1, score))
}

// gapRegularity is 1 for perfectly even spacing and decays toward 0 as the
// gaps between consecutive reports grow more erratic, measured by the
// coefficient of variation of the gap lengths.
func gapRegularity(dates []time.Time) float64 {
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Hours())
	}

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean <= 0 {
		// All reports on the same instant carry no trend information.
		return 0
	}

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))

	cv := math.Sqrt(variance) / mean
	return math.Max(0, 1-cv)
}

package extractors

import (
	"math"
	"sort"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Summarize reports median, p95 and mean absolute deviation around the median,
// skipping cells flagged as missing.
func Summarize(values []float64, missing []bool) models.ColumnSummary {
	present := make([]float64, 0, len(values))
	for i, v := range values {
		if i < len(missing) && missing[i] {
			continue
		}
		present = append(present, v)
	}
	if len(present) == 0 {
		return models.ColumnSummary{}
	}
	median := percentile(present, 0.5)
	return models.ColumnSummary{
		Count:  len(present),
		Median: median,
		P95:    percentile(present, 0.95),
		MAD:    meanAbsoluteDeviation(present, median),
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}

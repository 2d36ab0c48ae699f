// Package rate implements the RateEngine: per-second rate computation over
// consecutive counter samples within the same series, with reset detection.
package rate

import (
	"sort"
	"time"

	"github.com/metricstore/engine/internal/metrictypes"
)

// Point is one computed rate value.
type Point struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// Compute takes samples for a single COUNTER metric (any mix of series),
// groups them by SeriesKey, computes Δvalue/Δtime in seconds across
// consecutive points within each series (treating a decrease as a reset —
// the new value is taken as the amount accrued since the reset), and
// returns the results flattened and ordered newest-first.
//
// The first sample of each series produces no output point, since a rate
// needs two observations.
func Compute(samples []metrictypes.Sample) []Point {
	bySeries := make(map[metrictypes.SeriesKey][]metrictypes.Sample)
	for _, s := range samples {
		key := s.Key()
		bySeries[key] = append(bySeries[key], s)
	}

	var out []Point
	for _, series := range bySeries {
		sort.Slice(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })

		for i := 1; i < len(series); i++ {
			prev, cur := series[i-1], series[i]
			deltaT := cur.Time.Sub(prev.Time).Seconds()
			if deltaT <= 0 {
				continue
			}

			var value float64
			if cur.Value < prev.Value {
				value = cur.Value / deltaT
			} else {
				value = (cur.Value - prev.Value) / deltaT
			}

			out = append(out, Point{Timestamp: cur.Time, Value: value, Labels: cur.Labels})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

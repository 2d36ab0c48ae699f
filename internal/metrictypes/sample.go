package metrictypes

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sample is a single timestamped measurement for a metric's series.
// Primary key is (Time, MetricID, Labels) at the storage layer.
type Sample struct {
	Time     time.Time
	MetricID uuid.UUID
	Value    float64
	Labels   map[string]string
}

// SeriesKey identifies the equivalence class of samples sharing
// (MetricID, Labels). Two samples with the same SeriesKey are points on the
// same time series.
type SeriesKey string

// Key returns the canonical SeriesKey for the sample: MetricID followed by
// labels sorted by key, so map iteration order never affects equality.
func (s Sample) Key() SeriesKey {
	return SeriesKeyOf(s.MetricID, s.Labels)
}

// SeriesKeyOf builds a canonical SeriesKey from a metric id and label set.
func SeriesKeyOf(metricID uuid.UUID, labels map[string]string) SeriesKey {
	if len(labels) == 0 {
		return SeriesKey(metricID.String())
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metricID.String())
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return SeriesKey(b.String())
}

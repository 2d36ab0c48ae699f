// Package validation provides centralized input validation for the metric
// engine: metric names, label keys/values, retention, and time ranges.
package validation

import (
	"fmt"
	"math"
	"time"

	"github.com/metricstore/engine/internal/clock"
	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/metrictypes"
)

// MetricName validates a metric name against the spec's naming rules.
func MetricName(name string) error {
	if name == "" {
		return mserrors.BadInput("name", "is required")
	}
	if len(name) > metrictypes.MaxNameLength {
		return mserrors.BadInput("name", fmt.Sprintf("too long: maximum %d characters", metrictypes.MaxNameLength))
	}
	if !metrictypes.NameRegexp.MatchString(name) {
		return mserrors.BadInput("name", fmt.Sprintf("%q does not match required pattern %s", name, metrictypes.NameRegexp.String()))
	}
	return nil
}

// LabelKey validates a single label key.
func LabelKey(key string) error {
	if key == "" {
		return mserrors.BadInput("label key", "is required")
	}
	if len(key) > metrictypes.MaxLabelKeyLength {
		return mserrors.BadInput("label key", fmt.Sprintf("%q too long: maximum %d characters", key, metrictypes.MaxLabelKeyLength))
	}
	if !metrictypes.LabelKeyRegexp.MatchString(key) {
		return mserrors.BadInput("label key", fmt.Sprintf("%q does not match required pattern %s", key, metrictypes.LabelKeyRegexp.String()))
	}
	return nil
}

// LabelValue validates a single label value.
func LabelValue(key, value string) error {
	if value == "" {
		return mserrors.BadInput("label value", fmt.Sprintf("%q must be non-empty", key))
	}
	if len(value) > metrictypes.MaxLabelValueLength {
		return mserrors.BadInput("label value", fmt.Sprintf("%q too long: maximum %d characters", key, metrictypes.MaxLabelValueLength))
	}
	return nil
}

// LabelSchema validates a full set of label keys for a metric definition.
func LabelSchema(keys []string) error {
	if len(keys) > metrictypes.MaxLabelsPerMetric {
		return mserrors.BadInput("label schema", fmt.Sprintf("too many labels: %d exceeds maximum %d", len(keys), metrictypes.MaxLabelsPerMetric))
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if err := LabelKey(k); err != nil {
			return err
		}
		if _, dup := seen[k]; dup {
			return mserrors.BadInput("label schema", fmt.Sprintf("duplicate label key %q", k))
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Labels validates a sample's label map: count bound plus per-key/value
// rules. It does not check schema membership — the ingestion pipeline does
// that, since it requires knowing the metric's declared LabelSchema.
func Labels(labels map[string]string) error {
	if len(labels) > metrictypes.MaxLabelsPerMetric {
		return mserrors.BadInput("labels", fmt.Sprintf("too many labels: %d exceeds maximum %d", len(labels), metrictypes.MaxLabelsPerMetric))
	}
	for k, v := range labels {
		if err := LabelKey(k); err != nil {
			return err
		}
		if err := LabelValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Description validates an optional metric description.
func Description(desc string) error {
	if len(desc) > metrictypes.MaxDescriptionLength {
		return mserrors.BadInput("description", fmt.Sprintf("too long: maximum %d characters", metrictypes.MaxDescriptionLength))
	}
	return nil
}

// Unit validates an optional metric unit.
func Unit(unit string) error {
	if len(unit) > metrictypes.MaxUnitLength {
		return mserrors.BadInput("unit", fmt.Sprintf("too long: maximum %d characters", metrictypes.MaxUnitLength))
	}
	return nil
}

// RetentionDays validates the retention-in-days value, returning the
// default when days is zero (caller didn't specify one).
func RetentionDays(days int) (int, error) {
	if days == 0 {
		return metrictypes.DefaultRetentionDays, nil
	}
	if days < metrictypes.MinRetentionDays || days > metrictypes.MaxRetentionDays {
		return 0, mserrors.BadInput("retention_days", fmt.Sprintf("%d out of range [%d, %d]", days, metrictypes.MinRetentionDays, metrictypes.MaxRetentionDays))
	}
	return days, nil
}

// Value validates that a sample value is a finite IEEE-754 double.
func Value(v float64) error {
	if math.IsNaN(v) {
		return mserrors.BadInput("value", "is NaN")
	}
	if math.IsInf(v, 0) {
		return mserrors.BadInput("value", "is infinite")
	}
	return nil
}

// SampleTimeBounds are the accepted window for a sample's timestamp,
// relative to "now".
const (
	MaxSampleAge    = 365 * 24 * time.Hour
	MaxSampleFuture = 300 * time.Second
)

// SampleTime validates that t lies in [now-365d, now+300s].
func SampleTime(t time.Time, clk clock.Clock) error {
	now := clk.Now()
	if t.Before(now.Add(-MaxSampleAge)) {
		return mserrors.BadInput("timestamp", fmt.Sprintf("%s is older than %s", t.Format(time.RFC3339), MaxSampleAge))
	}
	if t.After(now.Add(MaxSampleFuture)) {
		return mserrors.BadInput("timestamp", fmt.Sprintf("%s is more than %s in the future", t.Format(time.RFC3339), MaxSampleFuture))
	}
	return nil
}

// MaxQuerySpan is the largest time range a query may cover.
const MaxQuerySpan = 90 * 24 * time.Hour

// TimeRange validates a query's [start, end) range.
func TimeRange(start, end time.Time) error {
	if !start.Before(end) {
		return mserrors.BadInput("time range", fmt.Sprintf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}
	if end.Sub(start) > MaxQuerySpan {
		return mserrors.BadInput("time range", fmt.Sprintf("span %s exceeds maximum %s", end.Sub(start), MaxQuerySpan))
	}
	return nil
}

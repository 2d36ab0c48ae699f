// Package metrictypes holds the data model shared by the registry,
// ingestion pipeline, query planner, and archival engine: Metric,
// LabelSchema, Sample, SeriesKey, and ArchiveSegment.
package metrictypes

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Kind is the tagged enum over metric semantics. Only Counter and Gauge are
// fully implemented; Histogram and Summary are recognized so registration
// doesn't reject them, but have no dedicated ingest/query path yet.
type Kind int

const (
	KindGauge Kind = iota
	KindCounter
	KindHistogram
	KindSummary
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindGauge:
		return "GAUGE"
	case KindCounter:
		return "COUNTER"
	case KindHistogram:
		return "HISTOGRAM"
	case KindSummary:
		return "SUMMARY"
	default:
		return "UNKNOWN"
	}
}

// ParseKind parses a wire-format kind name.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "GAUGE":
		return KindGauge, true
	case "COUNTER":
		return KindCounter, true
	case "HISTOGRAM":
		return KindHistogram, true
	case "SUMMARY":
		return KindSummary, true
	default:
		return 0, false
	}
}

// NameRegexp matches a valid metric name: letters/digits/underscore/dot/hyphen,
// starting with a letter.
var NameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// LabelKeyRegexp matches a valid label key: letters/digits/underscore,
// starting with a letter.
var LabelKeyRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

const (
	MaxNameLength        = 255
	MaxDescriptionLength = 1000
	MaxUnitLength        = 100
	MaxLabelKeyLength    = 100
	MaxLabelValueLength  = 100
	MaxLabelsPerMetric   = 10
	MinRetentionDays     = 1
	MaxRetentionDays     = 1825
	DefaultRetentionDays = 30
)

// Metric is a registered metric definition.
type Metric struct {
	ID            uuid.UUID
	Name          string
	Kind          Kind
	Description   string
	Unit          string
	RetentionDays int
	Active        bool
	Labels        LabelSchema
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LabelSchema is the set of label keys a metric's samples must carry.
// It is a value type (a set of strings), never a pointer graph back to the
// owning Metric, keeping Metric/LabelSchema/Sample cycle-free.
type LabelSchema []string

// Equal reports whether two label schemas contain the same key set,
// irrespective of order.
func (s LabelSchema) Equal(other LabelSchema) bool {
	if len(s) != len(other) {
		return false
	}
	set := make(map[string]struct{}, len(s))
	for _, k := range s {
		set[k] = struct{}{}
	}
	for _, k := range other {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether key is present in the schema.
func (s LabelSchema) Contains(key string) bool {
	for _, k := range s {
		if k == key {
			return true
		}
	}
	return false
}

// KeysEqual reports whether the key set of labels matches the schema exactly
// (no missing key, no extra key).
func (s LabelSchema) KeysEqual(labels map[string]string) bool {
	if len(labels) != len(s) {
		return false
	}
	for _, k := range s {
		if _, ok := labels[k]; !ok {
			return false
		}
	}
	return true
}

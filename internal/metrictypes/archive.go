package metrictypes

import (
	"time"

	"github.com/google/uuid"
)

// ArchiveSegment records one calendar day's worth of a metric's samples
// moved to cold storage. Covers the closed-open interval
// [StartTime, EndTime) where EndTime = StartTime + 24h. Never mutated once
// created; destroyed only by explicit cleanup.
type ArchiveSegment struct {
	ID                uuid.UUID
	MetricID          uuid.UUID
	StartTime         time.Time
	EndTime           time.Time
	ObjectPath        string
	FileFormat        string
	FileSizeBytes     int64
	RowCount          int64
	CompressionRatio  float64
	LabelsIndex       []string
	CreatedAt         time.Time
}

// DayStart truncates t to the start of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ObjectPathFor returns the conventional object-store path for a metric's
// archive segment covering the UTC day starting at day.
func ObjectPathFor(metricID uuid.UUID, day time.Time) string {
	return "metrics/" + metricID.String() + "/" + DayStart(day).Format("2006-01-02") + ".json.gz"
}

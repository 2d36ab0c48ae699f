package storagegw

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/metrictypes"
)

// InsertArchiveSegment records a newly written cold-storage segment.
// Conflicts on (metric_id, start_time, end_time) are reported as Conflict,
// since a segment is never rewritten once created.
func (g *Gateway) InsertArchiveSegment(ctx context.Context, seg *metrictypes.ArchiveSegment) error {
	labelsJSON, err := json.Marshal(seg.LabelsIndex)
	if err != nil {
		return mserrors.Fatal(fmt.Sprintf("marshal labels index: %v", err))
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO cold_storage_metadata (
			id, metric_id, start_time, end_time, storage_path, file_format,
			file_size_bytes, row_count, compression_ratio, labels_index, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seg.ID.String(), seg.MetricID.String(), seg.StartTime, seg.EndTime,
		seg.ObjectPath, seg.FileFormat, seg.FileSizeBytes, seg.RowCount,
		seg.CompressionRatio, string(labelsJSON), seg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return mserrors.Conflict("archive segment", seg.ObjectPath)
		}
		return mserrors.Transient("insert archive segment", err)
	}
	return nil
}

// GetArchiveSegment returns the segment covering the UTC day starting at
// day for metricID, or nil if none has been archived yet.
func (g *Gateway) GetArchiveSegment(ctx context.Context, metricID uuid.UUID, day time.Time) (*metrictypes.ArchiveSegment, error) {
	start := metrictypes.DayStart(day)
	row := g.db.QueryRowContext(ctx, `
		SELECT id, metric_id, start_time, end_time, storage_path, file_format,
		       file_size_bytes, row_count, compression_ratio, labels_index, created_at
		FROM cold_storage_metadata WHERE metric_id = ? AND start_time = ?
	`, metricID.String(), start)

	seg, err := scanArchiveSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mserrors.Transient("query archive segment", err)
	}
	return seg, nil
}

// ListArchiveSegmentsOverlapping returns every archive segment for metricID
// whose [StartTime, EndTime) interval intersects [start, end), ordered by
// start time ascending — the set the query planner fans a cold-tier read out
// to.
func (g *Gateway) ListArchiveSegmentsOverlapping(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]*metrictypes.ArchiveSegment, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, metric_id, start_time, end_time, storage_path, file_format,
		       file_size_bytes, row_count, compression_ratio, labels_index, created_at
		FROM cold_storage_metadata
		WHERE metric_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time ASC
	`, metricID.String(), end, start)
	if err != nil {
		return nil, mserrors.Transient("list archive segments", err)
	}
	defer rows.Close()

	var out []*metrictypes.ArchiveSegment
	for rows.Next() {
		seg, err := scanArchiveSegmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// DeleteArchiveSegmentsBefore removes segment metadata rows whose EndTime is
// before cutoff, mirroring cold-tier retention cleanup after the underlying
// objects have been deleted from the object store.
func (g *Gateway) DeleteArchiveSegmentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.db.ExecContext(ctx, `DELETE FROM cold_storage_metadata WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, mserrors.Transient("delete archive segments", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mserrors.Transient("delete archive segments rows affected", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArchiveSegment(row *sql.Row) (*metrictypes.ArchiveSegment, error) {
	return scanArchiveSegmentFrom(row)
}

func scanArchiveSegmentRow(rows *sql.Rows) (*metrictypes.ArchiveSegment, error) {
	return scanArchiveSegmentFrom(rows)
}

func scanArchiveSegmentFrom(r rowScanner) (*metrictypes.ArchiveSegment, error) {
	var (
		idStr, metricIDStr string
		startTime, endTime time.Time
		storagePath        string
		fileFormat         string
		fileSizeBytes      int64
		rowCount           int64
		compressionRatio   float64
		labelsIndexJSON    sql.NullString
		createdAt          time.Time
	)

	if err := r.Scan(&idStr, &metricIDStr, &startTime, &endTime, &storagePath, &fileFormat,
		&fileSizeBytes, &rowCount, &compressionRatio, &labelsIndexJSON, &createdAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("stored archive segment has invalid id %q", idStr))
	}
	metricID, err := uuid.Parse(metricIDStr)
	if err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("stored archive segment has invalid metric id %q", metricIDStr))
	}

	var labelsIndex []string
	if labelsIndexJSON.Valid && labelsIndexJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsIndexJSON.String), &labelsIndex); err != nil {
			return nil, mserrors.Fatal(fmt.Sprintf("stored archive segment has invalid labels index: %v", err))
		}
	}

	return &metrictypes.ArchiveSegment{
		ID:               id,
		MetricID:         metricID,
		StartTime:        startTime,
		EndTime:          endTime,
		ObjectPath:       storagePath,
		FileFormat:       fileFormat,
		FileSizeBytes:    fileSizeBytes,
		RowCount:         rowCount,
		CompressionRatio: compressionRatio,
		LabelsIndex:      labelsIndex,
		CreatedAt:        createdAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"UNIQUE", "unique", "Duplicate key", "constraint"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

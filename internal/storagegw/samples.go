package storagegw

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/metrictypes"
)

// UpsertSamples writes a batch of samples, which may span metrics, overwriting any
// existing row with the same (time, metric, labels) key the way a replayed
// ingest batch is expected to behave: last write wins, not an error.
func (g *Gateway) UpsertSamples(ctx context.Context, samples []metrictypes.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return mserrors.Transient("begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO metric_samples (time, metric_id, value, labels_key, labels)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return mserrors.Transient("prepare sample upsert", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		labelsJSON, err := json.Marshal(s.Labels)
		if err != nil {
			return mserrors.Fatal(fmt.Sprintf("marshal labels for sample at %s: %v", s.Time, err))
		}
		key := string(s.Key())
		if _, err := stmt.ExecContext(ctx, s.Time, s.MetricID.String(), s.Value, key, string(labelsJSON)); err != nil {
			return mserrors.Transient("upsert sample", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mserrors.Transient("commit sample upsert", err)
	}
	return nil
}

// ReadRaw returns raw samples for metricID in [start, end), optionally
// filtered by exact-match labels, ordered by time ascending, capped at limit.
func (g *Gateway) ReadRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]metrictypes.Sample, error) {
	query := `
		SELECT time, metric_id, value, labels
		FROM metric_samples
		WHERE metric_id = ? AND time >= ? AND time < ?
	`
	args := []interface{}{metricID.String(), start, end}

	for k, v := range labels {
		query += ` AND json_extract_string(labels, ?) = ?`
		args = append(args, "$."+k, v)
	}

	query += ` ORDER BY time ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mserrors.Transient("read raw samples", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]metrictypes.Sample, error) {
	var out []metrictypes.Sample
	for rows.Next() {
		var (
			t          time.Time
			metricIDStr string
			value      float64
			labelsJSON string
		)
		if err := rows.Scan(&t, &metricIDStr, &value, &labelsJSON); err != nil {
			return nil, mserrors.Transient("scan sample", err)
		}
		metricID, err := uuid.Parse(metricIDStr)
		if err != nil {
			return nil, mserrors.Fatal(fmt.Sprintf("stored sample has invalid metric id %q", metricIDStr))
		}
		labels, err := decodeLabels(labelsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, metrictypes.Sample{Time: t, MetricID: metricID, Value: value, Labels: labels})
	}
	return out, rows.Err()
}

// decodeLabels accepts both a plain JSON object and a JSON string containing
// an encoded object, so a labels column holding the double-encoded form
// used by archive files still decodes.
func decodeLabels(raw string) (map[string]string, error) {
	var labels map[string]string
	if err := json.Unmarshal([]byte(raw), &labels); err == nil {
		return labels, nil
	}

	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("cannot decode stored labels %q", raw))
	}
	if err := json.Unmarshal([]byte(inner), &labels); err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("cannot decode double-encoded labels %q", raw))
	}
	return labels, nil
}

// BucketPoint is one time-bucketed aggregate row.
type BucketPoint struct {
	BucketStart time.Time
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Avg         float64
}

// Bucket computes SUM/AVG/MIN/MAX/COUNT over fixed-width time buckets for
// metricID in [start, end), optionally filtered by exact-match labels.
func (g *Gateway) Bucket(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketPoint, error) {
	seconds := int64(interval.Seconds())
	if seconds <= 0 {
		return nil, mserrors.BadInput("interval", "must be positive")
	}

	query := `
		SELECT
			time_bucket(INTERVAL '` + fmt.Sprintf("%d", seconds) + ` seconds', time) AS bucket_start,
			COUNT(*), SUM(value), MIN(value), MAX(value), AVG(value)
		FROM metric_samples
		WHERE metric_id = ? AND time >= ? AND time < ?
	`
	args := []interface{}{metricID.String(), start, end}

	for k, v := range labels {
		query += ` AND json_extract_string(labels, ?) = ?`
		args = append(args, "$."+k, v)
	}

	query += ` GROUP BY bucket_start ORDER BY bucket_start ASC`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mserrors.Transient("bucket query", err)
	}
	defer rows.Close()

	var out []BucketPoint
	for rows.Next() {
		var p BucketPoint
		if err := rows.Scan(&p.BucketStart, &p.Count, &p.Sum, &p.Min, &p.Max, &p.Avg); err != nil {
			return nil, mserrors.Transient("scan bucket", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Percentile computes the requested quantile (0 < q < 1) over all samples for
// metricID in [start, end). The returned timestamp is end, per the engine's
// convention of reporting a single window-summary point at the window's
// close rather than at an arbitrary interior time.
func (g *Gateway) Percentile(ctx context.Context, metricID uuid.UUID, start, end time.Time, q float64, labels map[string]string) (float64, bool, error) {
	query := `
		SELECT quantile_cont(value, ?) FROM metric_samples
		WHERE metric_id = ? AND time >= ? AND time < ?
	`
	args := []interface{}{q, metricID.String(), start, end}

	for k, v := range labels {
		query += ` AND json_extract_string(labels, ?) = ?`
		args = append(args, "$."+k, v)
	}

	var result sql.NullFloat64
	if err := g.db.QueryRowContext(ctx, query, args...).Scan(&result); err != nil {
		return 0, false, mserrors.Transient("percentile query", err)
	}
	if !result.Valid {
		return 0, false, nil
	}
	return result.Float64, true, nil
}

// CountDistinctLabelCombinations returns the number of distinct series
// (distinct labels_key values) recorded for metricID since the given time,
// the cardinality guard's core measurement over its rolling check window.
func (g *Gateway) CountDistinctLabelCombinations(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT labels_key) FROM metric_samples WHERE metric_id = ? AND time >= ?
	`, metricID.String(), since).Scan(&count)
	if err != nil {
		return 0, mserrors.Transient("count distinct label combinations", err)
	}
	return count, nil
}

// DeleteByRangeBatched deletes samples for metricID with start <= time <
// end, in batches of batchSize, returning the total number of rows removed.
// Used by the archival engine to remove exactly the day it just durably
// wrote to cold storage, and by retention cleanup (start left at the zero
// time to mean "everything before end").
func (g *Gateway) DeleteByRangeBatched(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}

	var total int64
	for {
		res, err := g.db.ExecContext(ctx, `
			DELETE FROM metric_samples WHERE rowid IN (
				SELECT rowid FROM metric_samples
				WHERE metric_id = ? AND time >= ? AND time < ?
				LIMIT ?
			)
		`, metricID.String(), start, end, batchSize)
		if err != nil {
			return total, mserrors.Transient("delete batch", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, mserrors.Transient("delete batch rows affected", err)
		}
		total += n
		if n < int64(batchSize) {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
	return total, nil
}

// OldestSampleTime returns the timestamp of metricID's earliest stored
// sample, used by the archival engine to find where day iteration should
// start. The second return value is false if metricID has no samples.
func (g *Gateway) OldestSampleTime(ctx context.Context, metricID uuid.UUID) (time.Time, bool, error) {
	var t sql.NullTime
	err := g.db.QueryRowContext(ctx, `
		SELECT MIN(time) FROM metric_samples WHERE metric_id = ?
	`, metricID.String()).Scan(&t)
	if err != nil {
		return time.Time{}, false, mserrors.Transient("query oldest sample time", err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

// FindDistinctMetricsBefore returns the distinct metric ids holding at least
// one sample with time < before, the archival scheduler's worklist source.
func (g *Gateway) FindDistinctMetricsBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT DISTINCT metric_id FROM metric_samples WHERE time < ?
	`, before)
	if err != nil {
		return nil, mserrors.Transient("find distinct metrics before cutoff", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, mserrors.Transient("scan metric id", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, mserrors.Fatal(fmt.Sprintf("stored sample has invalid metric id %q", idStr))
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, rows.Err()
}

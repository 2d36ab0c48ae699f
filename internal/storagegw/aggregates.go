package storagegw

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	mserrors "github.com/metricstore/engine/internal/errors"
)

// aggregateTables maps a standard bucket interval to the materialized
// table that stands in for its continuous aggregate, and aggregateBucketSQL
// maps the same interval to the DuckDB time_bucket literal that built it.
var aggregateTables = map[time.Duration]string{
	5 * time.Minute: "agg_5m",
	time.Hour:       "agg_1h",
	24 * time.Hour:  "agg_1d",
}

var aggregateBucketSQL = map[time.Duration]string{
	5 * time.Minute: "5 minutes",
	time.Hour:       "1 hour",
	24 * time.Hour:  "1 day",
}

func aggregateTableStmts() []string {
	var stmts []string
	for _, table := range aggregateTables {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metric_id VARCHAR NOT NULL,
			bucket_start TIMESTAMP NOT NULL,
			labels_key VARCHAR NOT NULL,
			labels JSON NOT NULL,
			count BIGINT NOT NULL,
			sum DOUBLE NOT NULL,
			min DOUBLE NOT NULL,
			max DOUBLE NOT NULL,
			avg DOUBLE NOT NULL,
			PRIMARY KEY (metric_id, bucket_start, labels_key)
		)`, table))
	}
	return stmts
}

// RefreshAggregates rebuilds agg_5m/agg_1h/agg_1d from metric_samples. This
// is the engine's stand-in for a continuous aggregate's incremental
// refresh: DuckDB has no notion of refreshing a materialized view
// incrementally, so each table is cleared and recomputed from scratch.
// Called on a schedule (see cmd/metricstored's aggregate refresh ticker)
// rather than per-upsert, trading staleness equal to the refresh interval
// for not paying aggregation cost on the ingest hot path.
func (g *Gateway) RefreshAggregates(ctx context.Context) error {
	for interval, table := range aggregateTables {
		bucketSQL := aggregateBucketSQL[interval]
		if _, err := g.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return mserrors.Transient(fmt.Sprintf("clear %s", table), err)
		}
		stmt := fmt.Sprintf(`
			INSERT INTO %s (metric_id, bucket_start, labels_key, labels, count, sum, min, max, avg)
			SELECT
				metric_id,
				time_bucket(INTERVAL '%s', time) AS bucket_start,
				labels_key,
				any_value(labels),
				COUNT(*), SUM(value), MIN(value), MAX(value), AVG(value)
			FROM metric_samples
			GROUP BY metric_id, bucket_start, labels_key
		`, table, bucketSQL)
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return mserrors.Transient(fmt.Sprintf("refresh %s", table), err)
		}
	}
	return nil
}

// BucketPrecomputed answers a bucket query from the matching materialized
// aggregate table instead of scanning metric_samples, for the three
// standard granularities the spec names (5m/1h/1d). ok is false when
// interval isn't one of those three, telling the caller to fall back to
// Bucket against the raw table.
func (g *Gateway) BucketPrecomputed(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketPoint, bool, error) {
	table, ok := aggregateTables[interval]
	if !ok {
		return nil, false, nil
	}

	query := fmt.Sprintf(`
		SELECT bucket_start, SUM(count), SUM(sum), MIN(min), MAX(max), SUM(sum) / SUM(count)
		FROM %s
		WHERE metric_id = ? AND bucket_start >= ? AND bucket_start < ?
	`, table)
	args := []interface{}{metricID.String(), start, end}

	for k, v := range labels {
		query += ` AND json_extract_string(labels, ?) = ?`
		args = append(args, "$."+k, v)
	}

	query += ` GROUP BY bucket_start ORDER BY bucket_start ASC`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, true, mserrors.Transient("precomputed bucket query", err)
	}
	defer rows.Close()

	var out []BucketPoint
	for rows.Next() {
		var p BucketPoint
		if err := rows.Scan(&p.BucketStart, &p.Count, &p.Sum, &p.Min, &p.Max, &p.Avg); err != nil {
			return nil, true, mserrors.Transient("scan precomputed bucket", err)
		}
		out = append(out, p)
	}
	return out, true, rows.Err()
}

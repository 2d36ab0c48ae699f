// Package storagegw is the StorageGateway: the engine's thin contract to
// the time-series store and, via the archival engine, the object store.
//
// It is backed by an embedded DuckDB database the way the teacher's
// internal/storage/query.Service is backed by DuckDB — here DuckDB plays
// the role the spec assigns to "a hypertable-like abstraction with
// continuous aggregates and time-bucketed queries": a samples table stands
// in for the hypertable, and three materialized aggregate tables
// (agg_5m/agg_1h/agg_1d, see aggregates.go) stand in for the pre-aggregated
// 5m/1h/1d continuous aggregates — rebuilt on a schedule via
// RefreshAggregates rather than incrementally maintained, since DuckDB has
// no TimescaleDB-style continuous-aggregate refresh of its own. Label
// predicate pushdown uses DuckDB's json_extract_string rather than a
// Postgres GIN index, since DuckDB has no GIN equivalent — documented as a
// deliberate fidelity gap in DESIGN.md.
package storagegw

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/metricstore/engine/internal/clock"
)

// Gateway wraps the DuckDB connection and implements every read/write
// primitive named in the spec's storage engine contract.
type Gateway struct {
	db    *sql.DB
	clock clock.Clock
}

// New opens (or creates) a DuckDB database at path ("" for in-memory) and
// initializes the schema.
func New(path string, clk clock.Clock) (*Gateway, error) {
	if clk == nil {
		clk = clock.System
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	g := &Gateway{db: db, clock: clk}
	if err := g.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return g, nil
}

// Close closes the underlying database connection.
func (g *Gateway) Close() error {
	return g.db.Close()
}

func (g *Gateway) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id VARCHAR PRIMARY KEY,
			name VARCHAR UNIQUE NOT NULL,
			kind VARCHAR NOT NULL,
			description VARCHAR,
			unit VARCHAR,
			is_active BOOLEAN NOT NULL DEFAULT true,
			retention_days INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metric_labels (
			metric_id VARCHAR NOT NULL,
			label_key VARCHAR NOT NULL,
			PRIMARY KEY (metric_id, label_key)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_samples (
			time TIMESTAMP NOT NULL,
			metric_id VARCHAR NOT NULL,
			value DOUBLE NOT NULL,
			labels_key VARCHAR NOT NULL,
			labels JSON NOT NULL,
			PRIMARY KEY (time, metric_id, labels_key)
		)`,
		`CREATE TABLE IF NOT EXISTS cold_storage_metadata (
			id VARCHAR PRIMARY KEY,
			metric_id VARCHAR NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			storage_path VARCHAR NOT NULL,
			file_format VARCHAR NOT NULL,
			file_size_bytes BIGINT NOT NULL,
			row_count BIGINT NOT NULL,
			compression_ratio DOUBLE NOT NULL,
			labels_index JSON,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (metric_id, start_time, end_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_metric_time ON metric_samples (metric_id, time)`,
	}
	stmts = append(stmts, aggregateTableStmts()...)

	for _, stmt := range stmts {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

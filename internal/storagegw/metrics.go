package storagegw

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/metrictypes"
)

// InsertMetric inserts a new metric row plus its label schema rows in a
// single transaction. Returns a Conflict error if the name already exists.
func (g *Gateway) InsertMetric(ctx context.Context, m *metrictypes.Metric) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return mserrors.Transient("begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE name = ?`, m.Name).Scan(&exists); err != nil {
		return mserrors.Transient("check existing metric", err)
	}
	if exists > 0 {
		return mserrors.Conflict("metric", m.Name)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metrics (id, name, kind, description, unit, is_active, retention_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID.String(), m.Name, m.Kind.String(), m.Description, m.Unit, m.Active, m.RetentionDays, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mserrors.Transient("insert metric", err)
	}

	for _, key := range m.Labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metric_labels (metric_id, label_key) VALUES (?, ?)
		`, m.ID.String(), key); err != nil {
			return mserrors.Transient("insert label key", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mserrors.Transient("commit insert metric", err)
	}
	return nil
}

// GetMetricByName loads a metric and its label schema by name.
// Returns nil, nil if no such metric exists.
func (g *Gateway) GetMetricByName(ctx context.Context, name string) (*metrictypes.Metric, error) {
	return g.getMetric(ctx, `name = ?`, name)
}

// GetMetricByID loads a metric and its label schema by id.
func (g *Gateway) GetMetricByID(ctx context.Context, id uuid.UUID) (*metrictypes.Metric, error) {
	return g.getMetric(ctx, `id = ?`, id.String())
}

func (g *Gateway) getMetric(ctx context.Context, where string, arg interface{}) (*metrictypes.Metric, error) {
	row := g.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, kind, description, unit, is_active, retention_days, created_at, updated_at
		FROM metrics WHERE %s
	`, where), arg)

	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mserrors.Transient("query metric", err)
	}

	labels, err := g.labelKeys(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Labels = labels

	return m, nil
}

func scanMetric(row *sql.Row) (*metrictypes.Metric, error) {
	var (
		idStr, name, kindStr             string
		description, unit                sql.NullString
		active                           bool
		retentionDays                    int
		createdAt, updatedAt             time.Time
	)

	if err := row.Scan(&idStr, &name, &kindStr, &description, &unit, &active, &retentionDays, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, mserrors.Fatal(fmt.Sprintf("stored metric %q has invalid id %q", name, idStr))
	}
	kind, ok := metrictypes.ParseKind(kindStr)
	if !ok {
		return nil, mserrors.Fatal(fmt.Sprintf("stored metric %q has invalid kind %q", name, kindStr))
	}

	return &metrictypes.Metric{
		ID:            id,
		Name:          name,
		Kind:          kind,
		Description:   description.String,
		Unit:          unit.String,
		Active:        active,
		RetentionDays: retentionDays,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func (g *Gateway) labelKeys(ctx context.Context, id uuid.UUID) (metrictypes.LabelSchema, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT label_key FROM metric_labels WHERE metric_id = ? ORDER BY label_key`, id.String())
	if err != nil {
		return nil, mserrors.Transient("query label keys", err)
	}
	defer rows.Close()

	var keys metrictypes.LabelSchema
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, mserrors.Transient("scan label key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListMetrics returns all metrics, optionally restricted to active ones.
func (g *Gateway) ListMetrics(ctx context.Context, activeOnly bool) ([]*metrictypes.Metric, error) {
	query := `SELECT id, name, kind, description, unit, is_active, retention_days, created_at, updated_at FROM metrics`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY name`

	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mserrors.Transient("list metrics", err)
	}
	defer rows.Close()

	var results []*metrictypes.Metric
	for rows.Next() {
		var (
			idStr, name, kindStr string
			description, unit   sql.NullString
			active               bool
			retentionDays        int
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&idStr, &name, &kindStr, &description, &unit, &active, &retentionDays, &createdAt, &updatedAt); err != nil {
			return nil, mserrors.Transient("scan metric", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, mserrors.Fatal(fmt.Sprintf("stored metric %q has invalid id %q", name, idStr))
		}
		kind, ok := metrictypes.ParseKind(kindStr)
		if !ok {
			return nil, mserrors.Fatal(fmt.Sprintf("stored metric %q has invalid kind %q", name, kindStr))
		}
		m := &metrictypes.Metric{
			ID: id, Name: name, Kind: kind,
			Description: description.String, Unit: unit.String,
			Active: active, RetentionDays: retentionDays,
			CreatedAt: createdAt, UpdatedAt: updatedAt,
		}
		labels, err := g.labelKeys(ctx, id)
		if err != nil {
			return nil, err
		}
		m.Labels = labels
		results = append(results, m)
	}
	return results, rows.Err()
}

// UpdateMetric updates retention and/or active flag and sets updated_at to
// now; callers re-read the metric to refresh their cache.
func (g *Gateway) UpdateMetric(ctx context.Context, id uuid.UUID, retentionDays *int, active *bool, now time.Time) error {
	if retentionDays == nil && active == nil {
		return nil
	}

	set := ""
	args := []interface{}{}
	if retentionDays != nil {
		set += "retention_days = ?, "
		args = append(args, *retentionDays)
	}
	if active != nil {
		set += "is_active = ?, "
		args = append(args, *active)
	}
	set += "updated_at = ?"
	args = append(args, now, id.String())

	res, err := g.db.ExecContext(ctx, `UPDATE metrics SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return mserrors.Transient("update metric", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mserrors.Transient("update metric rows affected", err)
	}
	if n == 0 {
		return mserrors.NotFound("metric", id.String())
	}
	return nil
}

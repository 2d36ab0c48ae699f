// Package registry implements the MetricRegistry: metric definitions, their
// label schemas, and an in-memory name→Metric lookup cache that sits in
// front of the storage gateway on the ingest hot path.
//
// The cache follows the teacher's atomic-map idiom (sync.Map, no per-metric
// locks): every mutation writes through to storage first and only updates
// the cache on success, so a crash between the two never leaves the cache
// ahead of durable state.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metricstore/engine/internal/clock"
	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/logging"
	"github.com/metricstore/engine/internal/metrictypes"
	"github.com/metricstore/engine/internal/validation"
)

// gateway is the subset of storagegw.Gateway the registry depends on.
type gateway interface {
	InsertMetric(ctx context.Context, m *metrictypes.Metric) error
	GetMetricByName(ctx context.Context, name string) (*metrictypes.Metric, error)
	GetMetricByID(ctx context.Context, id uuid.UUID) (*metrictypes.Metric, error)
	ListMetrics(ctx context.Context, activeOnly bool) ([]*metrictypes.Metric, error)
	UpdateMetric(ctx context.Context, id uuid.UUID, retentionDays *int, active *bool, now time.Time) error
}

// Registry is the MetricRegistry.
type Registry struct {
	store gateway
	clock clock.Clock

	byName sync.Map // string -> *metrictypes.Metric
	byID   sync.Map // uuid.UUID -> *metrictypes.Metric
}

// New constructs a Registry backed by store.
func New(store gateway, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System
	}
	return &Registry{store: store, clock: clk}
}

// Preload loads every active metric from storage into the cache, called
// once at startup before ingestion begins accepting traffic.
func (r *Registry) Preload(ctx context.Context) error {
	metrics, err := r.store.ListMetrics(ctx, true)
	if err != nil {
		return mserrors.Wrap(err, "preload metrics")
	}
	for _, m := range metrics {
		r.cache(m)
	}
	logging.Component("registry").Info("preloaded metrics", "count", len(metrics))
	return nil
}

func (r *Registry) cache(m *metrictypes.Metric) {
	r.byName.Store(m.Name, m)
	r.byID.Store(m.ID, m)
}

func (r *Registry) uncache(m *metrictypes.Metric) {
	r.byName.Delete(m.Name)
	r.byID.Delete(m.ID)
}

// Register validates and creates a new metric definition.
func (r *Registry) Register(ctx context.Context, name string, kind metrictypes.Kind, labels metrictypes.LabelSchema, description, unit string, retentionDays int) (*metrictypes.Metric, error) {
	if err := validation.MetricName(name); err != nil {
		return nil, err
	}
	if err := validation.LabelSchema(labels); err != nil {
		return nil, err
	}
	if err := validation.Description(description); err != nil {
		return nil, err
	}
	if err := validation.Unit(unit); err != nil {
		return nil, err
	}
	days, err := validation.RetentionDays(retentionDays)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	m := &metrictypes.Metric{
		ID:            uuid.New(),
		Name:          name,
		Kind:          kind,
		Description:   description,
		Unit:          unit,
		RetentionDays: days,
		Active:        true,
		Labels:        labels,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := r.store.InsertMetric(ctx, m); err != nil {
		return nil, err
	}

	r.cache(m)
	return m, nil
}

// GetByName is the ingest hot-path lookup: cache first, storage on miss.
// A soft-deleted (inactive) metric read from storage is reported as
// NotFound and is not cached.
func (r *Registry) GetByName(ctx context.Context, name string) (*metrictypes.Metric, error) {
	if v, ok := r.byName.Load(name); ok {
		return v.(*metrictypes.Metric), nil
	}

	m, err := r.store.GetMetricByName(ctx, name)
	if err != nil {
		return nil, mserrors.Wrap(err, "get metric by name")
	}
	if m == nil || !m.Active {
		return nil, mserrors.NotFound("metric", name)
	}

	r.cache(m)
	return m, nil
}

// GetByID looks up a metric by id, cache first; like GetByName it reports
// a soft-deleted metric read from storage as NotFound.
func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*metrictypes.Metric, error) {
	if v, ok := r.byID.Load(id); ok {
		return v.(*metrictypes.Metric), nil
	}

	m, err := r.store.GetMetricByID(ctx, id)
	if err != nil {
		return nil, mserrors.Wrap(err, "get metric by id")
	}
	if m == nil || !m.Active {
		return nil, mserrors.NotFound("metric", id.String())
	}

	r.cache(m)
	return m, nil
}

// List returns metrics from storage, optionally restricted to active ones.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]*metrictypes.Metric, error) {
	metrics, err := r.store.ListMetrics(ctx, activeOnly)
	if err != nil {
		return nil, mserrors.Wrap(err, "list metrics")
	}
	return metrics, nil
}

// Update changes retention and/or active flag, writing through to storage
// before refreshing the cache, per the registry's cache-consistency
// invariant.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, retentionDays *int, active *bool) (*metrictypes.Metric, error) {
	if retentionDays != nil {
		days, err := validation.RetentionDays(*retentionDays)
		if err != nil {
			return nil, err
		}
		retentionDays = &days
	}

	now := r.clock.Now()
	if err := r.store.UpdateMetric(ctx, id, retentionDays, active, now); err != nil {
		return nil, err
	}

	m, err := r.store.GetMetricByID(ctx, id)
	if err != nil {
		return nil, mserrors.Wrap(err, "reload metric after update")
	}
	if m == nil {
		return nil, mserrors.NotFound("metric", id.String())
	}

	r.cache(m)
	return m, nil
}

// SoftDelete clears a metric's active flag, writing through to storage and
// then removing it from the cache so a subsequent GetByName/GetByID cannot
// revive a stale cached entry.
func (r *Registry) SoftDelete(ctx context.Context, id uuid.UUID) error {
	active := false
	now := r.clock.Now()
	if err := r.store.UpdateMetric(ctx, id, nil, &active, now); err != nil {
		return err
	}

	if v, ok := r.byID.Load(id); ok {
		r.uncache(v.(*metrictypes.Metric))
	}
	return nil
}

// GetOrCreate resolves name to a Metric, auto-registering it with an empty
// label schema and the given default kind if it does not already exist.
// Used by ingestion when a sample arrives for an unknown metric name.
func (r *Registry) GetOrCreate(ctx context.Context, name string, defaultKind metrictypes.Kind) (*metrictypes.Metric, error) {
	m, err := r.GetByName(ctx, name)
	if err == nil {
		return m, nil
	}
	if mserrors.Classify(err) != mserrors.KindNotFound {
		return nil, err
	}

	m, err = r.Register(ctx, name, defaultKind, nil, "", "", 0)
	if err == nil {
		return m, nil
	}
	if mserrors.Classify(err) == mserrors.KindConflict {
		// Lost a race with a concurrent auto-registration; the winner's row
		// is now in storage, so resolve it the normal way.
		return r.GetByName(ctx, name)
	}
	return nil, err
}

// LabelsOf returns the label schema for a cached or stored metric id.
func (r *Registry) LabelsOf(ctx context.Context, id uuid.UUID) (metrictypes.LabelSchema, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Labels, nil
}

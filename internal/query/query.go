// Package query implements the QueryPlanner: input validation, routing by
// aggregation type, and merging hot-tier with archived results when a query
// spans both.
package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/metricstore/engine/internal/clock"
	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/metrictypes"
	"github.com/metricstore/engine/internal/rate"
	"github.com/metricstore/engine/internal/validation"
)

// Aggregation is the requested aggregation mode.
type Aggregation string

const (
	AggNone Aggregation = ""
	AggRate Aggregation = "RATE"
	AggP50  Aggregation = "P50"
	AggP75  Aggregation = "P75"
	AggP90  Aggregation = "P90"
	AggP95  Aggregation = "P95"
	AggP99  Aggregation = "P99"
	AggSum  Aggregation = "SUM"
	AggAvg  Aggregation = "AVG"
	AggMin  Aggregation = "MIN"
	AggMax  Aggregation = "MAX"
	AggCnt  Aggregation = "COUNT"
)

var percentileValue = map[Aggregation]float64{
	AggP50: 0.50, AggP75: 0.75, AggP90: 0.90, AggP95: 0.95, AggP99: 0.99,
}

var intervalRegexp = regexp.MustCompile(`^\d+[smhd]$`)

// Request is one query invocation's parameters.
type Request struct {
	MetricName  string
	StartTime   time.Time
	EndTime     time.Time
	Aggregation Aggregation
	Interval    string
	Labels      map[string]string
	Limit       int
}

// Point is one output data point.
type Point struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// Result is the QueryPlanner's output shape.
type Result struct {
	Metric      string
	Data        []Point
	Aggregation Aggregation
	Interval    string
	TotalPoints int
}

const (
	maxBucketCount = 1000
	defaultLimit   = 100
	hardTimeout    = 5 * time.Second
)

// registryLookup is the subset of registry.Registry the planner depends on.
type registryLookup interface {
	GetByName(ctx context.Context, name string) (*metrictypes.Metric, error)
}

// gateway is the subset of storagegw.Gateway the planner reads from.
type gateway interface {
	ReadRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]metrictypes.Sample, error)
	Bucket(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketRow, error)
	// BucketPrecomputed answers from a materialized 5m/1h/1d aggregate
	// instead of scanning raw samples; ok is false when interval isn't one
	// of those three standard granularities.
	BucketPrecomputed(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketRow, bool, error)
	Percentile(ctx context.Context, metricID uuid.UUID, start, end time.Time, q float64, labels map[string]string) (float64, bool, error)
}

// BucketRow mirrors storagegw.BucketPoint to keep this package independent
// of the storagegw import (kept as a narrow local type so query can be
// tested without DuckDB).
type BucketRow struct {
	BucketStart time.Time
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Avg         float64
}

// archiveReader is the subset of archival.Engine the planner consults when
// a query spans the archive boundary.
type archiveReader interface {
	QueryArchive(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]metrictypes.Sample, error)
	ArchiveBoundary() time.Time
}

// bufferedReader is the subset of ingestion.Pipeline the planner consults
// for samples that have been accepted but not yet flushed to the gateway,
// so a percentile query spanning the flush boundary sees a consistent view.
type bufferedReader interface {
	BufferedSamples(metricID uuid.UUID, start, end time.Time) []metrictypes.Sample
}

// Planner is the QueryPlanner.
type Planner struct {
	registry registryLookup
	store    gateway
	archive  archiveReader
	buffered bufferedReader
	clock    clock.Clock
}

// New constructs a Planner. archive and buffered may both be nil: archive
// disables cold-tier fan-out, buffered disables the buffered-percentile
// fallback and leaves percentile queries answered purely from the gateway.
// clk defaults to clock.System when nil.
func New(reg registryLookup, store gateway, archive archiveReader, buffered bufferedReader, clk clock.Clock) *Planner {
	if clk == nil {
		clk = clock.System
	}
	return &Planner{registry: reg, store: store, archive: archive, buffered: buffered, clock: clk}
}

// Run executes req and returns its Result.
func (p *Planner) Run(ctx context.Context, req Request) (Result, error) {
	if req.MetricName == "" {
		return Result{}, mserrors.BadInput("metric", "name is required")
	}

	now := p.clock.Now()
	if req.EndTime.IsZero() {
		req.EndTime = now
	}
	if req.StartTime.IsZero() {
		req.StartTime = req.EndTime.Add(-24 * time.Hour)
	}
	if err := validation.TimeRange(req.StartTime, req.EndTime); err != nil {
		return Result{}, err
	}
	if req.Interval != "" && !intervalRegexp.MatchString(req.Interval) {
		return Result{}, mserrors.BadInput("interval", fmt.Sprintf("%q does not match ^\\d+[smhd]$", req.Interval))
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	metric, err := p.registry.GetByName(ctx, req.MetricName)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	switch {
	case req.Aggregation == AggNone:
		return p.runRaw(ctx, metric, req)
	case req.Aggregation == AggRate:
		return p.runRate(ctx, metric, req)
	case isPercentile(req.Aggregation):
		return p.runPercentile(ctx, metric, req)
	default:
		return p.runBucketOrFullRange(ctx, metric, req)
	}
}

func isPercentile(a Aggregation) bool {
	_, ok := percentileValue[a]
	return ok
}

func (p *Planner) runRaw(ctx context.Context, metric *metrictypes.Metric, req Request) (Result, error) {
	points, err := p.readAcrossTiers(ctx, metric.ID, req.StartTime, req.EndTime, req.Labels, req.Limit)
	if err != nil {
		return Result{}, err
	}
	return buildResult(req, points), nil
}

func (p *Planner) runRate(ctx context.Context, metric *metrictypes.Metric, req Request) (Result, error) {
	if metric.Kind != metrictypes.KindCounter {
		return Result{}, mserrors.BadInput("aggregation", "RATE requires a COUNTER metric")
	}

	samples, err := p.readSamplesAcrossTiers(ctx, metric.ID, req.StartTime, req.EndTime, req.Labels)
	if err != nil {
		return Result{}, err
	}

	ratePoints := rate.Compute(samples)
	points := make([]Point, 0, len(ratePoints))
	for _, rp := range ratePoints {
		points = append(points, Point{Timestamp: rp.Timestamp, Value: rp.Value, Labels: rp.Labels})
	}
	if req.Limit > 0 && len(points) > req.Limit {
		points = points[:req.Limit]
	}
	return buildResult(req, points), nil
}

func (p *Planner) runPercentile(ctx context.Context, metric *metrictypes.Metric, req Request) (Result, error) {
	q := percentileValue[req.Aggregation]

	if p.buffered != nil {
		if buffered := p.buffered.BufferedSamples(metric.ID, req.StartTime, req.EndTime); len(buffered) > 0 {
			return p.runBufferedPercentile(ctx, metric, req, q, buffered)
		}
	}

	v, ok, err := p.store.Percentile(ctx, metric.ID, req.StartTime, req.EndTime, q, req.Labels)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return buildResult(req, nil), nil
	}
	return buildResult(req, []Point{{Timestamp: req.EndTime, Value: v}}), nil
}

// runBufferedPercentile answers a percentile query whose range still has
// samples resident in the ingest buffer by building an on-the-fly DDSketch
// over the flushed samples (read from the gateway) plus the buffered ones,
// so the result is consistent regardless of which side of the flush
// boundary a given sample currently sits on.
func (p *Planner) runBufferedPercentile(ctx context.Context, metric *metrictypes.Metric, req Request, q float64, buffered []metrictypes.Sample) (Result, error) {
	flushed, err := p.store.ReadRaw(ctx, metric.ID, req.StartTime, req.EndTime, req.Labels, 0)
	if err != nil {
		return Result{}, err
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return Result{}, mserrors.Fatal(fmt.Sprintf("create ddsketch: %v", err))
	}

	var n int
	for _, s := range flushed {
		if matchesLabels(s.Labels, req.Labels) {
			sketch.Add(s.Value)
			n++
		}
	}
	for _, s := range buffered {
		if matchesLabels(s.Labels, req.Labels) {
			sketch.Add(s.Value)
			n++
		}
	}
	if n == 0 {
		return buildResult(req, nil), nil
	}

	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return Result{}, mserrors.Transient("ddsketch quantile", err)
	}
	return buildResult(req, []Point{{Timestamp: req.EndTime, Value: v}}), nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// DecodeLabelFilter converts a loosely-typed label filter (as it would
// arrive from an out-of-scope deserialization layer, e.g. a JSON body
// decoded into map[string]interface{}) into the map[string]string this
// package's Request.Labels expects, reporting a field-path error on any
// non-string value.
func DecodeLabelFilter(raw map[string]interface{}) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	var out map[string]string
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, mserrors.BadInput("labels", err.Error())
	}
	return out, nil
}

func (p *Planner) runBucketOrFullRange(ctx context.Context, metric *metrictypes.Metric, req Request) (Result, error) {
	if req.Interval == "" {
		rows, err := p.store.Bucket(ctx, metric.ID, req.StartTime, req.EndTime, req.EndTime.Sub(req.StartTime), req.Labels)
		if err != nil {
			return Result{}, err
		}
		return buildResult(req, bucketRowsToPoints(req.Aggregation, rows)), nil
	}

	interval, err := parseInterval(req.Interval)
	if err != nil {
		return Result{}, err
	}

	rows, err := p.bucketRows(ctx, metric.ID, req.StartTime, req.EndTime, interval, req.Labels)
	if err != nil {
		return Result{}, err
	}
	if len(rows) > maxBucketCount {
		return Result{}, mserrors.ResourceExhausted(fmt.Sprintf("bucket query result exceeds %d buckets; widen interval or narrow range", maxBucketCount))
	}

	return buildResult(req, bucketRowsToPoints(req.Aggregation, rows)), nil
}

// bucketRows prefers the matching 5m/1h/1d materialized aggregate over a
// live scan of metric_samples, per the planner's continuous-aggregate
// routing rule; any other interval falls back to a raw Bucket scan.
func (p *Planner) bucketRows(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketRow, error) {
	rows, ok, err := p.store.BucketPrecomputed(ctx, metricID, start, end, interval, labels)
	if err != nil {
		return nil, err
	}
	if ok {
		return rows, nil
	}
	return p.store.Bucket(ctx, metricID, start, end, interval, labels)
}

func bucketRowsToPoints(agg Aggregation, rows []BucketRow) []Point {
	points := make([]Point, 0, len(rows))
	for _, r := range rows {
		var v float64
		switch agg {
		case AggSum:
			v = r.Sum
		case AggMin:
			v = r.Min
		case AggMax:
			v = r.Max
		case AggCnt:
			v = float64(r.Count)
		default:
			v = r.Avg
		}
		points = append(points, Point{Timestamp: r.BucketStart, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })
	return points
}

func parseInterval(s string) (time.Duration, error) {
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, mserrors.BadInput("interval", fmt.Sprintf("invalid interval %q", s))
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, mserrors.BadInput("interval", fmt.Sprintf("invalid interval unit in %q", s))
	}
}

// readAcrossTiers fans a raw read out to hot storage and, when the range
// reaches back before the archive boundary, the ArchivalEngine, merging by
// timestamp newest-first and applying the shared limit.
func (p *Planner) readAcrossTiers(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]Point, error) {
	samples, err := p.readSamplesAcrossTiers(ctx, metricID, start, end, labels)
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(samples))
	for _, s := range samples {
		points = append(points, Point{Timestamp: s.Time, Value: s.Value, Labels: s.Labels})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })

	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	if len(points) > maxBucketCount {
		points = points[:maxBucketCount]
	}
	return points, nil
}

func (p *Planner) readSamplesAcrossTiers(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string) ([]metrictypes.Sample, error) {
	hot, err := p.store.ReadRaw(ctx, metricID, start, end, labels, 0)
	if err != nil {
		return nil, err
	}

	if p.archive == nil {
		return hot, nil
	}

	boundary := p.archive.ArchiveBoundary()
	if !start.Before(boundary) {
		return hot, nil
	}

	archiveEnd := end
	if archiveEnd.After(boundary) {
		archiveEnd = boundary
	}
	archived, err := p.archive.QueryArchive(ctx, metricID, start, archiveEnd)
	if err != nil {
		return nil, err
	}

	return append(archived, hot...), nil
}

func buildResult(req Request, points []Point) Result {
	return Result{
		Metric:      req.MetricName,
		Data:        points,
		Aggregation: req.Aggregation,
		Interval:    req.Interval,
		TotalPoints: len(points),
	}
}

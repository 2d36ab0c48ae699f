package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/metricstore/engine/internal/metrictypes"
)

type fakeRegistry struct {
	metric *metrictypes.Metric
}

func (f *fakeRegistry) GetByName(ctx context.Context, name string) (*metrictypes.Metric, error) {
	return f.metric, nil
}

type fakeGateway struct {
	samples     []metrictypes.Sample
	buckets     []BucketRow
	precomputed []BucketRow
	pct         float64
	pctOK       bool
}

func (f *fakeGateway) ReadRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]metrictypes.Sample, error) {
	return f.samples, nil
}

func (f *fakeGateway) Bucket(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketRow, error) {
	return f.buckets, nil
}

// BucketPrecomputed only reports ok for the three standard granularities,
// matching the real gateway's aggregateTables, so tests that don't set
// precomputed exercise the Bucket fallback exactly as production does.
func (f *fakeGateway) BucketPrecomputed(ctx context.Context, metricID uuid.UUID, start, end time.Time, interval time.Duration, labels map[string]string) ([]BucketRow, bool, error) {
	if f.precomputed == nil {
		return nil, false, nil
	}
	switch interval {
	case 5 * time.Minute, time.Hour, 24 * time.Hour:
		return f.precomputed, true, nil
	default:
		return nil, false, nil
	}
}

func (f *fakeGateway) Percentile(ctx context.Context, metricID uuid.UUID, start, end time.Time, q float64, labels map[string]string) (float64, bool, error) {
	return f.pct, f.pctOK, nil
}

func TestRun_RawQuery(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	base := time.Now().Add(-time.Hour)

	gw := &fakeGateway{samples: []metrictypes.Sample{
		{Time: base, MetricID: metric.ID, Value: 1},
		{Time: base.Add(time.Minute), MetricID: metric.ID, Value: 2},
	}}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "cpu_usage"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 2 {
		t.Fatalf("expected 2 points, got %d", res.TotalPoints)
	}
	if !res.Data[0].Timestamp.After(res.Data[1].Timestamp) {
		t.Error("expected newest-first ordering")
	}
}

func TestRun_RateRequiresCounter(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	p := New(&fakeRegistry{metric: metric}, &fakeGateway{}, nil, nil, nil)

	_, err := p.Run(ctx, Request{MetricName: "cpu_usage", Aggregation: AggRate})
	if err == nil {
		t.Error("expected BadInput for RATE on a GAUGE metric")
	}
}

func TestRun_RateOnCounter(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "reqs", Kind: metrictypes.KindCounter}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	gw := &fakeGateway{samples: []metrictypes.Sample{
		{Time: base, MetricID: metric.ID, Value: 10},
		{Time: base.Add(10 * time.Second), MetricID: metric.ID, Value: 30},
		{Time: base.Add(20 * time.Second), MetricID: metric.ID, Value: 5},
	}}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "reqs", Aggregation: AggRate, StartTime: base, EndTime: base.Add(20 * time.Second)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 2 {
		t.Fatalf("expected 2 rate points, got %d", res.TotalPoints)
	}
	// Newest-first: (T+20s, 0.5) then (T+10s, 2.0).
	if res.Data[0].Value != 0.5 || res.Data[1].Value != 2.0 {
		t.Errorf("expected [0.5, 2.0], got [%v, %v]", res.Data[0].Value, res.Data[1].Value)
	}
}

func TestRun_Percentile(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "latency", Kind: metrictypes.KindGauge}
	gw := &fakeGateway{pct: 123.4, pctOK: true}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "latency", Aggregation: AggP95})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 1 || res.Data[0].Value != 123.4 {
		t.Errorf("expected single point 123.4, got %+v", res.Data)
	}
}

func TestRun_InvalidIntervalRejected(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	p := New(&fakeRegistry{metric: metric}, &fakeGateway{}, nil, nil, nil)

	_, err := p.Run(ctx, Request{MetricName: "cpu_usage", Aggregation: AggSum, Interval: "bogus"})
	if err == nil {
		t.Error("expected error for malformed interval")
	}
}

func TestRun_SpanExceedingMaxIsRejected(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	p := New(&fakeRegistry{metric: metric}, &fakeGateway{}, nil, nil, nil)

	start := time.Now().Add(-100 * 24 * time.Hour)
	_, err := p.Run(ctx, Request{MetricName: "cpu_usage", StartTime: start, EndTime: time.Now()})
	if err == nil {
		t.Error("expected error for span exceeding 90 days")
	}
}

type fakeBuffered struct {
	samples []metrictypes.Sample
}

func (f *fakeBuffered) BufferedSamples(metricID uuid.UUID, start, end time.Time) []metrictypes.Sample {
	var out []metrictypes.Sample
	for _, s := range f.samples {
		if s.MetricID == metricID && !s.Time.Before(start) && s.Time.Before(end) {
			out = append(out, s)
		}
	}
	return out
}

func TestRun_PercentileFallsBackToBufferedSamples(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "latency", Kind: metrictypes.KindGauge}
	now := time.Now()

	gw := &fakeGateway{samples: []metrictypes.Sample{
		{Time: now.Add(-time.Minute), MetricID: metric.ID, Value: 10},
	}}
	buffered := &fakeBuffered{samples: []metrictypes.Sample{
		{Time: now.Add(-30 * time.Second), MetricID: metric.ID, Value: 20},
	}}
	p := New(&fakeRegistry{metric: metric}, gw, nil, buffered, nil)

	res, err := p.Run(ctx, Request{MetricName: "latency", Aggregation: AggP50, StartTime: now.Add(-time.Hour), EndTime: now})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 1 {
		t.Fatalf("expected a single percentile point, got %+v", res.Data)
	}
	// The sketch holds both 10 (gateway) and 20 (buffer); its median is
	// the lower sample's bucket, within DDSketch's 1% accuracy of 10.
	if res.Data[0].Value < 10 || res.Data[0].Value > 20 {
		t.Errorf("expected merged percentile in [10,20], got %v", res.Data[0].Value)
	}
}

func TestDecodeLabelFilter_ConvertsToStringMap(t *testing.T) {
	out, err := DecodeLabelFilter(map[string]interface{}{"host": "a", "dc": "us-east"})
	if err != nil {
		t.Fatalf("DecodeLabelFilter: %v", err)
	}
	if out["host"] != "a" || out["dc"] != "us-east" {
		t.Errorf("unexpected decoded labels: %+v", out)
	}
}

func TestDecodeLabelFilter_RejectsNonStringValue(t *testing.T) {
	_, err := DecodeLabelFilter(map[string]interface{}{"host": 42})
	if err == nil {
		t.Error("expected an error decoding a non-string label value")
	}
}

func TestRun_BucketAggregation(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	base := time.Now().Add(-time.Hour)

	gw := &fakeGateway{buckets: []BucketRow{
		{BucketStart: base, Count: 5, Sum: 50, Min: 1, Max: 20, Avg: 10},
	}}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "cpu_usage", Aggregation: AggSum, Interval: "5m"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 1 || res.Data[0].Value != 50 {
		t.Errorf("expected SUM bucket value 50, got %+v", res.Data)
	}
}

func TestRun_StandardIntervalPrefersPrecomputedAggregate(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	base := time.Now().Add(-time.Hour)

	gw := &fakeGateway{
		buckets:     []BucketRow{{BucketStart: base, Count: 1, Sum: 999, Min: 999, Max: 999, Avg: 999}},
		precomputed: []BucketRow{{BucketStart: base, Count: 5, Sum: 50, Min: 1, Max: 20, Avg: 10}},
	}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "cpu_usage", Aggregation: AggSum, Interval: "1h"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 1 || res.Data[0].Value != 50 {
		t.Errorf("expected the precomputed aggregate's value 50, not the raw-scan value, got %+v", res.Data)
	}
}

func TestRun_NonStandardIntervalFallsBackToRawBucket(t *testing.T) {
	ctx := context.Background()
	metric := &metrictypes.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: metrictypes.KindGauge}
	base := time.Now().Add(-time.Hour)

	gw := &fakeGateway{
		buckets:     []BucketRow{{BucketStart: base, Count: 1, Sum: 7, Min: 7, Max: 7, Avg: 7}},
		precomputed: []BucketRow{{BucketStart: base, Count: 5, Sum: 50, Min: 1, Max: 20, Avg: 10}},
	}
	p := New(&fakeRegistry{metric: metric}, gw, nil, nil, nil)

	res, err := p.Run(ctx, Request{MetricName: "cpu_usage", Aggregation: AggSum, Interval: "15m"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalPoints != 1 || res.Data[0].Value != 7 {
		t.Errorf("expected the raw-scan value 7 for a non-standard interval, got %+v", res.Data)
	}
}

// Package ingestion implements the IngestionPipeline: per-sample
// validation, enqueue onto the write buffer, and a background flush worker
// that drains the buffer into the storage gateway on a fixed interval or
// when the buffer crosses its oversize trigger.
//
// Structure follows the teacher's storage/ingestion.Service: an
// atomic.Bool run flag, a context/cancel pair plus WaitGroup for graceful
// shutdown, a ticker-driven flush worker, and a buffered force-flush
// channel for manual flush requests — narrowed to the engine's
// validate-then-buffer-then-upsert pipeline in place of the teacher's
// WAL+aggregate+Parquet chain.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/metricstore/engine/internal/buffer"
	"github.com/metricstore/engine/internal/cardinality"
	"github.com/metricstore/engine/internal/clock"
	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/logging"
	"github.com/metricstore/engine/internal/metrictypes"
	"github.com/metricstore/engine/internal/validation"
)

// registry is the subset of registry.Registry the pipeline depends on.
type registry interface {
	GetOrCreate(ctx context.Context, name string, defaultKind metrictypes.Kind) (*metrictypes.Metric, error)
}

// guard is the subset of cardinality.Guard the pipeline depends on.
type guard interface {
	Validate(ctx context.Context, metricID uuid.UUID, labels map[string]string) cardinality.Result
}

// writer is the subset of storagegw.Gateway the pipeline writes through.
type writer interface {
	UpsertSamples(ctx context.Context, samples []metrictypes.Sample) error
}

// RawSample is one caller-supplied measurement awaiting validation.
type RawSample struct {
	MetricName string
	Value      float64
	Time       time.Time
	Labels     map[string]string
}

// IngestError describes why one sample in a batch was rejected.
type IngestError struct {
	Index      int
	MetricName string
	Reason     string
}

// Result is the outcome of one Ingest call.
type Result struct {
	Accepted   int
	Rejected   int
	Errors     []IngestError
	Warnings   []string
	DurationMs int64
}

// Config configures buffer size and flush cadence.
type Config struct {
	BufferMaxSize int
	BatchSize     int
	FlushInterval time.Duration
}

// Stats reports pipeline-level counters.
type Stats struct {
	SamplesReceived  int64
	SamplesAccepted  int64
	SamplesRejected  int64
	FlushesCompleted int64
	FlushErrors      int64
	BufferUsage      float64
	BufferCount      int
}

// Pipeline is the IngestionPipeline.
type Pipeline struct {
	cfg      Config
	registry registry
	guard    guard
	store    writer
	clock    clock.Clock
	buf      *buffer.Buffer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushCh chan struct{}

	samplesReceived  atomic.Int64
	samplesAccepted  atomic.Int64
	samplesRejected  atomic.Int64
	flushesCompleted atomic.Int64
	flushErrors      atomic.Int64

	log *slog.Logger
}

// New constructs a Pipeline. Start must be called before Ingest accepts
// traffic that needs a background flusher; Ingest itself works without
// Start, and tests then flush by calling drainAndFlush directly.
func New(cfg Config, reg registry, g guard, store writer, clk clock.Clock) *Pipeline {
	if cfg.BufferMaxSize <= 0 {
		cfg.BufferMaxSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.System
	}

	return &Pipeline{
		cfg:      cfg,
		registry: reg,
		guard:    g,
		store:    store,
		clock:    clk,
		buf:      buffer.New(cfg.BufferMaxSize),
		flushCh:  make(chan struct{}, 1),
		log:      logging.Component("ingestion"),
	}
}

// Start launches the background flush worker.
func (p *Pipeline) Start() error {
	if p.running.Load() {
		return fmt.Errorf("ingestion pipeline already running")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running.Store(true)

	p.wg.Add(1)
	go p.flushWorker()
	return nil
}

// Stop signals the flush worker to exit, waits for it, and performs a
// final flush of whatever remains buffered.
func (p *Pipeline) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	p.cancel()
	p.wg.Wait()
	p.drainAndFlush(p.cfg.BufferMaxSize)
}

// Ingest validates and enqueues a batch of raw samples. Every sample is
// attempted independently; partial success is the norm.
func (p *Pipeline) Ingest(ctx context.Context, batch []RawSample) (Result, error) {
	start := p.clock.Now()

	if len(batch) == 0 {
		return Result{}, mserrors.BadInput("batch", "must not be empty")
	}
	if len(batch) > p.cfg.BufferMaxSize {
		return Result{}, mserrors.ResourceExhausted(fmt.Sprintf("batch size %d exceeds buffer capacity %d", len(batch), p.cfg.BufferMaxSize))
	}

	p.samplesReceived.Add(int64(len(batch)))

	var res Result
	for i, raw := range batch {
		sample, err := p.validateOne(ctx, raw)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, IngestError{Index: i, MetricName: raw.MetricName, Reason: err.Error()})
			continue
		}

		if !p.buf.Push(sample) {
			res.Rejected++
			res.Errors = append(res.Errors, IngestError{Index: i, MetricName: raw.MetricName, Reason: "write buffer is full"})
			continue
		}
		res.Accepted++
	}

	p.samplesAccepted.Add(int64(res.Accepted))
	p.samplesRejected.Add(int64(res.Rejected))

	if p.buf.Len() >= p.cfg.BufferMaxSize {
		p.ForceFlush()
	}

	res.DurationMs = p.clock.Now().Sub(start).Milliseconds()
	return res, nil
}

// validateOne runs every field-level check independently and collects them
// into a ValidationErrors rather than bailing out on the first failure, so a
// caller fixing a rejected sample sees every field that needs correcting in
// one round trip instead of whack-a-mole against one error at a time.
func (p *Pipeline) validateOne(ctx context.Context, raw RawSample) (metrictypes.Sample, error) {
	verrs := mserrors.NewValidationErrors()
	verrs.Add(validation.MetricName(raw.MetricName))
	verrs.Add(validation.Value(raw.Value))
	verrs.Add(validation.SampleTime(raw.Time, p.clock))
	verrs.Add(validation.Labels(raw.Labels))
	if err := verrs.Err(); err != nil {
		return metrictypes.Sample{}, err
	}

	metric, err := p.registry.GetOrCreate(ctx, raw.MetricName, metrictypes.KindGauge)
	if err != nil {
		return metrictypes.Sample{}, err
	}

	if !metric.Labels.KeysEqual(raw.Labels) {
		return metrictypes.Sample{}, mserrors.BadInput("labels", fmt.Sprintf("metric %q requires labels %v", raw.MetricName, []string(metric.Labels)))
	}

	cardResult := p.guard.Validate(ctx, metric.ID, raw.Labels)
	if !cardResult.OK {
		reason := "cardinality limit exceeded"
		if len(cardResult.Errors) > 0 {
			reason = cardResult.Errors[0]
		}
		return metrictypes.Sample{}, mserrors.ResourceExhausted(reason)
	}

	return metrictypes.Sample{
		Time:     raw.Time,
		MetricID: metric.ID,
		Value:    raw.Value,
		Labels:   raw.Labels,
	}, nil
}

func (p *Pipeline) flushWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainAndFlush(p.cfg.BatchSize)
		case <-p.flushCh:
			p.drainAndFlush(p.cfg.BatchSize)
		}
	}
}

func (p *Pipeline) drainAndFlush(max int) {
	for {
		batch := p.buf.PopN(max)
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := p.store.UpsertSamples(ctx, batch)
		cancel()

		if err != nil {
			p.flushErrors.Add(1)
			p.log.Error("flush failed, re-enqueuing batch", "error", err, "batch_size", len(batch))
			p.buf.Requeue(batch)
			return
		}

		p.flushesCompleted.Add(1)
		if len(batch) < max {
			return
		}
	}
}

// ForceFlush requests an immediate flush without waiting for the next tick.
func (p *Pipeline) ForceFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// BufferedSamples returns currently buffered (not yet flushed) samples for
// metricID whose time falls in [start, end), without draining them. The
// query planner uses this to give percentile queries a consistent answer
// across the hot/buffered boundary.
func (p *Pipeline) BufferedSamples(metricID uuid.UUID, start, end time.Time) []metrictypes.Sample {
	var out []metrictypes.Sample
	for _, s := range p.buf.Snapshot() {
		if s.MetricID == metricID && !s.Time.Before(start) && s.Time.Before(end) {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	bufStats := p.buf.Stats()
	return Stats{
		SamplesReceived:  p.samplesReceived.Load(),
		SamplesAccepted:  p.samplesAccepted.Load(),
		SamplesRejected:  p.samplesRejected.Load(),
		FlushesCompleted: p.flushesCompleted.Load(),
		FlushErrors:      p.flushErrors.Load(),
		BufferUsage:      bufStats.UsageRatio,
		BufferCount:      bufStats.Count,
	}
}

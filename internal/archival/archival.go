// Package archival implements the ArchivalEngine: a scheduled job that moves
// samples older than the hot-tier retention window into compressed,
// day-partitioned cold storage, and a reader that serves queries back out of
// that cold storage when a query's range predates the hot tier.
//
// Grounded on the teacher's internal/storage/compaction.Engine: the same
// atomic.Bool single-flight guard, the same "partition into groups, process
// groups sequentially, metrics within a group in parallel" shape — here
// built on golang.org/x/sync/errgroup rather than a hand-rolled worker pool,
// since the teacher already depends on errgroup elsewhere in its ingestion
// path.
package archival

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/metricstore/engine/internal/clock"
	mserrors "github.com/metricstore/engine/internal/errors"
	"github.com/metricstore/engine/internal/logging"
	"github.com/metricstore/engine/internal/metrictypes"
)

const bucket = "archive"

// storage is the subset of storagegw.Gateway the archival engine depends on.
type storage interface {
	FindDistinctMetricsBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	OldestSampleTime(ctx context.Context, metricID uuid.UUID) (time.Time, bool, error)
	ReadRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]metrictypes.Sample, error)
	DeleteByRangeBatched(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error)
	InsertArchiveSegment(ctx context.Context, seg *metrictypes.ArchiveSegment) error
	GetArchiveSegment(ctx context.Context, metricID uuid.UUID, day time.Time) (*metrictypes.ArchiveSegment, error)
	ListArchiveSegmentsOverlapping(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]*metrictypes.ArchiveSegment, error)
}

// objectStore is the subset of objectstore.Store the archival engine
// depends on, matching the spec's PutObject/GetObject/BucketExists contract.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	ObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Config holds the cold-tier knobs from the engine configuration.
type Config struct {
	Enabled              bool
	RetentionDays        int           // days of hot-tier data to keep before archiving
	PageSize             int           // accumulation page size per day, default 5000
	DeleteBatchSize      int           // rows per delete batch, default 5000
	MaxConcurrentUploads int           // metrics archived in parallel per group, default 3
	VacuumThresholdRows  int64         // rows archived before firing an incremental vacuum, default 100000
	DelayBetweenBatches  time.Duration // sleep between days, default 1s
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.PageSize <= 0 {
		c.PageSize = 5000
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = 5000
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 3
	}
	if c.VacuumThresholdRows <= 0 {
		c.VacuumThresholdRows = 100000
	}
	if c.DelayBetweenBatches <= 0 {
		c.DelayBetweenBatches = time.Second
	}
	return c
}

// Stats reports cumulative archival activity.
type Stats struct {
	RunsStarted     int64
	RunsCompleted   int64
	RunsFailed      int64
	SegmentsCreated int64
	RowsArchived    int64
	RowsDeleted     int64
	BytesWritten    int64
	LastError       string
}

// Vacuumer is fired when a run archives more than Config.VacuumThresholdRows
// rows, mirroring the spec's "incremental vacuum request" hook. Optional:
// a nil Vacuumer simply skips the hook.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// Engine is the ArchivalEngine.
type Engine struct {
	store    storage
	objStore objectStore
	clock    clock.Clock
	cfg      Config
	vacuum   Vacuumer

	running atomic.Bool

	runsStarted     atomic.Int64
	runsCompleted   atomic.Int64
	runsFailed      atomic.Int64
	segmentsCreated atomic.Int64
	rowsArchived    atomic.Int64
	rowsDeleted     atomic.Int64
	bytesWritten    atomic.Int64
	lastError       atomic.Value // string

	log *slog.Logger
}

// New constructs an Engine. vacuum may be nil.
func New(store storage, objStore objectStore, clk clock.Clock, cfg Config, vacuum Vacuumer) *Engine {
	if clk == nil {
		clk = clock.System
	}
	return &Engine{
		store:    store,
		objStore: objStore,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		vacuum:   vacuum,
		log:      logging.Component("archival"),
	}
}

// ArchiveBoundary returns the cutoff below which samples are expected to
// have moved to cold storage: now − RetentionDays, truncated to the start of
// its UTC day. The QueryPlanner consults this to decide whether a query's
// range requires a cold-tier fan-out.
func (e *Engine) ArchiveBoundary() time.Time {
	return metrictypes.DayStart(e.clock.Now().AddDate(0, 0, -e.cfg.RetentionDays))
}

// RunArchivalJob runs one archival pass if enabled and no other run is in
// progress. A concurrent caller while a run is active returns immediately
// without error — this is the single-flight guard, not a failure.
func (e *Engine) RunArchivalJob(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	defer e.running.Store(false)

	e.runsStarted.Add(1)
	if err := e.runArchivalJob(ctx); err != nil {
		e.runsFailed.Add(1)
		e.lastError.Store(err.Error())
		e.log.Error("archival run failed", "error", err)
		return nil
	}
	e.runsCompleted.Add(1)
	return nil
}

func (e *Engine) runArchivalJob(ctx context.Context) error {
	cutoff := e.ArchiveBoundary()

	metricIDs, err := e.store.FindDistinctMetricsBefore(ctx, cutoff)
	if err != nil {
		return mserrors.Transient("find metrics pending archival", err)
	}
	if len(metricIDs) == 0 {
		return nil
	}

	var runRows int64
	for start := 0; start < len(metricIDs); start += e.cfg.MaxConcurrentUploads {
		end := start + e.cfg.MaxConcurrentUploads
		if end > len(metricIDs) {
			end = len(metricIDs)
		}
		group := metricIDs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		rowsPerMetric := make([]int64, len(group))
		for i, metricID := range group {
			i, metricID := i, metricID
			g.Go(func() error {
				rows, err := e.archiveMetric(gctx, metricID, cutoff)
				rowsPerMetric[i] = rows
				if err != nil {
					e.log.Error("archive metric failed", "metric_id", metricID, "error", err)
				}
				return nil // isolate per-metric failures; never abort the group
			})
		}
		_ = g.Wait()
		for _, r := range rowsPerMetric {
			runRows += r
		}
	}

	if e.vacuum != nil && runRows > e.cfg.VacuumThresholdRows {
		go func() {
			if err := e.vacuum.Vacuum(context.Background()); err != nil {
				e.log.Error("incremental vacuum failed", "error", err)
			}
		}()
	}

	return nil
}

// archiveMetric walks metricID's unarchived calendar days, oldest first, up
// to (but not including) cutoff, archiving each day in turn.
func (e *Engine) archiveMetric(ctx context.Context, metricID uuid.UUID, cutoff time.Time) (int64, error) {
	oldest, ok, err := e.store.OldestSampleTime(ctx, metricID)
	if err != nil {
		return 0, mserrors.Transient("find oldest sample time", err)
	}
	if !ok {
		return 0, nil
	}

	var total int64
	for day := metrictypes.DayStart(oldest); day.Before(cutoff); day = day.AddDate(0, 0, 1) {
		rows, err := e.archiveDay(ctx, metricID, day)
		if err != nil {
			e.log.Error("archive day failed", "metric_id", metricID, "day", day.Format("2006-01-02"), "error", err)
			continue
		}
		total += rows

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(e.cfg.DelayBetweenBatches):
		}
	}
	return total, nil
}

// archiveRow is the on-disk JSON shape of one archived sample.
type archiveRow struct {
	Timestamp int64  `json:"timestamp"`
	MetricID  string `json:"metric_id"`
	Value     float64 `json:"value"`
	Labels    string `json:"labels"`
}

func (e *Engine) archiveDay(ctx context.Context, metricID uuid.UUID, day time.Time) (int64, error) {
	existing, err := e.store.GetArchiveSegment(ctx, metricID, day)
	if err != nil {
		return 0, mserrors.Transient("check existing archive segment", err)
	}
	if existing != nil {
		return 0, nil
	}

	dayEnd := day.AddDate(0, 0, 1)
	samples, err := e.collectDay(ctx, metricID, day, dayEnd)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	rows := make([]archiveRow, 0, len(samples))
	for _, s := range samples {
		labelsJSON, err := json.Marshal(s.Labels)
		if err != nil {
			return 0, mserrors.Fatal(fmt.Sprintf("marshal labels for archive row: %v", err))
		}
		rows = append(rows, archiveRow{
			Timestamp: s.Time.UnixMilli(),
			MetricID:  metricID.String(),
			Value:     s.Value,
			Labels:    string(labelsJSON),
		})
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, mserrors.Fatal(fmt.Sprintf("marshal archive rows: %v", err))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, mserrors.Transient("gzip archive payload", err)
	}
	if err := gz.Close(); err != nil {
		return 0, mserrors.Transient("close gzip writer", err)
	}

	objectKey := metrictypes.ObjectPathFor(metricID, day)
	if err := e.ensureBucket(ctx); err != nil {
		return 0, err
	}
	if err := e.objStore.PutObject(ctx, bucket, objectKey, buf.Bytes()); err != nil {
		return 0, err
	}

	seg := &metrictypes.ArchiveSegment{
		ID:               uuid.New(),
		MetricID:         metricID,
		StartTime:        day,
		EndTime:          dayEnd,
		ObjectPath:       objectKey,
		FileFormat:       "json.gz",
		FileSizeBytes:    int64(buf.Len()),
		RowCount:         int64(len(rows)),
		CompressionRatio: float64(len(payload)) / float64(buf.Len()),
		LabelsIndex:      distinctLabelKeys(samples),
		CreatedAt:        e.clock.Now(),
	}
	if err := e.store.InsertArchiveSegment(ctx, seg); err != nil {
		return 0, err
	}

	e.segmentsCreated.Add(1)
	e.rowsArchived.Add(int64(len(rows)))
	e.bytesWritten.Add(int64(buf.Len()))

	deleted, err := e.store.DeleteByRangeBatched(ctx, metricID, day, dayEnd, e.cfg.DeleteBatchSize)
	if err != nil {
		// Hot-tier cleanup failure doesn't fail the archival of this day — the
		// segment is already durable; cleanup retries next run.
		e.log.Error("delete archived rows from hot tier failed", "metric_id", metricID, "day", day.Format("2006-01-02"), "error", err)
	} else {
		e.rowsDeleted.Add(deleted)
	}

	return int64(len(rows)), nil
}

// collectDay reads samples for [start, end) in pages of cfg.PageSize,
// accumulating them before serialization.
func (e *Engine) collectDay(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]metrictypes.Sample, error) {
	var all []metrictypes.Sample
	cursor := start
	for {
		page, err := e.store.ReadRaw(ctx, metricID, cursor, end, nil, e.cfg.PageSize)
		if err != nil {
			return nil, mserrors.Transient("read archival page", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) < e.cfg.PageSize {
			all = append(all, page...)
			break
		}
		// The next query starts at this page's last timestamp, so the rows
		// at that timestamp are left for it to collect and none is kept twice.
		last := page[len(page)-1].Time
		keep := len(page)
		for keep > 0 && page[keep-1].Time.Equal(last) {
			keep--
		}
		all = append(all, page[:keep]...)
		cursor = last
	}
	return all, nil
}

func distinctLabelKeys(samples []metrictypes.Sample) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, s := range samples {
		for k := range s.Labels {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func (e *Engine) ensureBucket(ctx context.Context) error {
	exists, err := e.objStore.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return e.objStore.CreateBucket(ctx, bucket)
}

// QueryArchive returns archived samples for metricID in [start, end),
// satisfying the QueryPlanner's cold-tier read contract. Overlapping
// segments are read sequentially; a segment that fails to decode is logged
// and contributes no rows rather than failing the whole query.
func (e *Engine) QueryArchive(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]metrictypes.Sample, error) {
	segments, err := e.store.ListArchiveSegmentsOverlapping(ctx, metricID, start, end)
	if err != nil {
		return nil, mserrors.Transient("list overlapping archive segments", err)
	}

	var out []metrictypes.Sample
	for _, seg := range segments {
		rows, err := e.readSegment(ctx, seg)
		if err != nil {
			e.log.Error("archive segment read failed, treating as empty", "object_path", seg.ObjectPath, "error", err)
			continue
		}
		for _, r := range rows {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			mID, err := uuid.Parse(r.MetricID)
			if err != nil {
				continue
			}
			var labels map[string]string
			if r.Labels != "" {
				if err := json.Unmarshal([]byte(r.Labels), &labels); err != nil {
					continue
				}
			}
			out = append(out, metrictypes.Sample{Time: ts, MetricID: mID, Value: r.Value, Labels: labels})
		}
	}
	return out, nil
}

func (e *Engine) readSegment(ctx context.Context, seg *metrictypes.ArchiveSegment) ([]archiveRow, error) {
	reader, err := e.objStore.ObjectReader(ctx, bucket, seg.ObjectPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	gz, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress segment: %w", err)
	}

	var rows []archiveRow
	if err := json.Unmarshal(data, &rows); err != nil {
		// Per the archive file format's documented parse-failure rule, a
		// corrupt file is treated as empty rather than propagated.
		return nil, nil
	}
	return rows, nil
}

// Stats returns a snapshot of cumulative archival activity.
func (e *Engine) Stats() Stats {
	var lastErr string
	if v, ok := e.lastError.Load().(string); ok {
		lastErr = v
	}
	return Stats{
		RunsStarted:     e.runsStarted.Load(),
		RunsCompleted:   e.runsCompleted.Load(),
		RunsFailed:      e.runsFailed.Load(),
		SegmentsCreated: e.segmentsCreated.Load(),
		RowsArchived:    e.rowsArchived.Load(),
		RowsDeleted:     e.rowsDeleted.Load(),
		BytesWritten:    e.bytesWritten.Load(),
		LastError:       lastErr,
	}
}

// IsRunning reports whether an archival pass is currently in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

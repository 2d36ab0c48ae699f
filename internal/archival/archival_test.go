package archival

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/metricstore/engine/internal/clock"
	"github.com/metricstore/engine/internal/metrictypes"
)

type fakeStorage struct {
	mu       sync.Mutex
	samples  map[uuid.UUID][]metrictypes.Sample
	segments map[uuid.UUID]map[string]*metrictypes.ArchiveSegment
	failDays map[string]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		samples:  map[uuid.UUID][]metrictypes.Sample{},
		segments: map[uuid.UUID]map[string]*metrictypes.ArchiveSegment{},
	}
}

func (f *fakeStorage) addSamples(metricID uuid.UUID, samples ...metrictypes.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[metricID] = append(f.samples[metricID], samples...)
}

func (f *fakeStorage) FindDistinctMetricsBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, samples := range f.samples {
		for _, s := range samples {
			if s.Time.Before(before) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (f *fakeStorage) OldestSampleTime(ctx context.Context, metricID uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.samples[metricID]
	if len(samples) == 0 {
		return time.Time{}, false, nil
	}
	oldest := samples[0].Time
	for _, s := range samples[1:] {
		if s.Time.Before(oldest) {
			oldest = s.Time
		}
	}
	return oldest, true, nil
}

func (f *fakeStorage) ReadRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]metrictypes.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDays[metrictypes.DayStart(start).Format("2006-01-02")] {
		return nil, io.ErrClosedPipe
	}
	var out []metrictypes.Sample
	for _, s := range f.samples[metricID] {
		if !s.Time.Before(start) && s.Time.Before(end) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStorage) DeleteByRangeBatched(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []metrictypes.Sample
	var deleted int64
	for _, s := range f.samples[metricID] {
		if !s.Time.Before(start) && s.Time.Before(end) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	f.samples[metricID] = kept
	return deleted, nil
}

func (f *fakeStorage) InsertArchiveSegment(ctx context.Context, seg *metrictypes.ArchiveSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.segments[seg.MetricID] == nil {
		f.segments[seg.MetricID] = map[string]*metrictypes.ArchiveSegment{}
	}
	f.segments[seg.MetricID][seg.StartTime.Format("2006-01-02")] = seg
	return nil
}

func (f *fakeStorage) GetArchiveSegment(ctx context.Context, metricID uuid.UUID, day time.Time) (*metrictypes.ArchiveSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segments[metricID][metrictypes.DayStart(day).Format("2006-01-02")], nil
}

func (f *fakeStorage) ListArchiveSegmentsOverlapping(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]*metrictypes.ArchiveSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metrictypes.ArchiveSegment
	for _, seg := range f.segments[metricID] {
		if seg.StartTime.Before(end) && seg.EndTime.After(start) {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	buckets map[string]bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}, buckets: map[string]bool{}}
}

func (f *fakeObjectStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeObjectStore) CreateBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStore) ObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestRunArchivalJob_ArchivesOldDayAndDeletesFromHotTier(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	store := newFakeStorage()
	objStore := newFakeObjectStore()
	metricID := uuid.New()

	oldDay := now.AddDate(0, 0, -40)
	store.addSamples(metricID,
		metrictypes.Sample{Time: oldDay.Add(time.Hour), MetricID: metricID, Value: 1, Labels: map[string]string{"host": "a"}},
		metrictypes.Sample{Time: oldDay.Add(2 * time.Hour), MetricID: metricID, Value: 2, Labels: map[string]string{"host": "a"}},
	)

	engine := New(store, objStore, clk, Config{Enabled: true, RetentionDays: 30, DelayBetweenBatches: time.Millisecond}, nil)

	if err := engine.RunArchivalJob(ctx); err != nil {
		t.Fatalf("RunArchivalJob: %v", err)
	}

	stats := engine.Stats()
	if stats.SegmentsCreated != 1 {
		t.Fatalf("expected 1 segment created, got %d", stats.SegmentsCreated)
	}
	if stats.RowsArchived != 2 {
		t.Fatalf("expected 2 rows archived, got %d", stats.RowsArchived)
	}
	if len(store.samples[metricID]) != 0 {
		t.Fatalf("expected hot-tier rows deleted after archival, got %d remaining", len(store.samples[metricID]))
	}

	seg, err := store.GetArchiveSegment(ctx, metricID, oldDay)
	if err != nil || seg == nil {
		t.Fatalf("expected archive segment recorded, err=%v seg=%v", err, seg)
	}
	if seg.RowCount != 2 {
		t.Errorf("expected row count 2, got %d", seg.RowCount)
	}
}

func TestRunArchivalJob_SkipsAlreadyArchivedDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	store := newFakeStorage()
	objStore := newFakeObjectStore()
	metricID := uuid.New()

	oldDay := metrictypes.DayStart(now.AddDate(0, 0, -40))
	store.segments[metricID] = map[string]*metrictypes.ArchiveSegment{
		oldDay.Format("2006-01-02"): {ID: uuid.New(), MetricID: metricID, StartTime: oldDay, EndTime: oldDay.AddDate(0, 0, 1)},
	}
	store.addSamples(metricID, metrictypes.Sample{Time: oldDay.Add(time.Hour), MetricID: metricID, Value: 1})

	engine := New(store, objStore, clk, Config{Enabled: true, RetentionDays: 30, DelayBetweenBatches: time.Millisecond}, nil)
	if err := engine.RunArchivalJob(ctx); err != nil {
		t.Fatalf("RunArchivalJob: %v", err)
	}

	if engine.Stats().SegmentsCreated != 0 {
		t.Errorf("expected no new segment for an already-archived day, got %d", engine.Stats().SegmentsCreated)
	}
	if len(store.samples[metricID]) != 1 {
		t.Error("expected hot-tier row for an already-archived day to be left untouched")
	}
}

func TestRunArchivalJob_FailedDayRowsSurviveLaterDaysDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	store := newFakeStorage()
	objStore := newFakeObjectStore()
	metricID := uuid.New()

	failedDay := metrictypes.DayStart(now.AddDate(0, 0, -40))
	nextDay := failedDay.AddDate(0, 0, 1)
	store.failDays = map[string]bool{failedDay.Format("2006-01-02"): true}
	store.addSamples(metricID,
		metrictypes.Sample{Time: failedDay.Add(time.Hour), MetricID: metricID, Value: 1, Labels: map[string]string{"host": "a"}},
		metrictypes.Sample{Time: nextDay.Add(time.Hour), MetricID: metricID, Value: 2, Labels: map[string]string{"host": "a"}},
	)

	engine := New(store, objStore, clk, Config{Enabled: true, RetentionDays: 30, DelayBetweenBatches: time.Millisecond}, nil)
	if err := engine.RunArchivalJob(ctx); err != nil {
		t.Fatalf("RunArchivalJob: %v", err)
	}

	if engine.Stats().SegmentsCreated != 1 {
		t.Fatalf("expected only the second day to archive, got %d segments", engine.Stats().SegmentsCreated)
	}

	remaining := store.samples[metricID]
	if len(remaining) != 1 {
		t.Fatalf("expected the failed day's row to remain in the hot tier, got %d rows: %+v", len(remaining), remaining)
	}
	if !remaining[0].Time.Equal(failedDay.Add(time.Hour)) {
		t.Errorf("expected the surviving row to belong to the failed day, got %v", remaining[0].Time)
	}
}

func TestRunArchivalJob_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	store := newFakeStorage()
	metricID := uuid.New()
	store.addSamples(metricID, metrictypes.Sample{Time: time.Now().AddDate(0, 0, -40), MetricID: metricID, Value: 1})

	engine := New(store, newFakeObjectStore(), clk, Config{Enabled: false}, nil)
	if err := engine.RunArchivalJob(ctx); err != nil {
		t.Fatalf("RunArchivalJob: %v", err)
	}
	if engine.Stats().RunsStarted != 0 {
		t.Error("expected a disabled engine to never start a run")
	}
}

func TestQueryArchive_RoundTripsThroughGzipSegment(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	store := newFakeStorage()
	objStore := newFakeObjectStore()
	metricID := uuid.New()
	day := metrictypes.DayStart(now.AddDate(0, 0, -40))
	store.addSamples(metricID,
		metrictypes.Sample{Time: day.Add(time.Hour), MetricID: metricID, Value: 5, Labels: map[string]string{"host": "a"}},
	)

	engine := New(store, objStore, clk, Config{Enabled: true, RetentionDays: 30, DelayBetweenBatches: time.Millisecond}, nil)
	if err := engine.RunArchivalJob(ctx); err != nil {
		t.Fatalf("RunArchivalJob: %v", err)
	}

	results, err := engine.QueryArchive(ctx, metricID, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("QueryArchive: %v", err)
	}
	if len(results) != 1 || results[0].Value != 5 {
		t.Fatalf("expected 1 archived sample with value 5, got %+v", results)
	}
	if results[0].Labels["host"] != "a" {
		t.Errorf("expected label round-trip, got %+v", results[0].Labels)
	}
}

func TestQueryArchive_CorruptSegmentTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	store := newFakeStorage()
	objStore := newFakeObjectStore()
	metricID := uuid.New()
	day := metrictypes.DayStart(time.Now().AddDate(0, 0, -40))

	store.segments[metricID] = map[string]*metrictypes.ArchiveSegment{
		day.Format("2006-01-02"): {
			ID: uuid.New(), MetricID: metricID, StartTime: day, EndTime: day.AddDate(0, 0, 1),
			ObjectPath: metrictypes.ObjectPathFor(metricID, day),
		},
	}
	objStore.PutObject(ctx, bucket, metrictypes.ObjectPathFor(metricID, day), []byte("not gzip"))

	engine := New(store, objStore, clk, Config{Enabled: true}, nil)
	results, err := engine.QueryArchive(ctx, metricID, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("QueryArchive should isolate segment errors, got: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no rows from a corrupt segment, got %d", len(results))
	}
}

func TestArchiveBoundary_TracksRetentionDays(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	engine := New(newFakeStorage(), newFakeObjectStore(), clk, Config{RetentionDays: 10}, nil)

	boundary := engine.ArchiveBoundary()
	expected := metrictypes.DayStart(now.AddDate(0, 0, -10))
	if !boundary.Equal(expected) {
		t.Errorf("expected boundary %v, got %v", expected, boundary)
	}
}

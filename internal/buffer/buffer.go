// Package buffer implements the ingestion pipeline's write buffer: a
// bounded, mutex-guarded queue of samples awaiting a flush to the storage
// gateway.
//
// Adapted from the teacher's storage/buffer.RingBuffer: same circular-array
// layout and atomic push/pop/drop counters, narrowed to the metric engine's
// Sample type and to the operations the ingestion pipeline actually needs
// (Push, PopN, Requeue, Stats) — there is no overwrite-oldest mode here,
// since an ingest buffer that silently drops samples under write pressure
// would violate the "accepted into buffer" contract the pipeline promises
// its callers.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/metricstore/engine/internal/metrictypes"
)

// Buffer is a thread-safe bounded circular queue of samples.
type Buffer struct {
	mu       sync.Mutex
	data     []metrictypes.Sample
	head     int64
	tail     int64
	count    int64
	capacity int64

	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		data:     make([]metrictypes.Sample, capacity),
		capacity: int64(capacity),
	}
}

// Push enqueues a sample. Returns false if the buffer is full and the
// sample was dropped; callers surface this to the ingest caller as a
// rejection, not a silent loss.
func (b *Buffer) Push(s metrictypes.Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.dropCount.Add(1)
		return false
	}

	idx := b.head % b.capacity
	b.data[idx] = s
	b.head++
	b.count++
	b.pushCount.Add(1)
	return true
}

// PopN removes and returns up to n oldest samples, oldest first.
func (b *Buffer) PopN(n int) []metrictypes.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || n <= 0 {
		return nil
	}

	take := int64(n)
	if take > b.count {
		take = b.count
	}

	result := make([]metrictypes.Sample, take)
	for i := int64(0); i < take; i++ {
		idx := (b.tail + i) % b.capacity
		result[i] = b.data[idx]
		b.data[idx] = metrictypes.Sample{}
	}

	b.tail += take
	b.count -= take
	b.popCount.Add(take)
	return result
}

// Requeue returns previously popped samples to the tail of the queue,
// behind any sample pushed since they were drained, used when a flush
// write fails and the drained batch must be retried. Appending at the tail
// rather than the head means newer samples keep draining on every tick
// even while the failed batch waits its turn; requeuing at the head would
// put the same failed batch back at the front of every tick's pop,
// starving newer samples for as long as the backend stays down. Samples
// that no longer fit are dropped and counted, rather than blocking.
func (b *Buffer) Requeue(samples []metrictypes.Sample) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.capacity - b.count
	n := int64(len(samples))
	if n > room {
		dropped := n - room
		b.dropCount.Add(dropped)
		samples = samples[:room]
		n = room
	}

	for i := int64(0); i < n; i++ {
		idx := b.head % b.capacity
		b.data[idx] = samples[i]
		b.head++
	}
	b.count += n
	return int(n)
}

// Snapshot returns a copy of every currently buffered sample, oldest first,
// without removing them. Used by read paths (the query planner's buffered-
// percentile fallback) that need to see not-yet-flushed samples.
func (b *Buffer) Snapshot() []metrictypes.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]metrictypes.Sample, b.count)
	for i := int64(0); i < b.count; i++ {
		idx := (b.tail + i) % b.capacity
		out[i] = b.data[idx]
	}
	return out
}

// Len returns the current number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.count)
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int {
	return int(b.capacity)
}

// UsageRatio returns current occupancy as a fraction of capacity.
func (b *Buffer) UsageRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.count) / float64(b.capacity)
}

// Stats reports buffer-level counters.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:   int(b.capacity),
		Count:      int(b.count),
		UsageRatio: float64(b.count) / float64(b.capacity),
		PushCount:  b.pushCount.Load(),
		PopCount:   b.popCount.Load(),
		DropCount:  b.dropCount.Load(),
	}
}

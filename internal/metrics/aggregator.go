package metrics

import (
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

// Counter is the mutable aggregate for one key. Fields only ever grow;
// drain destroys the counter rather than resetting it.
type Counter struct {
	count      atomic.Int64
	sumMS      atomic.Int64
	errorCount atomic.Int64
}

func (c *Counter) add(durationMS int64, isError bool) {
	c.count.Add(1)
	c.sumMS.Add(durationMS)
	if isError {
		c.errorCount.Add(1)
	}
}

// Count returns the number of observations applied.
func (c *Counter) Count() int64 { return c.count.Load() }

// SumMS returns the accumulated duration in milliseconds.
func (c *Counter) SumMS() int64 { return c.sumMS.Load() }

// ErrorCount returns the number of observations flagged as errors.
func (c *Counter) ErrorCount() int64 { return c.errorCount.Load() }

// Entry is one (key, counter) pair in a drained snapshot. Plain values,
// immutable once returned.
type Entry struct {
	Key        Key
	Count      int64
	SumMS      int64
	ErrorCount int64
}

// shardCount must be a power of two. 64 shards keeps increment contention
// negligible for realistic host-application thread counts.
const shardCount = 64

type shard struct {
	mu       sync.Mutex
	counters map[Key]*Counter
}

// Aggregator is a thread-safe increment-and-drain store keyed by Key.
// Increments are sharded by key hash so unrelated keys never contend on
// one lock; this sits on the hot path of every finished span.
type Aggregator struct {
	shards [shardCount]shard
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	for i := range a.shards {
		a.shards[i].counters = make(map[Key]*Counter)
	}
	return a
}

func shardIndex(k Key) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(k.Bucket.Unix(), 10)))
	h.Write([]byte(k.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(k.Service))
	h.Write([]byte{0})
	h.Write([]byte(k.Target))
	h.Write([]byte{0})
	h.Write([]byte(k.Operation))
	return h.Sum32() & (shardCount - 1)
}

// Increment applies one observation to the counter for key, creating the
// counter on first use. Safe for unbounded concurrent callers.
//
// The adds happen inside the shard lock so an increment can never land on
// a counter that a racing Drain has already snapshotted; Drain swaps the
// shard map under the same lock, so each observation lands in exactly one
// drain.
func (a *Aggregator) Increment(key Key, durationMS int64, isError bool) {
	if durationMS < 0 {
		durationMS = 0
	}
	s := &a.shards[shardIndex(key)]
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &Counter{}
		s.counters[key] = c
	}
	c.add(durationMS, isError)
	s.mu.Unlock()
}

// Drain atomically removes and returns every (key, counter) pair as an
// immutable snapshot. Every counter present before the call appears
// exactly once with all prior increments applied; increments racing with
// Drain land in a later drain.
func (a *Aggregator) Drain() []Entry {
	var out []Entry
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		drained := s.counters
		s.counters = make(map[Key]*Counter)
		s.mu.Unlock()

		for k, c := range drained {
			out = append(out, Entry{
				Key:        k,
				Count:      c.Count(),
				SumMS:      c.SumMS(),
				ErrorCount: c.ErrorCount(),
			})
		}
	}
	return out
}

// Size returns the number of distinct keys currently stored. Diagnostic
// only; the value is stale by the time it returns.
func (a *Aggregator) Size() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}

// Empty reports whether no keys are stored. Diagnostic only.
func (a *Aggregator) Empty() bool {
	return a.Size() == 0
}

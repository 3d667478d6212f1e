// Package flush owns the recurring drain-and-ship schedule: a timer that
// drains the aggregator and a bounded single-worker queue that submits
// batches, recreated wholesale when the host process forks.
package flush

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/miru-obs/miru/internal/metrics"
	"github.com/miru-obs/miru/internal/telemetry"
)

const (
	// DefaultInterval is the flush tick period.
	DefaultInterval = 60 * time.Second

	// queueDepth bounds the dispatch queue. Overflow discards the
	// newest scheduled flush rather than blocking the timer.
	queueDepth = 20

	// stopGrace bounds how long Stop waits for the worker after the
	// final flush before giving up.
	stopGrace = 10 * time.Second
)

// Submitter ships one drained batch to the remote collector.
type Submitter interface {
	Submit(ctx context.Context, batch []metrics.Entry) (int, error)
}

// Recorder persists one drained batch locally. Optional.
type Recorder interface {
	RecordMetrics(ctx context.Context, batch []metrics.Entry) error
}

// Flusher periodically drains the aggregator and hands batches to a
// bounded worker for submission. Fork-aware: OS threads and timers do not
// survive fork, so each tick compares the remembered pid with the current
// one and rebuilds the timer and worker when they differ. Hosts with
// their own fork hooks should call AfterFork directly; tick-time
// detection is the safety net.
type Flusher struct {
	agg       *metrics.Aggregator
	submitter Submitter
	recorder  Recorder // nil = remote shipping only
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	pid     int
	rt      *flushRuntime

	registerOnce sync.Once

	flushed        atomic.Int64 // batches handed to the worker
	droppedFlushes atomic.Int64 // scheduled flushes discarded on overflow
}

// flushRuntime is the background execution context: everything that must
// be torn down and recreated after a fork.
type flushRuntime struct {
	queue      chan []metrics.Entry
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	workerDone chan struct{}
}

// New creates a Flusher. interval <= 0 selects DefaultInterval; recorder
// may be nil.
func New(agg *metrics.Aggregator, submitter Submitter, recorder Recorder, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		agg:       agg,
		submitter: submitter,
		recorder:  recorder,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the timer and worker. Idempotent: calling Start while
// running is a no-op.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.registerOnce.Do(f.registerMetrics)
	f.pid = os.Getpid()
	f.rt = f.launch()
	f.running = true
}

// launch spins up a fresh execution context. Caller holds f.mu.
func (f *Flusher) launch() *flushRuntime {
	loopCtx, cancel := context.WithCancel(context.Background())
	rt := &flushRuntime{
		queue:      make(chan []metrics.Entry, queueDepth),
		cancelLoop: cancel,
		loopDone:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go f.loop(loopCtx, rt)
	go f.worker(rt)
	return rt
}

// loop is the timer goroutine. It never performs I/O itself: a stalled
// submission cannot delay the next tick or block span ingestion.
func (f *Flusher) loop(ctx context.Context, rt *flushRuntime) {
	defer close(rt.loopDone)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.forkDetected() {
				// This goroutine belongs to the pre-fork runtime; the
				// restart spun up a replacement.
				return
			}
			f.dispatch(rt)
		}
	}
}

// dispatch drains the aggregator and enqueues the batch. Overflow
// discards the newest scheduled flush: no backpressure ever reaches the
// host application's threads.
func (f *Flusher) dispatch(rt *flushRuntime) {
	batch := f.agg.Drain()
	if len(batch) == 0 {
		return
	}
	select {
	case rt.queue <- batch:
		f.flushed.Add(1)
	default:
		f.droppedFlushes.Add(1)
		f.logger.Warn("flush: dispatch queue full, discarding scheduled flush",
			"keys", len(batch))
	}
}

func (f *Flusher) worker(rt *flushRuntime) {
	defer close(rt.workerDone)
	for batch := range rt.queue {
		f.ship(context.Background(), batch)
	}
}

// ship persists and submits one batch. Failures are logged, never raised:
// observability must not take the host down.
func (f *Flusher) ship(ctx context.Context, batch []metrics.Entry) {
	if f.recorder != nil {
		if err := f.recorder.RecordMetrics(ctx, batch); err != nil {
			f.logger.Error("flush: record metrics locally", "error", err)
		}
	}
	if _, err := f.submitter.Submit(ctx, batch); err != nil {
		f.logger.Error("flush: submit batch", "error", err, "keys", len(batch))
	}
}

// forkDetected restarts the background context when the pid changed.
func (f *Flusher) forkDetected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running || os.Getpid() == f.pid {
		return false
	}
	f.logger.Info("flush: fork detected, recreating timer and worker",
		"old_pid", f.pid, "pid", os.Getpid())
	f.restartLocked()
	return true
}

// restartLocked tears down the current runtime and launches a fresh one.
// Caller holds f.mu. The old runtime's goroutines do not exist in a
// forked child; cancelling and closing is safe either way.
func (f *Flusher) restartLocked() {
	if f.rt != nil {
		f.rt.cancelLoop()
		close(f.rt.queue)
	}
	f.pid = os.Getpid()
	f.rt = f.launch()
}

// AfterFork explicitly recreates the timer and worker. Host processes
// with their own fork hooks call this from the child instead of relying
// on tick-time detection.
func (f *Flusher) AfterFork() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.restartLocked()
}

// FlushNow synchronously drains and submits, bypassing the queue.
// Returns the number of metric keys flushed. For operator and test use.
func (f *Flusher) FlushNow(ctx context.Context) int {
	batch := f.agg.Drain()
	if len(batch) == 0 {
		return 0
	}
	f.ship(ctx, batch)
	return len(batch)
}

// Stop cancels the timer, performs one final synchronous drain-and-submit,
// and shuts the worker down with a bounded wait. Never blocks process
// exit indefinitely.
func (f *Flusher) Stop(ctx context.Context) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	rt := f.rt
	f.running = false
	f.rt = nil
	f.mu.Unlock()

	rt.cancelLoop()
	<-rt.loopDone

	// Final flush happens on the caller's goroutine so it is guaranteed
	// to complete (or fail) before Stop returns.
	f.FlushNow(ctx)

	close(rt.queue)
	select {
	case <-rt.workerDone:
	case <-time.After(stopGrace):
		f.logger.Warn("flush: worker did not drain in time, abandoning")
	}
}

// registerMetrics registers observable gauges for flusher health.
func (f *Flusher) registerMetrics() {
	meter := telemetry.Meter("miru/flush")

	_, _ = meter.Int64ObservableGauge("miru.flush.pending_keys",
		metric.WithDescription("Distinct metric keys waiting for the next flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(f.agg.Size()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("miru.flush.dropped_total",
		metric.WithDescription("Scheduled flushes discarded due to queue overflow"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(f.droppedFlushes.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("miru.flush.dispatched_total",
		metric.WithDescription("Batches handed to the flush worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(f.flushed.Load())
			return nil
		}),
	)
}

// DroppedFlushes returns how many scheduled flushes were discarded.
func (f *Flusher) DroppedFlushes() int64 {
	return f.droppedFlushes.Load()
}

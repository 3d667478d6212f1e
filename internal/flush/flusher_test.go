package flush

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-obs/miru/internal/metrics"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]metrics.Entry
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, batch []metrics.Entry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return 0, f.err
	}
	return len(batch), nil
}

func (f *fakeSubmitter) submitted() [][]metrics.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]metrics.Entry(nil), f.batches...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	batches [][]metrics.Entry
}

func (f *fakeRecorder) RecordMetrics(_ context.Context, batch []metrics.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func increment(agg *metrics.Aggregator, target string) {
	key := metrics.NewKey(time.Now(), "web", "web", target, "GET")
	agg.Increment(key, 100, false)
}

func TestStopFlushesPendingKeys(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, time.Hour, testLogger())

	f.Start()
	increment(agg, "/orders/:id")
	f.Stop(context.Background())

	batches := sub.submitted()
	require.Len(t, batches, 1, "Stop must ship what the timer never reached")
	require.Len(t, batches[0], 1)
	assert.Equal(t, "/orders/:id", batches[0][0].Key.Target)
	assert.True(t, agg.Empty())
}

func TestFlushNowReturnsKeyCount(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, time.Hour, testLogger())

	assert.Zero(t, f.FlushNow(context.Background()), "nothing pending, nothing shipped")

	increment(agg, "/orders/:id")
	increment(agg, "/users/:id")
	assert.Equal(t, 2, f.FlushNow(context.Background()))
	assert.Len(t, sub.submitted(), 1)
	assert.True(t, agg.Empty())
}

func TestFlushNowRecordsLocallyBeforeSubmitting(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	f := New(agg, sub, rec, time.Hour, testLogger())

	increment(agg, "/orders/:id")
	require.Equal(t, 1, f.FlushNow(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches, 1)
	assert.Len(t, rec.batches[0], 1)
}

func TestTickerDispatchesBatches(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, 10*time.Millisecond, testLogger())

	increment(agg, "/orders/:id")
	f.Start()
	defer f.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(sub.submitted()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, agg.Empty())
}

func TestStartIsIdempotent(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, time.Hour, testLogger())

	f.Start()
	f.Start()
	f.Stop(context.Background())
	f.Stop(context.Background())
}

func TestStartAfterStop(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, time.Hour, testLogger())

	f.Start()
	f.Stop(context.Background())

	f.Start()
	increment(agg, "/orders/:id")
	f.Stop(context.Background())

	assert.Len(t, sub.submitted(), 1)
}

func TestAfterForkRecreatesRuntime(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{}
	f := New(agg, sub, nil, time.Hour, testLogger())

	f.Start()
	f.AfterFork()

	// The new runtime still drains and ships.
	increment(agg, "/orders/:id")
	f.Stop(context.Background())
	assert.Len(t, sub.submitted(), 1)
}

func TestAfterForkBeforeStartIsNoop(t *testing.T) {
	agg := metrics.NewAggregator()
	f := New(agg, &fakeSubmitter{}, nil, time.Hour, testLogger())
	f.AfterFork()
}

func TestSubmitFailureDoesNotPanicOrLoseStop(t *testing.T) {
	agg := metrics.NewAggregator()
	sub := &fakeSubmitter{err: context.DeadlineExceeded}
	f := New(agg, sub, nil, time.Hour, testLogger())

	f.Start()
	increment(agg, "/orders/:id")
	f.Stop(context.Background())

	assert.Len(t, sub.submitted(), 1)
	assert.True(t, agg.Empty(), "a failed submission still consumes the drained batch")
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-obs/miru/internal/metrics"
)

func entry(t *testing.T, bucket time.Time, target string, count, sumMS, errorCount int64) metrics.Entry {
	t.Helper()
	return metrics.Entry{
		Key:        metrics.NewKey(bucket, "web", "web", target, "GET"),
		Count:      count,
		SumMS:      sumMS,
		ErrorCount: errorCount,
	}
}

func TestRecordMetricsAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bucket := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, bucket, "/orders/:id", 3, 450, 1),
	}))
	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, bucket, "/orders/:id", 2, 100, 0),
	}))

	rows, err := store.QueryMetrics(ctx, "minute", bucket, bucket.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].Count)
	assert.Equal(t, int64(550), rows[0].SumMS)
	assert.Equal(t, int64(1), rows[0].ErrorCount)
}

func TestRecordMetricsEmptyBatch(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordMetrics(context.Background(), nil))
}

func TestRunRollupCompactsMinutesIntoHours(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two minutes inside the same elapsed hour, one in the current hour.
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "/orders/:id", 2, 200, 0),
		entry(t, time.Date(2026, 3, 14, 9, 40, 0, 0, time.UTC), "/orders/:id", 3, 300, 1),
		entry(t, time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC), "/orders/:id", 7, 700, 0),
	}))

	require.NoError(t, store.RunRollup(ctx, now, 0, 0, 0))

	hours, err := store.QueryMetrics(ctx, "hour",
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, hours, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), hours[0].Bucket)
	assert.Equal(t, int64(5), hours[0].Count)
	assert.Equal(t, int64(500), hours[0].SumMS)
	assert.Equal(t, int64(1), hours[0].ErrorCount)

	// The still-open hour stays at minute granularity only.
	minutes, err := store.QueryMetrics(ctx, "minute",
		time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, minutes, 1)
	assert.Equal(t, int64(7), minutes[0].Count)
}

func TestRunRollupIsRepeatSafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "/orders/:id", 2, 200, 0),
	}))

	require.NoError(t, store.RunRollup(ctx, now, 0, 0, 0))
	require.NoError(t, store.RunRollup(ctx, now, 0, 0, 0))
	require.NoError(t, store.RunRollup(ctx, now.Add(time.Minute), 0, 0, 0))

	hours, err := store.QueryMetrics(ctx, "hour",
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, hours, 1)
	assert.Equal(t, int64(2), hours[0].Count, "watermark must prevent double counting")
}

func TestRunRollupCompactsHoursIntoDays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A full day elapsed: minutes from yesterday roll to hours, then days.
	now := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "/orders/:id", 2, 200, 0),
		entry(t, time.Date(2026, 3, 14, 17, 45, 0, 0, time.UTC), "/orders/:id", 4, 400, 2),
	}))

	require.NoError(t, store.RunRollup(ctx, now, 0, 0, 0))

	days, err := store.QueryMetrics(ctx, "day",
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), days[0].Bucket)
	assert.Equal(t, int64(6), days[0].Count)
	assert.Equal(t, int64(600), days[0].SumMS)
	assert.Equal(t, int64(2), days[0].ErrorCount)
}

func TestRunRollupPrunesExpiredBuckets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordMetrics(ctx, []metrics.Entry{
		entry(t, now.Add(-3*time.Hour), "/old", 1, 10, 0),
		entry(t, now.Add(-30*time.Minute), "/fresh", 1, 10, 0),
	}))

	// Minute retention of 2h drops the 3h-old bucket.
	require.NoError(t, store.RunRollup(ctx, now, 2*time.Hour, DefaultHourRetention, DefaultDayRetention))

	minutes, err := store.QueryMetrics(ctx, "minute", now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, minutes, 1)
	assert.Equal(t, "/fresh", minutes[0].Target)
}

func TestCompactWindowRejectsUnknownLevel(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.CompactWindow(context.Background(), "week", time.Now()))
}

func TestQueryMetricsRejectsUnknownLevel(t *testing.T) {
	store := newTestStore(t)
	_, err := store.QueryMetrics(context.Background(), "week", time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
}

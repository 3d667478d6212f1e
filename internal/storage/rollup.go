package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/miru-obs/miru/internal/metrics"
)

// Metric retention defaults, one window per granularity.
const (
	DefaultMinuteRetention = 2 * time.Hour
	DefaultHourRetention   = 7 * 24 * time.Hour
	DefaultDayRetention    = 90 * 24 * time.Hour
)

// bucketFormat renders buckets as RFC3339 UTC so lexicographic order is
// chronological order.
const bucketFormat = "2006-01-02T15:04:05Z"

// RecordMetrics upserts a drained batch into the minute table via
// insert-or-accumulate, so the dashboard can chart what the agent ships.
// Repeated writes to the same key within a minute accumulate rather than
// overwrite.
func (s *Store) RecordMetrics(ctx context.Context, batch []metrics.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	return s.execWrite(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin metrics tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, e := range batch {
			if _, err := tx.ExecContext(ctx,
				upsertMetricSQL("metric_minutes"),
				e.Key.Bucket.UTC().Format(bucketFormat),
				e.Key.Namespace, e.Key.Service, e.Key.Target, e.Key.Operation,
				e.Count, e.SumMS, e.ErrorCount,
			); err != nil {
				return fmt.Errorf("storage: record metric %s: %w", e.Key, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit metrics tx: %w", err)
		}
		return nil
	})
}

// upsertMetricSQL is the single insert-or-accumulate operation every
// metric write goes through, for direct writes and compaction alike.
func upsertMetricSQL(table string) string {
	return `INSERT INTO ` + table + ` (bucket, namespace, service, target, operation, count, sum_ms, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, namespace, service, target, operation)
		DO UPDATE SET count = count + excluded.count,
		              sum_ms = sum_ms + excluded.sum_ms,
		              error_count = error_count + excluded.error_count`
}

// RunRollup is the scheduled compaction entrypoint. It compacts minute
// rows from fully elapsed hours into the hourly table and hour rows from
// fully elapsed days into the daily table, then prunes each granularity
// by its retention window. Compaction windows are derived from persisted
// watermarks, so repeated scheduled runs operate on disjoint windows and
// never double-count.
func (s *Store) RunRollup(ctx context.Context, now time.Time, minuteRetention, hourRetention, dayRetention time.Duration) error {
	now = now.UTC()

	hourCutoff := now.Truncate(time.Hour)
	if err := s.compactLevel(ctx, "minute", "metric_minutes", "metric_hours",
		`strftime('%Y-%m-%dT%H:00:00Z', bucket)`, hourCutoff); err != nil {
		return err
	}

	dayCutoff := now.Truncate(24 * time.Hour)
	if err := s.compactLevel(ctx, "hour", "metric_hours", "metric_days",
		`strftime('%Y-%m-%dT00:00:00Z', bucket)`, dayCutoff); err != nil {
		return err
	}

	if minuteRetention <= 0 {
		minuteRetention = DefaultMinuteRetention
	}
	if hourRetention <= 0 {
		hourRetention = DefaultHourRetention
	}
	if dayRetention <= 0 {
		dayRetention = DefaultDayRetention
	}
	return s.pruneMetrics(ctx, now, minuteRetention, hourRetention, dayRetention)
}

// CompactWindow compacts source rows with watermark <= bucket < until
// into the coarser table. Exposed for operator tooling; callers must
// supply strictly-closed, non-overlapping windows. Re-running over a
// still-open bucket double-counts — that is an operational constraint of
// additive compaction, not something this layer can detect.
func (s *Store) CompactWindow(ctx context.Context, level string, until time.Time) error {
	switch level {
	case "minute":
		return s.compactLevel(ctx, "minute", "metric_minutes", "metric_hours",
			`strftime('%Y-%m-%dT%H:00:00Z', bucket)`, until.UTC().Truncate(time.Hour))
	case "hour":
		return s.compactLevel(ctx, "hour", "metric_hours", "metric_days",
			`strftime('%Y-%m-%dT00:00:00Z', bucket)`, until.UTC().Truncate(24*time.Hour))
	default:
		return fmt.Errorf("storage: unknown rollup level %q", level)
	}
}

func (s *Store) compactLevel(ctx context.Context, level, srcTable, dstTable, bucketExpr string, until time.Time) error {
	return s.execWrite(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin rollup tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from string
		err = tx.QueryRowContext(ctx,
			`SELECT compacted_until FROM rollup_state WHERE level = ?`, level,
		).Scan(&from)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("storage: read %s watermark: %w", level, err)
			}
			// No watermark yet: compact everything before the cutoff.
			from = ""
		}

		untilStr := until.Format(bucketFormat)
		if from >= untilStr {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+dstTable+` (bucket, namespace, service, target, operation, count, sum_ms, error_count)
			 SELECT `+bucketExpr+`, namespace, service, target, operation,
			        SUM(count), SUM(sum_ms), SUM(error_count)
			 FROM `+srcTable+`
			 WHERE bucket >= ? AND bucket < ?
			 GROUP BY 1, namespace, service, target, operation
			 ON CONFLICT (bucket, namespace, service, target, operation)
			 DO UPDATE SET count = count + excluded.count,
			               sum_ms = sum_ms + excluded.sum_ms,
			               error_count = error_count + excluded.error_count`,
			from, untilStr,
		)
		if err != nil {
			return fmt.Errorf("storage: compact %s rows: %w", level, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rollup_state (level, compacted_until) VALUES (?, ?)
			 ON CONFLICT (level) DO UPDATE SET compacted_until = excluded.compacted_until`,
			level, untilStr,
		); err != nil {
			return fmt.Errorf("storage: advance %s watermark: %w", level, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit rollup tx: %w", err)
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Info("storage: compacted metric rows",
				"level", level, "groups", n, "until", untilStr)
		}
		return nil
	})
}

// pruneMetrics deletes rows past each granularity's retention window.
// Failures are returned for the caller to log; they never block span
// ingestion or aggregation, which do not pass through this path.
func (s *Store) pruneMetrics(ctx context.Context, now time.Time, minuteRetention, hourRetention, dayRetention time.Duration) error {
	prune := []struct {
		table     string
		retention time.Duration
	}{
		{"metric_minutes", minuteRetention},
		{"metric_hours", hourRetention},
		{"metric_days", dayRetention},
	}
	return s.execWrite(ctx, func(ctx context.Context) error {
		for _, p := range prune {
			cutoff := now.Add(-p.retention).Format(bucketFormat)
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM `+p.table+` WHERE bucket < ?`, cutoff); err != nil {
				return fmt.Errorf("storage: prune %s: %w", p.table, err)
			}
		}
		return nil
	})
}

// MetricRow is one rolled-up row, used by dashboard reads and tests.
type MetricRow struct {
	Bucket     time.Time
	Namespace  string
	Service    string
	Target     string
	Operation  string
	Count      int64
	SumMS      int64
	ErrorCount int64
}

// QueryMetrics returns rows from one granularity table ordered by bucket.
// Level is "minute", "hour", or "day".
func (s *Store) QueryMetrics(ctx context.Context, level string, from, to time.Time) ([]MetricRow, error) {
	table, ok := map[string]string{
		"minute": "metric_minutes",
		"hour":   "metric_hours",
		"day":    "metric_days",
	}[level]
	if !ok {
		return nil, fmt.Errorf("storage: unknown metric level %q", level)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, namespace, service, target, operation, count, sum_ms, error_count
		 FROM `+table+`
		 WHERE bucket >= ? AND bucket < ?
		 ORDER BY bucket, namespace, service, target, operation`,
		from.UTC().Format(bucketFormat), to.UTC().Format(bucketFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var r MetricRow
		var bucket string
		if err := rows.Scan(&bucket, &r.Namespace, &r.Service, &r.Target, &r.Operation,
			&r.Count, &r.SumMS, &r.ErrorCount); err != nil {
			return nil, fmt.Errorf("storage: scan metric row: %w", err)
		}
		r.Bucket, err = time.Parse(bucketFormat, bucket)
		if err != nil {
			return nil, fmt.Errorf("storage: parse bucket %q: %w", bucket, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

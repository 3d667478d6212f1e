package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miru-obs/miru/internal/model"
)

// internalSpanPrefix marks spans produced by the agent's own
// instrumentation. Persisting them would make every flush generate more
// spans, which generate more flushes.
const internalSpanPrefix = "miru."

const (
	busyMaxRetries = 3
	busyBaseDelay  = 25 * time.Millisecond
)

// AppendSpan writes a finished span and its events/properties as one
// atomic unit. Spans named with the agent's own instrumentation prefix
// are ignored. On persistent lock contention the whole batch is dropped
// and logged — a failing observability write must never break the host
// application, so contention is not reported as an error. Other failures
// are returned for the caller to log and swallow.
func (s *Store) AppendSpan(ctx context.Context, span model.FinishedSpan) error {
	if strings.HasPrefix(span.Name, internalSpanPrefix) {
		return nil
	}
	if span.EndTime < span.StartTime {
		return fmt.Errorf("storage: span %q ends before it starts", span.Name)
	}

	err := s.execWrite(ctx, func(ctx context.Context) error {
		return withBusyRetry(ctx, busyMaxRetries, busyBaseDelay, func() error {
			return s.insertSpanTx(ctx, span)
		})
	})
	if err != nil {
		if isBusy(err) {
			s.logger.Warn("storage: dropping span batch, database busy",
				"span", span.Name, "retries", busyMaxRetries)
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) insertSpanTx(ctx context.Context, span model.FinishedSpan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin span tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixNano()

	var parent any
	if !span.IsRoot() {
		parent = span.ParentSpanID.String()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO spans (name, kind, trace_id, span_id, parent_span_id, status,
		                    start_time, end_time, event_count, link_count, attribute_count,
		                    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.Name, string(span.Kind), span.TraceID.String(), span.SpanID.String(), parent,
		string(span.Status), span.StartTime, span.EndTime,
		len(span.Events), 0, len(span.Attributes), now, now,
	)
	if err != nil {
		return fmt.Errorf("storage: insert span: %w", err)
	}
	spanRowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: span row id: %w", err)
	}

	if err := insertProperties(ctx, tx, model.OwnerSpan, spanRowID, span.Attributes, now); err != nil {
		return err
	}

	for _, ev := range span.Events {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (span_row_id, name, timestamp, created_at) VALUES (?, ?, ?, ?)`,
			spanRowID, ev.Name, ev.Timestamp, now,
		)
		if err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}
		eventRowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("storage: event row id: %w", err)
		}
		if err := insertProperties(ctx, tx, model.OwnerEvent, eventRowID, ev.Attributes, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit span tx: %w", err)
	}
	return nil
}

func insertProperties(ctx context.Context, tx *sql.Tx, owner model.OwnerType, ownerID int64, attrs map[string]any, now int64) error {
	for _, p := range model.EncodeAttributes(owner, attrs) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO properties (owner_type, owner_id, key, value_type, value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(owner), ownerID, p.Key, string(p.ValueType), p.Value, now,
		); err != nil {
			return fmt.Errorf("storage: insert property %q: %w", p.Key, err)
		}
	}
	return nil
}

// ---- dashboard reads ----

// ListSpansOptions filters and paginates ListSpans. Zero values mean no
// filter; Limit defaults to 50.
type ListSpansOptions struct {
	Kind       model.SpanKind
	NamePrefix string
	Limit      int
	Offset     int
}

// ListSpans returns spans newest-first. Properties and events are not
// populated; use GetSpan for the full record.
func (s *Store) ListSpans(ctx context.Context, opts ListSpansOptions) ([]model.Span, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `SELECT id, name, kind, trace_id, span_id, parent_span_id, status,
	                 start_time, end_time, event_count, link_count, attribute_count,
	                 created_at, updated_at
	          FROM spans`
	var conds []string
	var args []any
	if opts.Kind != "" {
		conds = append(conds, `kind = ?`)
		args = append(args, string(opts.Kind))
	}
	if opts.NamePrefix != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, likePrefix(opts.NamePrefix))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

// GetTrace returns all spans sharing traceID, newest-first, with their
// events and properties populated. Events and properties fetch
// concurrently; WAL mode lets the reads proceed without blocking writers.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]model.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, trace_id, span_id, parent_span_id, status,
		        start_time, end_time, event_count, link_count, attribute_count,
		        created_at, updated_at
		 FROM spans WHERE trace_id = ?
		 ORDER BY created_at DESC, id DESC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace: %w", err)
	}
	spans, err := func() ([]model.Span, error) {
		defer rows.Close()
		return scanSpans(rows)
	}()
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range spans {
		g.Go(func() error {
			return s.hydrateSpan(gctx, &spans[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return spans, nil
}

// GetSpan returns one span by its trace-level span id, with events and
// properties populated. Returns sql.ErrNoRows when absent.
func (s *Store) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, trace_id, span_id, parent_span_id, status,
		        start_time, end_time, event_count, link_count, attribute_count,
		        created_at, updated_at
		 FROM spans WHERE span_id = ?
		 ORDER BY id DESC LIMIT 1`,
		spanID,
	)
	span, err := scanSpan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Span{}, err
		}
		return model.Span{}, fmt.Errorf("storage: get span: %w", err)
	}
	if err := s.hydrateSpan(ctx, &span); err != nil {
		return model.Span{}, err
	}
	return span, nil
}

// CountSpans returns the total number of stored spans.
func (s *Store) CountSpans(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count spans: %w", err)
	}
	return n, nil
}

// hydrateSpan attaches the span's properties, events, and event
// properties.
func (s *Store) hydrateSpan(ctx context.Context, span *model.Span) error {
	props, err := s.propertiesFor(ctx, model.OwnerSpan, span.ID)
	if err != nil {
		return err
	}
	span.Properties = props

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, span_row_id, name, timestamp, created_at
		 FROM events WHERE span_row_id = ? ORDER BY timestamp, id`,
		span.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: span events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var created int64
		if err := rows.Scan(&ev.ID, &ev.SpanRowID, &ev.Name, &ev.Timestamp, &created); err != nil {
			return fmt.Errorf("storage: scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: span events: %w", err)
	}

	for i := range events {
		props, err := s.propertiesFor(ctx, model.OwnerEvent, events[i].ID)
		if err != nil {
			return err
		}
		events[i].Properties = props
	}
	span.Events = events
	return nil
}

func (s *Store) propertiesFor(ctx context.Context, owner model.OwnerType, ownerID int64) ([]model.Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_type, owner_id, key, value_type, value, created_at
		 FROM properties WHERE owner_type = ? AND owner_id = ? ORDER BY key`,
		string(owner), ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: properties: %w", err)
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		var p model.Property
		var ot, vt string
		var created int64
		if err := rows.Scan(&p.ID, &ot, &p.OwnerID, &p.Key, &vt, &p.Value, &created); err != nil {
			return nil, fmt.Errorf("storage: scan property: %w", err)
		}
		p.OwnerType = model.OwnerType(ot)
		p.ValueType = model.ValueType(vt)
		p.CreatedAt = time.Unix(0, created).UTC()
		props = append(props, p)
	}
	return props, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (model.Span, error) {
	var sp model.Span
	var kind, status string
	var parent sql.NullString
	var created, updated int64
	err := row.Scan(&sp.ID, &sp.Name, &kind, &sp.TraceID, &sp.SpanID, &parent, &status,
		&sp.StartTime, &sp.EndTime, &sp.EventCount, &sp.LinkCount, &sp.AttributeCount,
		&created, &updated)
	if err != nil {
		return model.Span{}, err
	}
	sp.Kind = model.SpanKind(kind)
	sp.Status = model.SpanStatus(status)
	if parent.Valid {
		sp.ParentSpanID = &parent.String
	}
	sp.CreatedAt = time.Unix(0, created).UTC()
	sp.UpdatedAt = time.Unix(0, updated).UTC()
	return sp, nil
}

func scanSpans(rows *sql.Rows) ([]model.Span, error) {
	var spans []model.Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// likePrefix escapes LIKE metacharacters so a name prefix matches
// literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

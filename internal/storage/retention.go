package storage

import (
	"context"
	"fmt"
	"time"
)

// PruneResult reports how many rows each pass removed.
type PruneResult struct {
	SpansByAge   int64
	SpansByCount int64
}

// Prune bounds span storage two ways, and both passes always run:
// first every span older than retention is deleted, then the oldest spans
// beyond maxSpanCount are deleted. Each pass cascades: properties first,
// then events, then spans, so no orphan can survive its owner.
func (s *Store) Prune(ctx context.Context, retention time.Duration, maxSpanCount int64) (PruneResult, error) {
	var res PruneResult

	err := s.execWrite(ctx, func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-retention).UnixNano()

		byAge, err := s.deleteSpansWhere(ctx,
			`SELECT id FROM spans WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("storage: prune by age: %w", err)
		}
		res.SpansByAge = byAge

		if maxSpanCount > 0 {
			byCount, err := s.deleteSpansWhere(ctx,
				`SELECT id FROM spans ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?`,
				maxSpanCount)
			if err != nil {
				return fmt.Errorf("storage: prune by count: %w", err)
			}
			res.SpansByCount = byCount
		}
		return nil
	})
	return res, err
}

// deleteSpansWhere deletes the spans selected by idQuery along with their
// events and properties, one transaction per pass.
func (s *Store) deleteSpansWhere(ctx context.Context, idQuery string, arg any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Properties of doomed events.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM properties WHERE owner_type = 'event' AND owner_id IN (
			SELECT id FROM events WHERE span_row_id IN (`+idQuery+`)
		)`, arg); err != nil {
		return 0, err
	}
	// Properties of doomed spans.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM properties WHERE owner_type = 'span' AND owner_id IN (`+idQuery+`)`,
		arg); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE span_row_id IN (`+idQuery+`)`, arg); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM spans WHERE id IN (`+idQuery+`)`, arg)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// ClearAll unconditionally empties the span, event, and property tables.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.execWrite(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"properties", "events", "spans"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("storage: clear %s: %w", table, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit clear tx: %w", err)
		}
		return nil
	})
}

package store

import (
	"context"
	"fmt"

	"github.com/rcliao/velos-memory/internal/model"
)

// Export streams every record in id order.
func (s *SQLiteStore) Export(ctx context.Context, fn func(model.Record) error) error {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+recordColumns+` FROM memory m ORDER BY m.id`)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// All returns every record in id order.
func (s *SQLiteStore) All(ctx context.Context) ([]model.Record, error) {
	var out []model.Record
	err := s.Export(ctx, func(r model.Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

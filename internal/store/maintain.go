package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// Rebuild methods.
const (
	RebuildNative = "native"
	RebuildManual = "manual"
)

// Counts returns the row counts of memory and of the FTS index. The index
// count reads the FTS docsize shadow table, so it reflects the index itself
// rather than the content table behind it.
func (s *SQLiteStore) Counts(ctx context.Context) (memory, fts int64, err error) {
	if err = s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory`).Scan(&memory); err != nil {
		return 0, 0, fmt.Errorf("count memory: %w", err)
	}
	if err = s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_fts_docsize`).Scan(&fts); err != nil {
		return 0, 0, fmt.Errorf("count fts: %w", err)
	}
	return memory, fts, nil
}

// RebuildFTS repopulates the index from the memory table in one
// transaction, using the engine's native rebuild and falling back to a
// manual delete-all and reinsert. It returns the method that succeeded.
func (s *SQLiteStore) RebuildFTS(ctx context.Context) (string, error) {
	if s.readOnly {
		return "", ErrReadOnly
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO memory_fts(memory_fts) VALUES ('rebuild')`)
		return err
	})
	if err == nil {
		return RebuildNative, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err := s.rebuildManual(ctx); err != nil {
		return "", fmt.Errorf("rebuild fts: %w", err)
	}
	return RebuildManual, nil
}

func (s *SQLiteStore) rebuildManual(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts(memory_fts) VALUES ('delete-all')`); err != nil {
			return fmt.Errorf("clear fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_fts(rowid, insight, raw) SELECT id, insight, raw FROM memory ORDER BY id`); err != nil {
			return fmt.Errorf("reinsert fts: %w", err)
		}
		return nil
	})
}

// ClearFTS empties the index without touching memory rows. Search returns
// nothing until the index is rebuilt.
func (s *SQLiteStore) ClearFTS(ctx context.Context) error {
	if s.readOnly {
		return ErrReadOnly
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_fts(memory_fts) VALUES ('delete-all')`)
	return err
}

// OptimizeFTS merges the index b-trees.
func (s *SQLiteStore) OptimizeFTS(ctx context.Context) error {
	if s.readOnly {
		return ErrReadOnly
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_fts(memory_fts) VALUES ('optimize')`)
	return err
}

// CheckpointWAL copies the write-ahead log into the database and truncates it.
func (s *SQLiteStore) CheckpointWAL(ctx context.Context) (busy, logFrames, checkpointed int, err error) {
	err = s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("wal checkpoint: %w", err)
	}
	return busy, logFrames, checkpointed, nil
}

// IntegrityCheck runs the engine integrity check, the FTS integrity check
// and compares row counts. Any disagreement wraps ErrIntegrity.
func (s *SQLiteStore) IntegrityCheck(ctx context.Context) error {
	rows, err := s.reader.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return fmt.Errorf("integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	rows.Close()
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(problems, "; "))
	}

	if !s.readOnly {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_fts(memory_fts, rank) VALUES ('integrity-check', 1)`); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: fts: %v", ErrIntegrity, err)
		}
	}

	mem, fts, err := s.Counts(ctx)
	if err != nil {
		return err
	}
	if mem != fts {
		return fmt.Errorf("%w: memory has %d rows, fts has %d", ErrIntegrity, mem, fts)
	}
	return nil
}

// FTSSnapshot digests every (term, doc, column, offset) instance in the
// index. Two indexes with the same digest answer every query identically.
func (s *SQLiteStore) FTSSnapshot(ctx context.Context) (string, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT term, doc, col, "offset" FROM memory_fts_vocab ORDER BY term, doc, col, "offset"`)
	if err != nil {
		return "", fmt.Errorf("fts snapshot: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var term, col string
		var doc, off int64
		if err := rows.Scan(&term, &doc, &col, &off); err != nil {
			return "", fmt.Errorf("fts snapshot: %w", err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00%d\n", term, doc, col, off)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

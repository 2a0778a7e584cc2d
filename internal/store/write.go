package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rcliao/velos-memory/internal/model"
)

// Batch is a run of journal entries applied in one transaction. Offsets[i]
// is the journal offset of Entries[i]; End is the offset just past the run
// and becomes the store's cursor on commit.
//
// A Replay batch re-applies journal entries that may already be stored: a put
// whose offset or fingerprint exists and an update of a missing row are
// no-ops. Outside replay both fail the batch.
type Batch struct {
	Offsets []int64
	Entries []model.Entry
	End     int64
	Replay  bool
}

// Applied reports the row id each entry touched, 0 for no-ops (replayed
// entries already present, or a delete of a row that no longer exists).
type Applied struct {
	IDs []int64
}

// Touched returns the non-zero ids.
func (a Applied) Touched() []int64 {
	out := make([]int64, 0, len(a.IDs))
	for _, id := range a.IDs {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Apply executes a batch atomically. Entries are applied in order so id
// assignment follows journal order. In a Replay batch an already applied
// entry is a no-op, which makes catch-up idempotent.
func (s *SQLiteStore) Apply(ctx context.Context, b Batch) (Applied, error) {
	if s.readOnly {
		return Applied{}, ErrReadOnly
	}
	if len(b.Offsets) != len(b.Entries) {
		return Applied{}, fmt.Errorf("apply: %d offsets for %d entries", len(b.Offsets), len(b.Entries))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, fmt.Errorf("begin: %w", classify(err))
	}
	defer tx.Rollback()

	res := Applied{IDs: make([]int64, len(b.Entries))}
	for i, e := range b.Entries {
		var id int64
		switch e.Op {
		case model.OpPut:
			if e.Record == nil {
				return Applied{}, fmt.Errorf("%w: put at %d without record", ErrConstraint, b.Offsets[i])
			}
			id, err = insertTx(ctx, tx, *e.Record, b.Offsets[i], b.Replay)
		case model.OpUpdate:
			if e.Record == nil {
				return Applied{}, fmt.Errorf("%w: update at %d without record", ErrConstraint, b.Offsets[i])
			}
			id, err = updateTx(ctx, tx, e.Ref, *e.Record)
			if err == nil && id == 0 && !b.Replay {
				err = fmt.Errorf("%w: no row at journal offset %d", ErrNotFound, e.Ref)
			}
		case model.OpDelete:
			id, err = deleteTx(ctx, tx, e.Ref)
		default:
			err = fmt.Errorf("unknown op %q", e.Op)
		}
		if err != nil {
			return Applied{}, fmt.Errorf("apply %s at %d: %w", e.Op, b.Offsets[i], err)
		}
		res.IDs[i] = id
	}

	if b.End > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE journal_cursor SET applied = MAX(applied, ?) WHERE id = 1`, b.End); err != nil {
			return Applied{}, fmt.Errorf("advance cursor: %w", classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return Applied{}, fmt.Errorf("commit: %w", classify(err))
	}
	return res, nil
}

const insertSQL = `
	INSERT INTO memory (ts, role, insight, raw, tags, source, fp, jofs)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// insertTx stores a put. Outside replay a UNIQUE conflict surfaces as
// ErrDuplicate (fingerprint) or ErrConstraint (offset).
func insertTx(ctx context.Context, tx *sql.Tx, r model.Record, offset int64, replay bool) (int64, error) {
	if r.Empty() {
		return 0, fmt.Errorf("%w: empty insight and raw", ErrConstraint)
	}
	q := insertSQL + ` RETURNING id`
	if replay {
		q = insertSQL + ` ON CONFLICT DO NOTHING RETURNING id`
	}
	var id int64
	err := tx.QueryRowContext(ctx, q,
		r.TS, r.Role, r.Insight, r.Raw, r.Tags.String(), r.Source, r.FP, offset,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, classify(err)
}

func updateTx(ctx context.Context, tx *sql.Tx, ref int64, r model.Record) (int64, error) {
	if r.Empty() {
		return 0, fmt.Errorf("%w: empty insight and raw", ErrConstraint)
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		UPDATE memory SET ts = ?, role = ?, insight = ?, raw = ?, tags = ?, source = ?, fp = ?
		WHERE jofs = ?
		RETURNING id`,
		r.TS, r.Role, r.Insight, r.Raw, r.Tags.String(), r.Source, r.FP, ref,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, classify(err)
}

func deleteTx(ctx context.Context, tx *sql.Tx, ref int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `DELETE FROM memory WHERE jofs = ? RETURNING id`, ref).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, classify(err)
}

// Insert stores one journaled record. r.Offset must hold the journal offset
// of its put entry. A fingerprint that is already stored yields ErrDuplicate.
func (s *SQLiteStore) Insert(ctx context.Context, r model.Record, end int64) (int64, error) {
	res, err := s.Apply(ctx, Batch{
		Offsets: []int64{r.Offset},
		Entries: []model.Entry{{Op: model.OpPut, Record: &r}},
		End:     end,
	})
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return res.IDs[0], nil
}

// UpsertMany replays journaled records in a single transaction: either all
// rows commit or none. Records already present are skipped and reported as 0.
func (s *SQLiteStore) UpsertMany(ctx context.Context, recs []model.Record, end int64) ([]int64, error) {
	b := Batch{
		Offsets: make([]int64, len(recs)),
		Entries: make([]model.Entry, len(recs)),
		End:     end,
		Replay:  true,
	}
	for i := range recs {
		b.Offsets[i] = recs[i].Offset
		b.Entries[i] = model.Entry{Op: model.OpPut, Record: &recs[i]}
	}
	res, err := s.Apply(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("upsert memories: %w", err)
	}
	return res.IDs, nil
}

// Update replaces the row created at journal offset ref with r. offset is
// the journal offset of the update entry itself.
func (s *SQLiteStore) Update(ctx context.Context, ref int64, r model.Record, offset, end int64) (model.Record, error) {
	res, err := s.Apply(ctx, Batch{
		Offsets: []int64{offset},
		Entries: []model.Entry{{Op: model.OpUpdate, Ref: ref, Record: &r}},
		End:     end,
	})
	if err != nil {
		return model.Record{}, fmt.Errorf("update memory: %w", err)
	}
	return s.Get(ctx, res.IDs[0])
}

// Delete hard-deletes the row created at journal offset ref. It reports
// whether a row was removed.
func (s *SQLiteStore) Delete(ctx context.Context, ref, offset, end int64) (int64, bool, error) {
	res, err := s.Apply(ctx, Batch{
		Offsets: []int64{offset},
		Entries: []model.Entry{{Op: model.OpDelete, Ref: ref}},
		End:     end,
	})
	if err != nil {
		return 0, false, fmt.Errorf("delete memory: %w", err)
	}
	return res.IDs[0], res.IDs[0] != 0, nil
}

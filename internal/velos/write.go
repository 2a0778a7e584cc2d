package velos

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
	"github.com/rcliao/velos-memory/internal/store"
)

// catchUpBatch bounds how many journal entries one catch-up transaction applies.
const catchUpBatch = 1000

// CatchUp applies journal entries the store has not seen yet, for example
// ones written by another process or left behind by a crash between append
// and commit. Replaying an empty store rebuilds it from the journal. It
// returns the number of entries applied.
func (s *Service) CatchUp(ctx context.Context) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return s.catchUp(ctx)
}

// catchUp requires s.lock.
func (s *Service) catchUp(ctx context.Context) (int, error) {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("catch up: %w", err)
	}
	size := s.journal.Size()
	if cursor == size {
		return 0, nil
	}
	if cursor > size {
		s.log.Warn("store cursor beyond journal end", "op", "catchup", "cursor", cursor, "journal_size", size)
		return 0, nil
	}

	sc, err := s.journal.Scan(cursor)
	if err != nil {
		return 0, fmt.Errorf("catch up: %w", err)
	}
	defer sc.Close()

	applied := 0
	var touched []int64
	b := store.Batch{Replay: true}
	flush := func() error {
		b.End = sc.Pos()
		res, err := s.store.Apply(ctx, b)
		if err != nil {
			return fmt.Errorf("catch up: %w", err)
		}
		applied += len(b.Entries)
		touched = append(touched, res.Touched()...)
		b = store.Batch{Replay: true}
		return nil
	}
	for sc.Next() {
		off, e := sc.Entry()
		b.Offsets = append(b.Offsets, off)
		b.Entries = append(b.Entries, e)
		if len(b.Entries) == catchUpBatch {
			if err := flush(); err != nil {
				return applied, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return applied, fmt.Errorf("catch up: %w", err)
	}
	if len(b.Entries) > 0 || sc.Pos() > cursor {
		if err := flush(); err != nil {
			return applied, err
		}
	}

	if applied > 0 {
		s.invalidate(touched...)
		s.log.Info("caught up with journal", "op", "catchup", "from", cursor, "to", sc.Pos(),
			"entries", applied, "skipped", sc.Skipped())
	}
	return applied, nil
}

// commit appends entries to the journal and applies them to the store in
// one transaction. When the store rejects the batch the journal is rewound
// so the batch leaves no trace. Requires s.lock.
func (s *Service) commit(ctx context.Context, entries []model.Entry) (store.Applied, error) {
	mark := s.journal.Size()
	offsets, end, err := s.journal.Append(entries...)
	if err != nil {
		return store.Applied{}, err
	}
	res, err := s.store.Apply(ctx, store.Batch{Offsets: offsets, Entries: entries, End: end})
	if err != nil {
		if rerr := s.journal.Rewind(mark); rerr != nil {
			s.log.Error("rewind journal after failed apply", "op", "commit", "error", rerr)
			return store.Applied{}, errors.Join(err, rerr)
		}
		return store.Applied{}, err
	}
	s.invalidate(res.Touched()...)
	return res, nil
}

// committer adapts the service to the ingestion pipeline. The pipeline only
// runs from Ingest, which holds s.lock.
type committer struct{ s *Service }

func (c committer) Commit(ctx context.Context, recs []model.Record) ([]int64, error) {
	at := c.s.now().Unix()
	entries := make([]model.Entry, len(recs))
	for i := range recs {
		r := recs[i]
		r.ID = 0
		entries[i] = model.Entry{Op: model.OpPut, At: at, Record: &r}
	}
	res, err := c.s.commit(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return res.IDs, nil
}

// deleter adapts the service to destructive cleaning, which runs under s.lock.
type deleter struct{ s *Service }

func (d deleter) DeleteRecords(ctx context.Context, recs []model.Record) ([]int64, error) {
	at := d.s.now().Unix()
	entries := make([]model.Entry, len(recs))
	for i, r := range recs {
		entries[i] = model.Entry{Op: model.OpDelete, Ref: r.Offset, At: at}
	}
	res, err := d.s.commit(ctx, entries)
	if err != nil {
		return nil, err
	}
	return res.Touched(), nil
}

// Insert normalizes and stores one record, returning its id. A rejected
// record wraps normalize.ErrRejected; a record whose fingerprint is already
// stored wraps store.ErrDuplicate.
func (s *Service) Insert(ctx context.Context, rec model.Record) (int64, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	res := normalize.Record(rec, s.now())
	if err := res.Err(); err != nil {
		return 0, err
	}
	r := res.Record()
	r.ID = 0
	if r.Source == "" {
		r.Source = "api"
	}

	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	if _, err := s.catchUp(ctx); err != nil {
		return 0, err
	}
	if existing, ok, err := s.store.FindByFP(ctx, r.FP); err != nil {
		return 0, err
	} else if ok {
		return 0, fmt.Errorf("insert memory: %w (id %d)", store.ErrDuplicate, existing.ID)
	}

	applied, err := s.commit(ctx, []model.Entry{{Op: model.OpPut, At: s.now().Unix(), Record: &r}})
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id := applied.IDs[0]
	s.log.Info("record inserted", "op", "insert", "id", id)
	return id, nil
}

// Update applies a partial change to the record with the given id and
// returns the post-image.
func (s *Service) Update(ctx context.Context, id int64, patch model.Patch) (model.Record, error) {
	if err := s.writable(); err != nil {
		return model.Record{}, err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return model.Record{}, err
	}
	defer release()
	if _, err := s.catchUp(ctx); err != nil {
		return model.Record{}, err
	}

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	res := normalize.Record(patch.Apply(cur), s.now())
	if err := res.Err(); err != nil {
		return model.Record{}, err
	}
	next := res.Record()
	if unchanged(cur, next) {
		return cur, nil
	}
	if next.FP != cur.FP {
		if other, ok, err := s.store.FindByFP(ctx, next.FP); err != nil {
			return model.Record{}, err
		} else if ok {
			return model.Record{}, fmt.Errorf("update memory: %w (id %d)", store.ErrDuplicate, other.ID)
		}
	}

	post := next
	post.ID = 0
	if _, err := s.commit(ctx, []model.Entry{{Op: model.OpUpdate, Ref: cur.Offset, At: s.now().Unix(), Record: &post}}); err != nil {
		return model.Record{}, fmt.Errorf("update memory: %w", err)
	}
	updated, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	s.log.Info("record updated", "op", "update", "id", id)
	return updated, nil
}

// unchanged reports whether a patch left the stored content as it was. Such
// an update is not journaled.
func unchanged(cur, next model.Record) bool {
	return cur.FP == next.FP && cur.Insight == next.Insight && cur.Raw == next.Raw &&
		cur.Role == next.Role && cur.TS == next.TS && cur.Source == next.Source &&
		cur.Tags.Equal(next.Tags)
}

// Delete removes the record with the given id. It reports false, without
// error, when no such record exists.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	if err := s.writable(); err != nil {
		return false, err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	if _, err := s.catchUp(ctx); err != nil {
		return false, err
	}

	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := s.commit(ctx, []model.Entry{{Op: model.OpDelete, Ref: cur.Offset, At: s.now().Unix()}})
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	deleted := len(res.Touched()) > 0
	s.log.Info("record deleted", "op", "delete", "id", id, "deleted", deleted)
	return deleted, nil
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture hands out journal offsets the way the journal would.
type fixture struct {
	s   *SQLiteStore
	off int64
}

func newFixture(t *testing.T) *fixture {
	return &fixture{s: newTestStore(t)}
}

func (f *fixture) next() int64 {
	off := f.off
	f.off += 100
	return off
}

func (f *fixture) insert(t *testing.T, r model.Record) int64 {
	t.Helper()
	r.Offset = f.next()
	id, err := f.s.Insert(context.Background(), r, f.off)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func rec(insight string, ts int64, role string, tags ...string) model.Record {
	return model.Record{
		TS:      ts,
		Role:    role,
		Insight: insight,
		Tags:    model.NewTags(tags...),
		Source:  "test",
		FP:      normalize.Fingerprint(insight),
	}
}

func matchIDs(t *testing.T, s *SQLiteStore, p MatchParams) []int64 {
	t.Helper()
	hits, err := s.Match(context.Background(), p)
	require.NoError(t, err)
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Record.ID)
	}
	return ids
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.insert(t, rec("deploy pipeline finished cleanly", 1000, "user", "ops", "deploy"))
	got, err := f.s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.TS)
	assert.Equal(t, "user", got.Role)
	assert.Equal(t, "deploy pipeline finished cleanly", got.Insight)
	assert.Equal(t, model.Tags{"deploy", "ops"}, got.Tags)
	assert.Equal(t, int64(0), got.Offset)

	cursor, err := f.s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.off, cursor)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, rec("Error: DB connection timeout in prod", 1000, "user"))

	dup := rec("error db connection timeout in PROD", 1060, "user")
	dup.Offset = f.next()
	_, err := f.s.Insert(ctx, dup, f.off)
	assert.ErrorIs(t, err, ErrDuplicate)

	mem, _, err := f.s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem)
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r1 := rec("first replayed record here", 1, "user")
	r2 := rec("second replayed record here", 2, "user")
	b := Batch{
		Offsets: []int64{0, 80},
		Entries: []model.Entry{{Op: model.OpPut, Record: &r1}, {Op: model.OpPut, Record: &r2}},
		End:     160,
		Replay:  true,
	}
	first, err := s.Apply(ctx, b)
	require.NoError(t, err)
	assert.Len(t, first.Touched(), 2)

	again, err := s.Apply(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, again.Touched())

	mem, fts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem)
	assert.Equal(t, int64(2), fts)
}

func TestApplyConflictOutsideReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r1 := rec("stored once and only once", 1, "user")
	_, err := s.Apply(ctx, Batch{Offsets: []int64{0}, Entries: []model.Entry{{Op: model.OpPut, Record: &r1}}, End: 50})
	require.NoError(t, err)

	fresh := rec("fresh record in the batch", 2, "user")
	sameFP := Batch{
		Offsets: []int64{50, 100},
		Entries: []model.Entry{{Op: model.OpPut, Record: &fresh}, {Op: model.OpPut, Record: &r1}},
		End:     150,
	}
	_, err = s.Apply(ctx, sameFP)
	assert.ErrorIs(t, err, ErrDuplicate)

	other := rec("different text same offset", 3, "user")
	sameOffset := Batch{Offsets: []int64{0}, Entries: []model.Entry{{Op: model.OpPut, Record: &other}}, End: 150}
	_, err = s.Apply(ctx, sameOffset)
	assert.ErrorIs(t, err, ErrConstraint)

	missing := rec("update of a missing row", 4, "user")
	_, err = s.Apply(ctx, Batch{Offsets: []int64{150}, Entries: []model.Entry{{Op: model.OpUpdate, Ref: 999, Record: &missing}}, End: 200})
	assert.ErrorIs(t, err, ErrNotFound)

	mem, _, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem, "failed batches leave nothing behind")
	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cursor)
}

func TestIDsFollowBatchOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	recs := []model.Record{
		rec("zeta entry comes first", 3, "user"),
		rec("alpha entry comes second", 1, "user"),
		rec("mid entry comes third", 2, "user"),
	}
	for i := range recs {
		recs[i].Offset = int64(i * 50)
	}
	ids, err := s.UpsertMany(ctx, recs, 150)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestUpsertManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	good := rec("good record in the batch", 1, "user")
	good.Offset = 0
	bad := model.Record{TS: 2, Role: "user", FP: "empty", Offset: 10}

	_, err := s.UpsertMany(ctx, []model.Record{good, bad}, 20)
	require.ErrorIs(t, err, ErrConstraint)

	mem, fts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, mem)
	assert.Zero(t, fts)
	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestUpdateDrivesFTS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := rec("omega prefix case", 10, "user")
	id := f.insert(t, r)

	assert.Equal(t, []int64{id}, matchIDs(t, f.s, MatchParams{Expr: "omega"}))
	assert.Empty(t, matchIDs(t, f.s, MatchParams{Expr: "sigma"}))

	updated := rec("sigma prefix case", 10, "user")
	got, err := f.s.Update(ctx, 0, updated, f.next(), f.off)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "sigma prefix case", got.Insight)

	assert.Empty(t, matchIDs(t, f.s, MatchParams{Expr: "omega"}))
	assert.Equal(t, []int64{id}, matchIDs(t, f.s, MatchParams{Expr: "sigma"}))
	assert.Equal(t, []int64{id}, matchIDs(t, f.s, MatchParams{Expr: "prefix"}))

	mem, fts, err := f.s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, mem, fts)

	removedID, ok, err := f.s.Delete(ctx, 0, f.next(), f.off)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, removedID)
	assert.Empty(t, matchIDs(t, f.s, MatchParams{Expr: "sigma"}))

	mem, fts, err = f.s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, mem)
	assert.Zero(t, fts)
}

func TestUpdateRawOnlyChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := rec("incident review notes stored", 10, "user")
	r.Raw = "kappa payload"
	id := f.insert(t, r)
	assert.Equal(t, []int64{id}, matchIDs(t, f.s, MatchParams{Expr: "kappa"}))

	r.Raw = "lambda payload"
	_, err := f.s.Update(ctx, 0, r, f.next(), f.off)
	require.NoError(t, err)
	assert.Empty(t, matchIDs(t, f.s, MatchParams{Expr: "kappa"}))
	assert.Equal(t, []int64{id}, matchIDs(t, f.s, MatchParams{Expr: "lambda"}))
}

func TestUpdateAndDeleteUnknown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Update(ctx, 999, rec("nothing to update here", 1, "user"), 10, 20)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok, err := s.Delete(ctx, 999, 30, 40)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchemaGuardMissingTrigger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "guard.db")
	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	triggers, err := s.Triggers(ctx)
	require.NoError(t, err)
	for _, name := range RequiredTriggers {
		assert.True(t, triggers[name], name)
	}
	require.NoError(t, s.Close())

	raw, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	_, err = raw.db.ExecContext(ctx, `DROP TRIGGER memory_bu`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// read-only open skips migration, so the dropped trigger stays dropped
	_, err = Open(ctx, Options{Path: path, WriteForbidden: true})
	assert.ErrorIs(t, err, ErrSchemaGuard)
}

func TestSchemaGuardVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "version.db")
	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Path: path, RequiredVersion: SchemaVersion + 1})
	assert.ErrorIs(t, err, ErrSchemaGuard)
}

func TestWriteForbidden(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ro.db")
	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	r := rec("seed row for read only", 1, "user")
	_, err = s.Insert(ctx, r, 10)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := Open(ctx, Options{Path: path, WriteForbidden: true, BusyTimeout: time.Second})
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, ro.ReadOnly())

	_, err = ro.Insert(ctx, rec("should not be written", 2, "user"), 20)
	assert.ErrorIs(t, err, ErrReadOnly)

	// the connection itself refuses writes
	_, err = ro.db.ExecContext(ctx, `DELETE FROM memory`)
	assert.Error(t, err)

	mem, _, err := ro.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem)
}

func TestReaderRefusesWrites(t *testing.T) {
	s := newTestStore(t)
	_, err := s.reader.ExecContext(context.Background(), `DELETE FROM memory`)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, rec("first stats row here", 100, "user"))
	f.insert(t, rec("second stats row here", 200, "user"))
	f.insert(t, rec("third stats row here", 300, "assistant"))

	st, err := f.s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.MemoryRows)
	assert.Equal(t, int64(3), st.FTSRows)
	assert.Equal(t, int64(100), st.OldestTS)
	assert.Equal(t, int64(300), st.NewestTS)
	assert.Equal(t, []RoleStats{{Role: "user", Count: 2}, {Role: "assistant", Count: 1}}, st.Roles)
	assert.Greater(t, st.DBSizeBytes, int64(0))
}

package maintenance

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
	"github.com/rcliao/velos-memory/internal/store"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// harness hands out journal offsets the way the journal would and doubles
// as the deleter for destructive cleans.
type harness struct {
	s   *store.SQLiteStore
	off int64
	fs  afero.Fs
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), store.Options{Path: filepath.Join(dir, "maint.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &harness{s: s, fs: afero.NewOsFs(), dir: dir}
}

func (h *harness) insert(t *testing.T, insight string, ts int64) int64 {
	t.Helper()
	r := model.Record{TS: ts, Role: "user", Insight: insight, Source: "test", FP: normalize.Fingerprint(insight), Offset: h.off}
	h.off += 100
	id, err := h.s.Insert(context.Background(), r, h.off)
	require.NoError(t, err)
	return id
}

func (h *harness) DeleteRecords(ctx context.Context, recs []model.Record) ([]int64, error) {
	var ids []int64
	for _, r := range recs {
		off := h.off
		h.off += 100
		id, ok, err := h.s.Delete(ctx, r.Offset, off, h.off)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (h *harness) maintainer(del Deleter) *Maintainer {
	m := New(h.s, del, h.fs, Options{
		Deadline:         time.Minute,
		NearDupThreshold: 0.9,
		NearDupWindow:    64,
		HalfLifeDays:     14,
		Keywords:         []string{"prod", "error", "credential"},
		ReportsDir:       filepath.Join(h.dir, "reports"),
		StatePath:        filepath.Join(h.dir, "state.yaml"),
		CleanedPath:      filepath.Join(h.dir, "cleaned.jsonl"),
	}, nil)
	m.now = func() time.Time { return testNow }
	return m
}

const (
	billing     = "the nightly deploy of the billing service finished on node one without any errors"
	billingNear = "the nightly deploy of the billing service finished on node one without any error"
)

func seedForClean(t *testing.T, h *harness) (keepA, near, noise, keepB int64) {
	t.Helper()
	require.GreaterOrEqual(t, normalize.Similarity(billing, billingNear), 0.9)
	keepA = h.insert(t, billing, testNow.Unix()-3600)
	near = h.insert(t, billingNear, testNow.Unix()-1800)
	noise = h.insert(t, "test", testNow.Unix())
	keepB = h.insert(t, "rotate the prod database credentials next week", testNow.Unix()-7200)
	return
}

func TestCleanNonDestructive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedForClean(t, h)
	m := h.maintainer(h)

	rep, err := m.Clean(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, rep.Status)
	assert.Equal(t, model.CleanCounts{
		Source: 4, AfterExact: 3, AfterNear: 2, RemovedNear: 1, RemovedNoise: 1, Kept: 2,
	}, rep.Counts)
	assert.Empty(t, rep.Deleted)

	mem, _, err := h.s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), mem, "non-destructive clean leaves the store alone")

	data, err := afero.ReadFile(h.fs, rep.Output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "prod database", "ranked by importance first")
}

func TestCleanDestructive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	keepA, near, noise, keepB := seedForClean(t, h)
	m := h.maintainer(h)

	rep, err := m.Clean(ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{near, noise}, rep.Deleted)

	all, err := h.s.All(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{keepA, keepB}, ids)
	require.NoError(t, h.s.IntegrityCheck(ctx))
}

func TestCleanDestructiveWithoutDeleter(t *testing.T) {
	h := newHarness(t)
	m := h.maintainer(nil)
	rep, err := m.Clean(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoDeleter)
	assert.Equal(t, model.StatusFailed, rep.Status)
}

func TestRebuildIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, "omega prefix case study", 100)
	h.insert(t, "alpha beta gamma notes", 200)
	m := h.maintainer(nil)

	before, err := h.s.FTSSnapshot(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		rep, err := m.Rebuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.StatusOK, rep.Status)
		assert.Equal(t, "ok", rep.Integrity)
		assert.Equal(t, int64(2), rep.MemoryRows)
		assert.Equal(t, rep.MemoryRows, rep.FTSRows)
	}
	after, err := h.s.FTSSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	run, ok := m.LastRun()
	require.True(t, ok)
	assert.Equal(t, KindRebuild, run.Kind)
	assert.True(t, run.At.Equal(testNow))
}

func TestRecoverFromClearedIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.insert(t, "omega prefix case study", 100)
	h.insert(t, "alpha beta gamma notes", 200)
	require.NoError(t, h.s.ClearFTS(ctx))
	require.ErrorIs(t, h.s.IntegrityCheck(ctx), store.ErrIntegrity)

	m := h.maintainer(nil)
	rep, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	require.Len(t, rep.Steps, 4)
	names := []string{}
	for _, s := range rep.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StepRebuild, StepOptimize, StepCheckpoint, StepIntegrity}, names)
	assert.Equal(t, rep.MemoryRows, rep.FTSRows)

	hits, err := h.s.Match(ctx, store.MatchParams{Expr: "omega"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].Record.ID)
}

func TestCheckIntegrityRecoversOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, "omega prefix case study", 100)
	require.NoError(t, h.s.ClearFTS(ctx))

	m := h.maintainer(nil)
	require.NoError(t, m.CheckIntegrity(ctx))
	require.NoError(t, h.s.IntegrityCheck(ctx))

	st, err := LoadState(h.fs, filepath.Join(h.dir, "state.yaml"))
	require.NoError(t, err)
	assert.Contains(t, st.Runs, KindRecover)
}

func TestDeadlineIsStatusNotError(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "omega prefix case study", 100)
	m := h.maintainer(h)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	rb, err := m.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, rb.Status)

	rc, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, rc.Status)
	assert.False(t, rc.OK())

	cl, err := m.Clean(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, cl.Status)

	_, ok := m.LastRun()
	assert.False(t, ok, "timed out runs are not recorded")
}

func TestRisk(t *testing.T) {
	h := newHarness(t)
	now := testNow.Unix()
	high := h.insert(t, "prod incident caused an outage on payments", now)
	h.insert(t, "refactor the backlog grooming notes", now)
	h.insert(t, "refactor old widgets someday maybe", now-100*86400)
	m := h.maintainer(nil)

	rep, err := m.Risk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"total": 3, model.RiskHigh: 1, model.RiskMed: 1, model.RiskLow: 1}, rep.Counts)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, high, rep.Items[0].ID)
	assert.InDelta(t, 0.94, rep.Items[0].Score, 1e-9)
	assert.NotEmpty(t, rep.Path)

	mem, _, err := h.s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), mem)
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, model.RiskHigh, RiskLevel(0.75))
	assert.Equal(t, model.RiskMed, RiskLevel(0.74))
	assert.Equal(t, model.RiskMed, RiskLevel(0.45))
	assert.Equal(t, model.RiskLow, RiskLevel(0.44))
}

func TestStateRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	st, err := LoadState(fs, "/var/velos/state.yaml")
	require.NoError(t, err)
	_, ok := st.Last()
	assert.False(t, ok)

	older := testNow.Add(-time.Hour)
	st.Set(KindClean, Run{RunID: "a", Status: model.StatusOK, At: older})
	st.Set(KindRecover, Run{RunID: "b", Status: model.StatusOK, At: testNow})
	require.NoError(t, st.Save(fs, "/var/velos/state.yaml"))

	got, err := LoadState(fs, "/var/velos/state.yaml")
	require.NoError(t, err)
	last, ok := got.Last()
	require.True(t, ok)
	assert.Equal(t, KindRecover, last.Kind)
	assert.Equal(t, "b", last.RunID)
	assert.True(t, last.At.Equal(testNow))
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/model"
)

func populate(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.insert(t, rec("omega prefix case study", 100, "user", "a"))
	f.insert(t, rec("alpha beta gamma notes", 200, "system"))
	r := rec("launch checklist for prod", 300, "assistant", "b")
	r.Raw = `{"detail":"endpoint config"}`
	f.insert(t, r)
	return f
}

func TestRebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := populate(t)

	before, err := f.s.FTSSnapshot(ctx)
	require.NoError(t, err)

	method, err := f.s.RebuildFTS(ctx)
	require.NoError(t, err)
	assert.Equal(t, RebuildNative, method)
	first, err := f.s.FTSSnapshot(ctx)
	require.NoError(t, err)

	_, err = f.s.RebuildFTS(ctx)
	require.NoError(t, err)
	second, err := f.s.FTSSnapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, first)
	assert.Equal(t, first, second)
	require.NoError(t, f.s.IntegrityCheck(ctx))
}

func TestManualRebuildMatchesNative(t *testing.T) {
	ctx := context.Background()
	f := populate(t)
	native, err := f.s.FTSSnapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, f.s.rebuildManual(ctx))
	manual, err := f.s.FTSSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, native, manual)
}

func TestClearedIndexFailsIntegrityUntilRebuilt(t *testing.T) {
	ctx := context.Background()
	f := populate(t)

	require.NoError(t, f.s.ClearFTS(ctx))
	mem, fts, err := f.s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mem)
	assert.Zero(t, fts)
	assert.ErrorIs(t, f.s.IntegrityCheck(ctx), ErrIntegrity)
	assert.Empty(t, matchIDs(t, f.s, MatchParams{Expr: "omega"}))

	_, err = f.s.RebuildFTS(ctx)
	require.NoError(t, err)
	require.NoError(t, f.s.OptimizeFTS(ctx))
	require.NoError(t, f.s.IntegrityCheck(ctx))
	assert.Len(t, matchIDs(t, f.s, MatchParams{Expr: "omega"}), 1)
	assert.Len(t, matchIDs(t, f.s, MatchParams{Expr: "endpoint"}), 1)
}

func TestCheckpointWAL(t *testing.T) {
	f := populate(t)
	busy, _, _, err := f.s.CheckpointWAL(context.Background())
	require.NoError(t, err)
	assert.Zero(t, busy)
}

func TestMaintenanceHonoursCancelledContext(t *testing.T) {
	f := populate(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.s.RebuildFTS(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportStreamsInIDOrder(t *testing.T) {
	f := populate(t)
	var ids []int64
	err := f.s.Export(context.Background(), func(r model.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.IsIncreasing(t, ids)
	assert.Len(t, ids, 3)
}

package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/model"
)

const testPath = "/data/memory/learning_memory.jsonl"

func newTestJournal(t *testing.T, fs afero.Fs) *Journal {
	t.Helper()
	j, err := Open(context.Background(), fs, testPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func put(insight string) model.Entry {
	return model.Entry{Op: model.OpPut, At: 1, Record: &model.Record{TS: 1, Role: "user", Insight: insight, FP: insight}}
}

func collect(t *testing.T, j *Journal, from int64) ([]int64, []model.Entry) {
	t.Helper()
	sc, err := j.Scan(from)
	require.NoError(t, err)
	defer sc.Close()
	var offs []int64
	var entries []model.Entry
	for sc.Next() {
		off, e := sc.Entry()
		offs = append(offs, off)
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return offs, entries
}

func TestAppendAndScan(t *testing.T) {
	j := newTestJournal(t, afero.NewMemMapFs())

	offs, end, err := j.Append(put("first entry here"), put("second entry here"))
	require.NoError(t, err)
	require.Len(t, offs, 2)
	assert.Equal(t, int64(0), offs[0])
	assert.Greater(t, offs[1], offs[0])
	assert.Equal(t, end, j.Size())

	more, _, err := j.Append(model.Entry{Op: model.OpDelete, Ref: offs[0], At: 2})
	require.NoError(t, err)
	assert.Equal(t, end, more[0])

	gotOffs, entries := collect(t, j, 0)
	assert.Equal(t, []int64{offs[0], offs[1], more[0]}, gotOffs)
	assert.Equal(t, "first entry here", entries[0].Record.Insight)
	assert.Equal(t, model.OpDelete, entries[2].Op)
	assert.Equal(t, offs[0], entries[2].Ref)

	gotOffs, _ = collect(t, j, offs[1])
	assert.Equal(t, []int64{offs[1], more[0]}, gotOffs)
}

func TestOpenRepairsTornTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	good := `{"op":"put","at":1,"record":{"ts":1,"role":"user","insight":"kept line ok","fp":"x"}}` + "\n"
	require.NoError(t, fs.MkdirAll("/data/memory", 0o755))
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(good+`{"op":"put","at":2,"rec`), 0o644))

	j := newTestJournal(t, fs)
	assert.Equal(t, int64(len(good)), j.Size())

	_, entries := collect(t, j, 0)
	require.Len(t, entries, 1)

	_, _, err := j.Append(put("after repair line"))
	require.NoError(t, err)
	_, entries = collect(t, j, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, "after repair line", entries[1].Record.Insight)
}

func TestScanSkipsUnparseableLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	lines := `{"op":"put","at":1,"record":{"ts":1,"insight":"one two three","fp":"a"}}` + "\n" +
		"not json at all\n" +
		`{"op":"bogus","at":1}` + "\n" +
		"\n" +
		`{"op":"put","at":1,"record":{"ts":2,"insight":"four five six","fp":"b"}}` + "\n"
	require.NoError(t, fs.MkdirAll("/data/memory", 0o755))
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(lines), 0o644))

	j := newTestJournal(t, fs)
	sc, err := j.Scan(0)
	require.NoError(t, err)
	defer sc.Close()

	var got []string
	for sc.Next() {
		_, e := sc.Entry()
		got = append(got, e.Record.Insight)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"one two three", "four five six"}, got)
	assert.Equal(t, 2, sc.Skipped())
	assert.Equal(t, int64(len(lines)), sc.Pos())
}

func TestScanRejectsOutOfRangeOffset(t *testing.T) {
	j := newTestJournal(t, afero.NewMemMapFs())
	_, err := j.Scan(10)
	assert.Error(t, err)
}

type failingFile struct {
	afero.File
}

func (f failingFile) WriteAt(p []byte, off int64) (int, error) {
	n, _ := f.File.WriteAt(p[:len(p)/2], off)
	return n, errors.New("disk full")
}

type failingFs struct {
	afero.Fs
}

func (fs failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return failingFile{f}, nil
}

func TestAppendFailureLeavesJournalUnchanged(t *testing.T) {
	mem := afero.NewMemMapFs()
	j := newTestJournal(t, mem)
	_, before, err := j.Append(put("durable first line"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	broken, err := Open(context.Background(), failingFs{mem}, testPath, nil)
	require.NoError(t, err)
	defer broken.Close()

	_, _, err = broken.Append(put("this write fails"))
	require.ErrorIs(t, err, ErrJournalIO)
	assert.Equal(t, before, broken.Size())

	info, err := mem.Stat(testPath)
	require.NoError(t, err)
	assert.Equal(t, before, info.Size())
}

func TestAppendRejectsInvalidOp(t *testing.T) {
	j := newTestJournal(t, afero.NewMemMapFs())
	_, _, err := j.Append(model.Entry{Op: "merge"})
	assert.ErrorIs(t, err, ErrJournalIO)
	assert.Equal(t, int64(0), j.Size())
}

func TestRewindDropsFailedBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := newTestJournal(t, fs)

	_, mark, err := j.Append(put("kept entry one"))
	require.NoError(t, err)
	_, end, err := j.Append(put("batch entry two"), put("batch entry three"))
	require.NoError(t, err)
	require.Greater(t, end, mark)

	require.NoError(t, j.Rewind(mark))
	assert.Equal(t, mark, j.Size())
	_, entries := collect(t, j, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept entry one", entries[0].Record.Insight)

	info, err := fs.Stat(testPath)
	require.NoError(t, err)
	assert.Equal(t, mark, info.Size())

	assert.ErrorIs(t, j.Rewind(end), ErrJournalIO, "rewind never extends")
	require.NoError(t, j.Rewind(mark))
}

func TestReadOnlyLeavesFileAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	good := `{"op":"put","at":1,"record":{"ts":1,"role":"user","insight":"kept line ok","fp":"x"}}` + "\n"
	torn := good + `{"op":"put","at":2,"rec`
	require.NoError(t, fs.MkdirAll("/data/memory", 0o755))
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(torn), 0o644))

	j, err := Open(context.Background(), fs, testPath, nil, ReadOnly())
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, int64(len(good)), j.Size())
	_, entries := collect(t, j, 0)
	assert.Len(t, entries, 1)

	_, _, err = j.Append(put("not allowed here"))
	assert.ErrorIs(t, err, ErrJournalIO)
	assert.ErrorIs(t, j.Rewind(0), ErrJournalIO)
	assert.ErrorIs(t, j.Lock(context.Background()), ErrJournalIO)

	b, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	assert.Equal(t, torn, string(b), "the in-flight tail is not truncated")
}

func TestReadOnlyMissingJournal(t *testing.T) {
	fs := afero.NewMemMapFs()
	j, err := Open(context.Background(), fs, testPath, nil, ReadOnly())
	require.NoError(t, err)
	defer j.Close()
	assert.Zero(t, j.Size())
	_, entries := collect(t, j, 0)
	assert.Empty(t, entries)

	exists, err := afero.Exists(fs, testPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func openOS(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(context.Background(), afero.NewOsFs(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestLockSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "learning_memory.jsonl")
	a := openOS(t, path)
	b := openOS(t, path)

	require.NoError(t, a.Lock(ctx))
	offsA, _, err := a.Append(put("appended by writer a"))
	require.NoError(t, err)
	require.NoError(t, a.Unlock())

	require.NoError(t, b.Lock(ctx))
	assert.Equal(t, a.Size(), b.Size(), "lock re-reads the end")
	offsB, _, err := b.Append(put("appended by writer b"))
	require.NoError(t, err)
	require.NoError(t, b.Unlock())
	assert.Greater(t, offsB[0], offsA[0])

	require.NoError(t, a.Lock(ctx))
	defer a.Unlock()
	offs, entries := collect(t, a, 0)
	assert.Equal(t, []int64{offsA[0], offsB[0]}, offs)
	require.Len(t, entries, 2)
	assert.Equal(t, "appended by writer a", entries[0].Record.Insight)
	assert.Equal(t, "appended by writer b", entries[1].Record.Insight)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning_memory.jsonl")
	a := openOS(t, path)
	b := openOS(t, path)

	require.NoError(t, a.Lock(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx), ErrJournalIO)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock(context.Background()))
	require.NoError(t, b.Unlock())
}

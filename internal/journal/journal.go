// Package journal implements the append-only, newline-delimited record log
// that is the durable source of truth for the memory store.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/rcliao/velos-memory/internal/model"
)

// ErrJournalIO marks a failed durable write. The batch that produced it was
// not recorded.
var ErrJournalIO = errors.New("journal io")

// LockSuffix names the writer lock file kept next to the journal.
const LockSuffix = ".lock"

const lockRetry = 10 * time.Millisecond

// Journal is an append-only JSONL file. Each entry's offset is the byte
// position of its first character.
//
// Writers in different processes serialize on an flock(2) held on a sibling
// lock file between Lock and Unlock. The lock is only taken when the journal
// lives on the OS filesystem.
type Journal struct {
	fs       afero.Fs
	path     string
	log      *slog.Logger
	readOnly bool
	lock     *flock.Flock

	mu   sync.Mutex
	f    afero.File
	size int64
}

// Option configures Open.
type Option func(*Journal)

// ReadOnly opens the journal for scanning only. The file is never created,
// locked or repaired, and Append and Rewind fail.
func ReadOnly() Option {
	return func(j *Journal) { j.readOnly = true }
}

// Open opens or creates the journal at path. A writable journal takes the
// writer lock once to repair a torn tail left by an interrupted append.
func Open(ctx context.Context, fs afero.Fs, path string, log *slog.Logger, opts ...Option) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{fs: fs, path: path, log: log.With("component", "journal")}
	for _, o := range opts {
		o(j)
	}
	if j.readOnly {
		if err := j.openReadOnly(); err != nil {
			return nil, err
		}
		return j, nil
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.f = f
	if _, ok := fs.(*afero.OsFs); ok {
		j.lock = flock.New(path + LockSuffix)
	}
	if err := j.Lock(ctx); err != nil {
		f.Close()
		return nil, err
	}
	if err := j.Unlock(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) openReadOnly() error {
	f, err := j.fs.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	end, err := lastNewline(f, info.Size())
	if err != nil {
		f.Close()
		return fmt.Errorf("scan journal tail: %w", err)
	}
	j.f, j.size = f, end
	return nil
}

// Lock takes the writer lock and re-reads the end of the journal, so entries
// other processes appended become visible to Size and Scan. A partial line
// left by a writer that died mid-append is truncated: under the lock no
// append can be in flight. Every Lock must be paired with Unlock.
func (j *Journal) Lock(ctx context.Context) error {
	if j.readOnly {
		return fmt.Errorf("%w: journal is read-only", ErrJournalIO)
	}
	if j.lock != nil {
		ok, err := j.lock.TryLockContext(ctx, lockRetry)
		if err == nil && !ok {
			err = ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: acquire writer lock: %v", ErrJournalIO, err)
		}
	}
	j.mu.Lock()
	err := j.repair()
	j.mu.Unlock()
	if err != nil {
		j.Unlock()
		return err
	}
	return nil
}

// Unlock releases the writer lock.
func (j *Journal) Unlock() error {
	if j.lock == nil {
		return nil
	}
	if err := j.lock.Unlock(); err != nil {
		return fmt.Errorf("%w: release writer lock: %v", ErrJournalIO, err)
	}
	return nil
}

// repair truncates a trailing partial line and records the end. Requires j.mu.
func (j *Journal) repair() error {
	if j.f == nil {
		return fmt.Errorf("%w: journal closed", ErrJournalIO)
	}
	info, err := j.f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	size := info.Size()
	if size == 0 {
		j.size = 0
		return nil
	}
	end, err := lastNewline(j.f, size)
	if err != nil {
		return fmt.Errorf("scan journal tail: %w", err)
	}
	if end < size {
		j.log.Warn("truncating torn journal tail", "op", "open", "path", j.path, "size", size, "keep", end)
		if err := j.f.Truncate(end); err != nil {
			return fmt.Errorf("repair journal: %w", err)
		}
	}
	j.size = end
	return nil
}

// lastNewline returns the offset just past the last '\n' in the first size bytes.
func lastNewline(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	for pos := size; pos > 0; {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := r.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return pos + int64(i) + 1, nil
		}
	}
	return 0, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Size returns the offset at which the next entry will be written, as of
// the last Lock or Append.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Append durably writes a batch of entries with a single write and fsync.
// It returns the offset of every entry and the new end of the journal. On
// failure the file is truncated back and nothing is recorded.
func (j *Journal) Append(entries ...model.Entry) ([]int64, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.readOnly {
		return nil, 0, fmt.Errorf("%w: journal is read-only", ErrJournalIO)
	}
	if j.f == nil {
		return nil, 0, fmt.Errorf("%w: journal closed", ErrJournalIO)
	}

	var buf bytes.Buffer
	offsets := make([]int64, len(entries))
	for i, e := range entries {
		if !e.Op.Valid() {
			return nil, 0, fmt.Errorf("%w: invalid op %q", ErrJournalIO, e.Op)
		}
		b, err := json.Marshal(e)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: encode entry: %v", ErrJournalIO, err)
		}
		offsets[i] = j.size + int64(buf.Len())
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return offsets, j.size, nil
	}

	n, err := j.f.WriteAt(buf.Bytes(), j.size)
	if err == nil && n < buf.Len() {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = j.f.Sync()
	}
	if err != nil {
		if terr := j.f.Truncate(j.size); terr != nil {
			j.log.Error("rollback journal append", "op", "append", "error", terr)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrJournalIO, err)
	}
	j.size += int64(buf.Len())
	return offsets, j.size, nil
}

// Rewind drops everything written at or after to. It undoes the most recent
// appends of a batch whose downstream commit failed, and refuses to move the
// end forward.
func (j *Journal) Rewind(to int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.readOnly {
		return fmt.Errorf("%w: journal is read-only", ErrJournalIO)
	}
	if j.f == nil {
		return fmt.Errorf("%w: journal closed", ErrJournalIO)
	}
	if to < 0 || to > j.size {
		return fmt.Errorf("%w: rewind to %d outside [0,%d]", ErrJournalIO, to, j.size)
	}
	if to == j.size {
		return nil
	}
	if err := j.f.Truncate(to); err != nil {
		return fmt.Errorf("%w: rewind: %v", ErrJournalIO, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("%w: rewind: %v", ErrJournalIO, err)
	}
	j.log.Warn("journal rewound", "op", "rewind", "from", j.size, "to", to)
	j.size = to
	return nil
}

// Scan returns a lazy reader over complete entries starting at from. Entries
// appended after Scan returns are not visited.
func (j *Journal) Scan(from int64) (*Scanner, error) {
	end := j.Size()
	if from < 0 || from > end {
		return nil, fmt.Errorf("scan journal: offset %d outside [0,%d]", from, end)
	}
	if from == end {
		return &Scanner{r: bufio.NewReader(bytes.NewReader(nil)), pos: from, end: end, log: j.log}, nil
	}
	f, err := j.fs.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("open journal for scan: %w", err)
	}
	return &Scanner{
		f:   f,
		r:   bufio.NewReaderSize(io.NewSectionReader(f, from, end-from), 64*1024),
		pos: from,
		end: end,
		log: j.log,
	}, nil
}

// Close releases the file handle and the writer lock if held.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	if j.lock != nil {
		err = j.lock.Unlock()
	}
	if j.f == nil {
		return err
	}
	err = errors.Join(err, j.f.Close())
	j.f = nil
	return err
}

// Scanner iterates journal entries.
type Scanner struct {
	f   afero.File
	r   *bufio.Reader
	pos int64
	end int64
	log *slog.Logger

	offset  int64
	entry   model.Entry
	skipped int
	err     error
}

// Next advances to the next well-formed entry. A trailing line without a
// newline is a partial write and is never delivered; lines that fail to
// parse are logged and skipped.
func (s *Scanner) Next() bool {
	for s.err == nil {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("read journal: %w", err)
			}
			return false
		}
		start := s.pos
		s.pos += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e model.Entry
		if err := json.Unmarshal(line, &e); err != nil || !e.Op.Valid() {
			s.skipped++
			s.log.Warn("skipping unreadable journal entry", "op", "scan", "offset", start, "error", err)
			continue
		}
		s.offset, s.entry = start, e
		return true
	}
	return false
}

// Entry returns the current entry and its offset.
func (s *Scanner) Entry() (int64, model.Entry) { return s.offset, s.entry }

// Pos returns the offset just past the last consumed complete line.
func (s *Scanner) Pos() int64 { return s.pos }

// End is the journal size captured when the scan began.
func (s *Scanner) End() int64 { return s.end }

// Skipped counts lines that could not be parsed.
func (s *Scanner) Skipped() int { return s.skipped }

// Err returns the first read error.
func (s *Scanner) Err() error { return s.err }

// Close releases the scanner's file handle.
func (s *Scanner) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

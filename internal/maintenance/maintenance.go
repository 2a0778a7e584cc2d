// Package maintenance keeps the indexed store healthy: it cleans duplicate
// and noisy rows, rebuilds the full-text index, recovers from corruption and
// produces advisory risk reports. Every run is bounded by a deadline and
// reports a timeout as a status rather than an error.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/rcliao/velos-memory/internal/model"
)

// Run kinds, used in report file names and the state file.
const (
	KindClean   = "clean"
	KindRebuild = "rebuild"
	KindRecover = "recover"
	KindRisk    = "risk"
)

// Store is the slice of the indexed store maintenance works on.
type Store interface {
	All(ctx context.Context) ([]model.Record, error)
	Counts(ctx context.Context) (memory, fts int64, err error)
	RebuildFTS(ctx context.Context) (string, error)
	OptimizeFTS(ctx context.Context) error
	CheckpointWAL(ctx context.Context) (busy, logFrames, checkpointed int, err error)
	IntegrityCheck(ctx context.Context) error
}

// Deleter journals and applies deletions of whole rows in one transaction.
type Deleter interface {
	DeleteRecords(ctx context.Context, recs []model.Record) ([]int64, error)
}

// Options configure a Maintainer.
type Options struct {
	Deadline         time.Duration
	NearDupThreshold float64
	NearDupWindow    int
	HalfLifeDays     float64
	Keywords         []string
	ReportsDir       string
	StatePath        string
	CleanedPath      string
	RiskTop          int
}

// Maintainer runs maintenance operations against one store.
type Maintainer struct {
	store Store
	del   Deleter
	fs    afero.Fs
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

// New creates a maintainer. del may be nil, in which case destructive
// cleaning is refused.
func New(s Store, del Deleter, fs afero.Fs, opts Options, log *slog.Logger) *Maintainer {
	if log == nil {
		log = slog.Default()
	}
	if opts.RiskTop <= 0 {
		opts.RiskTop = 20
	}
	return &Maintainer{
		store: s,
		del:   del,
		fs:    fs,
		opts:  opts,
		log:   log.With("component", "maintenance"),
		now:   time.Now,
	}
}

// bounded applies the configured deadline unless ctx already carries one.
func (m *Maintainer) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.opts.Deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.Deadline)
}

// timedOut reports whether err, or the context behind it, ran out of time.
// The driver does not always wrap the context error when it interrupts a
// statement, so the context itself is checked too.
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// LastRun returns the most recent successful maintenance run.
func (m *Maintainer) LastRun() (Run, bool) {
	st, err := LoadState(m.fs, m.opts.StatePath)
	if err != nil {
		m.log.Warn("read maintenance state", "op", "state", "error", err)
		return Run{}, false
	}
	return st.Last()
}

// record notes a successful run in the state file. Failures to persist are
// logged only: the run itself already succeeded.
func (m *Maintainer) record(kind, runID string, at time.Time) {
	if m.opts.StatePath == "" {
		return
	}
	st, err := LoadState(m.fs, m.opts.StatePath)
	if err != nil {
		m.log.Warn("read maintenance state", "op", kind, "error", err)
		st = &State{}
	}
	st.Set(kind, Run{RunID: runID, Status: model.StatusOK, At: at.UTC()})
	if err := st.Save(m.fs, m.opts.StatePath); err != nil {
		m.log.Warn("write maintenance state", "op", kind, "error", err)
	}
}

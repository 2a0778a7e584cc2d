// Package ingest brings the indexed store into agreement with incoming
// sources: it normalizes, deduplicates, filters noise, scores and commits.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
	"github.com/rcliao/velos-memory/internal/report"
)

// FingerprintIndex answers which fingerprints are already stored.
type FingerprintIndex interface {
	HasFingerprints(ctx context.Context, fps []string) (map[string]bool, error)
}

// Committer durably writes a batch: journal first, then the store, in one
// transaction each. It returns the assigned ids in batch order.
type Committer interface {
	Commit(ctx context.Context, recs []model.Record) ([]int64, error)
}

// Options tune a pipeline.
type Options struct {
	NearDupThreshold float64
	NearDupWindow    int
	HalfLifeDays     float64
	Keywords         []string
	MaxRecords       int
	ReportsDir       string
}

// Pipeline runs ingestion passes.
type Pipeline struct {
	opts   Options
	fsys   afero.Fs
	index  FingerprintIndex
	commit Committer
	log    *slog.Logger
	now    func() time.Time
}

// New creates a pipeline. fsys is used for sources and reports.
func New(opts Options, fsys afero.Fs, index FingerprintIndex, commit Committer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		opts:   opts,
		fsys:   fsys,
		index:  index,
		commit: commit,
		log:    log.With("component", "ingest"),
		now:    time.Now,
	}
}

// Params reports the thresholds the pipeline runs with.
func (p *Pipeline) Params() model.IngestParams {
	return model.IngestParams{
		NearDupThreshold: p.opts.NearDupThreshold,
		NearDupWindow:    p.opts.NearDupWindow,
		HalfLifeDays:     p.opts.HalfLifeDays,
	}
}

// Scorer returns the scorer configured for this pipeline at the current time.
func (p *Pipeline) Scorer() Scorer {
	return Scorer{HalfLifeDays: p.opts.HalfLifeDays, Keywords: p.opts.Keywords, Now: p.now()}
}

// Run performs one pass over sources. Per-record problems are counted in
// the report; only a failed commit fails the run, and then nothing from the
// batch is stored. In dry-run mode the commit is skipped but the report is
// still produced and written.
func (p *Pipeline) Run(ctx context.Context, sources []Source, dryRun bool) (*model.IngestReport, error) {
	now := p.now()
	rep := &model.IngestReport{
		RunID:     report.NewRunID(),
		Status:    model.StatusOK,
		DryRun:    dryRun,
		StartedAt: now.UTC(),
		Rejected:  map[string]int{},
		Params:    p.Params(),
	}
	log := p.log.With("run_id", rep.RunID)

	accepted := p.collect(sources, now, rep, log)

	fps := make([]string, len(accepted))
	for i, r := range accepted {
		fps[i] = r.FP
	}
	known, err := p.index.HasFingerprints(ctx, fps)
	if err != nil {
		return p.fail(rep, log, fmt.Errorf("load fingerprints: %w", err))
	}

	d := NewDeduper(p.opts.NearDupThreshold, p.opts.NearDupWindow, known)
	kept := make([]model.Record, 0, len(accepted))
	for _, r := range accepted {
		switch d.Check(r) {
		case ExactDup:
			rep.Counts.ExactDup++
		case NearDup:
			rep.Counts.NearDup++
		default:
			kept = append(kept, r)
		}
	}

	kept = p.Scorer().Rank(kept)
	if p.opts.MaxRecords > 0 && len(kept) > p.opts.MaxRecords {
		log.Warn("batch over limit, dropping lowest scored", "op", "ingest", "kept", len(kept), "limit", p.opts.MaxRecords)
		rep.Counts.Errors += len(kept) - p.opts.MaxRecords
		rep.Errors = append(rep.Errors, fmt.Sprintf("%d records over max_records", len(kept)-p.opts.MaxRecords))
		kept = kept[:p.opts.MaxRecords]
	}
	rep.Counts.Kept = len(kept)

	if !dryRun && len(kept) > 0 {
		ids, err := p.commit.Commit(ctx, kept)
		if err != nil {
			rep.Counts.Kept = 0
			return p.fail(rep, log, err)
		}
		rep.IDs = ids
	}

	p.finish(rep, log)
	log.Info("ingest finished", "op", "ingest", "dry_run", dryRun,
		"input", rep.Counts.Input, "exact_dup", rep.Counts.ExactDup, "near_dup", rep.Counts.NearDup,
		"noise_rejected", rep.Counts.NoiseRejected, "kept", rep.Counts.Kept, "errors", rep.Counts.Errors)
	return rep, nil
}

// collect reads and normalizes every source in order.
func (p *Pipeline) collect(sources []Source, now time.Time, rep *model.IngestReport, log *slog.Logger) []model.Record {
	var accepted []model.Record
	for _, src := range sources {
		rep.Sources = append(rep.Sources, src.Name())
		emit := func(b Blob) {
			rep.Counts.Input++
			res := normalize.Blob(b.Data, now, src.Tag())
			if !res.Accepted() {
				rep.Counts.NoiseRejected++
				rep.Rejected[string(res.Reason())]++
				return
			}
			accepted = append(accepted, res.Record())
		}
		bad := func(origin string, err error) {
			rep.Counts.Input++
			rep.Counts.Errors++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", origin, err))
			log.Warn("skipping unreadable blob", "op", "ingest", "origin", origin, "error", err)
		}
		if err := src.Read(p.fsys, emit, bad); err != nil {
			rep.Counts.Errors++
			rep.Errors = append(rep.Errors, err.Error())
			log.Error("source failed", "op", "ingest", "source", src.Name(), "error", err)
		}
	}
	return accepted
}

func (p *Pipeline) fail(rep *model.IngestReport, log *slog.Logger, err error) (*model.IngestReport, error) {
	rep.Status = model.StatusFailed
	rep.Errors = append(rep.Errors, err.Error())
	p.finish(rep, log)
	log.Error("ingest failed", "op", "ingest", "error", err)
	return rep, err
}

func (p *Pipeline) finish(rep *model.IngestReport, log *slog.Logger) {
	rep.FinishedAt = p.now().UTC()
	if p.opts.ReportsDir == "" {
		return
	}
	path, err := report.Write(p.fsys, p.opts.ReportsDir, "ingest", rep.RunID, rep)
	if err != nil {
		log.Warn("write ingest report", "op", "ingest", "error", err)
		return
	}
	rep.Path = path
}

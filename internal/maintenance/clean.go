package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
	"github.com/rcliao/velos-memory/internal/report"
)

// ErrNoDeleter is returned for a destructive clean without a deleter.
var ErrNoDeleter = errors.New("destructive clean needs a deleter")

// Clean runs the ingestion dedup, noise filter and scoring over the whole
// store. The cleaned view is always written to CleanedPath as JSONL, in
// ranked order. Only when destructive is set are the dropped rows deleted,
// each through a journaled delete, in one transaction.
func (m *Maintainer) Clean(ctx context.Context, destructive bool) (*model.CleanReport, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	now := m.now()
	rep := &model.CleanReport{
		RunID:       report.NewRunID(),
		Status:      model.StatusOK,
		Destructive: destructive,
		StartedAt:   now.UTC(),
		Params: model.IngestParams{
			NearDupThreshold: m.opts.NearDupThreshold,
			NearDupWindow:    m.opts.NearDupWindow,
			HalfLifeDays:     m.opts.HalfLifeDays,
		},
	}
	log := m.log.With("op", KindClean, "run_id", rep.RunID)

	if destructive && m.del == nil {
		return m.cleanDone(ctx, rep, ErrNoDeleter)
	}

	recs, err := m.store.All(ctx)
	if err != nil {
		return m.cleanDone(ctx, rep, fmt.Errorf("load records: %w", err))
	}
	rep.Counts.Source = len(recs)

	var dropped []model.Record
	live := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		if normalize.Noise(r.Text()) != "" {
			rep.Counts.RemovedNoise++
			dropped = append(dropped, r)
			continue
		}
		live = append(live, r)
	}

	// Exact pass first so the near-dup window only sees distinct texts.
	exact := ingest.NewDeduper(0, 0, nil)
	distinct := make([]model.Record, 0, len(live))
	for _, r := range live {
		r.FP = normalize.Fingerprint(r.Text())
		if exact.Check(r) == ingest.ExactDup {
			rep.Counts.RemovedExact++
			dropped = append(dropped, r)
			continue
		}
		distinct = append(distinct, r)
	}
	rep.Counts.AfterExact = len(distinct)

	near := ingest.NewDeduper(m.opts.NearDupThreshold, m.opts.NearDupWindow, nil)
	kept := make([]model.Record, 0, len(distinct))
	for _, r := range distinct {
		if near.Check(r) == ingest.NearDup {
			rep.Counts.RemovedNear++
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, r)
	}
	rep.Counts.AfterNear = len(kept)

	scorer := ingest.Scorer{HalfLifeDays: m.opts.HalfLifeDays, Keywords: m.opts.Keywords, Now: now}
	kept = scorer.Rank(kept)
	rep.Counts.Kept = len(kept)

	if err := ctx.Err(); err != nil {
		return m.cleanDone(ctx, rep, err)
	}
	if m.opts.CleanedPath != "" {
		if err := m.writeCleaned(kept); err != nil {
			return m.cleanDone(ctx, rep, err)
		}
		rep.Output = m.opts.CleanedPath
	}

	if destructive && len(dropped) > 0 {
		ids, err := m.del.DeleteRecords(ctx, dropped)
		if err != nil {
			return m.cleanDone(ctx, rep, fmt.Errorf("delete dropped rows: %w", err))
		}
		rep.Deleted = ids
	}

	log.Info("clean finished", "destructive", destructive, "source", rep.Counts.Source,
		"removed_exact", rep.Counts.RemovedExact, "removed_near", rep.Counts.RemovedNear,
		"removed_noise", rep.Counts.RemovedNoise, "kept", rep.Counts.Kept)
	return m.cleanDone(ctx, rep, nil)
}

func (m *Maintainer) cleanDone(ctx context.Context, rep *model.CleanReport, err error) (*model.CleanReport, error) {
	rep.FinishedAt = m.now().UTC()
	log := m.log.With("op", KindClean, "run_id", rep.RunID)
	switch {
	case err == nil:
		m.record(KindClean, rep.RunID, rep.FinishedAt)
	case timedOut(ctx, err):
		rep.Status = model.StatusTimedOut
		rep.Deleted = nil
		rep.Error = err.Error()
		log.Warn("clean timed out", "error", err)
		err = nil
	default:
		rep.Status = model.StatusFailed
		rep.Error = err.Error()
		log.Error("clean failed", "error", err)
	}
	m.writeReport(KindClean, rep.RunID, rep)
	return rep, err
}

// writeCleaned writes recs as JSONL through a temporary file.
func (m *Maintainer) writeCleaned(recs []model.Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode cleaned record %d: %w", r.ID, err)
		}
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.opts.CleanedPath), 0o755); err != nil {
		return fmt.Errorf("create cleaned dir: %w", err)
	}
	tmp := m.opts.CleanedPath + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write cleaned output: %w", err)
	}
	if err := m.fs.Rename(tmp, m.opts.CleanedPath); err != nil {
		return fmt.Errorf("write cleaned output: %w", err)
	}
	return nil
}

func (m *Maintainer) writeReport(kind, runID string, v any) string {
	if m.opts.ReportsDir == "" {
		return ""
	}
	path, err := report.Write(m.fs, m.opts.ReportsDir, kind, runID, v)
	if err != nil {
		m.log.Warn("write report", "op", kind, "error", err)
		return ""
	}
	return path
}

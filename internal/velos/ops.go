package velos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rcliao/velos-memory/internal/health"
	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/router"
	"github.com/rcliao/velos-memory/internal/store"
)

// IngestOptions select what an ingestion pass reads.
type IngestOptions struct {
	// Sources defaults to the configured inbox and reflection directories.
	Sources []ingest.Source
	DryRun  bool
}

// DefaultSources returns the configured inbox directories followed by the
// reflections directory.
func (s *Service) DefaultSources() []ingest.Source {
	var out []ingest.Source
	for _, dir := range s.cfg.InboxDirs {
		out = append(out, ingest.JSONLDir{Path: dir, Pattern: s.cfg.InboxPattern})
	}
	if s.cfg.ReflectionsDir != "" {
		out = append(out, ingest.Reflections{Path: s.cfg.ReflectionsDir})
	}
	return out
}

// Ingest runs one ingestion pass. The store first catches up with the
// journal so the exact-duplicate check sees every committed record.
func (s *Service) Ingest(ctx context.Context, opts IngestOptions) (*model.IngestReport, error) {
	if !opts.DryRun {
		if err := s.writable(); err != nil {
			return nil, err
		}
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = s.DefaultSources()
	}

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	caught := 0
	if !s.readOnly {
		n, err := s.catchUp(ctx)
		if err != nil {
			return nil, err
		}
		caught = n
	}
	rep, err := s.ingest.Run(ctx, sources, opts.DryRun)
	if rep != nil {
		rep.CaughtUp = caught
	}
	s.metrics.RecordIngest(rep)
	return rep, err
}

// Search routes a query through the query cache and the store.
func (s *Service) Search(ctx context.Context, q router.Query) (model.SearchResult, error) {
	start := time.Now()
	res, err := s.router.Search(ctx, q)
	if err != nil {
		return res, err
	}
	s.metrics.RecordSearch(res.Class, res.Cached, time.Since(start))
	return res, nil
}

// List returns the newest records matching the filters, without using the
// full-text index.
func (s *Service) List(ctx context.Context, p store.FilterParams) ([]model.Record, error) {
	if p.Limit <= 0 {
		p.Limit = s.cfg.Search.DefaultLimit
	}
	return s.store.Filter(ctx, p)
}

// Get returns one record, served from the hot-record cache when possible.
func (s *Service) Get(ctx context.Context, id int64) (model.Record, error) {
	if r, ok := s.records.Get(id); ok {
		return r, nil
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	s.records.Set(id, r)
	return r, nil
}

// Export writes every live record as JSONL in id order.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	err := s.store.Export(ctx, func(r model.Record) error {
		n++
		return enc.Encode(r)
	})
	if err != nil {
		return n, fmt.Errorf("export: %w", err)
	}
	return n, nil
}

// Clean runs dedup and scoring over the store. Only a destructive clean
// deletes rows.
func (s *Service) Clean(ctx context.Context, destructive bool) (*model.CleanReport, error) {
	if destructive {
		if err := s.writable(); err != nil {
			return nil, err
		}
	}
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if !s.readOnly {
		if _, err := s.catchUp(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	rep, err := s.maint.Clean(ctx, destructive)
	if rep != nil {
		s.metrics.RecordMaintenance("clean", rep.Status, time.Since(start))
	}
	return rep, err
}

// RebuildFTS repopulates the full-text index from the memory table.
func (s *Service) RebuildFTS(ctx context.Context) (*model.RebuildReport, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	rep, err := s.maint.Rebuild(ctx)
	s.router.Invalidate()
	s.metrics.RecordMaintenance("rebuild", rep.Status, time.Since(start))
	return rep, err
}

// Recover runs emergency recovery.
func (s *Service) Recover(ctx context.Context) (*model.RecoveryReport, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	rep, err := s.maint.Recover(ctx)
	s.router.Invalidate()
	s.metrics.RecordMaintenance("recover", rep.Status, time.Since(start))
	return rep, err
}

// CheckIntegrity verifies the store and recovers once on failure. A store
// that still fails afterwards wraps store.ErrIntegrity.
func (s *Service) CheckIntegrity(ctx context.Context) error {
	if s.readOnly {
		return s.store.IntegrityCheck(ctx)
	}
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = s.maint.CheckIntegrity(ctx)
	s.router.Invalidate()
	return err
}

// Risk writes the advisory risk report.
func (s *Service) Risk(ctx context.Context) (*model.RiskReport, error) {
	return s.maint.Risk(ctx)
}

// Health returns the current health snapshot and publishes it as metrics.
func (s *Service) Health(ctx context.Context) *health.Snapshot {
	snap := s.probe.Check(ctx)
	s.metrics.SetStoreRows(snap.MemoryRows, snap.FTSRows)
	s.metrics.SetJournalLag(snap.Journal.Lag)
	s.metrics.SetHealth(snap.Status, health.StatusOK, health.StatusDegraded, health.StatusFailed)
	for name, st := range snap.Caches {
		s.metrics.SetCacheHitRate(name, st.HitRate)
	}
	return snap
}

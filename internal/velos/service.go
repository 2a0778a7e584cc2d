// Package velos wires the memory store together: journal, indexed store,
// ingestion, routing, caches, maintenance and health behind one Service.
package velos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/rcliao/velos-memory/internal/cache"
	"github.com/rcliao/velos-memory/internal/config"
	"github.com/rcliao/velos-memory/internal/health"
	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/journal"
	"github.com/rcliao/velos-memory/internal/maintenance"
	"github.com/rcliao/velos-memory/internal/metrics"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/router"
	"github.com/rcliao/velos-memory/internal/store"
)

// CleanedFile is the name of the non-destructive clean output, written next
// to the journal.
const CleanedFile = "learning_memory_cleaned.jsonl"

// Service is the programmatic surface of the memory store. Every write runs
// catch-up, journal append and store apply under the service mutex and the
// journal's cross-process writer lock, so append order is id order even with
// several processes writing.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	fs       afero.Fs
	metrics  *metrics.Manager
	readOnly bool

	journal *journal.Journal
	store   *store.SQLiteStore
	queries *cache.LRU[string, model.SearchResult]
	records *cache.LRU[int64, model.Record]
	router  *router.Router
	ingest  *ingest.Pipeline
	maint   *maintenance.Maintainer
	probe   *health.Probe

	mu  sync.Mutex
	now func() time.Time
}

// Option customizes Open.
type Option func(*Service)

// WithFs sets the filesystem used for the journal, sources, reports and the
// state file. The database always lives on the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) { s.fs = fs }
}

// WithMetrics attaches a metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Service) { s.metrics = m }
}

// ReadOnly opens the service for reading: the journal and the store are
// opened without write access and no catch-up runs, as if
// store.write_forbidden were set.
func ReadOnly() Option {
	return func(s *Service) { s.readOnly = true }
}

// Open opens the journal and the store described by cfg and brings the
// store up to date with the journal.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		log:     log.With("component", "service"),
		fs:      afero.NewOsFs(),
		metrics: metrics.NoOp(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	s.readOnly = s.readOnly || cfg.Store.WriteForbidden

	var jopts []journal.Option
	if s.readOnly {
		jopts = append(jopts, journal.ReadOnly())
	}
	j, err := journal.Open(ctx, s.fs, cfg.JournalPath, log, jopts...)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Options{
		Path:            cfg.DBPath,
		RequiredVersion: cfg.Store.RequiredVersion,
		BusyTimeout:     cfg.Store.BusyTimeout,
		WriteForbidden:  s.readOnly,
	})
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.journal, s.store = j, st

	s.queries = cache.New[string, model.SearchResult]("query", cfg.Cache.QuerySize, cfg.Cache.QueryTTL)
	s.records = cache.New[int64, model.Record]("record", cfg.Cache.RecordSize, cfg.Cache.RecordTTL)
	s.router = router.New(st, s.queries, router.Options{
		KeywordMaxLen: cfg.Search.KeywordMaxLen,
		DefaultLimit:  cfg.Search.DefaultLimit,
	}, log)
	s.ingest = ingest.New(ingest.Options{
		NearDupThreshold: cfg.Ingest.NearDupThreshold,
		NearDupWindow:    cfg.Ingest.NearDupWindow,
		HalfLifeDays:     cfg.Ingest.HalfLifeDays,
		Keywords:         cfg.Ingest.Keywords,
		MaxRecords:       cfg.Ingest.MaxRecords,
		ReportsDir:       cfg.ReportsDir,
	}, s.fs, st, committer{s}, log)
	s.maint = maintenance.New(st, deleter{s}, s.fs, maintenance.Options{
		Deadline:         cfg.Maintenance.Deadline,
		NearDupThreshold: cfg.Ingest.NearDupThreshold,
		NearDupWindow:    cfg.Ingest.NearDupWindow,
		HalfLifeDays:     cfg.Ingest.HalfLifeDays,
		Keywords:         cfg.Ingest.Keywords,
		ReportsDir:       cfg.ReportsDir,
		StatePath:        cfg.StatePath,
		CleanedPath:      filepath.Join(filepath.Dir(cfg.JournalPath), CleanedFile),
	}, log)
	s.probe = health.New(st, j, []health.StatsSource{s.queries, s.records}, s.maint.LastRun, health.Options{
		Canary:          cfg.Search.Canary,
		RequiredVersion: cfg.Store.RequiredVersion,
	}, log)

	if !s.readOnly {
		if _, err := s.CatchUp(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the store and the journal.
func (s *Service) Close() error {
	return errors.Join(s.store.Close(), s.journal.Close())
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *config.Config { return s.cfg }

// Metrics returns the attached metrics manager.
func (s *Service) Metrics() *metrics.Manager { return s.metrics }

// Store exposes the indexed store for read-only inspection.
func (s *Service) Store() *store.SQLiteStore { return s.store }

// Journal exposes the journal for inspection.
func (s *Service) Journal() *journal.Journal { return s.journal }

// invalidate drops every cached query result and the touched records.
func (s *Service) invalidate(ids ...int64) {
	s.router.Invalidate()
	for _, id := range ids {
		s.records.Remove(id)
	}
}

func (s *Service) writable() error {
	if s.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// lock takes the service mutex and, unless read-only, the journal writer
// lock. The journal end is re-read under the lock, so a following catchUp
// sees entries other processes appended. The returned func releases both.
func (s *Service) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.readOnly {
		return s.mu.Unlock, nil
	}
	if err := s.journal.Lock(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		if err := s.journal.Unlock(); err != nil {
			s.log.Error("release journal lock", "op", "unlock", "error", err)
		}
		s.mu.Unlock()
	}, nil
}

// Package health produces the structured status snapshot consumed by
// dashboards and schedulers.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rcliao/velos-memory/internal/cache"
	"github.com/rcliao/velos-memory/internal/maintenance"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/store"
)

// Statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Store is the slice of the indexed store the probe reads.
type Store interface {
	SchemaVersion(ctx context.Context) (int, error)
	Counts(ctx context.Context) (memory, fts int64, err error)
	Triggers(ctx context.Context) (map[string]bool, error)
	Match(ctx context.Context, p store.MatchParams) ([]model.SearchHit, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Journal exposes the journal's current size.
type Journal interface {
	Size() int64
}

// StatsSource is anything with cache counters.
type StatsSource interface {
	Stats() cache.Stats
}

// Canary is the outcome of the canary search.
type Canary struct {
	Term  string `json:"term"`
	Hits  int    `json:"hits"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// JournalStatus compares the journal with what the store applied.
type JournalStatus struct {
	Size   int64 `json:"size"`
	Cursor int64 `json:"cursor"`
	Lag    int64 `json:"lag"`
}

// Snapshot is the structured health status.
type Snapshot struct {
	CheckedAt       time.Time              `json:"checked_at"`
	Status          string                 `json:"status"`
	Problems        []string               `json:"problems,omitempty"`
	SchemaVersion   int                    `json:"schema_version"`
	RequiredVersion int                    `json:"required_version"`
	MemoryRows      int64                  `json:"memory_rows"`
	FTSRows         int64                  `json:"fts_rows"`
	CountsAgree     bool                   `json:"counts_agree"`
	Triggers        map[string]bool        `json:"triggers"`
	Canary          Canary                 `json:"canary"`
	LastMaintenance *maintenance.Run       `json:"last_maintenance,omitempty"`
	Journal         JournalStatus          `json:"journal"`
	DBSizeBytes     int64                  `json:"db_size_bytes"`
	WALSizeBytes    int64                  `json:"wal_size_bytes"`
	Caches          map[string]cache.Stats `json:"caches"`
}

// Healthy reports whether nothing is wrong.
func (s *Snapshot) Healthy() bool { return s.Status == StatusOK }

// Options configure a Probe.
type Options struct {
	Canary          string
	RequiredVersion int
}

// Probe assembles snapshots.
type Probe struct {
	store   Store
	journal Journal
	caches  []StatsSource
	lastRun func() (maintenance.Run, bool)
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// New creates a probe. journal and lastRun may be nil.
func New(s Store, journal Journal, caches []StatsSource, lastRun func() (maintenance.Run, bool), opts Options, log *slog.Logger) *Probe {
	if log == nil {
		log = slog.Default()
	}
	if opts.Canary == "" {
		opts.Canary = "velos"
	}
	return &Probe{
		store:   s,
		journal: journal,
		caches:  caches,
		lastRun: lastRun,
		opts:    opts,
		log:     log.With("component", "health"),
		now:     time.Now,
	}
}

// Check takes a snapshot. It never fails: every problem found is reported
// in the snapshot and decides its status. Schema or trigger problems and
// unreadable counts mark it failed; disagreeing counts, a failed canary or
// journal lag mark it degraded.
func (p *Probe) Check(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		CheckedAt:       p.now().UTC(),
		Status:          StatusOK,
		RequiredVersion: p.opts.RequiredVersion,
		Caches:          map[string]cache.Stats{},
	}
	fail := func(format string, args ...any) {
		snap.Status = StatusFailed
		snap.Problems = append(snap.Problems, fmt.Sprintf(format, args...))
	}
	degrade := func(format string, args ...any) {
		if snap.Status == StatusOK {
			snap.Status = StatusDegraded
		}
		snap.Problems = append(snap.Problems, fmt.Sprintf(format, args...))
	}

	if v, err := p.store.SchemaVersion(ctx); err != nil {
		fail("schema version: %v", err)
	} else {
		snap.SchemaVersion = v
		if v < p.opts.RequiredVersion {
			fail("schema version %d below required %d", v, p.opts.RequiredVersion)
		}
	}

	if trg, err := p.store.Triggers(ctx); err != nil {
		fail("triggers: %v", err)
	} else {
		snap.Triggers = trg
		var missing []string
		for name, ok := range trg {
			if !ok {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		for _, name := range missing {
			fail("trigger %s missing", name)
		}
	}

	if st, err := p.store.Stats(ctx); err != nil {
		fail("stats: %v", err)
	} else {
		snap.MemoryRows, snap.FTSRows = st.MemoryRows, st.FTSRows
		snap.CountsAgree = st.MemoryRows == st.FTSRows
		snap.DBSizeBytes, snap.WALSizeBytes = st.DBSizeBytes, st.WALSizeBytes
		snap.Journal.Cursor = st.Cursor
		if !snap.CountsAgree {
			degrade("memory has %d rows, fts has %d", st.MemoryRows, st.FTSRows)
		}
	}

	snap.Canary = Canary{Term: p.opts.Canary}
	if hits, err := p.store.Match(ctx, store.MatchParams{Expr: p.opts.Canary, Limit: 1}); err != nil {
		snap.Canary.Error = err.Error()
		degrade("canary search: %v", err)
	} else {
		snap.Canary.OK = true
		snap.Canary.Hits = len(hits)
	}

	if p.journal != nil {
		snap.Journal.Size = p.journal.Size()
		if lag := snap.Journal.Size - snap.Journal.Cursor; lag > 0 {
			snap.Journal.Lag = lag
			degrade("journal has %d unapplied bytes", lag)
		}
	}

	if p.lastRun != nil {
		if run, ok := p.lastRun(); ok {
			snap.LastMaintenance = &run
		}
	}

	for _, c := range p.caches {
		st := c.Stats()
		snap.Caches[st.Name] = st
	}

	p.log.Debug("health checked", "op", "health", "status", snap.Status, "problems", len(snap.Problems))
	return snap
}

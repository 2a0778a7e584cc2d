// Package scheduler runs periodic background jobs such as ingestion and
// maintenance while the server is up.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a named task run on a fixed cadence. A zero Every disables it.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs jobs on tickers. Each job runs on its own goroutine and
// never overlaps with itself.
type Scheduler struct {
	jobs []Job
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler for the enabled jobs.
func New(log *slog.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{log: log.With("component", "scheduler")}
	for _, j := range jobs {
		if j.Every > 0 && j.Run != nil {
			s.jobs = append(s.jobs, j)
		}
	}
	return s
}

// Jobs returns the names of the enabled jobs.
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name
	}
	return out
}

// Start begins ticking. Jobs stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info("scheduler started", "jobs", s.Jobs())
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.run(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("scheduled job failed", "job", j.Name, "error", err)
		return
	}
	s.log.Debug("scheduled job finished", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
}

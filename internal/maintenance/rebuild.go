package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/report"
	"github.com/rcliao/velos-memory/internal/store"
)

// Recovery steps, in order.
const (
	StepRebuild    = "rebuild_fts"
	StepOptimize   = "optimize"
	StepCheckpoint = "wal_checkpoint"
	StepIntegrity  = "integrity_check"
)

// Rebuild repopulates the full-text index, optimizes it and checks
// integrity afterwards.
func (m *Maintainer) Rebuild(ctx context.Context) (*model.RebuildReport, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	rep := &model.RebuildReport{
		RunID:     report.NewRunID(),
		Status:    model.StatusOK,
		StartedAt: m.now().UTC(),
	}
	log := m.log.With("op", KindRebuild, "run_id", rep.RunID)

	err := func() error {
		method, err := m.store.RebuildFTS(ctx)
		if err != nil {
			return err
		}
		rep.Method = method
		if err := m.store.OptimizeFTS(ctx); err != nil {
			return err
		}
		if err := m.store.IntegrityCheck(ctx); err != nil {
			rep.Integrity = err.Error()
			return err
		}
		rep.Integrity = "ok"
		return nil
	}()
	if mem, fts, cerr := m.store.Counts(context.WithoutCancel(ctx)); cerr == nil {
		rep.MemoryRows, rep.FTSRows = mem, fts
	}
	rep.FinishedAt = m.now().UTC()

	switch {
	case err == nil:
		log.Info("rebuild finished", "method", rep.Method, "memory_rows", rep.MemoryRows, "fts_rows", rep.FTSRows)
		m.record(KindRebuild, rep.RunID, rep.FinishedAt)
	case timedOut(ctx, err):
		rep.Status = model.StatusTimedOut
		rep.Error = err.Error()
		log.Warn("rebuild timed out", "error", err)
		err = nil
	default:
		rep.Status = model.StatusFailed
		rep.Error = err.Error()
		err = fmt.Errorf("rebuild fts: %w", err)
		log.Error("rebuild failed", "error", err)
	}
	m.writeReport(KindRebuild, rep.RunID, rep)
	return rep, err
}

// Recover runs the emergency sequence: rebuild, optimize, truncate the WAL
// and check integrity. It stops at the first failed step.
func (m *Maintainer) Recover(ctx context.Context) (*model.RecoveryReport, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	rep := &model.RecoveryReport{
		RunID:     report.NewRunID(),
		Status:    model.StatusOK,
		StartedAt: m.now().UTC(),
	}
	log := m.log.With("op", KindRecover, "run_id", rep.RunID)

	steps := []struct {
		name string
		fn   func() (string, error)
	}{
		{StepRebuild, func() (string, error) { return m.store.RebuildFTS(ctx) }},
		{StepOptimize, func() (string, error) { return "", m.store.OptimizeFTS(ctx) }},
		{StepCheckpoint, func() (string, error) {
			busy, frames, done, err := m.store.CheckpointWAL(ctx)
			return fmt.Sprintf("busy=%d log=%d checkpointed=%d", busy, frames, done), err
		}},
		{StepIntegrity, func() (string, error) { return "ok", m.store.IntegrityCheck(ctx) }},
	}

	var err error
	for _, st := range steps {
		start := time.Now()
		detail, serr := st.fn()
		step := model.Step{Name: st.name, OK: serr == nil, Duration: time.Since(start), Detail: detail}
		if serr != nil {
			step.Detail = serr.Error()
			err = fmt.Errorf("%s: %w", st.name, serr)
		}
		rep.Steps = append(rep.Steps, step)
		log.Info("recovery step", "step", st.name, "ok", step.OK, "duration", step.Duration)
		if err != nil {
			break
		}
	}
	if mem, fts, cerr := m.store.Counts(context.WithoutCancel(ctx)); cerr == nil {
		rep.MemoryRows, rep.FTSRows = mem, fts
	}
	rep.FinishedAt = m.now().UTC()

	switch {
	case err == nil:
		log.Info("recovery finished", "memory_rows", rep.MemoryRows, "fts_rows", rep.FTSRows)
		m.record(KindRecover, rep.RunID, rep.FinishedAt)
	case timedOut(ctx, err):
		rep.Status = model.StatusTimedOut
		rep.Error = err.Error()
		log.Warn("recovery timed out", "error", err)
		err = nil
	default:
		rep.Status = model.StatusFailed
		rep.Error = err.Error()
		err = fmt.Errorf("recover: %w", err)
		log.Error("recovery failed", "error", err)
	}
	m.writeReport(KindRecover, rep.RunID, rep)
	return rep, err
}

// CheckIntegrity verifies the store. An integrity failure triggers one
// automatic recovery; if the store still fails afterwards the result wraps
// store.ErrIntegrity. Other errors are returned as they are.
func (m *Maintainer) CheckIntegrity(ctx context.Context) error {
	err := m.store.IntegrityCheck(ctx)
	if err == nil || !errors.Is(err, store.ErrIntegrity) {
		return err
	}
	m.log.Warn("integrity failure, recovering", "op", "integrity", "error", err)

	rep, rerr := m.Recover(ctx)
	if rerr != nil {
		return fmt.Errorf("%w: recovery failed: %v", store.ErrIntegrity, rerr)
	}
	if !rep.OK() {
		return fmt.Errorf("%w: recovery %s", store.ErrIntegrity, rep.Status)
	}
	if err := m.store.IntegrityCheck(ctx); err != nil {
		return fmt.Errorf("%w: still failing after recovery: %v", store.ErrIntegrity, err)
	}
	return nil
}

// Package retention runs the daily sweep that deletes terminal pipeline
// executions older than the configured retention window, along with
// everything they own. Deletes are issued in dependency order
// (progress_event -> execution_subscription -> step_execution ->
// pipeline_execution) at the application layer, even though the schema could
// cascade, so optimistic versions stay consistent and batch boundaries can
// be observed and logged. One failing execution never stops the rest of the
// sweep.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/observability"
	"github.com/pipeflow/engine/internal/store"
)

// Config carries the sweep tunables from config.RetentionConfig, kept as a
// plain struct here so this package doesn't import internal/config.
type Config struct {
	RetentionDays int
	ScheduleHour  int
	ScheduleMin   int
	BatchSize     int
	Location      *time.Location
}

// Worker runs the daily retention sweep.
type Worker struct {
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config
}

func New(s store.Store, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Worker {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Worker{store: s, logger: logger, metrics: metrics, cfg: cfg}
}

// Run blocks, sweeping once at the configured hour/minute every day until
// ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		wait := w.durationUntilNextRun(time.Now().In(w.cfg.Location))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			w.Sweep(ctx)
		}
	}
}

func (w *Worker) durationUntilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), w.cfg.ScheduleHour, w.cfg.ScheduleMin, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Sweep performs one retention pass and returns the number of executions
// deleted and the number of per-execution errors encountered. Exposed
// directly so cmd/engine can offer a one-shot "retention-sweep" subcommand
// and so tests can drive it without waiting for the daily schedule.
func (w *Worker) Sweep(ctx context.Context) (deleted, errCount int) {
	start := time.Now().UTC()
	cutoff := start.AddDate(0, 0, -w.cfg.RetentionDays)
	w.logger.Info("retention sweep starting", zap.Time("cutoff", cutoff))

	for {
		ids, err := w.store.ListExecutionsForRetention(ctx, cutoff, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("list executions for retention failed", zap.Error(err))
			break
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if w.deleteOne(ctx, id) {
				deleted++
			} else {
				errCount++
			}
		}
		if len(ids) < w.cfg.BatchSize {
			break
		}
	}

	if w.metrics != nil {
		if deleted > 0 {
			w.metrics.RetentionDeletedTotal.Add(float64(deleted))
		}
		if errCount > 0 {
			w.metrics.RetentionErrorsTotal.Add(float64(errCount))
		}
	}
	w.logger.Info("retention sweep finished",
		zap.Time("start", start), zap.Time("end", time.Now().UTC()),
		zap.Int("deleted", deleted), zap.Int("errors", errCount))
	return deleted, errCount
}

// deleteOne removes a single execution's owned rows in cascade order.
// Idempotent: a second invocation against an already-deleted id finds
// nothing left to remove at each step and succeeds as a no-op.
func (w *Worker) deleteOne(ctx context.Context, executionID string) bool {
	if err := w.store.DeleteProgressEventsByExecution(ctx, executionID); err != nil {
		w.logger.Error("delete progress events failed", zap.String("execution_id", executionID), zap.Error(err))
		return false
	}
	if err := w.store.DeleteSubscriptionsByExecution(ctx, executionID); err != nil {
		w.logger.Error("delete subscriptions failed", zap.String("execution_id", executionID), zap.Error(err))
		return false
	}
	if err := w.store.DeleteStepsByExecution(ctx, executionID); err != nil {
		w.logger.Error("delete steps failed", zap.String("execution_id", executionID), zap.Error(err))
		return false
	}
	if err := w.store.DeleteExecution(ctx, executionID); err != nil {
		w.logger.Error("delete execution failed", zap.String("execution_id", executionID), zap.Error(err))
		return false
	}
	return true
}

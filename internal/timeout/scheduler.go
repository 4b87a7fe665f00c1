// Package timeout runs the periodic sweep that completes steps which have
// been waiting too long for an inbound event. It is the sole authority that
// terminates stuck event waits; one failing step never stops the rest of
// the sweep.
package timeout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/eventrouter"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/store"
)

// Scheduler periodically completes steps past their event deadline.
type Scheduler struct {
	store        store.Store
	router       *eventrouter.Router
	logger       *zap.Logger
	scanInterval time.Duration
}

func New(s store.Store, router *eventrouter.Router, logger *zap.Logger, scanInterval time.Duration) *Scheduler {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	return &Scheduler{store: s, router: router, logger: logger, scanInterval: scanInterval}
}

// Run blocks, sweeping on each tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep processes one round, isolating each step's failure (processOne runs
// each step in turn under a deferred recover) so one bad record never stops
// the others from timing out.
func (s *Scheduler) sweep(ctx context.Context) {
	steps, err := s.store.ListAwaitingPastDeadline(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("list awaiting past deadline failed", zap.Error(err))
		return
	}
	for _, step := range steps {
		s.processOne(ctx, step)
	}
}

func (s *Scheduler) processOne(ctx context.Context, step *models.StepExecution) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timeout processing panicked", zap.String("step_id", step.ID), zap.Any("recover", r))
		}
	}()
	result := s.router.ProcessTimeout(ctx, step)
	if result.Error != "" {
		s.logger.Warn("timeout processing failed", zap.String("step_id", step.ID), zap.String("error", result.Error))
		return
	}
	s.logger.Info("step timed out waiting for event",
		zap.String("step_id", step.ID), zap.String("external_workflow_id", step.ExternalWorkflowID))
}

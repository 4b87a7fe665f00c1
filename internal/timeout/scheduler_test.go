package timeout

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/eventrouter"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/store"
)

func TestSweepCompletesPastDeadlineSteps(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := registry.New(nil)
	router := eventrouter.New(s, reg, zap.NewNop())

	exec := &models.PipelineExecution{ID: "exec-1", Version: 0, Status: models.ExecutionRunning}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create exec: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	step := &models.StepExecution{
		ID: "step-1", ExecutionID: "exec-1", StepID: "wait", Status: models.StepRunning,
		AwaitingEvent: true, ExternalWorkflowID: "wf-1", EventDeadline: &past,
	}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	sched := New(s, router, zap.NewNop(), time.Hour)
	sched.sweep(ctx)

	updated, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if updated.Status != models.StepTimeout {
		t.Fatalf("expected TIMEOUT, got %v", updated.Status)
	}
	if updated.AwaitingEvent {
		t.Fatal("expected awaiting_event to be cleared")
	}
}

func TestSweepWithNoAwaitingStepsIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := registry.New(nil)
	router := eventrouter.New(s, reg, zap.NewNop())
	sched := New(s, router, zap.NewNop(), time.Hour)

	// No awaiting steps: sweep must be a safe no-op.
	sched.sweep(ctx)
}

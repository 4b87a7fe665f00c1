package store

import (
	"context"
	"testing"
	"time"

	"github.com/pipeflow/engine/internal/models"
)

func newExecution(id string, createdAt time.Time) *models.PipelineExecution {
	return &models.PipelineExecution{
		ID:        id,
		Version:   0,
		Status:    models.ExecutionRunning,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestUpdateExecutionWithVersionDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	exec := newExecution("exec-1", time.Now().UTC())
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	status := models.ExecutionCompleted
	if _, err := s.UpdateExecutionWithVersion(ctx, "exec-1", 0, ExecutionPatch{Status: &status}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Retrying with the stale version must fail with OptimisticLockError.
	if _, err := s.UpdateExecutionWithVersion(ctx, "exec-1", 0, ExecutionPatch{Status: &status}); err == nil {
		t.Fatal("expected optimistic lock conflict on stale version")
	}
}

func TestAppendProgressEventAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 3; i++ {
		ev := &models.ProgressEvent{ID: "ev", ExecutionID: "exec-1", Timestamp: time.Now().UTC()}
		if err := s.AppendProgressEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.SequenceNumber != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, ev.SequenceNumber)
		}
	}
}

func TestListExecutionsPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()
	for i := 0; i < 25; i++ {
		exec := newExecution(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page1, total, err := s.ListExecutions(ctx, ExecutionFilter{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 25 {
		t.Fatalf("expected total 25, got %d", total)
	}
	if len(page1) != 10 {
		t.Fatalf("expected 10 results, got %d", len(page1))
	}

	page3, _, err := s.ListExecutions(ctx, ExecutionFilter{Page: 3, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page3) != 5 {
		t.Fatalf("expected 5 results on last page, got %d", len(page3))
	}
}

func TestCascadeDeleteOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	execID := "exec-cascade"
	exec := newExecution(execID, time.Now().UTC())
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create exec: %v", err)
	}
	step := &models.StepExecution{ID: "step-1", ExecutionID: execID, StepID: "s1"}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}
	ev := &models.ProgressEvent{ID: "ev-1", ExecutionID: execID, Timestamp: time.Now().UTC()}
	if err := s.AppendProgressEvent(ctx, ev); err != nil {
		t.Fatalf("append progress: %v", err)
	}
	sub := &models.ExecutionSubscription{ID: "sub-1", ExecutionID: execID, CallbackTopic: "topic.a", DeliveryStatus: models.DeliveryActive}
	if err := s.CreateSubscriptions(ctx, []*models.ExecutionSubscription{sub}); err != nil {
		t.Fatalf("create sub: %v", err)
	}

	// Retention cascade order: progress -> subscriptions -> steps -> execution.
	if err := s.DeleteProgressEventsByExecution(ctx, execID); err != nil {
		t.Fatalf("delete progress: %v", err)
	}
	if err := s.DeleteSubscriptionsByExecution(ctx, execID); err != nil {
		t.Fatalf("delete subs: %v", err)
	}
	if err := s.DeleteStepsByExecution(ctx, execID); err != nil {
		t.Fatalf("delete steps: %v", err)
	}
	if err := s.DeleteExecution(ctx, execID); err != nil {
		t.Fatalf("delete exec: %v", err)
	}

	if got, _ := s.GetExecution(ctx, execID); got != nil {
		t.Fatal("expected execution to be gone")
	}
	steps, _ := s.GetStepsByExecution(ctx, execID)
	if len(steps) != 0 {
		t.Fatal("expected steps to be gone")
	}
	events, _ := s.ListProgressEvents(ctx, execID, ProgressFilter{})
	if len(events) != 0 {
		t.Fatal("expected progress events to be gone")
	}
	topics, _ := s.GetActiveTopics(ctx, execID)
	if len(topics) != 0 {
		t.Fatal("expected subscriptions to be gone")
	}
}

func TestListExecutionsForRetentionOnlyTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	old := time.Now().UTC().Add(-72 * time.Hour)
	running := newExecution("exec-running", old)
	running.Status = models.ExecutionRunning
	completed := newExecution("exec-done", old)
	completed.Status = models.ExecutionCompleted

	if err := s.CreateExecution(ctx, running); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateExecution(ctx, completed); err != nil {
		t.Fatalf("create: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	ids, err := s.ListExecutionsForRetention(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("list for retention: %v", err)
	}
	if len(ids) != 1 || ids[0] != "exec-done" {
		t.Fatalf("expected only exec-done, got %v", ids)
	}
}

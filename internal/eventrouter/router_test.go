package eventrouter

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/store"
)

type fakeExecutor struct {
	onEvent func(models.EventContext) models.EventResult
}

func (f *fakeExecutor) Execute(models.ActionContext) models.ActionResult { return models.ActionResult{} }
func (f *fakeExecutor) OnEvent(ctx models.EventContext) models.EventResult {
	return f.onEvent(ctx)
}

func newTestRouter(t *testing.T, onEvent func(models.EventContext) models.EventResult) (*Router, store.Store, *models.StepExecution) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New(nil)
	meta := models.ActionMeta{Type: "wait_for_cluster", Version: "1.0.0", DisplayName: "Wait"}
	if err := reg.Register(meta, func() models.Executor { return &fakeExecutor{onEvent: onEvent} }); err != nil {
		t.Fatalf("register: %v", err)
	}

	step := &models.StepExecution{
		ID:                  "step-1",
		ExecutionID:         "exec-1",
		Version:             0,
		StepID:              "wait",
		Status:              models.StepRunning,
		HandlerType:         "wait_for_cluster",
		AwaitingEvent:       true,
		ExternalWorkflowID:  "wf-123",
		Outputs:             map[string]interface{}{"started": true},
	}
	if err := s.CreateStep(context.Background(), step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	exec := &models.PipelineExecution{ID: "exec-1", Version: 0, Status: models.ExecutionRunning}
	if err := s.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("create exec: %v", err)
	}

	return New(s, reg, zap.NewNop()), s, step
}

func TestExtractWorkflowIDPriorityOrder(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"workflow_id":"a"}`, "a"},
		{`{"payload":{"workflow_id":"b"}}`, "b"},
		{`{"notification_metadata":{"workflow_id":"c"}}`, "c"},
		{`{"payload":{"content":{"result":{"workflow_id":"d"}}}}`, "d"},
		{`{"workflow_id":"a","payload":{"workflow_id":"b"}}`, "a"},
		{`{}`, ""},
	}
	for _, c := range cases {
		got := ExtractWorkflowID([]byte(c.payload))
		if got != c.want {
			t.Errorf("payload %s: expected %q, got %q", c.payload, c.want, got)
		}
	}
}

func TestRouteEventNoWorkflowID(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	result := router.RouteEvent(context.Background(), []byte(`{}`))
	if result.Routed {
		t.Fatal("expected not routed")
	}
}

func TestRouteEventNoStepAwaiting(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	result := router.RouteEvent(context.Background(), []byte(`{"workflow_id":"unknown-wf"}`))
	if result.Routed {
		t.Fatal("expected not routed")
	}
}

func TestRouteEventCompleteMergesOutputs(t *testing.T) {
	router, s, step := newTestRouter(t, func(ctx models.EventContext) models.EventResult {
		return models.EventResult{Action: models.EventActionComplete, Status: models.StepCompleted, Outputs: map[string]interface{}{"result": "ok"}}
	})

	result := router.RouteEvent(context.Background(), []byte(`{"workflow_id":"wf-123"}`))
	if !result.Routed || !result.StepCompleted {
		t.Fatalf("expected routed+completed, got %+v", result)
	}

	updated, err := s.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if updated.Status != models.StepCompleted {
		t.Fatalf("expected COMPLETED, got %v", updated.Status)
	}
	if updated.Outputs["started"] != true || updated.Outputs["result"] != "ok" {
		t.Fatalf("expected merged outputs, got %v", updated.Outputs)
	}
}

func TestRouteEventConcurrentCompleteDropsSecond(t *testing.T) {
	router, _, _ := newTestRouter(t, func(ctx models.EventContext) models.EventResult {
		return models.EventResult{Action: models.EventActionComplete, Status: models.StepCompleted}
	})

	first := router.RouteEvent(context.Background(), []byte(`{"workflow_id":"wf-123"}`))
	if first.Error != "" {
		t.Fatalf("expected first COMPLETE to succeed, got %v", first.Error)
	}

	// Step is now terminal with awaiting_event cleared; a second lookup by
	// external workflow id still finds the (terminal) row in this fake, so the
	// router must reject the late delivery rather than completing it again.
	second := router.RouteEvent(context.Background(), []byte(`{"workflow_id":"wf-123"}`))
	if second.Error == "" {
		t.Fatal("expected second COMPLETE for an already-completed step to be dropped")
	}
}

func TestRouteEventUpdateProgress(t *testing.T) {
	progress := 42.0
	router, s, step := newTestRouter(t, func(ctx models.EventContext) models.EventResult {
		return models.EventResult{Action: models.EventActionUpdateProgress, ProgressPercentage: &progress}
	})

	result := router.RouteEvent(context.Background(), []byte(`{"workflow_id":"wf-123"}`))
	if result.StepCompleted {
		t.Fatal("expected step to remain awaiting")
	}

	updated, _ := s.GetStep(context.Background(), step.ID)
	if updated.ProgressPercentage != 42.0 {
		t.Fatalf("expected progress 42, got %v", updated.ProgressPercentage)
	}
}

package actions

import (
	"context"
	"testing"

	"github.com/pipeflow/engine/internal/condition"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
)

func TestDiscoverRegistersBuiltins(t *testing.T) {
	r := registry.New(nil)
	r.Discover()

	for _, actionType := range []string{"log", "delay", "transform", "http_request", "conditional", "aggregate", "set_output", "fail", "model_add"} {
		if !r.Has(actionType) {
			t.Errorf("expected %q to be registered by discovery", actionType)
		}
	}
}

func TestLogExecutor(t *testing.T) {
	out := logExecutor{}.Execute(models.ActionContext{Context: context.Background(), Params: map[string]interface{}{"message": "hi"}})
	if !out.Success || out.Outputs["message"] != "hi" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestTransformExecutor_Uppercase(t *testing.T) {
	out := transformExecutor{}.Execute(models.ActionContext{
		Context: context.Background(),
		Params:  map[string]interface{}{"input": "abc", "operation": "uppercase"},
	})
	if out.Outputs["result"] != "ABC" {
		t.Fatalf("expected ABC, got %v", out.Outputs["result"])
	}
}

func TestConditionalExecutor_MultiBranch(t *testing.T) {
	ce := conditionalExecutor{eval: condition.New()}
	out := ce.Execute(models.ActionContext{
		Context: context.Background(),
		WorkflowParams: map[string]interface{}{"score": 7},
		Params: map[string]interface{}{
			"branches": []interface{}{
				map[string]interface{}{"id": "low", "condition": "params.score < 5", "target_step": "a"},
				map[string]interface{}{"id": "high", "condition": "params.score >= 5", "target_step": "b"},
			},
		},
	})
	if out.Outputs["matched_branch"] != "high" || out.Outputs["target_step"] != "b" {
		t.Fatalf("unexpected branch match: %+v", out.Outputs)
	}
}

func TestConditionalExecutor_NoMatch(t *testing.T) {
	ce := conditionalExecutor{eval: condition.New()}
	out := ce.Execute(models.ActionContext{
		Context:        context.Background(),
		WorkflowParams: map[string]interface{}{},
		Params: map[string]interface{}{
			"branches": []interface{}{
				map[string]interface{}{"id": "only", "condition": "params.missing == 1", "target_step": "x"},
			},
		},
	})
	if out.Outputs["matched_branch"] != nil {
		t.Fatalf("expected no match, got %+v", out.Outputs)
	}
}

func TestAggregateExecutor_Sum(t *testing.T) {
	out := aggregateExecutor{}.Execute(models.ActionContext{
		Context: context.Background(),
		Params:  map[string]interface{}{"inputs": []interface{}{1.0, 2.0, 3.0}, "operation": "sum"},
	})
	if out.Outputs["result"] != 6.0 {
		t.Fatalf("expected 6.0, got %v", out.Outputs["result"])
	}
}

func TestFailExecutor(t *testing.T) {
	out := failExecutor{}.Execute(models.ActionContext{Context: context.Background(), Params: map[string]interface{}{}})
	if out.Success || out.Error == "" {
		t.Fatalf("expected failure, got %+v", out)
	}
}

func TestModelAddOnEvent_Completed(t *testing.T) {
	res := modelAddExecutor{}.OnEvent(models.EventContext{
		Payload: map[string]interface{}{
			"type":   "workflow_completed",
			"status": "COMPLETED",
			"result": map[string]interface{}{"model_id": "m-1", "model_name": "llama"},
		},
	})
	if res.Action != models.EventActionComplete || res.Status != models.StepCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}
}

func TestModelAddOnEvent_Ignored(t *testing.T) {
	res := modelAddExecutor{}.OnEvent(models.EventContext{Payload: map[string]interface{}{"type": "heartbeat"}})
	if res.Action != models.EventActionIgnore {
		t.Fatalf("expected ignore, got %+v", res)
	}
}

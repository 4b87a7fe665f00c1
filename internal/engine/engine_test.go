package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"

	_ "github.com/pipeflow/engine/internal/actions"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/store"
	"github.com/pipeflow/engine/internal/subscription"
	"github.com/pipeflow/engine/internal/template"
)

// newTestEngine wires an Engine against a fresh MemoryStore and a registry
// discovered from internal/actions' built-ins, mirroring how cmd/engine
// wires the real thing minus Postgres/Redis/RabbitMQ.
func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New(nil)
	reg.Discover()
	resolver := template.New()
	subs := subscription.New(s)
	eng := New(s, reg, resolver, subs, nil, zap.NewNop(), nil, Config{})
	return eng, s
}

func progressEvents(t *testing.T, s store.Store, executionID string) []*models.ProgressEvent {
	t.Helper()
	events, err := s.ListProgressEvents(context.Background(), executionID, store.ProgressFilter{OrderBySequence: true})
	if err != nil {
		t.Fatalf("list progress events: %v", err)
	}
	return events
}

// A two-step log -> transform pipeline with params={msg:"hi"} and an upper
// filter on log's message template. Expect log.outputs.message == "HI",
// execution COMPLETED at 100%, two step_completed events plus one
// workflow_completed.
func TestStartExecution_SyncHappyPath(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	def := &models.PipelineDefinition{
		ID:   "pipe-1",
		Name: "sync happy path",
		Steps: []*models.StepDefinition{
			{
				StepID:     "log1",
				StepName:   "log it",
				ActionType: "log",
				Params:     map[string]interface{}{"message": "{{ params.msg | upper }}"},
			},
			{
				StepID:       "transform1",
				StepName:     "lowercase it",
				ActionType:   "transform",
				Dependencies: []string{"log1"},
				Params: map[string]interface{}{
					"input":     "{{ steps.log1.outputs.message }}",
					"operation": "lowercase",
				},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "alice", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %v (error_info=%+v)", exec.Status, exec.ErrorInfo)
	}
	if exec.ProgressPercentage != 100 {
		t.Fatalf("expected progress 100, got %v", exec.ProgressPercentage)
	}
	if exec.EndTime == nil {
		t.Fatal("expected end_time to be set on a terminal execution")
	}

	steps, err := s.GetStepsByExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	byID := map[string]*models.StepExecution{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	if byID["log1"].Outputs["message"] != "HI" {
		t.Fatalf("expected log1.outputs.message == HI, got %v", byID["log1"].Outputs["message"])
	}
	if byID["transform1"].Outputs["result"] != "hi" {
		t.Fatalf("expected transform1.outputs.result == hi, got %v", byID["transform1"].Outputs["result"])
	}

	events := progressEvents(t, s, exec.ID)
	var stepCompleted, workflowCompleted int
	for i, e := range events {
		if e.SequenceNumber != int64(i+1) {
			t.Fatalf("expected strictly monotonic sequence numbers, got %v at index %d", e.SequenceNumber, i)
		}
		switch e.EventType {
		case models.EventStepCompleted:
			stepCompleted++
		case models.EventWorkflowCompleted:
			workflowCompleted++
		}
	}
	if stepCompleted != 2 || workflowCompleted != 1 {
		t.Fatalf("expected 2 step_completed + 1 workflow_completed, got %d/%d (events=%+v)", stepCompleted, workflowCompleted, events)
	}
}

// cond -> {a, b} with params.x=5: branch "a" requires x>10 (false), branch
// "b" is unconditionally true. Branches are declared only on the step
// definition and conditions use the template-wrapped "{{ params.x > 10 }}"
// form; the engine hands them to the condition evaluator without running
// them through strict param resolution. Expect a SKIPPED, b COMPLETED.
func TestStartExecution_ConditionalBranching(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	def := &models.PipelineDefinition{
		ID:   "pipe-cond",
		Name: "conditional routing",
		Steps: []*models.StepDefinition{
			{
				StepID:     "cond",
				ActionType: "conditional",
				Branches: []models.Branch{
					{ID: "a", Condition: "{{ params.x > 10 }}", TargetStep: "a"},
					{ID: "b", Condition: "true", TargetStep: "b"},
				},
			},
			{
				StepID:       "a",
				ActionType:   "log",
				Dependencies: []string{"cond"},
				Params:       map[string]interface{}{"message": "branch a"},
			},
			{
				StepID:       "b",
				ActionType:   "log",
				Dependencies: []string{"cond"},
				Params:       map[string]interface{}{"message": "branch b"},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "bob", map[string]interface{}{"x": 5})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %v (error_info=%+v)", exec.Status, exec.ErrorInfo)
	}

	steps, _ := s.GetStepsByExecution(ctx, exec.ID)
	byID := map[string]*models.StepExecution{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	if byID["cond"].Outputs["matched_branch"] != "b" {
		t.Fatalf("expected branch b to match, got %v", byID["cond"].Outputs)
	}
	if byID["a"].Status != models.StepSkipped {
		t.Fatalf("expected branch a SKIPPED, got %v", byID["a"].Status)
	}
	if byID["b"].Status != models.StepCompleted {
		t.Fatalf("expected branch b COMPLETED, got %v", byID["b"].Status)
	}
}

// The older authoring form: the branch list lives in the step's params
// instead of on the definition. The engine holds it out of strict template
// resolution and passes it to the executor verbatim, so template-wrapped
// conditions still route instead of failing the step.
func TestStartExecution_ConditionalBranchingLegacyParams(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	def := &models.PipelineDefinition{
		ID:   "pipe-cond-legacy",
		Name: "conditional routing via params",
		Steps: []*models.StepDefinition{
			{
				StepID:     "cond",
				ActionType: "conditional",
				Params: map[string]interface{}{
					"branches": []interface{}{
						map[string]interface{}{"id": "big", "condition": "{{ params.x > 10 }}", "target_step": "big"},
					},
				},
			},
			{
				StepID:       "big",
				ActionType:   "log",
				Dependencies: []string{"cond"},
				Params:       map[string]interface{}{"message": "big x"},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "bob", map[string]interface{}{"x": 50})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %v (error_info=%+v)", exec.Status, exec.ErrorInfo)
	}

	steps, _ := s.GetStepsByExecution(ctx, exec.ID)
	byID := map[string]*models.StepExecution{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	if byID["cond"].Outputs["matched_branch"] != "big" {
		t.Fatalf("expected branch big to match, got %v", byID["cond"].Outputs)
	}
	if byID["big"].Status != models.StepCompleted {
		t.Fatalf("expected big COMPLETED, got %v", byID["big"].Status)
	}
}

// Fail-fast: a FAILED step marks the execution FAILED and every step still
// pending SKIPPED.
func TestStartExecution_FailFastCascadeSkip(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	def := &models.PipelineDefinition{
		ID:   "pipe-fail",
		Name: "fail fast",
		Steps: []*models.StepDefinition{
			{
				StepID:     "boom",
				ActionType: "fail",
				Params:     map[string]interface{}{"message": "kaboom"},
			},
			{
				StepID:       "downstream",
				ActionType:   "log",
				Dependencies: []string{"boom"},
				Params:       map[string]interface{}{"message": "never runs"},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "carol", nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("expected FAILED, got %v", exec.Status)
	}
	if exec.ErrorInfo == nil || exec.ErrorInfo.FailedSteps != 1 {
		t.Fatalf("expected error_info.failed_steps == 1, got %+v", exec.ErrorInfo)
	}

	steps, _ := s.GetStepsByExecution(ctx, exec.ID)
	byID := map[string]*models.StepExecution{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	if byID["boom"].Status != models.StepFailed {
		t.Fatalf("expected boom FAILED, got %v", byID["boom"].Status)
	}
	if byID["downstream"].Status != models.StepSkipped {
		t.Fatalf("expected downstream SKIPPED, got %v", byID["downstream"].Status)
	}
}

// An event-driven model_add step suspends with awaiting_event=true, then an
// external event (delivered here directly to the store, as
// internal/eventrouter would apply it) completes the step; a subsequent
// DispatchReady call finalizes the execution.
func TestStartExecution_EventDrivenStepSuspendsThenContinuation(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	invoked := false
	eng.invoke = func(ctx context.Context, appID, path, method string, data map[string]interface{}, timeout int) (map[string]interface{}, error) {
		invoked = true
		return map[string]interface{}{"workflow_id": "wf-999"}, nil
	}

	def := &models.PipelineDefinition{
		ID:   "pipe-event",
		Name: "event driven",
		Steps: []*models.StepDefinition{
			{
				StepID:     "add_model",
				ActionType: "model_add",
				Params: map[string]interface{}{
					"huggingface_id": "meta-llama/foo",
				},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "dave", nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if !invoked {
		t.Fatal("expected invoke_service to be called")
	}
	if exec.Status != models.ExecutionRunning {
		t.Fatalf("expected RUNNING while awaiting event, got %v", exec.Status)
	}

	steps, _ := s.GetStepsByExecution(ctx, exec.ID)
	step := steps[0]
	if !step.AwaitingEvent {
		t.Fatal("expected step to be awaiting_event")
	}
	if step.Status != models.StepRunning {
		t.Fatalf("awaiting_event step must stay RUNNING per invariant, got %v", step.Status)
	}
	if step.ExternalWorkflowID != "wf-999" {
		t.Fatalf("expected external_workflow_id wf-999, got %q", step.ExternalWorkflowID)
	}

	// Mirror internal/eventrouter.Router.applyResult's COMPLETE path: merge
	// outputs and complete under the step's current version.
	merged := map[string]interface{}{"model_id": "m-123", "status": "completed"}
	for k, v := range step.Outputs {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	if _, err := s.CompleteStepFromEvent(ctx, step.ID, step.Version, models.StepCompleted, merged, ""); err != nil {
		t.Fatalf("complete step from event: %v", err)
	}

	eng.DispatchReady(ctx, exec.ID)

	final, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if final.Status != models.ExecutionCompleted {
		t.Fatalf("expected COMPLETED after event completion, got %v", final.Status)
	}
	if final.ProgressPercentage != 100 {
		t.Fatalf("expected progress 100, got %v", final.ProgressPercentage)
	}
}

// progress_percentage never decreases across reads.
func TestClampProgressNeverDecreases(t *testing.T) {
	if got := models.ClampProgress(50, 30); got != 50 {
		t.Fatalf("expected clamp to hold at 50, got %v", got)
	}
	if got := models.ClampProgress(50, 75); got != 75 {
		t.Fatalf("expected progression to 75, got %v", got)
	}
}

// An operator interrupt marks the execution INTERRUPTED, skips pending
// steps, and makes later dispatch calls no-ops.
func TestInterruptExecutionStopsFurtherDispatch(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	eng.invoke = func(ctx context.Context, appID, path, method string, data map[string]interface{}, timeout int) (map[string]interface{}, error) {
		return map[string]interface{}{"workflow_id": "wf-int"}, nil
	}

	def := &models.PipelineDefinition{
		ID:   "pipe-int",
		Name: "interruptible",
		Steps: []*models.StepDefinition{
			{
				StepID:     "wait",
				ActionType: "model_add",
				Params:     map[string]interface{}{"huggingface_id": "meta-llama/foo"},
			},
			{
				StepID:       "after",
				ActionType:   "log",
				Dependencies: []string{"wait"},
				Params:       map[string]interface{}{"message": "unreachable"},
			},
		},
	}

	exec, err := eng.StartExecution(ctx, def, "erin", nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != models.ExecutionRunning {
		t.Fatalf("expected RUNNING, got %v", exec.Status)
	}

	if err := eng.InterruptExecution(ctx, exec.ID); err != nil {
		t.Fatalf("InterruptExecution: %v", err)
	}
	// A second interrupt of a terminal execution is a no-op.
	if err := eng.InterruptExecution(ctx, exec.ID); err != nil {
		t.Fatalf("second InterruptExecution: %v", err)
	}

	final, _ := s.GetExecution(ctx, exec.ID)
	if final.Status != models.ExecutionInterrupted {
		t.Fatalf("expected INTERRUPTED, got %v", final.Status)
	}
	if final.EndTime == nil {
		t.Fatal("expected end_time on interrupted execution")
	}

	eng.DispatchReady(ctx, exec.ID)
	steps, _ := s.GetStepsByExecution(ctx, exec.ID)
	byID := map[string]*models.StepExecution{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	if byID["after"].Status != models.StepSkipped {
		t.Fatalf("expected pending step SKIPPED on interrupt, got %v", byID["after"].Status)
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	def := &models.PipelineDefinition{
		Steps: []*models.StepDefinition{
			{StepID: "a", ActionType: "log", Dependencies: []string{"b"}},
			{StepID: "b", ActionType: "log", Dependencies: []string{"a"}},
		},
	}
	if err := validateDAG(def); err == nil {
		t.Fatal("expected circular dependency to be rejected")
	}
}

func TestValidateDAGRejectsDanglingDependency(t *testing.T) {
	def := &models.PipelineDefinition{
		Steps: []*models.StepDefinition{
			{StepID: "a", ActionType: "log", Dependencies: []string{"missing"}},
		},
	}
	if err := validateDAG(def); err == nil {
		t.Fatal("expected dangling dependency to be rejected")
	}
}

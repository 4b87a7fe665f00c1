// Package eventrouter routes an opaque inbound event payload to the step
// execution awaiting it and applies the handler's verdict under optimistic
// locking. Concurrent deliveries for the same step race on the step version;
// only the first COMPLETE wins and the rest are dropped.
package eventrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/store"
)

// workflowIDPaths is the extraction priority order: first non-empty wins.
// External publishers put the workflow id in different envelopes depending
// on which notification path produced the event.
var workflowIDPaths = []string{
	"workflow_id",
	"payload.workflow_id",
	"notification_metadata.workflow_id",
	"payload.content.result.workflow_id",
}

// RouteResult describes what happened to one inbound event.
type RouteResult struct {
	Routed            bool
	StepExecutionID   string
	ActionTaken       models.EventAction
	StepCompleted     bool
	FinalStatus       models.StepStatus
	Error             string
}

// Router dispatches inbound events to the action registered for a step's
// handler type and applies the resulting EventResult to the store.
type Router struct {
	store    store.Store
	registry *registry.Registry
	logger   *zap.Logger
}

func New(s store.Store, r *registry.Registry, logger *zap.Logger) *Router {
	return &Router{store: s, registry: r, logger: logger}
}

// ExtractWorkflowID walks the four candidate locations via gjson and returns
// the first non-empty match.
func ExtractWorkflowID(payload []byte) string {
	for _, path := range workflowIDPaths {
		res := gjson.GetBytes(payload, path)
		if res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	return ""
}

// RouteEvent is the main entry point: extract, locate, dispatch, apply.
func (r *Router) RouteEvent(ctx context.Context, rawEvent []byte) RouteResult {
	workflowID := ExtractWorkflowID(rawEvent)
	if workflowID == "" {
		return RouteResult{Routed: false, Error: "no workflow_id in event"}
	}

	eventType := gjson.GetBytes(rawEvent, "type").String()
	if eventType == "" {
		eventType = "unknown"
	}

	step, err := r.store.GetStepByExternalWorkflowID(ctx, workflowID)
	if err != nil {
		return RouteResult{Routed: false, Error: fmt.Sprintf("lookup step: %v", err)}
	}
	if step == nil {
		return RouteResult{Routed: false, Error: "no step awaiting event for workflow_id=" + workflowID}
	}
	if !step.AwaitingEvent || step.Status.IsTerminal() {
		return RouteResult{Routed: false, StepExecutionID: step.ID, Error: "step is no longer awaiting an event for workflow_id=" + workflowID}
	}

	if step.HandlerType == "" {
		return RouteResult{Routed: false, StepExecutionID: step.ID, Error: "step has no handler_type set"}
	}
	executor, err := r.registry.GetExecutor(step.HandlerType)
	if err != nil {
		return RouteResult{Routed: false, StepExecutionID: step.ID, Error: err.Error()}
	}

	var payload map[string]interface{}
	if !gjson.ValidBytes(rawEvent) {
		return RouteResult{Routed: false, StepExecutionID: step.ID, Error: "invalid event payload"}
	}
	payload = gjsonToMap(rawEvent)

	evCtx := models.EventContext{
		StepExecutionID:    step.ID,
		ExecutionID:        step.ExecutionID,
		ExternalWorkflowID: workflowID,
		Payload:            payload,
		CurrentOutputs:     step.Outputs,
	}

	result := r.invokeOnEvent(executor, evCtx)
	if result == nil {
		return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionIgnore, Error: "handler panicked"}
	}

	return r.applyResult(ctx, step, *result)
}

// invokeOnEvent calls the handler's OnEvent, recovering a panic into a nil
// result so RouteEvent can fall back to IGNORE and leave the step to the
// timeout scheduler.
func (r *Router) invokeOnEvent(executor models.Executor, evCtx models.EventContext) (result *models.EventResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler OnEvent panicked", zap.Any("recover", rec))
			result = nil
		}
	}()
	out := executor.OnEvent(evCtx)
	return &out
}

func (r *Router) applyResult(ctx context.Context, step *models.StepExecution, result models.EventResult) RouteResult {
	switch result.Action {
	case models.EventActionComplete:
		finalStatus := result.Status
		if finalStatus == "" {
			finalStatus = models.StepCompleted
		}
		merged := models.Redact(mergeOutputs(step.Outputs, result.Outputs))

		_, err := r.store.CompleteStepFromEvent(ctx, step.ID, step.Version, finalStatus, merged, result.Error)
		if err != nil {
			r.logger.Warn("complete_step_from_event dropped (likely concurrent COMPLETE)",
				zap.String("step_id", step.ID), zap.Error(err))
			return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionComplete, Error: err.Error()}
		}

		r.triggerPipelineContinuation(ctx, step.ID)
		return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionComplete, StepCompleted: true, FinalStatus: finalStatus}

	case models.EventActionUpdateProgress:
		if result.ProgressPercentage != nil {
			_, err := r.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
				ProgressPercentage: result.ProgressPercentage,
			})
			if err != nil {
				r.logger.Warn("progress update dropped on version conflict", zap.String("step_id", step.ID), zap.Error(err))
			}
		}
		return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionUpdateProgress}

	default: // IGNORE
		return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionIgnore}
	}
}

// mergeOutputs overlays incoming onto a copy of existing; incoming keys win.
func mergeOutputs(existing, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// ProcessTimeout completes a step that exceeded its event deadline. Called
// by internal/timeout.Scheduler per step; failures here are caller-isolated.
func (r *Router) ProcessTimeout(ctx context.Context, step *models.StepExecution) RouteResult {
	_, err := r.store.CompleteStepFromEvent(ctx, step.ID, step.Version, models.StepTimeout,
		map[string]interface{}{"timeout": true},
		fmt.Sprintf("step timed out waiting for event from workflow %s", step.ExternalWorkflowID))
	if err != nil {
		return RouteResult{Routed: false, StepExecutionID: step.ID, Error: fmt.Sprintf("failed to process timeout: %v", err)}
	}
	r.triggerPipelineContinuation(ctx, step.ID)
	return RouteResult{Routed: true, StepExecutionID: step.ID, ActionTaken: models.EventActionComplete, StepCompleted: true, FinalStatus: models.StepTimeout}
}

// triggerPipelineContinuation checks aggregate step status for the owning
// execution and advances/finalizes it. It updates execution state but does
// not itself dispatch further steps; internal/engine.Engine owns ready-step
// dispatch and picks newly-unblocked steps up on its next sweep.
func (r *Router) triggerPipelineContinuation(ctx context.Context, stepExecutionID string) {
	step, err := r.store.GetStep(ctx, stepExecutionID)
	if err != nil || step == nil {
		r.logger.Warn("step not found for continuation", zap.String("step_id", stepExecutionID))
		return
	}

	allSteps, err := r.store.GetStepsByExecution(ctx, step.ExecutionID)
	if err != nil {
		r.logger.Warn("list steps for continuation failed", zap.Error(err))
		return
	}

	var completed, failed, pending, running, skipped int
	finalOutputs := make(map[string]interface{})
	for _, s := range allSteps {
		switch s.Status {
		case models.StepCompleted:
			completed++
			if s.Outputs != nil {
				finalOutputs[s.StepID] = s.Outputs
			}
		case models.StepFailed, models.StepTimeout:
			failed++
		case models.StepPending:
			pending++
		case models.StepRunning:
			running++
		case models.StepSkipped:
			skipped++
		}
	}
	total := len(allSteps)

	exec, err := r.store.GetExecution(ctx, step.ExecutionID)
	if err != nil || exec == nil {
		r.logger.Warn("execution not found for continuation", zap.String("execution_id", step.ExecutionID))
		return
	}

	allDone := pending == 0 && running == 0
	now := time.Now().UTC()

	if allDone {
		if failed > 0 {
			status := models.ExecutionFailed
			_, err := r.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
				Status:  &status,
				EndTime: &now,
				ErrorInfo: &models.ErrorInfo{
					FailedSteps: failed,
					TotalSteps:  total,
				},
			})
			if err != nil {
				r.logger.Warn("execution failure update dropped", zap.Error(err))
			}
			return
		}
		status := models.ExecutionCompleted
		progress := 100.0
		_, err := r.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
			Status:             &status,
			ProgressPercentage: &progress,
			EndTime:            &now,
			FinalOutputs:       finalOutputs,
		})
		if err != nil {
			r.logger.Warn("execution completion update dropped", zap.Error(err))
		}
		return
	}

	// Progress counts completed over non-skipped; skipped steps never finish
	// and would otherwise hold the percentage down forever.
	if nonSkipped := total - skipped; nonSkipped > 0 {
		progress := models.ClampProgress(exec.ProgressPercentage, (float64(completed)/float64(nonSkipped))*100)
		_, err := r.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
			ProgressPercentage: &progress,
		})
		if err != nil {
			r.logger.Debug("progress update dropped on version race", zap.Error(err))
		}
	}
}

func gjsonToMap(raw []byte) map[string]interface{} {
	parsed := gjson.ParseBytes(raw)
	v, ok := parsed.Value().(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return v
}

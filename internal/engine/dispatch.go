package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/store"
)

// DispatchReady runs dispatch rounds for executionID until no step is ready,
// then recomputes aggregate progress and finalizes the execution if it's
// done. Safe to call repeatedly and concurrently for the same execution:
// claiming a step PENDING->RUNNING is itself an optimistic-locked write, so
// a losing round simply skips that step.
func (e *Engine) DispatchReady(ctx context.Context, executionID string) {
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil || exec == nil || exec.Status.IsTerminal() {
			return
		}
		steps, err := e.store.GetStepsByExecution(ctx, executionID)
		if err != nil {
			e.logger.Error("list steps for dispatch failed", zap.String("execution_id", executionID), zap.Error(err))
			return
		}
		ready := readySteps(&exec.Definition, steps)
		if len(ready) == 0 {
			break
		}

		params := paramsMap(&exec.Definition)
		prior := outputsByStepID(steps)

		g, gctx := errgroup.WithContext(ctx)
		for _, step := range ready {
			step := step
			g.Go(func() error {
				e.concurrency <- struct{}{}
				defer func() { <-e.concurrency }()
				e.executeStep(gctx, exec, step, params, prior)
				return nil
			})
		}
		_ = g.Wait()
	}
	e.recomputeContinuation(ctx, executionID)
}

// readySteps returns every PENDING step whose declared dependencies are all
// satisfied per StepStatus.SatisfiesDependency, given the hard/soft
// distinction the step definition carries.
func readySteps(def *models.PipelineDefinition, steps []*models.StepExecution) []*models.StepExecution {
	statusByStepID := make(map[string]models.StepStatus, len(steps))
	for _, s := range steps {
		statusByStepID[s.StepID] = s.Status
	}
	defByID := stepDefsByID(def)

	var ready []*models.StepExecution
	for _, s := range steps {
		if s.Status != models.StepPending {
			continue
		}
		sd := defByID[s.StepID]
		if sd == nil {
			continue
		}
		satisfied := true
		for _, dep := range sd.Dependencies {
			depStatus, ok := statusByStepID[dep]
			if !ok || !depStatus.SatisfiesDependency(sd.IsHardDependency(dep)) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, s)
		}
	}
	return ready
}

func stepDefsByID(def *models.PipelineDefinition) map[string]*models.StepDefinition {
	out := make(map[string]*models.StepDefinition, len(def.Steps))
	for _, sd := range def.Steps {
		out[sd.StepID] = sd
	}
	return out
}

func outputsByStepID(steps []*models.StepExecution) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(steps))
	for _, s := range steps {
		if s.Outputs != nil {
			out[s.StepID] = s.Outputs
		}
	}
	return out
}

// executeStep claims, resolves, and runs a single ready step, then applies
// its outcome. A failed claim is logged and leaves the step PENDING for a
// later dispatch round; a failed write after the claim is logged and leaves
// the step RUNNING, where dispatch does not pick it up again. Neither panics
// the goroutine.
func (e *Engine) executeStep(ctx context.Context, exec *models.PipelineExecution, step *models.StepExecution, params map[string]interface{}, prior map[string]map[string]interface{}) {
	sd := stepDefsByID(&exec.Definition)[step.StepID]
	if sd == nil {
		return
	}

	now := time.Now().UTC()
	runningStatus := models.StepRunning
	newVersion, err := e.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
		Status:    &runningStatus,
		StartTime: &now,
	})
	if err != nil {
		if !errs.IsOptimisticLock(err) {
			e.logger.Error("claim step running failed", zap.String("step_id", step.StepID), zap.Error(err))
		}
		return
	}
	step.Version = newVersion
	if e.metrics != nil {
		e.metrics.SetActiveSteps(sd.ActionType, 1)
	}

	// Branch conditions are expressions for the condition evaluator, not
	// templates: "{{ params.x > 10 }}" is not a resolvable path, so branches
	// are held out of strict resolution and handed to the executor verbatim.
	// An errored condition is then a non-matching branch, never a failed step.
	rawParams, legacyBranches := splitBranchParams(sd.Params)

	resolvedRaw, err := e.resolver.Resolve(rawParams, params, prior, true)
	if err != nil {
		e.failStep(ctx, exec, step, sd, errs.Wrap(errs.KindParameterResolution, "parameter resolution failed", err).Error())
		return
	}
	resolvedParams, _ := resolvedRaw.(map[string]interface{})
	if resolvedParams == nil {
		resolvedParams = map[string]interface{}{}
	}
	// Branches declared on the step definition win; a branch list the author
	// put in params is the older form and is passed through unresolved.
	if len(sd.Branches) > 0 {
		resolvedParams["branches"] = branchParamList(sd.Branches)
	} else if legacyBranches != nil {
		resolvedParams["branches"] = legacyBranches
	}

	executor, err := e.registry.GetExecutor(sd.ActionType)
	if err != nil {
		e.failStep(ctx, exec, step, sd, err.Error())
		return
	}

	start := time.Now()
	result, panicked := e.invokeExecute(ctx, executor, models.ActionContext{
		Context:        ctx,
		StepID:         step.StepID,
		ExecutionID:    exec.ID,
		Params:         resolvedParams,
		WorkflowParams: params,
		PriorOutputs:   prior,
		InvokeService:  e.invoke,
	})
	if e.metrics != nil {
		e.metrics.ObserveStepDuration(sd.ActionType, time.Since(start).Seconds())
		e.metrics.SetActiveSteps(sd.ActionType, 0)
	}

	if panicked {
		e.failStep(ctx, exec, step, sd, fmt.Sprintf("handler raised: action %q panicked", sd.ActionType))
		return
	}

	switch {
	case result.AwaitingEvent:
		e.suspendStep(ctx, exec, step, sd, result)
	case result.Success:
		e.completeStep(ctx, exec, step, sd, result)
	default:
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("action %q reported failure with no message", sd.ActionType)
		}
		e.failStep(ctx, exec, step, sd, msg)
	}
}

// invokeExecute recovers a handler panic into panicked=true, mirroring
// internal/eventrouter.Router.invokeOnEvent's isolation for the sibling
// execute() path.
func (e *Engine) invokeExecute(ctx context.Context, executor models.Executor, actx models.ActionContext) (result models.ActionResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panicked", zap.Any("recover", r))
			panicked = true
		}
	}()
	result = executor.Execute(actx)
	return
}

func (e *Engine) completeStep(ctx context.Context, exec *models.PipelineExecution, step *models.StepExecution, sd *models.StepDefinition, result models.ActionResult) {
	now := time.Now().UTC()
	completed := models.StepCompleted
	outputs := models.Redact(result.Outputs)
	newVersion, err := e.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
		Status:  &completed,
		Outputs: outputs,
		EndTime: &now,
	})
	if err != nil {
		e.logger.Warn("complete step update dropped", zap.String("step_id", step.StepID), zap.Error(err))
		return
	}
	step.Version = newVersion
	step.Status = completed
	step.Outputs = outputs
	if e.metrics != nil {
		e.metrics.RecordStepExecution(sd.ActionType, "completed")
	}
	e.appendStepCompletedEvent(ctx, exec.ID, step, sd, nil)
	e.applyConditionalRouting(ctx, exec, step, sd, outputs)
}

func (e *Engine) suspendStep(ctx context.Context, exec *models.PipelineExecution, step *models.StepExecution, sd *models.StepDefinition, result models.ActionResult) {
	timeoutSeconds := result.TimeoutSeconds
	if timeoutSeconds <= 0 {
		if meta, ok := e.registry.GetMeta(sd.ActionType); ok && meta.TimeoutSeconds > 0 {
			timeoutSeconds = meta.TimeoutSeconds
		} else {
			timeoutSeconds = e.cfg.DefaultStepTimeoutSeconds
		}
	}
	deadline := time.Now().UTC().Add(time.Duration(timeoutSeconds) * time.Second)
	outputs := models.Redact(result.Outputs)
	awaiting := true
	newVersion, err := e.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
		Outputs:            outputs,
		AwaitingEvent:      &awaiting,
		ExternalWorkflowID: &result.ExternalWorkflowID,
		EventDeadline:      &deadline,
	})
	if err != nil {
		e.logger.Warn("suspend step update dropped", zap.String("step_id", step.StepID), zap.Error(err))
		return
	}
	step.Version = newVersion
	step.AwaitingEvent = true
	step.ExternalWorkflowID = result.ExternalWorkflowID
	step.Outputs = outputs
	if e.metrics != nil {
		e.metrics.RecordStepExecution(sd.ActionType, "awaiting_event")
	}
}

func (e *Engine) failStep(ctx context.Context, exec *models.PipelineExecution, step *models.StepExecution, sd *models.StepDefinition, message string) {
	now := time.Now().UTC()
	failed := models.StepFailed
	newVersion, err := e.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
		Status:       &failed,
		ErrorMessage: &message,
		EndTime:      &now,
	})
	if err != nil {
		e.logger.Warn("fail step update dropped", zap.String("step_id", step.StepID), zap.Error(err))
		return
	}
	step.Version = newVersion
	step.Status = failed
	step.ErrorMessage = message
	if e.metrics != nil {
		e.metrics.RecordStepExecution(sd.ActionType, "failed")
		e.metrics.RecordError("engine", string(errs.KindActionExecution))
	}
	e.appendStepCompletedEvent(ctx, exec.ID, step, sd, &message)

	// Fail-fast: the whole execution terminates FAILED, so every step still
	// PENDING (dependent or not) is unreachable and marked SKIPPED. Steps
	// already RUNNING (including event waits) are left to finish or time out.
	e.skipAllPending(ctx, exec.ID)
}

// splitBranchParams returns params without the "branches" key plus the held
// out branch list (nil if the author declared none in params).
func splitBranchParams(params map[string]interface{}) (map[string]interface{}, interface{}) {
	branches, ok := params["branches"]
	if !ok {
		return params, nil
	}
	rest := make(map[string]interface{}, len(params)-1)
	for k, v := range params {
		if k != "branches" {
			rest[k] = v
		}
	}
	return rest, branches
}

func branchParamList(branches []models.Branch) []interface{} {
	out := make([]interface{}, 0, len(branches))
	for _, b := range branches {
		out = append(out, map[string]interface{}{
			"id":          b.ID,
			"label":       b.Label,
			"condition":   b.Condition,
			"target_step": b.TargetStep,
		})
	}
	return out
}

func (e *Engine) skipAllPending(ctx context.Context, executionID string) {
	steps, err := e.store.GetStepsByExecution(ctx, executionID)
	if err != nil {
		return
	}
	for _, s := range steps {
		if s.Status == models.StepPending {
			e.skipStep(ctx, s)
		}
	}
}

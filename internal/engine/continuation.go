package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/store"
)

// appendStepCompletedEvent records a step_completed ProgressEvent. errMsg is
// non-nil only for the failure path.
func (e *Engine) appendStepCompletedEvent(ctx context.Context, executionID string, step *models.StepExecution, sd *models.StepDefinition, errMsg *string) {
	desc := step.StepName
	if desc == "" {
		desc = step.StepID
	}
	details := map[string]interface{}{"step_id": step.StepID, "action_type": sd.ActionType, "status": string(step.Status)}
	if errMsg != nil {
		details["error"] = *errMsg
	}
	seq := e.nextSequenceNumber(ctx, executionID)
	event := &models.ProgressEvent{
		ID:                 uuid.NewString(),
		ExecutionID:        executionID,
		EventType:          models.EventStepCompleted,
		ProgressPercentage: step.ProgressPercentage,
		CurrentStepDesc:    models.TruncateStepDesc(desc),
		EventDetails:       models.Redact(details),
		Timestamp:          time.Now().UTC(),
		SequenceNumber:     seq,
	}
	if err := e.store.AppendProgressEvent(ctx, event); err != nil {
		e.logger.Warn("append step_completed event failed", zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (e *Engine) nextSequenceNumber(ctx context.Context, executionID string) int64 {
	latest, err := e.store.GetLatestProgressEvent(ctx, executionID)
	if err != nil || latest == nil {
		return 1
	}
	return latest.SequenceNumber + 1
}

// applyConditionalRouting: when a just-completed step declares branches, its
// outputs carry {matched_branch, matched_label, target_step} (set by the
// conditional action). Every direct successor other than target_step (and,
// transitively, everything only reachable through it) is marked SKIPPED;
// with no match, all successors are skipped.
func (e *Engine) applyConditionalRouting(ctx context.Context, exec *models.PipelineExecution, step *models.StepExecution, sd *models.StepDefinition, outputs map[string]interface{}) {
	if len(sd.Branches) == 0 {
		return
	}
	targetStep, _ := outputs["target_step"].(string)

	steps, err := e.store.GetStepsByExecution(ctx, exec.ID)
	if err != nil {
		e.logger.Warn("list steps for conditional routing failed", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	for _, s := range steps {
		if s.Status != models.StepPending {
			continue
		}
		if !dependsOn(&exec.Definition, s.StepID, step.StepID) {
			continue
		}
		if targetStep != "" && s.StepID == targetStep {
			continue
		}
		e.cascadeSkip(ctx, exec.ID, s.StepID)
	}
}

func dependsOn(def *models.PipelineDefinition, stepID, dependency string) bool {
	sd := stepDefsByID(def)[stepID]
	if sd == nil {
		return false
	}
	for _, d := range sd.Dependencies {
		if d == dependency {
			return true
		}
	}
	return false
}

// cascadeSkip marks startStepID SKIPPED, then, following declared dependency
// edges, every non-terminal downstream step whose dependencies are all
// SKIPPED or that has a SKIPPED hard dependency. It is used for abandoned
// conditional branches; fail-fast propagation goes through skipAllPending.
func (e *Engine) cascadeSkip(ctx context.Context, executionID, startStepID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return
	}
	steps, err := e.store.GetStepsByExecution(ctx, executionID)
	if err != nil {
		return
	}
	byStepID := make(map[string]*models.StepExecution, len(steps))
	for _, s := range steps {
		byStepID[s.StepID] = s
	}

	defs := stepDefsByID(&exec.Definition)

	queue := []string{startStepID}
	visited := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		s := byStepID[id]
		if s != nil && !s.Status.IsTerminal() {
			e.skipStep(ctx, s)
		}
		for _, other := range steps {
			if !dependsOn(&exec.Definition, other.StepID, id) {
				continue
			}
			od := defs[other.StepID]
			allSkipped, hardSkipped := true, false
			for _, d := range od.Dependencies {
				skipped := byStepID[d] != nil && byStepID[d].Status == models.StepSkipped
				allSkipped = allSkipped && skipped
				hardSkipped = hardSkipped || (skipped && od.IsHardDependency(d))
			}
			if allSkipped || hardSkipped {
				queue = append(queue, other.StepID)
			}
		}
	}
}

func (e *Engine) skipStep(ctx context.Context, step *models.StepExecution) {
	now := time.Now().UTC()
	skipped := models.StepSkipped
	newVersion, err := e.store.UpdateStepWithVersion(ctx, step.ID, step.Version, store.StepPatch{
		Status:  &skipped,
		EndTime: &now,
	})
	if err != nil {
		e.logger.Debug("skip step update dropped", zap.String("step_id", step.StepID), zap.Error(err))
		return
	}
	step.Version = newVersion
	step.Status = skipped
}

// recomputeContinuation mirrors internal/eventrouter.Router's
// triggerPipelineContinuation but is the full version: it also resolves
// final_outputs templates over the accumulated step outputs (rather than the
// router's plain per-step-id dump), since the engine owns execution
// finalization end to end.
func (e *Engine) recomputeContinuation(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil || exec.Status.IsTerminal() {
		return
	}
	steps, err := e.store.GetStepsByExecution(ctx, executionID)
	if err != nil {
		e.logger.Warn("list steps for continuation failed", zap.Error(err))
		return
	}

	var completed, failed, pending, running, skipped int
	for _, s := range steps {
		switch s.Status {
		case models.StepCompleted:
			completed++
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
	total := len(steps)
	now := time.Now().UTC()

	if pending == 0 && running == 0 {
		if failed > 0 {
			status := models.ExecutionFailed
			var first string
			for _, s := range steps {
				if (s.Status == models.StepFailed || s.Status == models.StepTimeout) && s.ErrorMessage != "" {
					first = s.ErrorMessage
					break
				}
			}
			e.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
				Status:  &status,
				EndTime: &now,
				ErrorInfo: &models.ErrorInfo{
					FailedSteps:  failed,
					TotalSteps:   total,
					FirstMessage: first,
				},
			})
			if e.metrics != nil {
				e.metrics.RecordPipelineExecution("failed")
				e.metrics.ActivePipelineExecutions.Dec()
			}
			e.appendWorkflowCompletedEvent(ctx, exec.ID, exec.ProgressPercentage, string(models.ExecutionFailed))
			return
		}

		status := models.ExecutionCompleted
		progress := 100.0
		finalOutputs := e.resolveFinalOutputs(&exec.Definition, steps)
		e.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
			Status:             &status,
			ProgressPercentage: &progress,
			EndTime:            &now,
			FinalOutputs:       finalOutputs,
		})
		if e.metrics != nil {
			e.metrics.RecordPipelineExecution("completed")
			e.metrics.ActivePipelineExecutions.Dec()
		}
		e.appendWorkflowCompletedEvent(ctx, exec.ID, 100, string(models.ExecutionCompleted))
		return
	}

	// Skipped steps never complete, so they drop out of the denominator:
	// progress is completed over non-skipped.
	if nonSkipped := total - skipped; nonSkipped > 0 {
		progress := models.ClampProgress(exec.ProgressPercentage, (float64(completed)/float64(nonSkipped))*100)
		if progress != exec.ProgressPercentage {
			e.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
				ProgressPercentage: &progress,
			})
			e.appendWorkflowProgressEvent(ctx, exec.ID, progress)
		}
	}
}

func (e *Engine) appendWorkflowProgressEvent(ctx context.Context, executionID string, progress float64) {
	event := &models.ProgressEvent{
		ID:                 uuid.NewString(),
		ExecutionID:        executionID,
		EventType:          models.EventWorkflowProgress,
		ProgressPercentage: progress,
		Timestamp:          time.Now().UTC(),
		SequenceNumber:     e.nextSequenceNumber(ctx, executionID),
	}
	if err := e.store.AppendProgressEvent(ctx, event); err != nil {
		e.logger.Debug("append workflow_progress event failed", zap.Error(err))
	}
}

func (e *Engine) appendWorkflowCompletedEvent(ctx context.Context, executionID string, progress float64, status string) {
	event := &models.ProgressEvent{
		ID:                 uuid.NewString(),
		ExecutionID:        executionID,
		EventType:          models.EventWorkflowCompleted,
		ProgressPercentage: progress,
		EventDetails:       models.Redact(map[string]interface{}{"status": status, "success": status == string(models.ExecutionCompleted)}),
		Timestamp:          time.Now().UTC(),
		SequenceNumber:     e.nextSequenceNumber(ctx, executionID),
	}
	if err := e.store.AppendProgressEvent(ctx, event); err != nil {
		e.logger.Warn("append workflow_completed event failed", zap.Error(err))
	}
}

// InterruptExecution is the operator-triggered stop: the execution goes
// INTERRUPTED with end_time set, every still-PENDING step is SKIPPED, and a
// terminal event is appended. Future DispatchReady calls see a terminal
// execution and no-op; in-flight event waits are left to the timeout
// scheduler.
func (e *Engine) InterruptExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return errs.New(errs.KindValidation, "execution not found: "+executionID)
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	status := models.ExecutionInterrupted
	if _, err := e.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
		Status:  &status,
		EndTime: &now,
	}); err != nil {
		return err
	}
	e.skipAllPending(ctx, exec.ID)
	if e.metrics != nil {
		e.metrics.RecordPipelineExecution("interrupted")
		e.metrics.ActivePipelineExecutions.Dec()
	}
	e.appendWorkflowCompletedEvent(ctx, exec.ID, exec.ProgressPercentage, string(models.ExecutionInterrupted))
	e.logger.Info("execution interrupted by operator", zap.String("execution_id", exec.ID))
	return nil
}

// resolveFinalOutputs evaluates def.FinalOutputs' templates (non-strict)
// over the accumulated per-step outputs. With no declared mapping, it falls
// back to exposing every completed step's raw outputs keyed by step_id.
func (e *Engine) resolveFinalOutputs(def *models.PipelineDefinition, steps []*models.StepExecution) map[string]interface{} {
	stepOutputs := outputsByStepID(steps)
	if len(def.FinalOutputs) == 0 {
		out := make(map[string]interface{}, len(stepOutputs))
		for id, o := range stepOutputs {
			out[id] = o
		}
		return out
	}

	params := paramsMap(def)
	out := make(map[string]interface{}, len(def.FinalOutputs))
	for name, tmpl := range def.FinalOutputs {
		v, err := e.resolver.Resolve(tmpl, params, stepOutputs, false)
		if err != nil {
			e.logger.Warn("final_outputs template resolution failed", zap.String("name", name), zap.Error(err))
			continue
		}
		out[name] = v
	}
	return out
}
